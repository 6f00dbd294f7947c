package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// Topics для Kafka
const (
	TopicReservationEvents = "stockhold.reservation.events"
	TopicPaymentResults    = "stockhold.payment.results"
	TopicDeadLetterQueue   = "stockhold.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// PaymentOutcome: исход оплаты от платёжного шлюза.
type PaymentOutcome string

const (
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
	PaymentCanceled  PaymentOutcome = "canceled"
)

// PaymentResult: сообщение из topic результатов оплаты.
type PaymentResult struct {
	OrderRef   string         `json:"order_ref"`
	Outcome    PaymentOutcome `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
	OccurredAt time.Time      `json:"occurred_at,omitempty"`
}

// Validate проверяет обязательные поля.
func (r PaymentResult) Validate() error {
	if strings.TrimSpace(r.OrderRef) == "" {
		return fmt.Errorf("payment result: order_ref is required")
	}
	switch r.Outcome {
	case PaymentSucceeded, PaymentFailed, PaymentCanceled:
		return nil
	default:
		return fmt.Errorf("payment result: unknown outcome %q", r.Outcome)
	}
}

// ReleaseReason: причина снятия резерва для неуспешной оплаты.
func (r PaymentResult) ReleaseReason() string {
	if reason := strings.TrimSpace(r.Reason); reason != "" {
		return reason
	}
	return "payment_" + string(r.Outcome)
}

// OutboxEnvelope: формат события резерва в topic reservation events.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// DeadLetterMessage: сообщение consumer-а, отправленное в DLQ.
type DeadLetterMessage struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}

// ParsePaymentResult парсит PaymentResult из сообщения
func ParsePaymentResult(message *sarama.ConsumerMessage) (*PaymentResult, error) {
	var result PaymentResult
	if err := json.Unmarshal(message.Value, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment result: %w", err)
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return &result, nil
}

// ParseOutboxEnvelope парсит событие резерва из сообщения
func ParseOutboxEnvelope(message *sarama.ConsumerMessage) (*OutboxEnvelope, error) {
	var envelope OutboxEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reservation event: %w", err)
	}
	return &envelope, nil
}
