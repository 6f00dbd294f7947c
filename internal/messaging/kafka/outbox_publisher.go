package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicReservationEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

// Publish отправляет событие с ключом order_ref, чтобы события одного заказа шли в одну партицию.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	value, err := json.Marshal(OutboxEnvelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal outbox envelope: %w", err)
	}

	return p.producer.Send(p.topic, key, value, map[string]string{HeaderEventType: event.EventType})
}

// Topic возвращает topic публикации.
func (p *OutboxTopicPublisher) Topic() string {
	return p.topic
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
