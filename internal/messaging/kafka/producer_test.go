package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, log.WithField("component", "kafka-producer-test"))

	// Проверяем ключ и тело сообщения
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "order-123" {
			t.Errorf("unexpected key %q", key)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var result PaymentResult
		if err := json.Unmarshal(value, &result); err != nil {
			t.Errorf("value is not a payment result: %v", err)
		}
		return nil
	})

	err := producer.PublishEvent(TopicPaymentResults, "order-123", PaymentResult{
		OrderRef: "order-123",
		Outcome:  PaymentSucceeded,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, log.WithField("component", "kafka-producer-test"))

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(TopicPaymentResults, "order-123", PaymentResult{OrderRef: "order-123"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_PublishEvent_MarshalError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, nil)

	if err := producer.PublishEvent(TopicPaymentResults, "k", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_SendHeaders(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFromSync(mockProducer, nil)

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != HeaderEventType {
			t.Errorf("unexpected headers: %+v", msg.Headers)
		}
		return nil
	})

	if err := producer.Send(TopicReservationEvents, "k", []byte(`{}`), map[string]string{HeaderEventType: "reservation.created"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPaymentResult_ReleaseReason(t *testing.T) {
	if got := (PaymentResult{Outcome: PaymentFailed}).ReleaseReason(); got != "payment_failed" {
		t.Errorf("unexpected default reason: %s", got)
	}
	if got := (PaymentResult{Outcome: PaymentCanceled, Reason: "card_declined"}).ReleaseReason(); got != "card_declined" {
		t.Errorf("explicit reason must win, got %s", got)
	}
	if err := (PaymentResult{Outcome: PaymentSucceeded}).Validate(); err == nil {
		t.Error("empty order_ref must fail validation")
	}
}
