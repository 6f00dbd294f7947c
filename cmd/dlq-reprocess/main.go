// dlq-reprocess переигрывает dead letters stockhold. Сообщения consumer-а результатов оплаты
// возвращаются в исходный topic, outbox-события резервов публикуются заново в topic событий.
// По умолчанию работает в dry-run и только логирует кандидатов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	"github.com/vladislavdragonenkov/stockhold/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/stockhold/internal/service/outbox"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
)

var errUnknownDeadLetter = errors.New("unknown dead letter shape")

type options struct {
	brokers     []string
	dlqTopic    string
	eventsTopic string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

// deadLetter хранит ровно одно из двух: исходное сообщение оплаты или outbox-событие резерва.
type deadLetter struct {
	payment *kafka.DeadLetterMessage
	event   *domain.OutboxMessage
}

func (d deadLetter) fields() log.Fields {
	if d.event != nil {
		return log.Fields{"kind": "outbox", "order_ref": d.event.AggregateID, "event_type": d.event.EventType}
	}
	return log.Fields{"kind": "payment", "order_ref": d.payment.OriginalKey, "topic": d.payment.OriginalTopic}
}

type summary struct {
	scanned  int
	replayed int
	skipped  int
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("invalid options")
	}
	if err := run(context.Background(), opts); err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	var (
		opts    options
		brokers string
	)
	fs.StringVar(&brokers, "brokers", "", "Kafka brokers, comma-separated (fallback: KAFKA_BROKERS)")
	fs.StringVar(&opts.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&opts.eventsTopic, "events-topic", kafka.TopicReservationEvents, "topic for replayed reservation events")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max dead letters to scan")
	fs.BoolVar(&opts.execute, "execute", false, "publish replays instead of dry-run")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this pause")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv("KAFKA_BROKERS")
	}
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			opts.brokers = append(opts.brokers, broker)
		}
	}

	switch {
	case len(opts.brokers) == 0:
		return options{}, errors.New("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	case strings.TrimSpace(opts.dlqTopic) == "" || strings.TrimSpace(opts.eventsTopic) == "":
		return options{}, errors.New("dlq-topic and events-topic must not be empty")
	case opts.limit <= 0:
		return options{}, errors.New("limit must be > 0")
	case opts.idleTimeout <= 0:
		return options{}, errors.New("idle-timeout must be > 0")
	}
	return opts, nil
}

func run(ctx context.Context, opts options) error {
	logger := log.WithFields(log.Fields{"component": "dlq-reprocess", "dlq_topic": opts.dlqTopic, "execute": opts.execute})

	consumer, err := sarama.NewConsumer(opts.brokers, sarama.NewConfig())
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	var producer *kafka.Producer
	if opts.execute {
		producer, err = kafka.NewProducer(opts.brokers, "stockhold-dlq-reprocess")
		if err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
	}

	sum, err := reprocess(ctx, consumer, producer, opts, logger)
	logger.WithFields(log.Fields{
		"scanned":  sum.scanned,
		"replayed": sum.replayed,
		"skipped":  sum.skipped,
	}).Info("dlq replay finished")
	return err
}

// reprocess читает DLQ партиция за партицией. В dry-run producer может быть nil.
func reprocess(ctx context.Context, consumer sarama.Consumer, producer *kafka.Producer, opts options, logger *log.Entry) (summary, error) {
	var sum summary
	if opts.execute && producer == nil {
		return sum, errors.New("producer is required in execute mode")
	}

	partitions, err := consumer.Partitions(opts.dlqTopic)
	if err != nil {
		return sum, fmt.Errorf("list partitions of %s: %w", opts.dlqTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var events *kafka.OutboxTopicPublisher
	if producer != nil {
		events = kafka.NewOutboxPublisher(producer, opts.eventsTopic)
	}

	for _, partition := range partitions {
		if sum.scanned >= opts.limit {
			break
		}
		messages, err := drainPartition(ctx, consumer, opts.dlqTopic, partition, opts.limit-sum.scanned, opts.idleTimeout)
		if err != nil {
			return sum, err
		}

		for _, msg := range messages {
			sum.scanned++
			entry := logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

			letter, err := decodeDeadLetter(msg.Value)
			if err != nil {
				sum.skipped++
				entry.WithError(err).Warn("skip dead letter")
				continue
			}
			entry = entry.WithFields(letter.fields())

			if !opts.execute {
				sum.replayed++
				entry.Info("dlq replay candidate")
				continue
			}
			if err := replay(ctx, producer, events, letter); err != nil {
				return sum, fmt.Errorf("replay partition %d offset %d: %w", msg.Partition, msg.Offset, err)
			}
			sum.replayed++
			entry.Debug("dead letter replayed")
		}
	}
	return sum, nil
}

// drainPartition читает партицию с самого старого offset до high watermark,
// лимита или паузы длиннее idle.
func drainPartition(ctx context.Context, consumer sarama.Consumer, topic string, partition int32, limit int, idle time.Duration) ([]*sarama.ConsumerMessage, error) {
	pc, err := consumer.ConsumePartition(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return nil, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	timer := time.NewTimer(idle)
	defer timer.Stop()

	errs := pc.Errors()
	var out []*sarama.ConsumerMessage
	for len(out) < limit {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-timer.C:
			return out, nil
		case consumeErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return out, fmt.Errorf("partition %d: %w", partition, consumeErr)
		case msg, ok := <-pc.Messages():
			if !ok {
				return out, nil
			}
			out = append(out, msg)
			if msg.Offset+1 >= pc.HighWaterMarkOffset() {
				return out, nil
			}
			timer.Reset(idle)
		}
	}
	return out, nil
}

// decodeDeadLetter различает DeadLetterMessage consumer-а оплаты и outbox.DeadLetter,
// который outbox worker публикует внутри OutboxEnvelope.
func decodeDeadLetter(value []byte) (deadLetter, error) {
	var payment kafka.DeadLetterMessage
	if err := json.Unmarshal(value, &payment); err == nil && payment.OriginalValue != "" {
		if strings.TrimSpace(payment.OriginalTopic) == "" {
			payment.OriginalTopic = kafka.TopicPaymentResults
		}
		return deadLetter{payment: &payment}, nil
	}

	var envelope kafka.OutboxEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return deadLetter{}, errUnknownDeadLetter
	}
	var dead outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return deadLetter{}, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if dead.OutboxID == "" || len(dead.Payload) == 0 {
		return deadLetter{}, errors.New("outbox dead letter carries no original event")
	}

	var payload domain.EventPayload
	if err := json.Unmarshal(dead.Payload, &payload); err != nil {
		return deadLetter{}, fmt.Errorf("decode reservation event: %w", err)
	}
	if payload.ReservationID == "" {
		return deadLetter{}, errors.New("reservation event without reservation_id")
	}
	if dead.EventType != domain.EventTypeForState(payload.State) {
		return deadLetter{}, fmt.Errorf("event type %q does not match state %q", dead.EventType, payload.State)
	}

	aggregateID := dead.AggregateID
	if aggregateID == "" {
		aggregateID = payload.OrderRef
	}
	return deadLetter{event: &domain.OutboxMessage{
		ID:            dead.OutboxID,
		AggregateType: domain.AggregateTypeReservation,
		AggregateID:   aggregateID,
		EventType:     dead.EventType,
		Payload:       dead.Payload,
	}}, nil
}

func replay(ctx context.Context, producer *kafka.Producer, events *kafka.OutboxTopicPublisher, letter deadLetter) error {
	if letter.event != nil {
		return events.Publish(ctx, *letter.event)
	}
	return producer.Send(letter.payment.OriginalTopic, letter.payment.OriginalKey, []byte(letter.payment.OriginalValue), nil)
}
