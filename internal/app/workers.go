package app

import (
	"context"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	"github.com/vladislavdragonenkov/stockhold/internal/lease"
	"github.com/vladislavdragonenkov/stockhold/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/stockhold/internal/service/outbox"
	"github.com/vladislavdragonenkov/stockhold/internal/service/sweeper"
)

const sweeperLeaseName = "expiry-sweeper"

// newSweeper собирает фоновую очистку просроченных резервов.
// С Redis проход выполняет один инстанс из нескольких.
func newSweeper(cfg Config, store domain.ReservationStore, redisClient *redis.Client, logger *log.Entry) *sweeper.Sweeper {
	opts := []sweeper.Option{
		sweeper.WithLogger(logger.WithField("component", "expiry-sweeper")),
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithBatchSize(cfg.SweepBatchSize),
	}
	if redisClient != nil {
		opts = append(opts, sweeper.WithLease(lease.NewRedisLease(redisClient, sweeperLeaseName, cfg.SweepLeaseTTL)))
	}
	return sweeper.New(store, opts...)
}

// newOutboxWorker публикует события резервов в Kafka, а без Kafka пишет их в лог.
func newOutboxWorker(cfg Config, repo domain.OutboxRepository, producer *kafka.Producer, logger *log.Entry) *outbox.Worker {
	workerLogger := logger.WithField("component", "outbox-worker")

	var publisher domain.OutboxPublisher = logPublisher{logger: workerLogger}
	opts := []outbox.Option{
		outbox.WithLogger(workerLogger),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if producer != nil {
		events := kafka.NewOutboxPublisher(producer, cfg.KafkaEventsTopic)
		dlq := kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)
		workerLogger.WithFields(log.Fields{
			"topic":     events.Topic(),
			"dlq_topic": dlq.Topic(),
		}).Info("outbox events are published to kafka")
		publisher = events
		opts = append(opts, outbox.WithDLQPublisher(dlq))
	}

	return outbox.NewWorker(repo, publisher, opts...)
}

// logPublisher пишет события в лог, когда брокер не настроен.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"event_type": event.EventType,
		"order_ref":  event.AggregateID,
	}).Info("reservation event")
	return nil
}

func newRedisClient(cfg Config) *redis.Client {
	if !cfg.RedisEnabled() {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
