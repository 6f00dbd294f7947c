// Package outbox переносит события резервов из transactional outbox в брокер.
//
// События одного заказа уходят в порядке постановки. Если событие заказа не удалось
// ни опубликовать, ни отправить в DLQ, оно остаётся pending, а следующие события
// того же заказа в батче откладываются до следующего цикла.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

var (
	publishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockhold_outbox_publish_total",
		Help: "Outbox publish outcomes by reservation event type.",
	}, []string{"event_type", "result"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockhold_outbox_pending_records",
		Help: "Current number of pending reservation events in the outbox.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockhold_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending reservation event.",
	})
)

// DeadLetter: тело сообщения в DLQ. Его читает cmd/dlq-reprocess.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	Attempts       int             `json:"attempts"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

type settings struct {
	logger         *log.Entry
	dlq            domain.OutboxPublisher
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*settings)

func WithLogger(logger *log.Entry) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDLQPublisher включает DLQ для событий, исчерпавших попытки.
// Без DLQ такие события помечаются failed и дальше не публикуются.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(s *settings) { s.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(s *settings) { s.pollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(s *settings) { s.batchSize = batchSize }
}

func WithMaxAttempts(maxAttempts int) Option {
	return func(s *settings) { s.maxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается до maxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(s *settings) { s.retryBaseDelay = delay }
}

// Report: итог одного цикла. Deferred считает события, оставшиеся pending.
type Report struct {
	Sent     int
	Failed   int
	Deferred int
}

type outcome int

const (
	delivered outcome = iota
	deadLettered
	deferred
	canceled
)

// Worker публикует события резервов из outbox.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	cfg       settings
}

// NewWorker создаёт worker; нулевые и отрицательные настройки заменяются дефолтами.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	cfg := settings{retryBaseDelay: defaultRetryBaseDelay}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "outbox-worker")
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = defaultPollInterval
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = defaultMaxAttempts
	}
	if cfg.retryBaseDelay < 0 {
		cfg.retryBaseDelay = 0
	}
	return &Worker{repo: repo, publisher: publisher, cfg: cfg}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.cfg.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.cfg.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует один батч pending-событий.
func (w *Worker) ProcessOnce(ctx context.Context) Report {
	var report Report
	if ctx.Err() != nil {
		return report
	}

	w.observeBacklog()
	batch, err := w.repo.PullPending(w.cfg.batchSize)
	if err != nil {
		w.cfg.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return report
	}

	held := make(map[string]bool)
	for _, event := range batch {
		if ctx.Err() != nil {
			return report
		}
		if held[event.AggregateID] {
			report.Deferred++
			continue
		}

		switch w.deliver(ctx, event) {
		case delivered:
			report.Sent++
		case deadLettered:
			report.Failed++
		case deferred:
			report.Deferred++
			held[event.AggregateID] = true
		case canceled:
			// Событие остаётся pending до следующего запуска.
			return report
		}
	}

	if len(batch) > 0 {
		w.observeBacklog()
	}
	return report
}

func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) outcome {
	entry := w.cfg.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"event_type": event.EventType,
		"order_ref":  event.AggregateID,
	})

	err := w.publishWithRetry(ctx, event)
	if err == nil {
		if markErr := w.repo.MarkSent(event.ID); markErr != nil {
			entry.WithError(markErr).Warn("failed to mark outbox as sent")
		}
		return delivered
	}
	if ctx.Err() != nil {
		return canceled
	}

	entry = entry.WithError(err)
	if w.cfg.dlq != nil {
		if dlqErr := w.publishDeadLetter(ctx, event, err); dlqErr != nil {
			publishOutcomes.WithLabelValues(event.EventType, "deferred").Inc()
			entry.WithField("dlq_error", dlqErr.Error()).Error("outbox event kept pending: publish and dlq both failed")
			return deferred
		}
	}

	publishOutcomes.WithLabelValues(event.EventType, "failed").Inc()
	entry.WithField("dlq", w.cfg.dlq != nil).Error("outbox publish failed after retries")
	if markErr := w.repo.MarkFailed(event.ID); markErr != nil {
		entry.WithError(markErr).Warn("failed to mark outbox as failed")
	}
	return deadLettered
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) error {
	for attempt := 1; ; attempt++ {
		err := w.publisher.Publish(ctx, event)
		if err == nil {
			publishOutcomes.WithLabelValues(event.EventType, "sent").Inc()
			return nil
		}
		publishOutcomes.WithLabelValues(event.EventType, "retry_error").Inc()

		if attempt >= w.cfg.maxAttempts {
			return fmt.Errorf("publish %s for order %s after %d attempts: %w", event.EventType, event.AggregateID, attempt, err)
		}
		if err := sleep(ctx, retryDelay(w.cfg.retryBaseDelay, attempt)); err != nil {
			return err
		}
	}
}

// retryDelay: base, 2*base, 4*base и так далее, но не больше maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if base >= maxRetryDelay || attempt > 32 {
		return maxRetryDelay
	}
	delay := base << (attempt - 1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) observeBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.cfg.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	pendingRecords.Set(float64(stats.PendingCount))

	age := 0.0
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(time.Since(stats.OldestPendingAt).Seconds(), 0)
	}
	oldestPendingAge.Set(age)
}

func (w *Worker) publishDeadLetter(ctx context.Context, event domain.OutboxMessage, publishErr error) error {
	payload := json.RawMessage(event.Payload)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(event.Payload))
		payload = quoted
	}

	body, err := json.Marshal(DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        payload,
		PublishError:   publishErr.Error(),
		Attempts:       w.cfg.maxAttempts,
		DLQPublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	letter := event
	letter.Payload = body
	if err := w.cfg.dlq.Publish(ctx, letter); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
