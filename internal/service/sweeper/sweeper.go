package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/clock"
	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepBatchSize = 100
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockhold_sweeper_runs_total",
		Help: "Total number of expiry sweep runs grouped by result.",
	}, []string{"result"})
	sweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockhold_sweeper_expired_total",
		Help: "Total number of reservations expired by the sweeper.",
	})
	sweepSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockhold_sweeper_skipped_total",
		Help: "Total number of stale reservations already resolved by a concurrent writer.",
	})
	sweepLastExpired = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockhold_sweeper_last_expired",
		Help: "Number of reservations expired during the last sweep run.",
	})
)

// Lease ограничивает sweep одним инстансом за интервал. Корректность от него
// не зависит: условная запись и так отсекает гонки.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Options задаёт параметры sweeper.
type Options struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	Lease     Lease
	Clock     clock.Clock
}

// Option настраивает Sweeper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер batch одного чтения просроченных резервов.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// WithLease задаёт lease; если его не удалось взять, проход пропускается.
func WithLease(lease Lease) Option {
	return func(opts *Options) {
		opts.Lease = lease
	}
}

// WithClock задаёт источник времени.
func WithClock(clk clock.Clock) Option {
	return func(opts *Options) {
		opts.Clock = clk
	}
}

// Result: итог одного прохода.
type Result struct {
	Expired int
	Skipped int
}

// Sweeper периодически переводит просроченные reserved-резервы в expired.
type Sweeper struct {
	store     domain.ReservationStore
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	lease     Lease
	clock     clock.Clock
}

// New создаёт sweeper.
func New(store domain.ReservationStore, options ...Option) *Sweeper {
	opts := Options{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "expiry-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}

	return &Sweeper{
		store:     store,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		lease:     opts.Lease,
		clock:     opts.Clock,
	}
}

// Run выполняет проход сразу и затем по таймеру до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.store == nil {
		s.logger.Warn("expiry sweeper is disabled: store is nil")
		return
	}

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if s.lease != nil {
		acquired, err := s.lease.TryAcquire(ctx)
		if err != nil {
			// Без lease работаем дальше: двойной sweep безопасен.
			s.logger.WithError(err).Warn("sweep lease unavailable, sweeping without it")
		} else if !acquired {
			sweepRunsTotal.WithLabelValues("lease_busy").Inc()
			return
		} else {
			defer func() {
				if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.WithError(err).Warn("failed to release sweep lease")
				}
			}()
		}
	}

	result, err := s.Sweep(ctx, s.clock.Now())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepRunsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).WithField("expired", result.Expired).Warn("expiry sweep failed")
		return
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	sweepLastExpired.Set(float64(result.Expired))
	if result.Expired > 0 || result.Skipped > 0 {
		s.logger.WithFields(log.Fields{
			"expired": result.Expired,
			"skipped": result.Skipped,
		}).Info("expiry sweep completed")
	}
}

// Sweep переводит в expired все reserved-резервы с expires_at <= now порциями batchSize.
// Конфликт условной записи означает, что Confirm/Release или другой sweeper успели раньше.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var result Result

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := s.store.ListExpired(ctx, now, s.batchSize)
		if err != nil {
			return result, err
		}

		expired := 0
		for _, res := range batch {
			req, err := domain.ExpiryTransition(res, now)
			if err != nil {
				return result, err
			}

			_, err = s.store.Transition(ctx, req)
			if domain.IsStateConflict(err) {
				result.Skipped++
				sweepSkippedTotal.Inc()
				continue
			}
			if err != nil {
				return result, err
			}

			expired++
			sweepExpiredTotal.Inc()
			s.logger.WithFields(log.Fields{
				"order_ref":      res.OrderRef,
				"reservation_id": res.ID,
				"expires_at":     res.ExpiresAt,
			}).Debug("reservation expired")
		}
		result.Expired += expired

		if len(batch) < s.batchSize || expired == 0 {
			break
		}
	}

	return result, nil
}
