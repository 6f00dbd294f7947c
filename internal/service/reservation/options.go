package reservation

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/clock"
	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	"github.com/vladislavdragonenkov/stockhold/internal/metrics"
)

const defaultMaxAttempts = 5

type options struct {
	clock        clock.Clock
	holdDuration time.Duration
	logger       *log.Entry
	metrics      *metrics.ReservationMetrics
	maxAttempts  int
}

// Option настраивает Manager и Calculator.
type Option func(*options)

// WithClock задаёт источник времени.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithHoldDuration задаёт срок удержания нового резерва.
func WithHoldDuration(d time.Duration) Option {
	return func(o *options) {
		o.holdDuration = d
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics задаёт метрики; без них операции не учитываются.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithMaxAttempts ограничивает число повторов после проигранной условной записи.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		holdDuration: domain.DefaultHoldDuration,
		maxAttempts:  defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.clock == nil {
		o.clock = clock.NewSystem()
	}
	if o.holdDuration <= 0 {
		o.holdDuration = domain.DefaultHoldDuration
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = defaultMaxAttempts
	}
	if o.logger == nil {
		o.logger = log.WithField("component", component)
	}
	return o
}
