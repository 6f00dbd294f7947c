package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения label result для операций менеджера резервов.
const (
	ResultOK       = "ok"
	ResultNoop     = "noop"
	ResultBusiness = "business_error"
	ResultError    = "error"
)

// ReservationMetrics содержит метрики менеджера резервов.
type ReservationMetrics struct {
	// Счётчики операций по результату
	operations *prometheus.CounterVec
	// Время выполнения операций
	operationDuration *prometheus.HistogramVec

	// Проигранные условные записи
	stateConflicts *prometheus.CounterVec

	// Алерты, требующие ручного разбора
	integrityViolations prometheus.Counter
	noLongerValid       prometheus.Counter
}

// NewReservationMetrics регистрирует метрики в DefaultRegisterer.
func NewReservationMetrics() *ReservationMetrics {
	return NewReservationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewReservationMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewReservationMetricsWithRegisterer(registerer prometheus.Registerer) *ReservationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ReservationMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "stockhold_reservation_operations_total",
			Help: "Total number of reservation operations grouped by operation and result",
		}, []string{"operation", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "stockhold_reservation_operation_duration_seconds",
			Help:    "Duration of reservation operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		stateConflicts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "stockhold_reservation_state_conflicts_total",
			Help: "Total number of conditional writes that lost a race",
		}, []string{"operation"}),
		integrityViolations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "stockhold_integrity_violations_total",
			Help: "Total number of detected stock balance invariant violations",
		}),
		noLongerValid: registerCounter(registerer, prometheus.CounterOpts{
			Name: "stockhold_reservation_no_longer_valid_total",
			Help: "Total number of confirmations received after the hold was gone",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOperation фиксирует результат и длительность операции.
func (m *ReservationMetrics) RecordOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStateConflict увеличивает счётчик проигранных условных записей.
func (m *ReservationMetrics) RecordStateConflict(operation string) {
	if m == nil {
		return
	}
	m.stateConflicts.WithLabelValues(operation).Inc()
}

// RecordIntegrityViolation увеличивает счётчик нарушений инварианта баланса.
func (m *ReservationMetrics) RecordIntegrityViolation() {
	if m == nil {
		return
	}
	m.integrityViolations.Inc()
}

// RecordNoLongerValid увеличивает счётчик подтверждений снятых резервов.
func (m *ReservationMetrics) RecordNoLongerValid() {
	if m == nil {
		return
	}
	m.noLongerValid.Inc()
}
