package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockhold/internal/clock"
	"github.com/vladislavdragonenkov/stockhold/internal/domain"
	"github.com/vladislavdragonenkov/stockhold/internal/metrics"
)

const (
	opReserve = "reserve"
	opConfirm = "confirm"
	opRelease = "release"
)

// Snapshot: резерв и его состояние на момент чтения.
type Snapshot struct {
	Reservation    domain.Reservation
	EffectiveState domain.ReservationState
	ReadAt         time.Time
}

// Manager управляет жизненным циклом резервов: Reserve → Confirm | Release.
// Все переходы выполняются условной записью хранилища; при проигранной гонке
// запись перечитывается и правила применяются заново.
type Manager struct {
	store        domain.ReservationStore
	clock        clock.Clock
	holdDuration time.Duration
	logger       *log.Entry
	metrics      *metrics.ReservationMetrics
	maxAttempts  int
}

// NewManager создаёт менеджер резервов.
func NewManager(store domain.ReservationStore, opts ...Option) *Manager {
	o := buildOptions("reservation-manager", opts)
	return &Manager{
		store:        store,
		clock:        o.clock,
		holdDuration: o.holdDuration,
		logger:       o.logger,
		metrics:      o.metrics,
		maxAttempts:  o.maxAttempts,
	}
}

// Reserve удерживает сток под заказ на holdDuration.
func (m *Manager) Reserve(ctx context.Context, orderRef string, items []domain.ReservationItem) (domain.Reservation, error) {
	start := time.Now()
	orderRef = normalizeOrderRef(orderRef)

	if err := domain.ValidateReserveRequest(orderRef, items); err != nil {
		m.observe(opReserve, start, metrics.ResultBusiness)
		return domain.Reservation{}, err
	}

	now := m.clock.Now()
	res := domain.Reservation{
		ID:        uuid.NewString(),
		OrderRef:  orderRef,
		Items:     append([]domain.ReservationItem(nil), items...),
		State:     domain.ReservationStateReserved,
		ExpiresAt: now.Add(m.holdDuration),
		CreatedAt: now,
		UpdatedAt: now,
	}

	msg, err := domain.NewTransitionMessage(res, "", domain.ReservationStateReserved, "", now)
	if err != nil {
		m.observe(opReserve, start, metrics.ResultError)
		return domain.Reservation{}, fmt.Errorf("build reservation event: %w", err)
	}

	created, err := m.store.CreateReservation(ctx, res, msg)
	if err != nil {
		m.fail(opReserve, orderRef, start, err)
		return domain.Reservation{}, err
	}

	m.logger.WithFields(log.Fields{
		"order_ref":      orderRef,
		"reservation_id": created.ID,
		"expires_at":     created.ExpiresAt,
		"items":          len(created.Items),
	}).Info("stock reserved")
	m.observe(opReserve, start, metrics.ResultOK)

	return created, nil
}

// Confirm переводит резерв в confirmed и списывает сток. Повторный вызов
// для уже подтверждённого резерва возвращает его без побочных эффектов.
func (m *Manager) Confirm(ctx context.Context, orderRef string) (domain.Reservation, error) {
	orderRef = normalizeOrderRef(orderRef)
	start := time.Now()

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		current, err := m.store.GetByOrderRef(ctx, orderRef)
		if err != nil {
			m.fail(opConfirm, orderRef, start, err)
			return domain.Reservation{}, err
		}

		now := m.clock.Now()
		switch current.State {
		case domain.ReservationStateConfirmed:
			m.observe(opConfirm, start, metrics.ResultNoop)
			return current, nil
		case domain.ReservationStateReleased, domain.ReservationStateExpired:
			err := noLongerValid(current, current.State)
			m.fail(opConfirm, orderRef, start, err)
			return domain.Reservation{}, err
		}

		if !current.ActiveAt(now) {
			err := noLongerValid(current, domain.ReservationStateExpired)
			m.fail(opConfirm, orderRef, start, err)
			return domain.Reservation{}, err
		}

		msg, err := domain.NewTransitionMessage(current, current.State, domain.ReservationStateConfirmed, domain.ConfirmReasonPayment, now)
		if err != nil {
			m.observe(opConfirm, start, metrics.ResultError)
			return domain.Reservation{}, fmt.Errorf("build reservation event: %w", err)
		}

		confirmed, err := m.store.Transition(ctx, domain.TransitionRequest{
			ReservationID: current.ID,
			From:          domain.ReservationStateReserved,
			To:            domain.ReservationStateConfirmed,
			Reason:        domain.ConfirmReasonPayment,
			At:            now,
			Expiry:        domain.ExpiryNotPassed,
			DeductStock:   true,
			Outbox:        msg,
		})
		if domain.IsStateConflict(err) {
			m.conflict(opConfirm, orderRef, attempt)
			continue
		}
		if err != nil {
			m.fail(opConfirm, orderRef, start, err)
			return domain.Reservation{}, err
		}

		m.logger.WithFields(log.Fields{
			"order_ref":      orderRef,
			"reservation_id": confirmed.ID,
		}).Info("reservation confirmed, stock deducted")
		m.observe(opConfirm, start, metrics.ResultOK)
		return confirmed, nil
	}

	m.observe(opConfirm, start, metrics.ResultError)
	return domain.Reservation{}, fmt.Errorf("confirm %s: %w after %d attempts", orderRef, domain.ErrStateConflict, m.maxAttempts)
}

// Release снимает удержание. Для released/expired, no-op, для confirmed, ErrCannotReleaseConfirmed.
// Просроченный, но ещё не обработанный sweeper-ом резерв снимается с переданной причиной.
func (m *Manager) Release(ctx context.Context, orderRef, reason string) (domain.Reservation, error) {
	orderRef = normalizeOrderRef(orderRef)
	start := time.Now()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = domain.ReleaseReasonDefault
	}

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		current, err := m.store.GetByOrderRef(ctx, orderRef)
		if err != nil {
			m.fail(opRelease, orderRef, start, err)
			return domain.Reservation{}, err
		}

		switch current.State {
		case domain.ReservationStateReleased, domain.ReservationStateExpired:
			m.observe(opRelease, start, metrics.ResultNoop)
			return current, nil
		case domain.ReservationStateConfirmed:
			err := fmt.Errorf("%w: order %s", domain.ErrCannotReleaseConfirmed, orderRef)
			m.fail(opRelease, orderRef, start, err)
			return domain.Reservation{}, err
		}

		now := m.clock.Now()
		msg, err := domain.NewTransitionMessage(current, current.State, domain.ReservationStateReleased, reason, now)
		if err != nil {
			m.observe(opRelease, start, metrics.ResultError)
			return domain.Reservation{}, fmt.Errorf("build reservation event: %w", err)
		}

		released, err := m.store.Transition(ctx, domain.TransitionRequest{
			ReservationID: current.ID,
			From:          domain.ReservationStateReserved,
			To:            domain.ReservationStateReleased,
			Reason:        reason,
			At:            now,
			Expiry:        domain.ExpiryAny,
			Outbox:        msg,
		})
		if domain.IsStateConflict(err) {
			m.conflict(opRelease, orderRef, attempt)
			continue
		}
		if err != nil {
			m.fail(opRelease, orderRef, start, err)
			return domain.Reservation{}, err
		}

		m.logger.WithFields(log.Fields{
			"order_ref":      orderRef,
			"reservation_id": released.ID,
			"reason":         reason,
		}).Info("reservation released")
		m.observe(opRelease, start, metrics.ResultOK)
		return released, nil
	}

	m.observe(opRelease, start, metrics.ResultError)
	return domain.Reservation{}, fmt.Errorf("release %s: %w after %d attempts", orderRef, domain.ErrStateConflict, m.maxAttempts)
}

// Get возвращает последний резерв заказа. Просроченный reserved отдаётся как expired.
func (m *Manager) Get(ctx context.Context, orderRef string) (Snapshot, error) {
	orderRef = normalizeOrderRef(orderRef)
	res, err := m.store.GetByOrderRef(ctx, orderRef)
	if err != nil {
		return Snapshot{}, err
	}

	now := m.clock.Now()
	return Snapshot{
		Reservation:    res,
		EffectiveState: res.EffectiveState(now),
		ReadAt:         now,
	}, nil
}

// History возвращает аудит переходов резервов заказа.
func (m *Manager) History(ctx context.Context, orderRef string) ([]domain.ReservationEvent, error) {
	orderRef = normalizeOrderRef(orderRef)
	events, err := m.store.History(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrReservationNotFound
	}
	return events, nil
}

// HeldQuantities возвращает активные удержания по всем вариантам.
func (m *Manager) HeldQuantities(ctx context.Context) (map[string]int64, error) {
	return m.store.HeldQuantities(ctx, m.clock.Now())
}

// HeldQuantity возвращает активное удержание одного варианта.
func (m *Manager) HeldQuantity(ctx context.Context, variantID string) (int64, error) {
	snap, err := m.store.Availability(ctx, variantID, m.clock.Now())
	if err != nil {
		return 0, err
	}
	return snap.Held, nil
}

// normalizeOrderRef приводит order_ref к виду, в котором он хранится.
func normalizeOrderRef(orderRef string) string {
	return strings.TrimSpace(orderRef)
}

func noLongerValid(res domain.Reservation, state domain.ReservationState) error {
	return fmt.Errorf("%w: order %s reservation %s is %s", domain.ErrReservationNoLongerValid, res.OrderRef, res.ID, state)
}

func (m *Manager) conflict(op, orderRef string, attempt int) {
	m.metrics.RecordStateConflict(op)
	m.logger.WithFields(log.Fields{
		"operation": op,
		"order_ref": orderRef,
		"attempt":   attempt,
	}).Debug("conditional write lost the race, re-reading reservation")
}

func (m *Manager) fail(op, orderRef string, start time.Time, err error) {
	entry := m.logger.WithError(err).WithFields(log.Fields{
		"operation": op,
		"order_ref": orderRef,
	})
	if domain.RequiresAlert(err) {
		entry = entry.WithField("alert", true)
	}

	switch {
	case errors.Is(err, domain.ErrIntegrityViolation):
		m.metrics.RecordIntegrityViolation()
		entry.Error("stock integrity violation")
		m.observe(op, start, metrics.ResultError)
	case errors.Is(err, domain.ErrReservationNoLongerValid):
		m.metrics.RecordNoLongerValid()
		entry.Error("payment confirmed for a reservation that is no longer held, manual reconciliation required")
		m.observe(op, start, metrics.ResultBusiness)
	case domain.IsBusinessOutcome(err),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrCannotReleaseConfirmed):
		entry.Info("reservation request rejected")
		m.observe(op, start, metrics.ResultBusiness)
	default:
		entry.Warn("reservation operation failed")
		m.observe(op, start, metrics.ResultError)
	}
}

func (m *Manager) observe(op string, start time.Time, result string) {
	m.metrics.RecordOperation(op, result, time.Since(start))
}
