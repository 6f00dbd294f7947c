package domain

import (
	"context"
	"time"
)

// StockLedger: складской баланс вариантов (внешний коллаборатор каталога).
type StockLedger interface {
	// GetVariant возвращает вариант или ErrVariantNotFound.
	GetVariant(ctx context.Context, variantID string) (Variant, error)
	// DecrementStock списывает qty; если остатка не хватает, IntegrityError.
	// Confirm выполняет то же списание внутри своей транзакции.
	DecrementStock(ctx context.Context, variantID string, qty int64) error
	// UpsertVariant задаёт баланс варианта (путь каталога/админки и тестов).
	UpsertVariant(ctx context.Context, variant Variant) error
}

// ExpiryGuard дополняет условную запись проверкой срока резерва.
type ExpiryGuard int

const (
	// ExpiryAny: срок не проверяется.
	ExpiryAny ExpiryGuard = iota
	// ExpiryNotPassed: запись применяется только если expires_at > At.
	ExpiryNotPassed
	// ExpiryPassed: запись применяется только если expires_at <= At.
	ExpiryPassed
)

// Matches проверяет guard для конкретного срока.
func (g ExpiryGuard) Matches(expiresAt, at time.Time) bool {
	switch g {
	case ExpiryNotPassed:
		return expiresAt.After(at)
	case ExpiryPassed:
		return !expiresAt.After(at)
	default:
		return true
	}
}

// TransitionRequest описывает единственную условную запись: перевести резерв из From в To,
// только если он сейчас в From (и guard по сроку выполнен).
type TransitionRequest struct {
	ReservationID string
	From          ReservationState
	To            ReservationState
	Reason        string
	At            time.Time
	Expiry        ExpiryGuard
	// DeductStock списывает позиции резерва со склада в той же атомарной операции.
	DeductStock bool
	// Outbox сохраняется вместе с переходом (transactional outbox).
	Outbox *OutboxMessage
}

// StockSnapshot: согласованное чтение баланса и удержаний одного варианта.
type StockSnapshot struct {
	VariantID   string
	StockOnHand int64
	Held        int64
}

// Available: сток, который можно продать прямо сейчас. Может быть отрицательным
// только при нарушении инварианта, решение об этом принимает вызывающий.
func (s StockSnapshot) Available() int64 {
	return s.StockOnHand - s.Held
}

// ReservationStore хранит резервы и гарантирует атомарность условных записей.
// Складской баланс живёт в том же хранилище, поэтому Confirm атомарен целиком.
type ReservationStore interface {
	StockLedger

	// CreateReservation атомарно проверяет отсутствие активного резерва по заказу,
	// существование вариантов и достаточность стока на момент res.CreatedAt, затем вставляет запись.
	CreateReservation(ctx context.Context, res Reservation, msg *OutboxMessage) (Reservation, error)
	// Transition применяет условную запись; при несовпадении состояния, ErrStateConflict.
	Transition(ctx context.Context, req TransitionRequest) (Reservation, error)
	// GetByOrderRef возвращает самый свежий резерв заказа или ErrReservationNotFound.
	GetByOrderRef(ctx context.Context, orderRef string) (Reservation, error)
	// ListExpired возвращает reserved-записи с expires_at <= now, не больше limit.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	// Availability читает баланс и активные удержания одним снимком.
	Availability(ctx context.Context, variantID string, now time.Time) (StockSnapshot, error)
	// HeldQuantities возвращает активные удержания по всем вариантам.
	HeldQuantities(ctx context.Context, now time.Time) (map[string]int64, error)
	// History возвращает аудит переходов резервов заказа в хронологическом порядке.
	History(ctx context.Context, orderRef string) ([]ReservationEvent, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет читать и помечать события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// Типы событий резерва, публикуемые через outbox.
const (
	AggregateTypeReservation = "reservation"

	EventTypeReservationCreated   = "reservation.created"
	EventTypeReservationConfirmed = "reservation.confirmed"
	EventTypeReservationReleased  = "reservation.released"
	EventTypeReservationExpired   = "reservation.expired"
)

// EventTypeForState сопоставляет целевое состояние и тип события.
func EventTypeForState(state ReservationState) string {
	switch state {
	case ReservationStateConfirmed:
		return EventTypeReservationConfirmed
	case ReservationStateReleased:
		return EventTypeReservationReleased
	case ReservationStateExpired:
		return EventTypeReservationExpired
	default:
		return EventTypeReservationCreated
	}
}
