package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

// reservationStoreInMemory: in-memory реализация ReservationStore.
// Все проверки и записи выполняются под одним мьютексом, поэтому условные записи
// атомарны в пределах процесса. Между процессами хранилище не разделяется.
type reservationStoreInMemory struct {
	mu           sync.Mutex
	variants     map[string]domain.Variant
	reservations map[string]domain.Reservation
	byOrder      map[string][]string
	history      map[string][]domain.ReservationEvent
	outbox       domain.OutboxRepository
}

// NewReservationStore создаёт хранилище; outbox может быть nil, тогда события не сохраняются.
func NewReservationStore(outbox domain.OutboxRepository) domain.ReservationStore {
	return &reservationStoreInMemory{
		variants:     make(map[string]domain.Variant),
		reservations: make(map[string]domain.Reservation),
		byOrder:      make(map[string][]string),
		history:      make(map[string][]domain.ReservationEvent),
		outbox:       outbox,
	}
}

func (s *reservationStoreInMemory) GetVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Variant{}, domain.StoreUnavailable("get variant", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	variant, ok := s.variants[variantID]
	if !ok {
		return domain.Variant{}, &domain.VariantNotFoundError{VariantID: variantID}
	}
	return variant, nil
}

func (s *reservationStoreInMemory) DecrementStock(ctx context.Context, variantID string, qty int64) error {
	if err := ctx.Err(); err != nil {
		return domain.StoreUnavailable("decrement stock", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.decrementLocked(variantID, qty, time.Now().UTC())
}

func (s *reservationStoreInMemory) UpsertVariant(ctx context.Context, variant domain.Variant) error {
	if err := ctx.Err(); err != nil {
		return domain.StoreUnavailable("upsert variant", err)
	}
	if variant.StockOnHand < 0 {
		return &domain.IntegrityError{VariantID: variant.ID, Detail: "stock on hand must be non-negative"}
	}
	if variant.UpdatedAt.IsZero() {
		variant.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.variants[variant.ID] = variant
	return nil
}

func (s *reservationStoreInMemory) CreateReservation(ctx context.Context, res domain.Reservation, msg *domain.OutboxMessage) (domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, domain.StoreUnavailable("create reservation", err)
	}

	now := res.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()

	// Просроченный, но не обработанный sweeper-ом резерв истекает только после
	// всех проверок, чтобы отказ Reserve не менял состояние.
	var stale *domain.TransitionRequest
	if existing, ok := s.latestLocked(res.OrderRef); ok {
		switch {
		case existing.State == domain.ReservationStateConfirmed, existing.ActiveAt(now):
			return domain.Reservation{}, &domain.DuplicateReservationError{Existing: existing.Clone()}
		case existing.State == domain.ReservationStateReserved:
			req, err := domain.ExpiryTransition(existing, now)
			if err != nil {
				return domain.Reservation{}, err
			}
			stale = &req
		}
	}

	order, totals := res.QuantityByVariant()
	for _, variantID := range order {
		if _, ok := s.variants[variantID]; !ok {
			return domain.Reservation{}, &domain.VariantNotFoundError{VariantID: variantID}
		}
	}

	held := s.heldLocked(now)
	for _, variantID := range order {
		available := s.variants[variantID].StockOnHand - held[variantID]
		if available < 0 {
			return domain.Reservation{}, &domain.IntegrityError{VariantID: variantID, Detail: "held quantity exceeds stock on hand"}
		}
		if totals[variantID] > available {
			return domain.Reservation{}, &domain.InsufficientStockError{
				VariantID: variantID,
				Requested: totals[variantID],
				Available: available,
			}
		}
	}

	if stale != nil {
		if _, err := s.transitionLocked(*stale); err != nil {
			return domain.Reservation{}, err
		}
	}
	if err := s.enqueueLocked(msg); err != nil {
		return domain.Reservation{}, err
	}

	stored := res.Clone()
	s.reservations[stored.ID] = stored
	s.byOrder[stored.OrderRef] = append(s.byOrder[stored.OrderRef], stored.ID)
	s.history[stored.OrderRef] = append(s.history[stored.OrderRef], domain.ReservationEvent{
		ReservationID: stored.ID,
		OrderRef:      stored.OrderRef,
		To:            stored.State,
		Occurred:      stored.CreatedAt,
	})

	return stored.Clone(), nil
}

func (s *reservationStoreInMemory) Transition(ctx context.Context, req domain.TransitionRequest) (domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, domain.StoreUnavailable("transition reservation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLocked(req)
}

func (s *reservationStoreInMemory) GetByOrderRef(ctx context.Context, orderRef string) (domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reservation{}, domain.StoreUnavailable("get reservation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.latestLocked(orderRef)
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return res.Clone(), nil
}

func (s *reservationStoreInMemory) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StoreUnavailable("list expired", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.Reservation, 0)
	for _, res := range s.reservations {
		if res.State != domain.ReservationStateReserved || res.ExpiresAt.After(now) {
			continue
		}
		result = append(result, res.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *reservationStoreInMemory) Availability(ctx context.Context, variantID string, now time.Time) (domain.StockSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.StockSnapshot{}, domain.StoreUnavailable("availability", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	variant, ok := s.variants[variantID]
	if !ok {
		return domain.StockSnapshot{}, &domain.VariantNotFoundError{VariantID: variantID}
	}

	return domain.StockSnapshot{
		VariantID:   variantID,
		StockOnHand: variant.StockOnHand,
		Held:        s.heldLocked(now)[variantID],
	}, nil
}

func (s *reservationStoreInMemory) HeldQuantities(ctx context.Context, now time.Time) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StoreUnavailable("held quantities", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.heldLocked(now), nil
}

func (s *reservationStoreInMemory) History(ctx context.Context, orderRef string) ([]domain.ReservationEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.StoreUnavailable("history", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.history[orderRef]
	result := make([]domain.ReservationEvent, len(events))
	copy(result, events)
	return result, nil
}

func (s *reservationStoreInMemory) transitionLocked(req domain.TransitionRequest) (domain.Reservation, error) {
	current, ok := s.reservations[req.ReservationID]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if current.State != req.From || !req.From.CanTransition(req.To) || !req.Expiry.Matches(current.ExpiresAt, req.At) {
		return current.Clone(), domain.ErrStateConflict
	}

	order, totals := current.QuantityByVariant()
	if req.DeductStock {
		// Сначала проверяем все позиции, чтобы не списать часть и упасть на следующей.
		for _, variantID := range order {
			variant, ok := s.variants[variantID]
			if !ok {
				return domain.Reservation{}, &domain.IntegrityError{VariantID: variantID, Detail: "variant disappeared while reserved"}
			}
			if variant.StockOnHand < totals[variantID] {
				return domain.Reservation{}, &domain.IntegrityError{VariantID: variantID, Detail: "stock on hand below confirmed quantity"}
			}
		}
	}

	// Событие ставится в outbox до списания: ошибка enqueue не должна оставить сток списанным.
	if err := s.enqueueLocked(req.Outbox); err != nil {
		return domain.Reservation{}, err
	}

	if req.DeductStock {
		for _, variantID := range order {
			if err := s.decrementLocked(variantID, totals[variantID], req.At); err != nil {
				return domain.Reservation{}, err
			}
		}
	}

	current.State = req.To
	current.Reason = req.Reason
	current.UpdatedAt = req.At
	s.reservations[current.ID] = current
	s.history[current.OrderRef] = append(s.history[current.OrderRef], domain.ReservationEvent{
		ReservationID: current.ID,
		OrderRef:      current.OrderRef,
		From:          req.From,
		To:            req.To,
		Reason:        req.Reason,
		Occurred:      req.At,
	})

	return current.Clone(), nil
}

func (s *reservationStoreInMemory) decrementLocked(variantID string, qty int64, at time.Time) error {
	variant, ok := s.variants[variantID]
	if !ok {
		return &domain.VariantNotFoundError{VariantID: variantID}
	}
	if variant.StockOnHand < qty {
		return &domain.IntegrityError{VariantID: variantID, Detail: "stock on hand below decrement"}
	}
	variant.StockOnHand -= qty
	variant.UpdatedAt = at
	s.variants[variantID] = variant
	return nil
}

func (s *reservationStoreInMemory) heldLocked(now time.Time) map[string]int64 {
	held := make(map[string]int64)
	for _, res := range s.reservations {
		if !res.ActiveAt(now) {
			continue
		}
		for _, item := range res.Items {
			held[item.VariantID] += int64(item.Qty)
		}
	}
	return held
}

func (s *reservationStoreInMemory) latestLocked(orderRef string) (domain.Reservation, bool) {
	ids := s.byOrder[orderRef]
	if len(ids) == 0 {
		return domain.Reservation{}, false
	}
	res, ok := s.reservations[ids[len(ids)-1]]
	return res, ok
}

func (s *reservationStoreInMemory) enqueueLocked(msg *domain.OutboxMessage) error {
	if msg == nil || s.outbox == nil {
		return nil
	}
	if _, err := s.outbox.Enqueue(*msg); err != nil {
		return domain.StoreUnavailable("enqueue outbox", err)
	}
	return nil
}

var _ domain.ReservationStore = (*reservationStoreInMemory)(nil)
