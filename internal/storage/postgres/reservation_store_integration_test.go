package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

var pgBaseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newPostgresReservationStore(t *testing.T, stock map[string]int64) (domain.ReservationStore, domain.OutboxRepository) {
	t.Helper()

	store := openPostgresStoreForIntegrationTest(t)
	reservations := NewReservationStore(store)
	for id, qty := range stock {
		if err := reservations.UpsertVariant(context.Background(), domain.Variant{ID: id, StockOnHand: qty, UpdatedAt: pgBaseTime}); err != nil {
			t.Fatalf("seed variant %s: %v", id, err)
		}
	}
	return reservations, NewOutboxRepository(store)
}

func pgReservation(orderRef string, at time.Time, items ...domain.ReservationItem) domain.Reservation {
	return domain.Reservation{
		ID:        uuid.NewString(),
		OrderRef:  orderRef,
		Items:     items,
		State:     domain.ReservationStateReserved,
		ExpiresAt: at.Add(domain.DefaultHoldDuration),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func pgMessage(res domain.Reservation, eventType string) *domain.OutboxMessage {
	return &domain.OutboxMessage{
		AggregateType: domain.AggregateTypeReservation,
		AggregateID:   res.OrderRef,
		EventType:     eventType,
		Payload:       []byte(fmt.Sprintf(`{"order_ref":%q}`, res.OrderRef)),
	}
}

func TestReservationStore_PostgresCreateConfirmFlow(t *testing.T) {
	store, outbox := newPostgresReservationStore(t, map[string]int64{"X": 5, "Y": 2})
	ctx := context.Background()

	res := pgReservation("order-1", pgBaseTime,
		domain.ReservationItem{VariantID: "X", Qty: 3},
		domain.ReservationItem{VariantID: "Y", Qty: 1},
	)
	if _, err := store.CreateReservation(ctx, res, pgMessage(res, domain.EventTypeReservationCreated)); err != nil {
		t.Fatalf("create reservation: %v", err)
	}

	snap, err := store.Availability(ctx, "X", pgBaseTime)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if snap.StockOnHand != 5 || snap.Held != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	got, err := store.GetByOrderRef(ctx, "order-1")
	if err != nil {
		t.Fatalf("get by order: %v", err)
	}
	if got.ID != res.ID || len(got.Items) != 2 || got.Items[0].VariantID != "X" || got.Items[1].Qty != 1 {
		t.Fatalf("unexpected reservation: %+v", got)
	}

	confirmed, err := store.Transition(ctx, domain.TransitionRequest{
		ReservationID: res.ID,
		From:          domain.ReservationStateReserved,
		To:            domain.ReservationStateConfirmed,
		Reason:        domain.ConfirmReasonPayment,
		At:            pgBaseTime.Add(time.Minute),
		Expiry:        domain.ExpiryNotPassed,
		DeductStock:   true,
		Outbox:        pgMessage(res, domain.EventTypeReservationConfirmed),
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.State != domain.ReservationStateConfirmed || confirmed.Reason != domain.ConfirmReasonPayment {
		t.Fatalf("unexpected confirmed reservation: %+v", confirmed)
	}

	x, err := store.GetVariant(ctx, "X")
	if err != nil {
		t.Fatalf("get variant: %v", err)
	}
	if x.StockOnHand != 2 {
		t.Fatalf("expected stock 2 after confirm, got %d", x.StockOnHand)
	}
	snap, err = store.Availability(ctx, "X", pgBaseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("availability after confirm: %v", err)
	}
	if snap.Held != 0 || snap.Available() != 2 {
		t.Fatalf("unexpected snapshot after confirm: %+v", snap)
	}

	_, err = store.Transition(ctx, domain.TransitionRequest{
		ReservationID: res.ID,
		From:          domain.ReservationStateReserved,
		To:            domain.ReservationStateReleased,
		At:            pgBaseTime.Add(2 * time.Minute),
	})
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected state conflict on terminal record, got %v", err)
	}

	history, err := store.History(ctx, "order-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].To != domain.ReservationStateReserved || history[1].From != domain.ReservationStateReserved || history[1].To != domain.ReservationStateConfirmed {
		t.Fatalf("unexpected history: %+v", history)
	}

	pending, err := outbox.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 2 || pending[0].EventType != domain.EventTypeReservationCreated || pending[1].EventType != domain.EventTypeReservationConfirmed {
		t.Fatalf("unexpected outbox: %+v", pending)
	}
}

func TestReservationStore_PostgresRejections(t *testing.T) {
	store, outbox := newPostgresReservationStore(t, map[string]int64{"X": 5, "Y": 1})
	ctx := context.Background()

	_, err := store.CreateReservation(ctx, pgReservation("order-1", pgBaseTime,
		domain.ReservationItem{VariantID: "X", Qty: 1},
		domain.ReservationItem{VariantID: "Y", Qty: 2},
	), nil)
	var shortage *domain.InsufficientStockError
	if !errors.As(err, &shortage) || shortage.VariantID != "Y" || shortage.Available != 1 {
		t.Fatalf("expected shortage on Y, got %v", err)
	}

	_, err = store.CreateReservation(ctx, pgReservation("order-1", pgBaseTime,
		domain.ReservationItem{VariantID: "missing", Qty: 1},
	), nil)
	var missing *domain.VariantNotFoundError
	if !errors.As(err, &missing) || missing.VariantID != "missing" {
		t.Fatalf("expected variant not found, got %v", err)
	}

	if _, err := store.GetByOrderRef(ctx, "order-1"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("rejected reserve must not leave a record, got %v", err)
	}
	stats, err := outbox.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("rejected reserve must not leave events, got %d", stats.PendingCount)
	}
}

func TestReservationStore_PostgresDuplicateAndStaleReplacement(t *testing.T) {
	store, outbox := newPostgresReservationStore(t, map[string]int64{"X": 5})
	ctx := context.Background()

	first := pgReservation("order-1", pgBaseTime, domain.ReservationItem{VariantID: "X", Qty: 2})
	if _, err := store.CreateReservation(ctx, first, nil); err != nil {
		t.Fatalf("create first: %v", err)
	}

	_, err := store.CreateReservation(ctx, pgReservation("order-1", pgBaseTime.Add(time.Minute), domain.ReservationItem{VariantID: "X", Qty: 1}), nil)
	var dup *domain.DuplicateReservationError
	if !errors.As(err, &dup) || dup.Existing.ID != first.ID {
		t.Fatalf("expected duplicate with existing record, got %v", err)
	}

	later := pgBaseTime.Add(domain.DefaultHoldDuration + time.Minute)
	second := pgReservation("order-1", later, domain.ReservationItem{VariantID: "X", Qty: 4})
	if _, err := store.CreateReservation(ctx, second, nil); err != nil {
		t.Fatalf("create over stale hold: %v", err)
	}

	history, err := store.History(ctx, "order-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[1].To != domain.ReservationStateExpired || history[2].ReservationID != second.ID {
		t.Fatalf("unexpected history: %+v", history)
	}

	pending, err := outbox.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 1 || pending[0].EventType != domain.EventTypeReservationExpired || pending[0].AggregateID != "order-1" {
		t.Fatalf("inline expiry must enqueue a reservation.expired event, got %+v", pending)
	}

	got, err := store.GetByOrderRef(ctx, "order-1")
	if err != nil {
		t.Fatalf("get by order: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected latest reservation %s, got %s", second.ID, got.ID)
	}
}

func TestReservationStore_PostgresExpiryGuardAndListExpired(t *testing.T) {
	store, _ := newPostgresReservationStore(t, map[string]int64{"X": 10})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res := pgReservation(fmt.Sprintf("order-%d", i), pgBaseTime.Add(time.Duration(i)*time.Second), domain.ReservationItem{VariantID: "X", Qty: 1})
		if _, err := store.CreateReservation(ctx, res, nil); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, res.ID)
	}

	sweepAt := pgBaseTime.Add(domain.DefaultHoldDuration + time.Second)
	expired, err := store.ListExpired(ctx, sweepAt, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != ids[0] || expired[1].ID != ids[1] || len(expired[0].Items) != 1 {
		t.Fatalf("unexpected expired list: %+v", expired)
	}

	_, err = store.Transition(ctx, domain.TransitionRequest{
		ReservationID: ids[2],
		From:          domain.ReservationStateReserved,
		To:            domain.ReservationStateExpired,
		Reason:        domain.ReleaseReasonExpired,
		At:            sweepAt,
		Expiry:        domain.ExpiryPassed,
	})
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected conflict for unexpired hold, got %v", err)
	}

	_, err = store.Transition(ctx, domain.TransitionRequest{
		ReservationID: ids[0],
		From:          domain.ReservationStateReserved,
		To:            domain.ReservationStateConfirmed,
		At:            sweepAt,
		Expiry:        domain.ExpiryNotPassed,
		DeductStock:   true,
	})
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected conflict for confirm after expiry, got %v", err)
	}

	if _, err := store.Transition(ctx, domain.TransitionRequest{
		ReservationID: "missing",
		From:          domain.ReservationStateReserved,
		To:            domain.ReservationStateReleased,
		At:            sweepAt,
	}); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	held, err := store.HeldQuantities(ctx, sweepAt)
	if err != nil {
		t.Fatalf("held quantities: %v", err)
	}
	if held["X"] != 1 {
		t.Fatalf("expected 1 held unit, got %d", held["X"])
	}
}

func TestReservationStore_PostgresNoOversell(t *testing.T) {
	store, _ := newPostgresReservationStore(t, map[string]int64{"X": 7})
	ctx := context.Background()

	const clients = 30
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CreateReservation(ctx, pgReservation(fmt.Sprintf("order-%d", i), pgBaseTime, domain.ReservationItem{VariantID: "X", Qty: 1}), nil)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded.Load() != 7 || rejected.Load() != clients-7 {
		t.Fatalf("expected 7 holds and %d rejections, got %d/%d", clients-7, succeeded.Load(), rejected.Load())
	}

	snap, err := store.Availability(ctx, "X", pgBaseTime)
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if snap.Available() != 0 {
		t.Fatalf("expected zero available, got %+v", snap)
	}
}

func TestReservationStore_PostgresDecrementStock(t *testing.T) {
	store, _ := newPostgresReservationStore(t, map[string]int64{"X": 2})
	ctx := context.Background()

	if err := store.DecrementStock(ctx, "X", 2); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := store.DecrementStock(ctx, "X", 1); !errors.Is(err, domain.ErrIntegrityViolation) {
		t.Fatalf("expected integrity violation below zero, got %v", err)
	}
	if err := store.DecrementStock(ctx, "missing", 1); !errors.Is(err, domain.ErrVariantNotFound) {
		t.Fatalf("expected variant not found, got %v", err)
	}
	if err := store.UpsertVariant(ctx, domain.Variant{ID: "bad", StockOnHand: -1}); !errors.Is(err, domain.ErrIntegrityViolation) {
		t.Fatalf("expected negative stock rejected, got %v", err)
	}
}

func TestReservationStore_PostgresCancelledContext(t *testing.T) {
	store, _ := newPostgresReservationStore(t, map[string]int64{"X": 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.CreateReservation(ctx, pgReservation("order-1", pgBaseTime, domain.ReservationItem{VariantID: "X", Qty: 1}), nil)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}
