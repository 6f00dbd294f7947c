package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

const reservationColumns = `id, order_ref, state, reason, expires_at, created_at, updated_at`

// reservationStore держит резервы, складской баланс, аудит и outbox в одной базе,
// поэтому каждый переход вместе с побочными записями коммитится одной транзакцией.
// Конкурирующие Reserve сериализуются блокировкой строк variants.
type reservationStore struct {
	db *sql.DB
}

// NewReservationStore создаёт PostgreSQL-реализацию ReservationStore.
func NewReservationStore(store *Store) domain.ReservationStore {
	return &reservationStore{db: store.DB()}
}

func (s *reservationStore) GetVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	var variant domain.Variant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, stock_on_hand, updated_at
		FROM variants
		WHERE id = $1
	`, variantID).Scan(&variant.ID, &variant.StockOnHand, &variant.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Variant{}, &domain.VariantNotFoundError{VariantID: variantID}
	}
	if err != nil {
		return domain.Variant{}, unavailable("get variant", err)
	}
	variant.UpdatedAt = variant.UpdatedAt.UTC()
	return variant, nil
}

func (s *reservationStore) DecrementStock(ctx context.Context, variantID string, qty int64) error {
	return decrementStock(ctx, s.db, variantID, qty, time.Now().UTC())
}

func (s *reservationStore) UpsertVariant(ctx context.Context, variant domain.Variant) error {
	if variant.StockOnHand < 0 {
		return &domain.IntegrityError{VariantID: variant.ID, Detail: "stock on hand must be non-negative"}
	}
	if variant.UpdatedAt.IsZero() {
		variant.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variants (id, stock_on_hand, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET stock_on_hand = EXCLUDED.stock_on_hand,
		    updated_at = EXCLUDED.updated_at
	`, variant.ID, variant.StockOnHand, variant.UpdatedAt)
	if err != nil {
		return unavailable("upsert variant", err)
	}
	return nil
}

func (s *reservationStore) CreateReservation(ctx context.Context, res domain.Reservation, msg *domain.OutboxMessage) (domain.Reservation, error) {
	created, err := s.createReservation(ctx, res, msg)
	if err != nil && isUniqueViolation(err) {
		// Параллельный Reserve по тому же заказу успел вставить свою запись.
		existing, getErr := s.GetByOrderRef(ctx, res.OrderRef)
		if getErr != nil {
			return domain.Reservation{}, getErr
		}
		return domain.Reservation{}, &domain.DuplicateReservationError{Existing: existing}
	}
	if err != nil {
		return domain.Reservation{}, unavailable("create reservation", err)
	}
	return created, nil
}

func (s *reservationStore) createReservation(ctx context.Context, res domain.Reservation, msg *domain.OutboxMessage) (domain.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := res.CreatedAt

	// Строка резерва блокируется раньше строк variants, как и в Transition.
	existing, found, err := latestByOrderRef(ctx, tx, res.OrderRef, true)
	if err != nil {
		return domain.Reservation{}, err
	}
	if found {
		switch {
		case existing.State == domain.ReservationStateConfirmed, existing.ActiveAt(now):
			return domain.Reservation{}, &domain.DuplicateReservationError{Existing: existing}
		case existing.State == domain.ReservationStateReserved:
			// Истечение с событием откатывается вместе с транзакцией, если проверки ниже не пройдут.
			req, err := domain.ExpiryTransition(existing, now)
			if err != nil {
				return domain.Reservation{}, err
			}
			_, err = transition(ctx, tx, req)
			if err != nil && !domain.IsStateConflict(err) {
				return domain.Reservation{}, err
			}
		}
	}

	order, totals := res.QuantityByVariant()
	stock, err := lockVariants(ctx, tx, order)
	if err != nil {
		return domain.Reservation{}, err
	}
	for _, variantID := range order {
		if _, ok := stock[variantID]; !ok {
			return domain.Reservation{}, &domain.VariantNotFoundError{VariantID: variantID}
		}
	}

	held, err := heldQuantities(ctx, tx, now, order)
	if err != nil {
		return domain.Reservation{}, err
	}
	for _, variantID := range order {
		available := stock[variantID] - held[variantID]
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

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (id, order_ref, state, reason, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, res.ID, res.OrderRef, string(res.State), res.Reason, res.ExpiresAt, res.CreatedAt, res.UpdatedAt); err != nil {
		return domain.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}

	for idx, item := range res.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservation_items (reservation_id, position, variant_id, qty)
			VALUES ($1,$2,$3,$4)
		`, res.ID, idx, item.VariantID, item.Qty); err != nil {
			return domain.Reservation{}, fmt.Errorf("insert reservation item: %w", err)
		}
	}

	if err := insertEvent(ctx, tx, domain.ReservationEvent{
		ReservationID: res.ID,
		OrderRef:      res.OrderRef,
		To:            res.State,
		Occurred:      res.CreatedAt,
	}); err != nil {
		return domain.Reservation{}, err
	}

	if msg != nil {
		if _, err := insertOutbox(ctx, tx, *msg, now); err != nil {
			return domain.Reservation{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, fmt.Errorf("commit create reservation: %w", err)
	}

	return res.Clone(), nil
}

func (s *reservationStore) Transition(ctx context.Context, req domain.TransitionRequest) (domain.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, unavailable("begin transition", err)
	}
	defer func() { _ = tx.Rollback() }()

	updated, err := transition(ctx, tx, req)
	if err != nil {
		return domain.Reservation{}, unavailable("transition reservation", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, unavailable("commit transition", err)
	}
	return updated, nil
}

func (s *reservationStore) GetByOrderRef(ctx context.Context, orderRef string) (domain.Reservation, error) {
	res, found, err := latestByOrderRef(ctx, s.db, orderRef, false)
	if err != nil {
		return domain.Reservation{}, unavailable("get reservation", err)
	}
	if !found {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return res, nil
}

func (s *reservationStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE state = 'reserved'
		  AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, unavailable("list expired", err)
	}

	result, err := scanReservations(rows)
	if err != nil {
		return nil, unavailable("list expired", err)
	}
	if err := attachItems(ctx, s.db, result); err != nil {
		return nil, unavailable("list expired", err)
	}
	return result, nil
}

func (s *reservationStore) Availability(ctx context.Context, variantID string, now time.Time) (domain.StockSnapshot, error) {
	snap := domain.StockSnapshot{VariantID: variantID}

	// Один запрос, чтобы баланс и удержания были из одного снимка.
	err := s.db.QueryRowContext(ctx, `
		SELECT v.stock_on_hand,
		       COALESCE((
		           SELECT SUM(ri.qty)
		           FROM reservation_items ri
		           JOIN reservations r ON r.id = ri.reservation_id
		           WHERE ri.variant_id = v.id
		             AND r.state = 'reserved'
		             AND r.expires_at > $2
		       ), 0)
		FROM variants v
		WHERE v.id = $1
	`, variantID, now).Scan(&snap.StockOnHand, &snap.Held)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockSnapshot{}, &domain.VariantNotFoundError{VariantID: variantID}
	}
	if err != nil {
		return domain.StockSnapshot{}, unavailable("availability", err)
	}
	return snap, nil
}

func (s *reservationStore) HeldQuantities(ctx context.Context, now time.Time) (map[string]int64, error) {
	held, err := heldQuantities(ctx, s.db, now, nil)
	if err != nil {
		return nil, unavailable("held quantities", err)
	}
	return held, nil
}

func (s *reservationStore) History(ctx context.Context, orderRef string) ([]domain.ReservationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reservation_id, order_ref, from_state, to_state, reason, occurred_at
		FROM reservation_events
		WHERE order_ref = $1
		ORDER BY id
	`, orderRef)
	if err != nil {
		return nil, unavailable("history", err)
	}
	defer rows.Close()

	events := make([]domain.ReservationEvent, 0)
	for rows.Next() {
		var (
			event    domain.ReservationEvent
			from, to string
		)
		if err := rows.Scan(&event.ReservationID, &event.OrderRef, &from, &to, &event.Reason, &event.Occurred); err != nil {
			return nil, unavailable("scan history", err)
		}
		event.From = domain.ReservationState(from)
		event.To = domain.ReservationState(to)
		event.Occurred = event.Occurred.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate history", err)
	}
	return events, nil
}

// transition выполняет условную запись. UPDATE применяется, только если резерв всё ещё в req.From
// и guard по сроку выполнен. Ноль строк означает проигранную гонку.
func transition(ctx context.Context, tx *sql.Tx, req domain.TransitionRequest) (domain.Reservation, error) {
	if !req.From.CanTransition(req.To) {
		return domain.Reservation{}, domain.ErrStateConflict
	}

	query := `
		UPDATE reservations
		SET state = $3, reason = $4, updated_at = $5
		WHERE id = $1
		  AND state = $2`
	switch req.Expiry {
	case domain.ExpiryNotPassed:
		query += ` AND expires_at > $5`
	case domain.ExpiryPassed:
		query += ` AND expires_at <= $5`
	}
	query += ` RETURNING ` + reservationColumns

	updated, err := scanReservation(tx.QueryRowContext(ctx, query,
		req.ReservationID, string(req.From), string(req.To), req.Reason, req.At,
	))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, req.ReservationID).Scan(&exists); err != nil {
			return domain.Reservation{}, fmt.Errorf("check reservation exists: %w", err)
		}
		if !exists {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, domain.ErrStateConflict
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("update reservation state: %w", err)
	}

	batch := []domain.Reservation{updated}
	if err := attachItems(ctx, tx, batch); err != nil {
		return domain.Reservation{}, err
	}
	updated = batch[0]

	if req.DeductStock {
		order, totals := updated.QuantityByVariant()
		stock, err := lockVariants(ctx, tx, order)
		if err != nil {
			return domain.Reservation{}, err
		}
		// Сначала проверяем все позиции, чтобы не списать часть и упасть на следующей.
		for _, variantID := range order {
			onHand, ok := stock[variantID]
			if !ok {
				return domain.Reservation{}, &domain.IntegrityError{VariantID: variantID, Detail: "variant disappeared while reserved"}
			}
			if onHand < totals[variantID] {
				return domain.Reservation{}, &domain.IntegrityError{VariantID: variantID, Detail: "stock on hand below confirmed quantity"}
			}
		}
		for _, variantID := range order {
			if err := decrementStock(ctx, tx, variantID, totals[variantID], req.At); err != nil {
				return domain.Reservation{}, err
			}
		}
	}

	if err := insertEvent(ctx, tx, domain.ReservationEvent{
		ReservationID: updated.ID,
		OrderRef:      updated.OrderRef,
		From:          req.From,
		To:            req.To,
		Reason:        req.Reason,
		Occurred:      req.At,
	}); err != nil {
		return domain.Reservation{}, err
	}

	if req.Outbox != nil {
		if _, err := insertOutbox(ctx, tx, *req.Outbox, req.At); err != nil {
			return domain.Reservation{}, err
		}
	}

	return updated, nil
}

func decrementStock(ctx context.Context, q querier, variantID string, qty int64, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE variants
		SET stock_on_hand = stock_on_hand - $2,
		    updated_at = $3
		WHERE id = $1
		  AND stock_on_hand >= $2
	`, variantID, qty, at)
	if err != nil {
		if isCheckViolation(err) {
			return &domain.IntegrityError{VariantID: variantID, Detail: "stock on hand below decrement"}
		}
		return unavailable("decrement stock", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable("decrement stock", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM variants WHERE id = $1)`, variantID).Scan(&exists); err != nil {
		return unavailable("decrement stock", err)
	}
	if !exists {
		return &domain.VariantNotFoundError{VariantID: variantID}
	}
	return &domain.IntegrityError{VariantID: variantID, Detail: "stock on hand below decrement"}
}

// lockVariants блокирует строки вариантов в порядке id, чтобы параллельные
// транзакции не ловили deadlock. Отсутствующие варианты в результат не попадают.
func lockVariants(ctx context.Context, q querier, variantIDs []string) (map[string]int64, error) {
	ids := append([]string(nil), variantIDs...)
	sort.Strings(ids)

	rows, err := q.QueryContext(ctx, `
		SELECT id, stock_on_hand
		FROM variants
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock variants: %w", err)
	}
	defer rows.Close()

	stock := make(map[string]int64, len(ids))
	for rows.Next() {
		var (
			id     string
			onHand int64
		)
		if err := rows.Scan(&id, &onHand); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		stock[id] = onHand
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variants: %w", err)
	}
	return stock, nil
}

// heldQuantities суммирует активные удержания; пустой variantIDs, по всем вариантам.
func heldQuantities(ctx context.Context, q querier, now time.Time, variantIDs []string) (map[string]int64, error) {
	query := `
		SELECT ri.variant_id, SUM(ri.qty)
		FROM reservation_items ri
		JOIN reservations r ON r.id = ri.reservation_id
		WHERE r.state = 'reserved'
		  AND r.expires_at > $1`
	args := []any{now}
	if len(variantIDs) > 0 {
		query += ` AND ri.variant_id = ANY($2)`
		args = append(args, variantIDs)
	}
	query += ` GROUP BY ri.variant_id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query held quantities: %w", err)
	}
	defer rows.Close()

	held := make(map[string]int64)
	for rows.Next() {
		var (
			variantID string
			qty       int64
		)
		if err := rows.Scan(&variantID, &qty); err != nil {
			return nil, fmt.Errorf("scan held quantity: %w", err)
		}
		held[variantID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate held quantities: %w", err)
	}
	return held, nil
}

func latestByOrderRef(ctx context.Context, q querier, orderRef string, forUpdate bool) (domain.Reservation, bool, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE order_ref = $1
		ORDER BY seq DESC
		LIMIT 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	res, err := scanReservation(q.QueryRowContext(ctx, query, orderRef))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, false, nil
	}
	if err != nil {
		return domain.Reservation{}, false, fmt.Errorf("select reservation by order: %w", err)
	}

	batch := []domain.Reservation{res}
	if err := attachItems(ctx, q, batch); err != nil {
		return domain.Reservation{}, false, err
	}
	return batch[0], true, nil
}

func insertEvent(ctx context.Context, q querier, event domain.ReservationEvent) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO reservation_events (reservation_id, order_ref, from_state, to_state, reason, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, event.ReservationID, event.OrderRef, string(event.From), string(event.To), event.Reason, event.Occurred); err != nil {
		return fmt.Errorf("insert reservation event: %w", err)
	}
	return nil
}

// attachItems догружает позиции одним запросом для всей пачки резервов.
func attachItems(ctx context.Context, q querier, reservations []domain.Reservation) error {
	if len(reservations) == 0 {
		return nil
	}

	ids := make([]string, 0, len(reservations))
	for _, res := range reservations {
		ids = append(ids, res.ID)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT reservation_id, variant_id, qty
		FROM reservation_items
		WHERE reservation_id = ANY($1)
		ORDER BY reservation_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("load reservation items: %w", err)
	}
	defer rows.Close()

	items := make(map[string][]domain.ReservationItem, len(ids))
	for rows.Next() {
		var (
			reservationID string
			item          domain.ReservationItem
		)
		if err := rows.Scan(&reservationID, &item.VariantID, &item.Qty); err != nil {
			return fmt.Errorf("scan reservation item: %w", err)
		}
		items[reservationID] = append(items[reservationID], item)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate reservation items: %w", err)
	}

	for idx := range reservations {
		reservations[idx].Items = items[reservations[idx].ID]
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var (
		res   domain.Reservation
		state string
	)
	if err := row.Scan(&res.ID, &res.OrderRef, &state, &res.Reason, &res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return domain.Reservation{}, err
	}
	res.State = domain.ReservationState(state)
	res.ExpiresAt = res.ExpiresAt.UTC()
	res.CreatedAt = res.CreatedAt.UTC()
	res.UpdatedAt = res.UpdatedAt.UTC()
	return res, nil
}

func scanReservations(rows *sql.Rows) ([]domain.Reservation, error) {
	defer rows.Close()

	result := make([]domain.Reservation, 0)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		result = append(result, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return result, nil
}

var _ domain.ReservationStore = (*reservationStore)(nil)
