package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/stockhold/internal/domain"
)

const defaultPullLimit = 100

var errIncompleteOutbox = errors.New("outbox message without order_ref or event type")

// Статусы совпадают с CHECK на outbox_messages.status.
type outboxStatus string

const (
	outboxPending outboxStatus = "pending"
	outboxSent    outboxStatus = "sent"
	outboxFailed  outboxStatus = "failed"
)

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository поверх общего пула Store.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

// Enqueue пишет событие вне транзакции резерва. События переходов пишутся
// через insertOutbox в транзакции самого перехода.
func (r *outboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	stored, err := insertOutbox(ctx, r.db, msg, time.Now().UTC())
	if errors.Is(err, errIncompleteOutbox) {
		return domain.OutboxMessage{}, err
	}
	return stored, unavailable("enqueue outbox", err)
}

// insertOutbox принимает querier, чтобы событие коммитилось вместе с переходом резерва.
func insertOutbox(ctx context.Context, q querier, msg domain.OutboxMessage, at time.Time) (domain.OutboxMessage, error) {
	if msg.AggregateID == "" || msg.EventType == "" {
		return domain.OutboxMessage{}, fmt.Errorf("%w: id=%q", errIncompleteOutbox, msg.ID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.AggregateType == "" {
		msg.AggregateType = domain.AggregateTypeReservation
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, string(outboxPending), at); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("insert %s event for order %s: %w", msg.EventType, msg.AggregateID, err)
	}
	return msg, nil
}

// PullPending отдаёт pending-события в порядке постановки: события одного заказа
// публикуются в том порядке, в каком менялось его состояние.
func (r *outboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultPullLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(outboxPending), limit)
	if err != nil {
		return nil, unavailable("pull outbox", err)
	}
	defer rows.Close()

	var pending []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload); err != nil {
			return nil, unavailable("scan outbox", err)
		}
		pending = append(pending, msg)
	}
	return pending, unavailable("iterate outbox", rows.Err())
}

func (r *outboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = $1`, string(outboxPending),
	).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, unavailable("outbox stats", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(id string) error {
	return r.mark(id, outboxSent)
}

func (r *outboxRepository) MarkFailed(id string) error {
	return r.mark(id, outboxFailed)
}

// mark возвращает ErrOutboxPublish, если сообщения с таким id нет.
func (r *outboxRepository) mark(id string, status outboxStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING attempt_count
	`, id, string(status)).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: outbox message %s not found", domain.ErrOutboxPublish, id)
	}
	return unavailable("mark outbox "+string(status), err)
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
