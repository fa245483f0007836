package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const notificationColumns = `id, session_id, url, payload, created_at, updated_at, scheduled_at, published_at,
	delivered_at, publish_attempts, delivery_attempts, error`

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *OutboxRepository) Create(ctx context.Context, entity *NotificationEntity) (*NotificationEntity, error) {
	query := `INSERT INTO notification_outbox (id, session_id, url, payload, scheduled_at)
	          VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query, entity.ID, entity.SessionID, entity.Url, entity.Payload, entity.ScheduledAt).
		Scan(&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert notification")
	}
	return entity, nil
}

// GetUnpublished locks due notifications so that concurrent producers skip them.
func (r *OutboxRepository) GetUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]*NotificationEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_outbox
	          WHERE scheduled_at IS NOT NULL AND scheduled_at <= now() AND delivered_at IS NULL
	          ORDER BY scheduled_at
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unpublished notifications")
	}
	defer rows.Close()

	var entities []*NotificationEntity
	for rows.Next() {
		entity, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, errors.Wrap(rows.Err(), "iterate notifications")
}

func (r *OutboxRepository) Update(ctx context.Context, tx pgx.Tx, entity *NotificationEntity) error {
	query := `UPDATE notification_outbox
	          SET scheduled_at = $2, published_at = $3, publish_attempts = $4, error = $5, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.PublishAttempts, entity.Error)
	return errors.Wrap(err, "update notification")
}

func (r *OutboxRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*NotificationEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_outbox WHERE id = $1 FOR UPDATE`
	entity, err := scanNotification(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entity, err
}

func (r *OutboxRepository) SelectByID(ctx context.Context, id uuid.UUID) (*NotificationEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_outbox WHERE id = $1`
	entity, err := scanNotification(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entity, err
}

// Reschedule records a failed delivery. A nil scheduledAt stops further attempts.
func (r *OutboxRepository) Reschedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, scheduledAt *time.Time, attempts int, errMsg string) error {
	query := `UPDATE notification_outbox
	          SET scheduled_at = $2, delivery_attempts = $3, error = $4, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, scheduledAt, attempts, errMsg)
	return errors.Wrap(err, "reschedule notification")
}

func (r *OutboxRepository) MarkDelivered(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, deliveredAt time.Time) error {
	query := `UPDATE notification_outbox
	          SET delivery_attempts = $2, delivered_at = $3, scheduled_at = NULL, error = NULL, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, attempts, deliveredAt)
	return errors.Wrap(err, "mark notification delivered")
}

func scanNotification(row pgx.Row) (*NotificationEntity, error) {
	var e NotificationEntity
	err := row.Scan(&e.ID, &e.SessionID, &e.Url, &e.Payload, &e.CreatedAt, &e.UpdatedAt, &e.ScheduledAt,
		&e.PublishedAt, &e.DeliveredAt, &e.PublishAttempts, &e.DeliveryAttempts, &e.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan notification")
	}
	return &e, nil
}
