package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

func (r *EventRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Create stores an outbox event inside the caller's transaction.
func (r *EventRepository) Create(ctx context.Context, tx pgx.Tx, entity *DonationEventEntity) error {
	query := `INSERT INTO donation_event (id, donation_id, event, payload, created_at, updated_at, scheduled_at)
	          VALUES ($1, $2, $3, $4, $5, $5, $6)`
	_, err := tx.Exec(ctx, query, entity.ID, entity.DonationID, entity.Event, entity.Payload, entity.CreatedAt, entity.ScheduledAt)
	return errors.Wrap(err, "insert donation event")
}

// GetUnpublishedEvents locks up to limit due events. Rows locked by another
// producer instance are skipped.
func (r *EventRepository) GetUnpublishedEvents(ctx context.Context, tx pgx.Tx, limit int) ([]*DonationEventEntity, error) {
	query := `SELECT id, donation_id, event, payload, created_at, updated_at, scheduled_at, published_at, publish_attempts, error
	          FROM donation_event
	          WHERE scheduled_at IS NOT NULL AND scheduled_at <= now()
	          ORDER BY scheduled_at
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query unpublished events")
	}
	defer rows.Close()

	var events []*DonationEventEntity
	for rows.Next() {
		var e DonationEventEntity
		if err := rows.Scan(&e.ID, &e.DonationID, &e.Event, &e.Payload, &e.CreatedAt, &e.UpdatedAt, &e.ScheduledAt,
			&e.PublishedAt, &e.PublishAttempts, &e.Error); err != nil {
			return nil, errors.Wrap(err, "scan donation event")
		}
		events = append(events, &e)
	}
	return events, errors.Wrap(rows.Err(), "iterate donation events")
}

func (r *EventRepository) Update(ctx context.Context, tx pgx.Tx, entity *DonationEventEntity) error {
	query := `UPDATE donation_event
	          SET scheduled_at = $2, published_at = $3, publish_attempts = $4, error = $5, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.PublishAttempts, entity.Error)
	return errors.Wrap(err, "update donation event")
}

func (r *EventRepository) SelectByDonationID(ctx context.Context, donationID uuid.UUID) ([]*DonationEventEntity, error) {
	query := `SELECT id, donation_id, event, payload, created_at, updated_at, scheduled_at, published_at, publish_attempts, error
	          FROM donation_event WHERE donation_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, donationID)
	if err != nil {
		return nil, errors.Wrap(err, "query donation events")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*DonationEventEntity, error) {
		var e DonationEventEntity
		err := row.Scan(&e.ID, &e.DonationID, &e.Event, &e.Payload, &e.CreatedAt, &e.UpdatedAt, &e.ScheduledAt,
			&e.PublishedAt, &e.PublishAttempts, &e.Error)
		return &e, err
	})
}
