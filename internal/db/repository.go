package db

import (
	"context"
	"time"

	"donation-service/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("donation not found")
	// ErrStaleState is returned when a guarded UPDATE matched no row because
	// the record is no longer in the expected state.
	ErrStaleState = errors.New("donation is not in the expected state")
	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// for a different donation.
	ErrIdempotencyConflict = errors.New("idempotency key already used for another donation")
)

const donationColumns = `id, state, gateway, amount_minor, currency, donor_name, email, campaign_id, country, lang,
	external_order_id, reference_code, idempotency_key, failure_reason, capture_attempts, last_error, retry_at,
	created_at, updated_at, completed_at`

type DonationRepository struct {
	pool *pgxpool.Pool
}

func NewDonationRepository(pool *pgxpool.Pool) *DonationRepository {
	return &DonationRepository{pool: pool}
}

func (r *DonationRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Create inserts a pending donation. When the record carries an idempotency
// key that was already used, the existing donation is returned instead,
// provided it was created from the same payload.
func (r *DonationRepository) Create(ctx context.Context, rec *model.DonationRecord) (*model.DonationRecord, error) {
	query := `INSERT INTO donation (id, state, gateway, amount_minor, currency, donor_name, email, campaign_id, country, lang,
	              idempotency_key, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	          ON CONFLICT (idempotency_key) DO NOTHING
	          RETURNING ` + donationColumns

	now := time.Now()
	row := r.pool.QueryRow(ctx, query, rec.ID, rec.State, rec.Gateway, model.ToMinor(rec.Amount), rec.Currency,
		rec.DonorName, rec.Email, rec.CampaignID, rec.Country, rec.Lang, rec.IdempotencyKey, now)

	created, err := scanDonation(row)
	if errors.Is(err, ErrNotFound) && rec.IdempotencyKey != nil {
		existing, err := r.SelectByIdempotencyKey(ctx, *rec.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if !samePayload(existing, rec) {
			return nil, errors.Wrapf(ErrIdempotencyConflict, "key %q", *rec.IdempotencyKey)
		}
		return existing, nil
	}
	return created, err
}

func samePayload(a, b *model.DonationRecord) bool {
	return a.Gateway == b.Gateway &&
		a.Currency == b.Currency &&
		model.ToMinor(a.Amount) == model.ToMinor(b.Amount) &&
		a.Email == b.Email &&
		a.DonorName == b.DonorName &&
		a.Country == b.Country &&
		campaign(a) == campaign(b)
}

func campaign(rec *model.DonationRecord) string {
	if rec.CampaignID == nil {
		return ""
	}
	return *rec.CampaignID
}

func (r *DonationRepository) SelectByID(ctx context.Context, id uuid.UUID) (*model.DonationRecord, error) {
	return scanDonation(r.pool.QueryRow(ctx, `SELECT `+donationColumns+` FROM donation WHERE id = $1`, id))
}

func (r *DonationRepository) SelectByExternalOrderID(ctx context.Context, externalOrderID string) (*model.DonationRecord, error) {
	return scanDonation(r.pool.QueryRow(ctx, `SELECT `+donationColumns+` FROM donation WHERE external_order_id = $1`, externalOrderID))
}

func (r *DonationRepository) SelectByIdempotencyKey(ctx context.Context, key string) (*model.DonationRecord, error) {
	return scanDonation(r.pool.QueryRow(ctx, `SELECT `+donationColumns+` FROM donation WHERE idempotency_key = $1`, key))
}

// SelectForUpdateByID locks the donation row until tx ends.
func (r *DonationRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.DonationRecord, error) {
	return scanDonation(tx.QueryRow(ctx, `SELECT `+donationColumns+` FROM donation WHERE id = $1 FOR UPDATE`, id))
}

// SelectForUpdateByExternalOrderID locks the donation row owning the gateway
// order until tx ends. Concurrent reconciliations of the same order queue
// behind this lock.
func (r *DonationRepository) SelectForUpdateByExternalOrderID(ctx context.Context, tx pgx.Tx, externalOrderID string) (*model.DonationRecord, error) {
	return scanDonation(tx.QueryRow(ctx, `SELECT `+donationColumns+` FROM donation WHERE external_order_id = $1 FOR UPDATE`, externalOrderID))
}

// LinkOrder stores the gateway order id on a pending donation. The id can be
// set only once.
func (r *DonationRepository) LinkOrder(ctx context.Context, tx pgx.Tx, id uuid.UUID, externalOrderID string) error {
	query := `UPDATE donation
	          SET external_order_id = $2, updated_at = now()
	          WHERE id = $1 AND state = $3 AND external_order_id IS NULL`
	tag, err := tx.Exec(ctx, query, id, externalOrderID, model.StatePending)
	return checkAffected(tag, err)
}

// MarkAuthorized moves a pending donation with a linked order to
// authorized_externally once the donor approved the payment.
func (r *DonationRepository) MarkAuthorized(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	query := `UPDATE donation
	          SET state = $2, updated_at = now()
	          WHERE id = $1 AND state = $3 AND external_order_id IS NOT NULL`
	tag, err := tx.Exec(ctx, query, id, model.StateAuthorizedExternally, model.StatePending)
	return checkAffected(tag, err)
}

// Complete writes a terminal capture outcome for an authorized donation.
func (r *DonationRepository) Complete(ctx context.Context, tx pgx.Tx, rec *model.DonationRecord) error {
	query := `UPDATE donation
	          SET state = $2, reference_code = $3, failure_reason = $4, capture_attempts = $5, last_error = NULL,
	              retry_at = NULL, completed_at = $6, updated_at = now()
	          WHERE id = $1 AND state = $7`
	tag, err := tx.Exec(ctx, query, rec.ID, rec.State, rec.ReferenceCode, rec.FailureReason, rec.CaptureAttempts,
		rec.CompletedAt, model.StateAuthorizedExternally)
	return checkAffected(tag, err)
}

// Cancel moves a pending donation to cancelled.
func (r *DonationRepository) Cancel(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	query := `UPDATE donation SET state = $2, completed_at = $3, updated_at = now() WHERE id = $1 AND state = $4`
	tag, err := tx.Exec(ctx, query, id, model.StateCancelled, at, model.StatePending)
	return checkAffected(tag, err)
}

// RecordCaptureError keeps the donation authorized while remembering a failed
// capture attempt and when to try again.
func (r *DonationRepository) RecordCaptureError(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, lastErr string, retryAt *time.Time) error {
	query := `UPDATE donation
	          SET capture_attempts = $2, last_error = $3, retry_at = $4, updated_at = now()
	          WHERE id = $1 AND state = $5`
	tag, err := tx.Exec(ctx, query, id, attempts, lastErr, retryAt, model.StateAuthorizedExternally)
	return checkAffected(tag, err)
}

// GetRetryable returns external order ids of authorized donations whose
// capture retry is due.
func (r *DonationRepository) GetRetryable(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT external_order_id FROM donation
	          WHERE state = $1 AND retry_at IS NOT NULL AND retry_at <= now()
	          ORDER BY retry_at
	          LIMIT $2`
	rows, err := r.pool.Query(ctx, query, model.StateAuthorizedExternally, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query retryable donations")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, errors.Wrap(err, "collect retryable donations")
}

// List returns the most recent donations, optionally filtered by state.
func (r *DonationRepository) List(ctx context.Context, state model.State, limit int) ([]*model.DonationRecord, error) {
	query := `SELECT ` + donationColumns + ` FROM donation WHERE ($1::text = '' OR state = $1::text) ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, string(state), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query donations")
	}
	defer rows.Close()

	var records []*model.DonationRecord
	for rows.Next() {
		rec, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "iterate donations")
}

func checkAffected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return errors.Wrap(err, "update donation")
	}
	if tag.RowsAffected() != 1 {
		return ErrStaleState
	}
	return nil
}

func scanDonation(row pgx.Row) (*model.DonationRecord, error) {
	var (
		rec         model.DonationRecord
		amountMinor int64
	)
	err := row.Scan(&rec.ID, &rec.State, &rec.Gateway, &amountMinor, &rec.Currency, &rec.DonorName, &rec.Email,
		&rec.CampaignID, &rec.Country, &rec.Lang, &rec.ExternalOrderID, &rec.ReferenceCode, &rec.IdempotencyKey,
		&rec.FailureReason, &rec.CaptureAttempts, &rec.LastError, &rec.RetryAt, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan donation")
	}
	rec.Amount = model.FromMinor(amountMinor)
	return &rec, nil
}
