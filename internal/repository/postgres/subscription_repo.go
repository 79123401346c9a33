package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/model"
)

// SubscriptionRepo implements SubscriptionRepository using PostgreSQL.
type SubscriptionRepo struct{ db *DB }

// NewSubscriptionRepo constructs a subscription repository.
func NewSubscriptionRepo(db *DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

// GetActive selects the user's active row with the latest period end.
func (r *SubscriptionRepo) GetActive(ctx context.Context, userID uuid.UUID) (*model.SubscriptionRecord, error) {
	const q = `
SELECT id, user_id, status, plan, current_period_start, current_period_end,
       price_id, transaction_id, receipt_snippet, receipt_hash, environment, created_at, updated_at
FROM subscriptions
WHERE user_id=$1 AND status='active'
ORDER BY current_period_end DESC
LIMIT 1`
	var (
		rec               model.SubscriptionRecord
		status, plan, env string
	)
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(
		&rec.ID, &rec.UserID, &status, &plan, &rec.CurrentPeriodStart, &rec.CurrentPeriodEnd,
		&rec.PriceID, &rec.TransactionID, &rec.ReceiptSnippet, &rec.ReceiptHash, &env,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	rec.Status = model.Status(status)
	rec.Plan = model.Plan(plan)
	rec.Environment = model.Environment(env)
	return &rec, nil
}

// HasTransaction reports whether transactionID is recorded on any row.
func (r *SubscriptionRepo) HasTransaction(ctx context.Context, transactionID string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE transaction_id=$1)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, transactionID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Create inserts a new subscription row.
func (r *SubscriptionRepo) Create(ctx context.Context, rec *model.SubscriptionRecord) error {
	const q = `
INSERT INTO subscriptions (id, user_id, status, plan, current_period_start, current_period_end,
                           price_id, transaction_id, receipt_snippet, receipt_hash, environment)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.db.Pool.Exec(ctx, q,
		rec.ID, rec.UserID, string(rec.Status), string(rec.Plan), rec.CurrentPeriodStart, rec.CurrentPeriodEnd,
		rec.PriceID, rec.TransactionID, rec.ReceiptSnippet, rec.ReceiptHash, string(rec.Environment),
	)
	return mapWriteErr(err)
}

// Replace rewrites an active row in place.
func (r *SubscriptionRepo) Replace(ctx context.Context, rec *model.SubscriptionRecord) error {
	const q = `
UPDATE subscriptions
SET plan=$2, current_period_start=$3, current_period_end=$4, price_id=$5, transaction_id=$6,
    receipt_snippet=$7, receipt_hash=$8, environment=$9, updated_at=now()
WHERE id=$1 AND status='active'`
	tag, err := r.db.Pool.Exec(ctx, q,
		rec.ID, string(rec.Plan), rec.CurrentPeriodStart, rec.CurrentPeriodEnd, rec.PriceID, rec.TransactionID,
		rec.ReceiptSnippet, rec.ReceiptHash, string(rec.Environment),
	)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListFlagDrift finds current active rows whose profile flag is not active.
func (r *SubscriptionRepo) ListFlagDrift(ctx context.Context, now time.Time, limit int) ([]model.FlagDrift, error) {
	const q = `
SELECT s.user_id, COALESCE(p.subscription_status, '')
FROM subscriptions s
LEFT JOIN profiles p ON p.id = s.user_id
WHERE s.status='active' AND s.current_period_end > $1
  AND p.subscription_status IS DISTINCT FROM 'active'
ORDER BY s.updated_at ASC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FlagDrift
	for rows.Next() {
		var (
			id   uuid.UUID
			have string
		)
		if err = rows.Scan(&id, &have); err != nil {
			return nil, err
		}
		out = append(out, model.FlagDrift{UserID: id, Want: model.StatusActive, Have: model.Status(have)})
	}
	return out, rows.Err()
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if name, ok := uniqueViolation(err); ok {
		if name == constraintOneActive {
			return errs.ErrVersionConflict
		}
		return errs.ErrAlreadyExists
	}
	return err
}
