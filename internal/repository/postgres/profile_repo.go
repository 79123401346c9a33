package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/model"
)

// ProfileRepo implements ProfileRepository using PostgreSQL.
type ProfileRepo struct{ db *DB }

// NewProfileRepo constructs a profile repository.
func NewProfileRepo(db *DB) *ProfileRepo { return &ProfileRepo{db: db} }

// SetSubscriptionStatus upserts the entitlement flag.
func (r *ProfileRepo) SetSubscriptionStatus(ctx context.Context, userID uuid.UUID, status model.Status) error {
	const q = `
INSERT INTO profiles (id, subscription_status, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (id)
DO UPDATE SET subscription_status=EXCLUDED.subscription_status, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, userID, string(status))
	return err
}

// GetSubscriptionStatus reads the entitlement flag.
func (r *ProfileRepo) GetSubscriptionStatus(ctx context.Context, userID uuid.UUID) (model.Status, error) {
	const q = `SELECT subscription_status FROM profiles WHERE id=$1`
	var s string
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", err
	}
	return model.Status(s), nil
}
