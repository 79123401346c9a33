// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/iap-keeper/internal/model"
)

// SubscriptionRepository provides access to persisted subscription entitlements.
type SubscriptionRepository interface {
	// GetActive returns the user's active subscription or errs.ErrNotFound.
	GetActive(ctx context.Context, userID uuid.UUID) (*model.SubscriptionRecord, error)

	// HasTransaction reports whether a transaction id is already recorded.
	HasTransaction(ctx context.Context, transactionID string) (bool, error)

	// Create inserts a new row. Returns errs.ErrAlreadyExists when the transaction
	// id is taken and errs.ErrVersionConflict when the user already has an active row.
	Create(ctx context.Context, rec *model.SubscriptionRecord) error

	// Replace rewrites the active row rec.ID in place (renewal, upgrade, downgrade).
	// Returns errs.ErrNotFound if that row is no longer active.
	Replace(ctx context.Context, rec *model.SubscriptionRecord) error

	// ListFlagDrift returns users with a current active row whose profile flag is not active.
	ListFlagDrift(ctx context.Context, now time.Time, limit int) ([]model.FlagDrift, error)
}
