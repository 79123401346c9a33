package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/iap-keeper/internal/model"
)

// ProfileRepository manages the denormalized entitlement flag on user profiles.
type ProfileRepository interface {
	// SetSubscriptionStatus writes the flag, creating the profile row if needed.
	SetSubscriptionStatus(ctx context.Context, userID uuid.UUID, status model.Status) error
	// GetSubscriptionStatus reads the flag or returns errs.ErrNotFound.
	GetSubscriptionStatus(ctx context.Context, userID uuid.UUID) (model.Status, error)
}
