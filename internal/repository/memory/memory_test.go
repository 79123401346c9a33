package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/model"
)

func record(user uuid.UUID, tx string, end time.Time) *model.SubscriptionRecord {
	return &model.SubscriptionRecord{
		ID:               uuid.Must(uuid.NewV4()),
		UserID:           user,
		Status:           model.StatusActive,
		Plan:             model.PlanMonthly,
		CurrentPeriodEnd: end,
		TransactionID:    tx,
	}
}

func TestStore_CreateEnforcesUniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	user := uuid.Must(uuid.NewV4())
	end := time.Now().Add(time.Hour)

	require.NoError(t, s.Create(ctx, record(user, "tx-1", end)))
	require.ErrorIs(t, s.Create(ctx, record(uuid.Must(uuid.NewV4()), "tx-1", end)), errs.ErrAlreadyExists)
	require.ErrorIs(t, s.Create(ctx, record(user, "tx-2", end)), errs.ErrVersionConflict)

	ok, err := s.HasTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_ReplaceAndDeactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	user := uuid.Must(uuid.NewV4())
	rec := record(user, "tx-1", time.Now().Add(time.Hour))
	require.NoError(t, s.Create(ctx, rec))

	rec.TransactionID = "tx-2"
	rec.Plan = model.PlanYearly
	require.NoError(t, s.Replace(ctx, rec))
	got, err := s.GetActive(ctx, user)
	require.NoError(t, err)
	require.Equal(t, "tx-2", got.TransactionID)
	require.Equal(t, model.PlanYearly, got.Plan)

	s.Deactivate(rec.ID)
	_, err = s.GetActive(ctx, user)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, s.Replace(ctx, rec), errs.ErrNotFound)
	require.Len(t, s.Records(user), 1)
}

func TestStore_ListFlagDrift(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	now := time.Now()
	a, b, c := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	require.NoError(t, s.Create(ctx, record(a, "a", now.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, record(b, "b", now.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, record(c, "c", now.Add(-time.Hour))))
	require.NoError(t, s.SetSubscriptionStatus(ctx, b, model.StatusActive))

	out, err := s.ListFlagDrift(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, a, out[0].UserID)

	_, err = s.GetSubscriptionStatus(ctx, a)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
