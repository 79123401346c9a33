package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var subscriptionCols = []string{
	"id", "user_id", "status", "plan", "current_period_start", "current_period_end",
	"price_id", "transaction_id", "receipt_snippet", "receipt_hash", "environment", "created_at", "updated_at",
}

func sampleRecord() *model.SubscriptionRecord {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	return &model.SubscriptionRecord{
		ID:                 uuid.Must(uuid.NewV4()),
		UserID:             uuid.Must(uuid.NewV4()),
		Status:             model.StatusActive,
		Plan:               model.PlanMonthly,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
		PriceID:            "pro_subscription_month",
		TransactionID:      "tx-1",
		ReceiptSnippet:     "MIIT",
		ReceiptHash:        []byte{1, 2, 3},
		Environment:        model.EnvSandbox,
	}
}

func TestSubscriptionRepo_GetActive(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSubscriptionRepo(db)
	ctx := context.Background()
	rec := sampleRecord()

	mock.ExpectQuery(`SELECT id, user_id, status, plan, .* FROM subscriptions WHERE user_id=\$1 AND status='active' ORDER BY current_period_end DESC LIMIT 1`).
		WithArgs(rec.UserID).
		WillReturnRows(pgxmock.NewRows(subscriptionCols).AddRow(
			rec.ID, rec.UserID, "active", "monthly", rec.CurrentPeriodStart, rec.CurrentPeriodEnd,
			rec.PriceID, rec.TransactionID, rec.ReceiptSnippet, rec.ReceiptHash, "sandbox",
			rec.CurrentPeriodStart, rec.CurrentPeriodStart,
		))
	got, err := r.GetActive(ctx, rec.UserID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, model.StatusActive, got.Status)
	require.Equal(t, model.PlanMonthly, got.Plan)
	require.Equal(t, model.EnvSandbox, got.Environment)
	require.Equal(t, "tx-1", got.TransactionID)

	mock.ExpectQuery(`SELECT id, user_id, status, plan, .* FROM subscriptions WHERE user_id=\$1`).
		WithArgs(rec.UserID).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetActive(ctx, rec.UserID)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_HasTransaction(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSubscriptionRepo(db)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM subscriptions WHERE transaction_id=\$1\)`).
		WithArgs("tx-9").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := r.HasTransaction(context.Background(), "tx-9")
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("tx-9").
		WillReturnError(errors.New("boom"))
	_, err = r.HasTransaction(context.Background(), "tx-9")
	require.Error(t, err)
}

func TestSubscriptionRepo_Create_MapsConstraints(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSubscriptionRepo(db)
	ctx := context.Background()
	rec := sampleRecord()
	args := []any{
		rec.ID, rec.UserID, "active", "monthly", rec.CurrentPeriodStart, rec.CurrentPeriodEnd,
		rec.PriceID, rec.TransactionID, rec.ReceiptSnippet, rec.ReceiptHash, "sandbox",
	}
	const insert = `INSERT INTO subscriptions \(id, user_id, status, plan, .*\) VALUES \(\$1,\$2,\$3,\$4,\$5,\$6,\$7,\$8,\$9,\$10,\$11\)`

	mock.ExpectExec(insert).WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, rec))

	mock.ExpectExec(insert).WithArgs(args...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: constraintTransactionID})
	require.ErrorIs(t, r.Create(ctx, rec), errs.ErrAlreadyExists)

	mock.ExpectExec(insert).WithArgs(args...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: constraintOneActive})
	require.ErrorIs(t, r.Create(ctx, rec), errs.ErrVersionConflict)

	mock.ExpectExec(insert).WithArgs(args...).WillReturnError(errors.New("conn reset"))
	err := r.Create(ctx, rec)
	require.Error(t, err)
	require.False(t, errors.Is(err, errs.ErrAlreadyExists))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_Replace(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSubscriptionRepo(db)
	ctx := context.Background()
	rec := sampleRecord()
	rec.Plan = model.PlanYearly
	args := []any{
		rec.ID, "yearly", rec.CurrentPeriodStart, rec.CurrentPeriodEnd, rec.PriceID, rec.TransactionID,
		rec.ReceiptSnippet, rec.ReceiptHash, "sandbox",
	}
	const update = `UPDATE subscriptions SET plan=\$2, .* WHERE id=\$1 AND status='active'`

	mock.ExpectExec(update).WithArgs(args...).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.Replace(ctx, rec))

	mock.ExpectExec(update).WithArgs(args...).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.Replace(ctx, rec), errs.ErrNotFound)

	mock.ExpectExec(update).WithArgs(args...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: constraintTransactionID})
	require.ErrorIs(t, r.Replace(ctx, rec), errs.ErrAlreadyExists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_ListFlagDrift(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewSubscriptionRepo(db)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	u1 := uuid.Must(uuid.NewV4())
	u2 := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT s.user_id, COALESCE\(p.subscription_status, ''\) FROM subscriptions s LEFT JOIN profiles p`).
		WithArgs(now, 50).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "subscription_status"}).
			AddRow(u1, "inactive").
			AddRow(u2, ""))
	out, err := r.ListFlagDrift(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, u1, out[0].UserID)
	require.Equal(t, model.StatusInactive, out[0].Have)
	require.Equal(t, model.StatusActive, out[1].Want)
	require.Equal(t, model.Status(""), out[1].Have)
}
