package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/model"
)

func TestProfileRepo_SetSubscriptionStatus(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewProfileRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`INSERT INTO profiles \(id, subscription_status, updated_at\) VALUES \(\$1, \$2, now\(\)\) ON CONFLICT \(id\)`).
		WithArgs(id, "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.SetSubscriptionStatus(context.Background(), id, model.StatusActive))

	mock.ExpectExec(`INSERT INTO profiles`).
		WithArgs(id, "active").
		WillReturnError(errors.New("down"))
	require.Error(t, r.SetSubscriptionStatus(context.Background(), id, model.StatusActive))
}

func TestProfileRepo_GetSubscriptionStatus(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewProfileRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT subscription_status FROM profiles WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"subscription_status"}).AddRow("active"))
	s, err := r.GetSubscriptionStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, s)

	mock.ExpectQuery(`SELECT subscription_status FROM profiles WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetSubscriptionStatus(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
