package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/store"
)

var catalog = []model.StoreProduct{
	{ID: "pro_subscription_month", Title: "Pro Monthly", Price: model.Price{Formatted: "$9.99", AmountMicros: 9_990_000, CurrencyCode: "USD"}},
	{ID: "pro_subscription_year", Title: "Pro Yearly", Price: model.Price{Formatted: "$79.99", AmountMicros: 79_990_000, CurrencyCode: "USD"}},
}

func connected(t *testing.T, opts Options) *Store {
	t.Helper()
	opts.Catalog = catalog
	s := New(opts, nil)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func waitUpdate(t *testing.T, ch <-chan model.PurchaseUpdate) model.PurchaseUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("no purchase update")
		return model.PurchaseUpdate{}
	}
}

func TestConnect_SecondCallReportsAlreadyConnected(t *testing.T) {
	t.Parallel()
	s := connected(t, Options{})
	err := s.Connect(context.Background())
	require.True(t, errors.Is(err, store.ErrAlreadyConnected))
	require.Equal(t, 2, s.ConnectCalls())
}

func TestProducts_NotConnectedAndUnknownIDs(t *testing.T) {
	t.Parallel()
	s := New(Options{Catalog: catalog}, nil)
	_, err := s.Products(context.Background(), []string{"pro_subscription_month"})
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	ps, err := s.Products(context.Background(), []string{"pro_subscription_month", "nope"})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	require.Equal(t, "$9.99", ps[0].Price.Formatted)
}

func TestPurchase_ApproveDeliversReceipt(t *testing.T) {
	t.Parallel()
	s := connected(t, Options{})
	ch := make(chan model.PurchaseUpdate, 1)
	s.SetPurchaseListener(func(u model.PurchaseUpdate) { ch <- u })

	require.NoError(t, s.Purchase(context.Background(), "pro_subscription_month"))
	u := waitUpdate(t, ch)
	require.Equal(t, model.ResponseOK, u.ResponseCode)
	require.Len(t, u.Results, 1)
	require.NotEmpty(t, u.Results[0].Receipt)
	require.True(t, u.Results[0].Acknowledged)

	require.NoError(t, s.FinishTransaction(context.Background(), u.Results[0].TransactionID))
	require.True(t, s.Finished(u.Results[0].TransactionID))
}

func TestPurchase_LateReceiptAppearsAfterLag(t *testing.T) {
	t.Parallel()
	s := connected(t, Options{ReceiptLag: 2})
	ch := make(chan model.PurchaseUpdate, 1)
	s.SetPurchaseListener(func(u model.PurchaseUpdate) { ch <- u })
	s.Enqueue(ApproveLateReceipt)

	require.NoError(t, s.Purchase(context.Background(), "pro_subscription_year"))
	u := waitUpdate(t, ch)
	require.Empty(t, u.Results[0].Receipt)

	for i := 0; i < 2; i++ {
		h, err := s.PurchaseHistory(context.Background())
		require.NoError(t, err)
		require.Empty(t, h[0].Receipt, "read %d", i)
	}
	h, err := s.PurchaseHistory(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, h[0].Receipt)
}

func TestPurchase_ScriptedCancelAndFail(t *testing.T) {
	t.Parallel()
	s := connected(t, Options{})
	ch := make(chan model.PurchaseUpdate, 2)
	s.SetPurchaseListener(func(u model.PurchaseUpdate) { ch <- u })
	s.Enqueue(Cancel, Fail)

	require.NoError(t, s.Purchase(context.Background(), "pro_subscription_month"))
	require.Equal(t, model.ResponseUserCanceled, waitUpdate(t, ch).ResponseCode)
	require.NoError(t, s.Purchase(context.Background(), "pro_subscription_month"))
	require.Equal(t, model.ResponseError, waitUpdate(t, ch).ResponseCode)
}

func TestPurchase_UnknownProductAndNotConnected(t *testing.T) {
	t.Parallel()
	s := New(Options{Catalog: catalog}, nil)
	require.ErrorIs(t, s.Purchase(context.Background(), "pro_subscription_month"), ErrNotConnected)
	require.NoError(t, s.Connect(context.Background()))
	require.Error(t, s.Purchase(context.Background(), "nope"))
	require.Error(t, s.FinishTransaction(context.Background(), "missing"))
}
