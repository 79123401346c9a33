// Package store defines the platform store boundary consumed by the purchase engine.
package store

import (
	"context"
	"errors"

	"github.com/and161185/iap-keeper/internal/model"
)

// ErrAlreadyConnected is returned by Connect when a connection already exists.
// The engine treats it as success.
var ErrAlreadyConnected = errors.New("store: already connected")

// Listener receives purchase updates pushed by the store. It may be called from
// any goroutine and must not block for long.
type Listener func(model.PurchaseUpdate)

// Store is the native in-app purchase module.
type Store interface {
	// Available reports whether the platform supports in-app purchases at all.
	Available() bool
	// Connect opens the store connection.
	Connect(ctx context.Context) error
	// Disconnect closes the store connection.
	Disconnect(ctx context.Context) error
	// Products fetches catalog entries for ids.
	Products(ctx context.Context, ids []string) ([]model.StoreProduct, error)
	// Purchase starts a purchase; the outcome arrives through the listener.
	Purchase(ctx context.Context, productID string) error
	// PurchaseHistory returns every purchase known locally, receipts included.
	PurchaseHistory(ctx context.Context) ([]model.Purchase, error)
	// FinishTransaction tells the store the transaction has been delivered.
	FinishTransaction(ctx context.Context, transactionID string) error
	// SetPurchaseListener replaces the purchase update listener.
	SetPurchaseListener(l Listener)
}
