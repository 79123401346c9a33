// Package sandbox provides an in-memory store that behaves like the platform
// store in its test environment: asynchronous callbacks, lagging receipts and
// scriptable outcomes. Used by the development server and by tests.
package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/store"
)

// Outcome scripts how the next purchase behaves.
type Outcome int

const (
	// Approve acknowledges the purchase with its receipt attached.
	Approve Outcome = iota
	// ApproveLateReceipt acknowledges without a receipt; it shows up in the history later.
	ApproveLateReceipt
	// Cancel reports USER_CANCELED.
	Cancel
	// Fail reports the error sentinel.
	Fail
	// Silent never calls back.
	Silent
)

// ErrNotConnected is returned by calls made before Connect.
var ErrNotConnected = errors.New("sandbox: not connected")

// Options configure a Store.
type Options struct {
	Catalog       []model.StoreProduct
	CallbackDelay time.Duration // delay before the purchase callback fires
	ReceiptLag    int           // history reads before a late receipt appears
	Unavailable   bool
}

type entry struct {
	purchase model.Purchase
	receipt  string
	lagReads int
	finished bool
}

// Store is a simulated platform store. Safe for concurrent use.
type Store struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	connected bool
	listener  store.Listener
	outcomes  []Outcome
	history   []*entry
	connects  int
}

var _ store.Store = (*Store)(nil)

// New constructs a sandbox store.
func New(opts Options, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{opts: opts, log: log}
}

// Enqueue scripts outcomes for the following purchases, in order. Purchases
// beyond the script are approved.
func (s *Store) Enqueue(o ...Outcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o...)
	s.mu.Unlock()
}

// ConnectCalls reports how many times Connect reached the store.
func (s *Store) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Available reports whether the store is usable.
func (s *Store) Available() bool { return !s.opts.Unavailable }

// Connect opens the simulated connection.
func (s *Store) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connected {
		return store.ErrAlreadyConnected
	}
	s.connected = true
	return nil
}

// Disconnect closes the simulated connection.
func (s *Store) Disconnect(_ context.Context) error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// Products returns the catalog entries for ids, skipping unknown ids.
func (s *Store) Products(_ context.Context, ids []string) ([]model.StoreProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	out := make([]model.StoreProduct, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.product(id); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) product(id string) (model.StoreProduct, bool) {
	for _, p := range s.opts.Catalog {
		if p.ID == id {
			return p, true
		}
	}
	return model.StoreProduct{}, false
}

// Purchase records a transaction and schedules the callback.
func (s *Store) Purchase(_ context.Context, productID string) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := s.product(productID); !ok {
		s.mu.Unlock()
		return fmt.Errorf("sandbox: unknown product %q", productID)
	}
	outcome := Approve
	if len(s.outcomes) > 0 {
		outcome = s.outcomes[0]
		s.outcomes = s.outcomes[1:]
	}
	listener := s.listener

	var upd model.PurchaseUpdate
	switch outcome {
	case Cancel:
		upd = model.PurchaseUpdate{ResponseCode: model.ResponseUserCanceled}
	case Fail:
		upd = model.PurchaseUpdate{ResponseCode: model.ResponseError, ErrorCode: 5}
	default:
		txID := uuid.Must(uuid.NewV4()).String()
		receipt := base64.StdEncoding.EncodeToString([]byte("sandbox:" + productID + ":" + txID))
		e := &entry{
			purchase: model.Purchase{
				ProductID:     productID,
				TransactionID: txID,
				Acknowledged:  true,
				PurchasedAt:   time.Now().UTC(),
			},
			receipt: receipt,
		}
		cb := e.purchase
		if outcome == ApproveLateReceipt {
			e.lagReads = s.opts.ReceiptLag
		} else {
			cb.Receipt = receipt
		}
		s.history = append(s.history, e)
		upd = model.PurchaseUpdate{ResponseCode: model.ResponseOK, Results: []model.Purchase{cb}}
	}
	s.mu.Unlock()

	if outcome == Silent || listener == nil {
		s.log.Debug("sandbox purchase without callback", zap.String("product", productID))
		return nil
	}
	go func() {
		if s.opts.CallbackDelay > 0 {
			time.Sleep(s.opts.CallbackDelay)
		}
		listener(upd)
	}()
	return nil
}

// PurchaseHistory returns all recorded purchases. Late receipts become visible
// after ReceiptLag reads.
func (s *Store) PurchaseHistory(_ context.Context) ([]model.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	out := make([]model.Purchase, 0, len(s.history))
	for _, e := range s.history {
		p := e.purchase
		if e.lagReads > 0 {
			e.lagReads--
		} else {
			p.Receipt = e.receipt
		}
		out = append(out, p)
	}
	return out, nil
}

// FinishTransaction marks a transaction as delivered.
func (s *Store) FinishTransaction(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.history {
		if e.purchase.TransactionID == transactionID {
			e.finished = true
			return nil
		}
	}
	return fmt.Errorf("sandbox: unknown transaction %q", transactionID)
}

// Finished reports whether FinishTransaction was called for transactionID.
func (s *Store) Finished(transactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.history {
		if e.purchase.TransactionID == transactionID {
			return e.finished
		}
	}
	return false
}

// SetPurchaseListener replaces the purchase listener.
func (s *Store) SetPurchaseListener(l store.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}
