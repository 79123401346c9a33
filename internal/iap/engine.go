// Package iap turns store purchase events into validated, persisted
// subscription entitlements.
//
// An Engine is constructed, initialized, used and closed:
//
//	eng, err := iap.New(opts)
//	ok := eng.Initialize(ctx)
//	res := eng.PurchaseSubscription(ctx, "pro_subscription_month")
//	_ = eng.Close(ctx)
//
// PurchaseSubscription never returns a Go error; every failure is a
// model.PurchaseResult with Success false.
package iap

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/limiter"
	"github.com/and161185/iap-keeper/internal/metrics"
	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/service"
	"github.com/and161185/iap-keeper/internal/session"
	"github.com/and161185/iap-keeper/internal/store"
	"github.com/and161185/iap-keeper/internal/validator"
)

// DefaultPurchaseTimeout bounds the wait for a store callback.
const DefaultPurchaseTimeout = 90 * time.Second

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("iap: engine closed")

// Options configure an Engine. Store may be nil on platforms without a store;
// the engine then reports itself unavailable.
type Options struct {
	Store        store.Store
	Validator    validator.Validator
	Entitlements service.EntitlementService
	Sessions     session.Provider
	Limiter      limiter.Limiter // optional; limits restore attempts per user
	Environment  model.Environment

	PurchaseTimeout  time.Duration
	Poll             PollConfig
	ProductCacheSize int

	// OnStateChange observes purchase state transitions. Called synchronously.
	OnStateChange func(State)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Engine is the purchase validation engine. Safe for concurrent use.
type Engine struct {
	store    store.Store
	val      validator.Validator
	ent      service.EntitlementService
	sessions session.Provider
	lim      limiter.Limiter
	env      model.Environment
	timeout  time.Duration
	poll     PollConfig
	onState  func(State)
	log      *zap.Logger
	m        *metrics.Metrics
	jitter   func() float64

	group     singleflight.Group
	connected atomic.Bool

	mu      sync.Mutex
	pending *pendingRequest
	state   State
	closed  bool
	wg      sync.WaitGroup

	products *lru.Cache[string, model.StoreProduct]

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Validator == nil:
		return nil, errors.New("iap: validator is required")
	case opts.Entitlements == nil:
		return nil, errors.New("iap: entitlement service is required")
	case opts.Sessions == nil:
		return nil, errors.New("iap: session provider is required")
	case !opts.Environment.Valid():
		return nil, fmt.Errorf("iap: unknown environment %q", opts.Environment)
	}
	if opts.PurchaseTimeout <= 0 {
		opts.PurchaseTimeout = DefaultPurchaseTimeout
	}
	if opts.ProductCacheSize <= 0 {
		opts.ProductCacheSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cache, err := lru.New[string, model.StoreProduct](opts.ProductCacheSize)
	if err != nil {
		return nil, fmt.Errorf("iap: product cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    opts.Store,
		val:      opts.Validator,
		ent:      opts.Entitlements,
		sessions: opts.Sessions,
		lim:      opts.Limiter,
		env:      opts.Environment,
		timeout:  opts.PurchaseTimeout,
		poll:     opts.Poll.withDefaults(),
		onState:  opts.OnStateChange,
		log:      opts.Logger.Named("iap"),
		m:        opts.Metrics,
		jitter:   rand.Float64,
		products: cache,
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Available reports whether the platform store exists.
func (e *Engine) Available() bool { return e.store != nil && e.store.Available() }

// Environment returns the environment purchases are validated against.
func (e *Engine) Environment() model.Environment { return e.env }

// Products returns catalog entries for ids in request order. Entries are
// cached after the first fetch; unknown ids are skipped.
func (e *Engine) Products(ctx context.Context, ids []string) ([]model.StoreProduct, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if !e.products.Contains(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		fetched, err := e.store.Products(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("%w: products: %w", errs.ErrStoreFailure, err)
		}
		for _, p := range fetched {
			e.products.Add(p.ID, p)
		}
	}
	out := make([]model.StoreProduct, 0, len(ids))
	for _, id := range ids {
		if p, ok := e.products.Get(id); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Close detaches from the store and waits for callback processing to finish.
// If ctx ends first, in-flight processing is canceled. A purchase still
// waiting for its callback resolves at once like a timeout wrapping ErrClosed.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	waiting := e.pending
	if waiting != nil && waiting.claimed {
		waiting = nil
	}
	e.mu.Unlock()

	if waiting != nil {
		e.setState(waiting, StateResolved)
		waiting.resolve(timedOut(waiting.productID, ErrClosed))
	}

	var err error
	if e.store != nil && e.connected.Load() {
		e.store.SetPurchaseListener(nil)
		err = e.store.Disconnect(ctx)
		e.connected.Store(false)
	}

	done := make(chan struct{})
	go func() { e.wg.Wait(); close(done) }()
	select {
	case <-done:
		e.cancel()
	case <-ctx.Done():
		e.cancel()
		<-done
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ready is initialize-or-fail for operations that need a connected store.
func (e *Engine) ready(ctx context.Context) error {
	switch {
	case e.isClosed():
		return ErrClosed
	case !e.Available():
		return errs.ErrPlatformUnavailable
	case !e.Initialize(ctx):
		return errs.ErrConnectFailed
	}
	return nil
}

// currentSession returns the caller's session. Missing or invalid sessions
// wrap errs.ErrNoSession.
func (e *Engine) currentSession(ctx context.Context) (session.Session, error) {
	s, err := e.sessions.Current(ctx)
	if err != nil {
		if errors.Is(err, errs.ErrNoSession) {
			return session.Session{}, err
		}
		return session.Session{}, fmt.Errorf("%w: %w", errs.ErrNoSession, err)
	}
	return s, nil
}
