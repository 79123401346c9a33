package iap

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/limiter"
	"github.com/and161185/iap-keeper/internal/metrics"
	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/repository/memory"
	"github.com/and161185/iap-keeper/internal/service"
	"github.com/and161185/iap-keeper/internal/session"
	"github.com/and161185/iap-keeper/internal/store"
	"github.com/and161185/iap-keeper/internal/store/sandbox"
	"github.com/and161185/iap-keeper/internal/validator"
)

var catalog = []model.StoreProduct{
	{ID: "pro_subscription_month", Title: "Pro Monthly", Price: model.Price{Formatted: "$9.99", AmountMicros: 9_990_000, CurrencyCode: "USD"}, SubscriptionPeriod: "P1M"},
	{ID: "pro_subscription_year", Title: "Pro Yearly", Price: model.Price{Formatted: "$79.99", AmountMicros: 79_990_000, CurrencyCode: "USD"}, SubscriptionPeriod: "P1Y"},
}

// fastPoll keeps polling delays in the millisecond range.
var fastPoll = PollConfig{ShortBase: time.Millisecond, LongBase: 2 * time.Millisecond, Max: 5 * time.Millisecond}

type fixedSessions struct{ s session.Session }

func (f fixedSessions) Current(context.Context) (session.Session, error) {
	if f.s.UserID == uuid.Nil {
		return session.Session{}, errs.ErrNoSession
	}
	return f.s, nil
}

var _ session.Provider = fixedSessions{}

// fakeValidator answers with a scripted verdict and records requests.
type fakeValidator struct {
	protocol model.Protocol
	valid    bool
	reason   string
	err      error

	mu   sync.Mutex
	reqs []validator.Request
}

var _ validator.Validator = (*fakeValidator)(nil)

func (f *fakeValidator) Protocol() model.Protocol {
	if f.protocol == "" {
		return model.ProtocolReceipt
	}
	return f.protocol
}

func (f *fakeValidator) Validate(_ context.Context, req validator.Request) (model.ValidationOutcome, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return model.ValidationOutcome{}, f.err
	}
	return model.ValidationOutcome{Valid: f.valid, Reason: f.reason, Protocol: f.Protocol()}, nil
}

func (f *fakeValidator) requests() []validator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]validator.Request(nil), f.reqs...)
}

// gatedStore is a store whose Connect blocks until released and whose
// history reads are counted.
type gatedStore struct {
	*sandbox.Store
	gate        chan struct{}
	connects    atomic.Int32
	historyRead atomic.Int32
	productCall atomic.Int32
	bought      atomic.Int32
	connectErr  error
	purchaseErr error
	panicOnBuy  bool
}

var _ store.Store = (*gatedStore)(nil)

func (g *gatedStore) Connect(ctx context.Context) error {
	g.connects.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	if g.connectErr != nil {
		return g.connectErr
	}
	return g.Store.Connect(ctx)
}

func (g *gatedStore) Purchase(ctx context.Context, productID string) error {
	if g.panicOnBuy {
		panic("native module crashed")
	}
	if g.purchaseErr != nil {
		return g.purchaseErr
	}
	if err := g.Store.Purchase(ctx, productID); err != nil {
		return err
	}
	g.bought.Add(1)
	return nil
}

func (g *gatedStore) Products(ctx context.Context, ids []string) ([]model.StoreProduct, error) {
	g.productCall.Add(1)
	return g.Store.Products(ctx, ids)
}

func (g *gatedStore) PurchaseHistory(ctx context.Context) ([]model.Purchase, error) {
	g.historyRead.Add(1)
	return g.Store.PurchaseHistory(ctx)
}

type harness struct {
	eng    *Engine
	store  *gatedStore
	val    *fakeValidator
	db     *memory.Store
	user   uuid.UUID
	states *stateLog
}

type stateLog struct {
	mu sync.Mutex
	s  []State
}

func (l *stateLog) add(s State) {
	l.mu.Lock()
	l.s = append(l.s, s)
	l.mu.Unlock()
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.s...)
}

type harnessOpt func(*Options, *sandbox.Options)

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		val:    &fakeValidator{valid: true},
		db:     memory.New(),
		user:   uuid.Must(uuid.NewV4()),
		states: &stateLog{},
	}
	log := zaptest.NewLogger(t)
	m := metrics.MustNew(prometheus.NewRegistry())

	sbOpts := sandbox.Options{Catalog: catalog}
	o := Options{
		Validator:       h.val,
		Sessions:        fixedSessions{s: session.Session{UserID: h.user, Token: "tok"}},
		Environment:     model.EnvSandbox,
		PurchaseTimeout: 2 * time.Second,
		Poll:            fastPoll,
		OnStateChange:   h.states.add,
		Logger:          log,
		Metrics:         m,
	}
	for _, fn := range opts {
		fn(&o, &sbOpts)
	}
	h.store = &gatedStore{Store: sandbox.New(sbOpts, log)}
	if o.Store == nil {
		o.Store = h.store
	}
	if o.Entitlements == nil {
		o.Entitlements = service.NewEntitlementService(h.db, h.db, log, m)
	}

	eng, err := New(o)
	require.NoError(t, err)
	eng.jitter = func() float64 { return 0 }
	h.eng = eng
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return h
}

// fakeLimiter blocks once failures reach max.
type fakeLimiter struct {
	mu        sync.Mutex
	max       int
	failures  int
	successes int
	allowErr  error
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (f *fakeLimiter) Allow(context.Context, uuid.UUID, string) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowErr != nil {
		return false, 0, f.allowErr
	}
	if f.max > 0 && f.failures >= f.max {
		return false, time.Minute, nil
	}
	return true, 0, nil
}

func (f *fakeLimiter) Success(context.Context, uuid.UUID, string) error {
	f.mu.Lock()
	f.successes++
	f.failures = 0
	f.mu.Unlock()
	return nil
}

func (f *fakeLimiter) Failure(context.Context, uuid.UUID, string) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	return f.max > 0 && f.failures >= f.max, time.Minute, nil
}

func withTimeout(d time.Duration) harnessOpt {
	return func(o *Options, _ *sandbox.Options) { o.PurchaseTimeout = d }
}

func withReceiptLag(n int) harnessOpt {
	return func(_ *Options, s *sandbox.Options) { s.ReceiptLag = n }
}
