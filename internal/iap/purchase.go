package iap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/session"
	"github.com/and161185/iap-keeper/internal/validator"
)

// State is the phase of the current purchase attempt.
type State int

const (
	StateIdle State = iota
	StateAwaitingPlatformAck
	StateAwaitingReceipt
	StateValidating
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPlatformAck:
		return "awaiting_platform_ack"
	case StateAwaitingReceipt:
		return "awaiting_receipt"
	case StateValidating:
		return "validating"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// pendingRequest is the single in-flight purchase.
type pendingRequest struct {
	productID string
	sess      session.Session
	claimed   bool // a callback is being processed for it
	done      chan model.PurchaseResult
	once      sync.Once
}

func (r *pendingRequest) resolve(res model.PurchaseResult) {
	r.once.Do(func() { r.done <- res })
}

// State reports the phase of the current purchase attempt.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(req *pendingRequest, s State) {
	e.mu.Lock()
	if e.pending != req {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	if e.onState != nil {
		e.onState(s)
	}
}

// PurchaseSubscription buys productID and resolves once the purchase is
// validated and recorded, fails, or times out. Only one purchase may be in
// flight; a concurrent call resolves with errs.ErrPurchaseInFlight.
//
// A timeout or ctx cancellation resolves with RequiresManualCheck set: the
// store may still complete the purchase. A callback that arrives after that is
// dropped, and RestorePurchases is how such a purchase gets recorded.
func (e *Engine) PurchaseSubscription(ctx context.Context, productID string) (res model.PurchaseResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("purchase panicked", zap.Any("panic", r), zap.String("product", productID))
			res = failure(productID, fmt.Errorf("%w: internal error", errs.ErrStoreFailure))
		}
		// Success is only possible with a positive validation verdict.
		if res.Success && (!res.ReceiptValidated || res.Err != nil) {
			e.log.Error("unvalidated success downgraded", zap.String("product", productID))
			res.Success = false
			if res.Err == nil {
				res.Err = fmt.Errorf("%w: purchase not validated", errs.ErrValidationRejected)
			}
		}
		e.m.Purchase("purchase", outcome(res))
		e.log.Info("purchase resolved",
			zap.String("product", productID),
			zap.String("tx", res.TransactionID),
			zap.Bool("success", res.Success),
			zap.Bool("manual_check", res.RequiresManualCheck),
			zap.Duration("took", time.Since(start)),
			zap.Error(res.Err))
	}()
	return e.purchase(ctx, productID)
}

func (e *Engine) purchase(ctx context.Context, productID string) model.PurchaseResult {
	if productID == "" {
		return failure(productID, fmt.Errorf("%w: empty product id", errs.ErrStoreFailure))
	}
	if err := e.ready(ctx); err != nil {
		return failure(productID, err)
	}
	sess, err := e.currentSession(ctx)
	if err != nil {
		return failure(productID, err)
	}

	req, err := e.register(productID, sess)
	if err != nil {
		return failure(productID, err)
	}
	defer e.clear(req)
	e.m.SetInFlight(true)
	defer e.m.SetInFlight(false)

	e.setState(req, StateAwaitingPlatformAck)
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	if err := e.store.Purchase(ctx, productID); err != nil {
		return failure(productID, fmt.Errorf("%w: %w", errs.ErrStoreFailure, err))
	}

	select {
	case res := <-req.done:
		return res
	case <-timer.C:
		e.setState(req, StateResolved)
		return timedOut(productID, nil)
	case <-ctx.Done():
		e.setState(req, StateResolved)
		return timedOut(productID, ctx.Err())
	}
}

func (e *Engine) register(productID string, sess session.Session) (*pendingRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrPurchaseInFlight, e.pending.productID)
	}
	req := &pendingRequest{productID: productID, sess: sess, done: make(chan model.PurchaseResult, 1)}
	e.pending = req
	return req, nil
}

func (e *Engine) clear(req *pendingRequest) {
	e.mu.Lock()
	if e.pending != req {
		e.mu.Unlock()
		return
	}
	e.pending = nil
	e.state = StateIdle
	e.mu.Unlock()
	if e.onState != nil {
		e.onState(StateIdle)
	}
}

// onUpdate is the store listener. Processing runs off the store's goroutine.
func (e *Engine) onUpdate(u model.PurchaseUpdate) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.log.Debug("update after close dropped", zap.Stringer("code", u.ResponseCode))
		return
	}
	req := e.claim(u)
	if req == nil {
		e.mu.Unlock()
		e.log.Info("purchase update without pending request dropped",
			zap.Stringer("code", u.ResponseCode), zap.Int("results", len(u.Results)))
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		res := e.handleUpdate(req, u)
		e.setState(req, StateResolved)
		req.resolve(res)
	}()
}

// claim returns the pending request u belongs to. Caller holds e.mu.
func (e *Engine) claim(u model.PurchaseUpdate) *pendingRequest {
	req := e.pending
	if req == nil || req.claimed {
		return nil
	}
	if u.ResponseCode == model.ResponseOK {
		if _, ok := matchProduct(u.Results, req.productID); !ok {
			return nil
		}
	}
	req.claimed = true
	return req
}

func (e *Engine) handleUpdate(req *pendingRequest, u model.PurchaseUpdate) model.PurchaseResult {
	switch u.ResponseCode {
	case model.ResponseOK:
	case model.ResponseUserCanceled:
		return model.PurchaseResult{ProductID: req.productID, Canceled: true, Err: errs.ErrUserCanceled}
	default:
		return failure(req.productID, fmt.Errorf("%w: store responded %s (code %d)", errs.ErrStoreFailure, u.ResponseCode, u.ErrorCode))
	}
	p, _ := matchProduct(u.Results, req.productID)
	ctx := session.WithSession(e.baseCtx, req.sess)
	return e.complete(ctx, req.sess, p, func(s State) { e.setState(req, s) })
}

// complete takes an acknowledged store purchase through receipt lookup,
// validation and the entitlement write, then finishes the transaction.
func (e *Engine) complete(ctx context.Context, sess session.Session, p model.Purchase, step func(State)) model.PurchaseResult {
	res := model.PurchaseResult{ProductID: p.ProductID, TransactionID: p.TransactionID}

	receipt := p.Receipt
	if validator.NeedsReceipt(e.val.Protocol()) && receipt == "" {
		step(StateAwaitingReceipt)
		r, attempts, err := e.pollForReceipt(ctx, p.ProductID, p.TransactionID)
		res.ValidationAttempts = attempts
		if err != nil {
			res.Err = err
			res.RequiresManualCheck = true
			return res
		}
		receipt = r
	}

	step(StateValidating)
	out, err := e.val.Validate(ctx, validator.Request{
		ProductID:     p.ProductID,
		TransactionID: p.TransactionID,
		Receipt:       receipt,
	})
	if err != nil {
		res.Err = err
		return res
	}
	if !out.Valid {
		res.Err = fmt.Errorf("%w: %s", errs.ErrValidationRejected, out.Reason)
		return res
	}
	res.ReceiptValidated = true

	action, err := e.ent.HandlePurchaseCompleted(ctx, sess.UserID, model.CompletedPurchase{
		ProductID:     p.ProductID,
		TransactionID: p.TransactionID,
		Receipt:       receipt,
		Environment:   e.env,
	})
	if err != nil {
		res.Err = err
		res.RequiresManualCheck = errors.Is(err, errs.ErrPartialPersistence)
		return res
	}
	res.Success = true

	if err := e.store.FinishTransaction(ctx, p.TransactionID); err != nil {
		e.log.Warn("finish transaction failed", zap.String("tx", p.TransactionID), zap.Error(err))
	}
	e.log.Debug("purchase completed", zap.String("tx", p.TransactionID), zap.String("action", string(action)))
	return res
}

func matchProduct(results []model.Purchase, productID string) (model.Purchase, bool) {
	for _, p := range results {
		if p.ProductID == productID && p.TransactionID != "" {
			return p, true
		}
	}
	return model.Purchase{}, false
}

func failure(productID string, err error) model.PurchaseResult {
	return model.PurchaseResult{ProductID: productID, Err: err}
}

func timedOut(productID string, cause error) model.PurchaseResult {
	err := errs.ErrPurchaseTimeout
	if cause != nil {
		err = fmt.Errorf("%w: %w", errs.ErrPurchaseTimeout, cause)
	}
	return model.PurchaseResult{ProductID: productID, RequiresManualCheck: true, Err: err}
}

func outcome(res model.PurchaseResult) string {
	switch {
	case res.Success:
		return "success"
	case res.Canceled:
		return "canceled"
	case errors.Is(res.Err, errs.ErrPurchaseTimeout):
		return "timeout"
	case errors.Is(res.Err, errs.ErrValidationRejected):
		return "rejected"
	default:
		return "failure"
	}
}
