package iap

import (
	"context"

	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/session"
)

// SubscriptionStatus resolves the caller's entitlement. When the recorded
// period has ended it first looks for a newer, unrecorded transaction in the
// store history and records it if it validates.
func (e *Engine) SubscriptionStatus(ctx context.Context) (model.SubscriptionStatus, error) {
	sess, err := e.currentSession(ctx)
	if err != nil {
		return model.SubscriptionStatus{}, err
	}
	st, err := e.ent.Status(ctx, sess.UserID)
	if err != nil || !st.Expired || st.Record == nil {
		return st, err
	}

	if !e.renew(session.WithSession(ctx, sess), sess, st.Record) {
		return st, nil
	}
	renewed, err := e.ent.Status(ctx, sess.UserID)
	if err != nil {
		e.log.Warn("status re-read after renewal failed", zap.Error(err))
		return st, nil
	}
	return renewed, nil
}

// renew records the newest store purchase made after rec's period started
// that is not yet known. Failures are logged; the caller keeps the expired view.
func (e *Engine) renew(ctx context.Context, sess session.Session, rec *model.SubscriptionRecord) bool {
	if err := e.ready(ctx); err != nil {
		e.log.Debug("renewal sync skipped", zap.Error(err))
		return false
	}
	history, err := e.store.PurchaseHistory(ctx)
	if err != nil {
		e.log.Warn("renewal sync: purchase history", zap.Error(err))
		return false
	}

	var lookupErr error
	p, ok := newest(history, func(p model.Purchase) bool {
		if p.TransactionID == rec.TransactionID || !p.PurchasedAt.After(rec.CurrentPeriodStart) {
			return false
		}
		known, err := e.ent.Known(ctx, p.TransactionID)
		if err != nil {
			lookupErr = err
			return false
		}
		return !known
	})
	if lookupErr != nil {
		e.log.Warn("renewal sync: transaction lookup", zap.Error(lookupErr))
	}
	if !ok {
		return false
	}

	res := e.complete(ctx, sess, p, func(State) {})
	e.m.Purchase("renewal", outcome(res))
	if !res.Success {
		e.log.Warn("renewal sync failed", zap.String("tx", p.TransactionID), zap.Error(res.Err))
		return false
	}
	e.log.Info("renewal recorded", zap.String("tx", p.TransactionID), zap.String("product", p.ProductID))
	return true
}
