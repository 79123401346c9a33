package iap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/limiter"
	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/session"
)

// RestorePurchases validates and records the newest acknowledged purchase in
// the store history. It is the recovery path after a timeout or partial write.
func (e *Engine) RestorePurchases(ctx context.Context) (res model.PurchaseResult) {
	defer func() {
		e.m.Purchase("restore", outcome(res))
		e.log.Info("restore resolved",
			zap.String("product", res.ProductID),
			zap.String("tx", res.TransactionID),
			zap.Bool("success", res.Success),
			zap.Error(res.Err))
	}()

	if err := e.ready(ctx); err != nil {
		return failure("", err)
	}
	sess, err := e.currentSession(ctx)
	if err != nil {
		return failure("", err)
	}

	if e.lim != nil {
		ok, retryAfter, err := e.lim.Allow(ctx, sess.UserID, limiter.ScopeRestore)
		switch {
		case err != nil:
			e.log.Warn("restore limiter unavailable", zap.Error(err))
		case !ok:
			return failure("", fmt.Errorf("%w: retry in %s", errs.ErrRateLimited, retryAfter.Round(time.Second)))
		}
	}

	history, err := e.store.PurchaseHistory(ctx)
	if err != nil {
		return failure("", fmt.Errorf("%w: purchase history: %w", errs.ErrStoreFailure, err))
	}
	p, ok := newest(history, nil)
	if !ok {
		return failure("", fmt.Errorf("nothing to restore: %w", errs.ErrNotFound))
	}

	res = e.complete(session.WithSession(ctx, sess), sess, p, func(State) {})
	e.recordRestore(ctx, sess.UserID, res)
	return res
}

// recordRestore feeds the limiter. Only explicit rejections count as failures.
func (e *Engine) recordRestore(ctx context.Context, userID uuid.UUID, res model.PurchaseResult) {
	if e.lim == nil {
		return
	}
	var err error
	switch {
	case res.Success:
		err = e.lim.Success(ctx, userID, limiter.ScopeRestore)
	case errors.Is(res.Err, errs.ErrValidationRejected):
		var blocked bool
		blocked, _, err = e.lim.Failure(ctx, userID, limiter.ScopeRestore)
		if blocked {
			e.log.Warn("restore attempts blocked", zap.String("user", userID.String()))
		}
	}
	if err != nil {
		e.log.Warn("restore limiter update failed", zap.Error(err))
	}
}

// newest returns the most recent acknowledged purchase accepted by keep.
func newest(history []model.Purchase, keep func(model.Purchase) bool) (model.Purchase, bool) {
	cands := make([]model.Purchase, 0, len(history))
	for _, p := range history {
		if !p.Acknowledged || p.TransactionID == "" {
			continue
		}
		if keep != nil && !keep(p) {
			continue
		}
		cands = append(cands, p)
	}
	if len(cands) == 0 {
		return model.Purchase{}, false
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].PurchasedAt.After(cands[j].PurchasedAt) })
	return cands[0], true
}
