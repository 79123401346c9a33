package iap

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/store"
)

// Initialize connects to the store. Concurrent callers share one connection
// attempt; once connected it returns true without touching the store again.
// An unavailable store yields false.
func (e *Engine) Initialize(ctx context.Context) bool {
	if !e.Available() || e.isClosed() {
		return false
	}
	if e.connected.Load() {
		return true
	}
	v, _, _ := e.group.Do("connect", func() (any, error) {
		if e.connected.Load() {
			return true, nil
		}
		// Callers sharing this attempt must not lose it to the first caller's cancel.
		err := e.store.Connect(context.WithoutCancel(ctx))
		if err != nil && !errors.Is(err, store.ErrAlreadyConnected) {
			e.log.Warn("store connect failed", zap.Error(err))
			return false, nil
		}
		e.store.SetPurchaseListener(e.onUpdate)
		e.connected.Store(true)
		e.log.Info("store connected", zap.String("env", string(e.env)))
		return true, nil
	})
	return v.(bool)
}
