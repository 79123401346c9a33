package iap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/errs"
	"github.com/and161185/iap-keeper/internal/model"
)

// PollConfig shapes receipt polling. Zero fields take the defaults.
type PollConfig struct {
	Attempts      int           // total history reads, default 6
	ShortBase     time.Duration // base delay for early attempts, default 2s
	LongBase      time.Duration // base delay after EscalateAfter, default 5s
	EscalateAfter int           // attempts using ShortBase, default 3
	Max           time.Duration // delay cap before jitter, default 30s
	Jitter        float64       // max extra fraction of the delay, default 0.3
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Attempts <= 0 {
		c.Attempts = 6
	}
	if c.ShortBase <= 0 {
		c.ShortBase = 2 * time.Second
	}
	if c.LongBase <= 0 {
		c.LongBase = 5 * time.Second
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 3
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.3
	}
	return c
}

// PollDelay is the wait after attempt n (1-based) before the next one:
// base*2^(n-1) capped at Max, plus r*Jitter of that. r is in [0, 1).
func PollDelay(n int, c PollConfig, r float64) time.Duration {
	c = c.withDefaults()
	base := c.ShortBase
	if n > c.EscalateAfter {
		base = c.LongBase
	}
	d := base
	for i := 1; i < n && d < c.Max; i++ {
		d *= 2
	}
	if d > c.Max {
		d = c.Max
	}
	return d + time.Duration(r*c.Jitter*float64(d))
}

var errReceiptPending = errors.New("receipt not in purchase history yet")

// pollForReceipt re-reads the purchase history until the entry for txID
// carries a receipt. It returns the number of history reads made.
func (e *Engine) pollForReceipt(ctx context.Context, productID, txID string) (string, int, error) {
	var (
		receipt  string
		attempts int
		n        int
	)
	backoff := retry.WithMaxRetries(uint64(e.poll.Attempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return PollDelay(n, e.poll, e.jitter()), false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		history, err := e.store.PurchaseHistory(ctx)
		if err != nil {
			e.log.Debug("purchase history read failed", zap.Int("attempt", attempts), zap.Error(err))
			return retry.RetryableError(err)
		}
		if p, ok := findReceipt(history, productID, txID); ok {
			receipt = p.Receipt
			return nil
		}
		return retry.RetryableError(errReceiptPending)
	})
	e.m.PollAttempts(attempts)
	if err != nil {
		e.log.Warn("receipt polling exhausted",
			zap.String("product", productID),
			zap.String("tx", txID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return "", attempts, fmt.Errorf("%w after %d attempts: %w", errs.ErrReceiptUnobtainable, attempts, err)
	}
	e.log.Debug("receipt found", zap.String("tx", txID), zap.Int("attempts", attempts))
	return receipt, attempts, nil
}

func findReceipt(history []model.Purchase, productID, txID string) (model.Purchase, bool) {
	for _, p := range history {
		if p.ProductID == productID && p.TransactionID == txID && p.Acknowledged && p.Receipt != "" {
			return p, true
		}
	}
	return model.Purchase{}, false
}
