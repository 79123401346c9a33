package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/iap-keeper/internal/metrics"
	"github.com/and161185/iap-keeper/internal/model"
	"github.com/and161185/iap-keeper/internal/repository"
)

const (
	driftRunTimeout = time.Minute
	driftBatch      = 500
)

// DriftJob periodically raises profile flags for users whose current active
// subscription row is not reflected on their profile. Flags that are active
// without a row are left alone; they may come from checkout flows this job
// cannot see.
type DriftJob struct {
	subs     repository.SubscriptionRepository
	profiles repository.ProfileRepository
	interval time.Duration
	log      *zap.Logger
	m        *metrics.Metrics
	now      func() time.Time
}

// NewDriftJob constructs a DriftJob. A non-positive interval defaults to 10 minutes.
func NewDriftJob(subs repository.SubscriptionRepository, profiles repository.ProfileRepository, interval time.Duration, log *zap.Logger, m *metrics.Metrics) *DriftJob {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DriftJob{subs: subs, profiles: profiles, interval: interval, log: log, m: m, now: time.Now}
}

// Run repairs drift once immediately and then on every tick until ctx is done.
func (j *DriftJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	runOnce := func() {
		runCtx, cancel := context.WithTimeout(ctx, driftRunTimeout)
		defer cancel()
		n, err := j.RunOnce(runCtx)
		if err != nil {
			j.log.Error("drift reconciliation failed", zap.Int("repaired", n), zap.Error(err))
			return
		}
		if n > 0 {
			j.log.Info("drift reconciliation repaired profiles", zap.Int("repaired", n))
		}
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

// RunOnce repairs one batch and returns the number of profiles updated.
// Repeating it is harmless.
func (j *DriftJob) RunOnce(ctx context.Context) (int, error) {
	drifts, err := j.subs.ListFlagDrift(ctx, j.now().UTC(), driftBatch)
	if err != nil {
		return 0, fmt.Errorf("list drift: %w", err)
	}
	repaired := 0
	for _, d := range drifts {
		if err := j.profiles.SetSubscriptionStatus(ctx, d.UserID, model.StatusActive); err != nil {
			return repaired, fmt.Errorf("repair %s: %w", d.UserID, err)
		}
		repaired++
		j.m.Drift("job")
		j.log.Info("profile flag repaired",
			zap.String("user", d.UserID.String()),
			zap.String("was", string(d.Have)))
	}
	return repaired, nil
}
