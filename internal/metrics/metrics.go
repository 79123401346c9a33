// Package metrics exposes Prometheus collectors for the purchase engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	purchases    *prometheus.CounterVec
	pollAttempts prometheus.Histogram
	validations  *prometheus.CounterVec
	reconcile    *prometheus.CounterVec
	drift        *prometheus.CounterVec
	inFlight     prometheus.Gauge
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew registers a fresh set of collectors with reg and panics on conflict.
// Tests pass their own prometheus.NewRegistry().
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iap",
			Subsystem: "engine",
			Name:      "purchases_total",
			Help:      "Purchase and restore attempts by outcome.",
		}, []string{"kind", "outcome"}),
		pollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "iap",
			Subsystem: "engine",
			Name:      "receipt_poll_attempts",
			Help:      "History reads needed before a receipt was found.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6},
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iap",
			Subsystem: "validator",
			Name:      "validations_total",
			Help:      "Remote validation verdicts by protocol.",
		}, []string{"protocol", "verdict"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iap",
			Subsystem: "entitlement",
			Name:      "reconcile_total",
			Help:      "Reconciler decisions for completed purchases.",
		}, []string{"action"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iap",
			Subsystem: "entitlement",
			Name:      "drift_total",
			Help:      "Profile flag and subscription table disagreements.",
		}, []string{"stage"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "iap",
			Subsystem: "engine",
			Name:      "purchase_in_flight",
			Help:      "1 while a purchase awaits its store callback.",
		}),
	}
	reg.MustRegister(m.purchases, m.pollAttempts, m.validations, m.reconcile, m.drift, m.inFlight)
	return m
}

// Purchase counts a finished purchase ("purchase") or restore ("restore").
func (m *Metrics) Purchase(kind, outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(kind, outcome).Inc()
}

// PollAttempts observes how many history reads a receipt took.
func (m *Metrics) PollAttempts(n int) {
	if m == nil {
		return
	}
	m.pollAttempts.Observe(float64(n))
}

// Validation counts a validator verdict: valid, rejected or unavailable.
func (m *Metrics) Validation(protocol, verdict string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(protocol, verdict).Inc()
}

// Reconcile counts a reconciler action.
func (m *Metrics) Reconcile(action string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(action).Inc()
}

// Drift counts a detected flag/table disagreement; stage is write, read or job.
func (m *Metrics) Drift(stage string) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(stage).Inc()
}

// SetInFlight toggles the in-flight gauge.
func (m *Metrics) SetInFlight(on bool) {
	if m == nil {
		return
	}
	if on {
		m.inFlight.Set(1)
		return
	}
	m.inFlight.Set(0)
}
