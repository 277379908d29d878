// Package metrics holds the Prometheus instruments of the ledger service.
//
// Instruments are registered on the Registerer passed to New, so tests can
// use a fresh prometheus.NewRegistry() and the server can share one registry
// with the /metrics handler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels of ledger_operations_total.
const (
	OutcomeApplied   = "applied"
	OutcomeRejected  = "rejected"
	OutcomeConflict  = "conflict"
	OutcomeAnchoring = "anchoring_failed"
	OutcomeError     = "error"
)

// Metrics groups the service instruments.
type Metrics struct {
	Operations      *prometheus.CounterVec
	RuleViolations  *prometheus.CounterVec
	AnchorLatency   prometheus.Histogram
	ApplyLatency    *prometheus.HistogramVec
	ReconcileDrift  prometheus.Gauge
	ReconcileRuns   *prometheus.CounterVec
	LastReconcileAt prometheus.Gauge
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by kind and outcome.",
		}, []string{"kind", "outcome"}),

		RuleViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_rule_violations_total",
			Help: "Rejected operations by rule code.",
		}, []string{"code"}),

		AnchorLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_anchor_duration_seconds",
			Help:    "Time spent obtaining anchoring receipts.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),

		ApplyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_apply_duration_seconds",
			Help:    "End-to-end duration of Apply by operation kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		ReconcileDrift: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_reconcile_drifted",
			Help: "Documents found out of sync with the log in the last reconcile run.",
		}),

		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_reconcile_runs_total",
			Help: "Reconcile runs by final status.",
		}, []string{"status"}),

		LastReconcileAt: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_reconcile_last_run_timestamp_seconds",
			Help: "Unix time the last reconcile run finished.",
		}),
	}
}

// ObserveApply records one Apply call.
func (m *Metrics) ObserveApply(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(kind, outcome).Inc()
	m.ApplyLatency.WithLabelValues(kind).Observe(took.Seconds())
}

// ObserveViolation counts a rule rejection.
func (m *Metrics) ObserveViolation(code string) {
	if m == nil {
		return
	}
	m.RuleViolations.WithLabelValues(code).Inc()
}

// ObserveAnchor records the latency of one anchoring call.
func (m *Metrics) ObserveAnchor(took time.Duration) {
	if m == nil {
		return
	}
	m.AnchorLatency.Observe(took.Seconds())
}

// ObserveReconcile records the outcome of a reconcile run.
func (m *Metrics) ObserveReconcile(status string, drifted int, at time.Time) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(status).Inc()
	m.ReconcileDrift.Set(float64(drifted))
	m.LastReconcileAt.Set(float64(at.Unix()))
}
