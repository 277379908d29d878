package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/warp/community-ledger/metrics"
)

func TestMetrics_Observe(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveApply("earn_points", metrics.OutcomeApplied, 10*time.Millisecond)
	m.ObserveApply("earn_points", metrics.OutcomeApplied, 20*time.Millisecond)
	m.ObserveApply("redeem_points", metrics.OutcomeRejected, time.Millisecond)
	m.ObserveViolation("NOT_ENOUGH_POINTS")
	m.ObserveReconcile("completed", 3, time.Unix(1700000000, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("earn_points", metrics.OutcomeApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("redeem_points", metrics.OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleViolations.WithLabelValues("NOT_ENOUGH_POINTS")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReconcileDrift))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.LastReconcileAt))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveApply("earn_points", metrics.OutcomeApplied, time.Millisecond)
		m.ObserveViolation("ZERO_AMOUNT")
		m.ObserveAnchor(time.Millisecond)
		m.ObserveReconcile("failed", 0, time.Now())
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Registering twice on distinct registries must not panic.
	assert.NotPanics(t, func() {
		metrics.New(prometheus.NewRegistry())
		metrics.New(prometheus.NewRegistry())
	})
}
