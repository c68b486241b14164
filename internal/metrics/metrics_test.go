// ABOUTME: Tests for Prometheus metric registration and recording
// ABOUTME: Uses a private registry and testutil to read counter values

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionStarted()
	m.SessionStarted()
	m.SessionClosed("timeout")
	m.BackendAttempt("retryable", 2*time.Second)
	m.BackendAttempt("success", time.Second)
	m.Handoff("Router", "MathAgent")
	m.FeedbackResult("scored")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendAttempts.WithLabelValues("retryable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Handoffs.WithLabelValues("Router", "MathAgent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Feedback.WithLabelValues("scored")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BackendLatency))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted()
		m.SessionClosed("ended")
		m.BackendAttempt("fatal", time.Millisecond)
		m.Handoff("a", "b")
		m.FeedbackResult("requeued")
	})
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
