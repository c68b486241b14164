// ABOUTME: Prometheus metrics for sessions, backend calls, hand-offs and feedback
// ABOUTME: All recording methods are safe on a nil *Metrics so tests can skip metrics

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the duck service
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionsActive  prometheus.Gauge

	BackendAttempts *prometheus.CounterVec
	BackendLatency  prometheus.Histogram

	Handoffs *prometheus.CounterVec
	Feedback *prometheus.CounterVec
}

// New creates and registers all metrics on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "duck_sessions_started_total",
			Help: "Conversation sessions started, including resumed ones",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duck_sessions_closed_total",
			Help: "Conversation sessions closed, by reason",
		}, []string{"reason"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "duck_sessions_active",
			Help: "Conversation sessions currently running",
		}),
		BackendAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duck_backend_attempts_total",
			Help: "Completion backend attempts, by outcome",
		}, []string{"outcome"}),
		BackendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "duck_backend_latency_seconds",
			Help:    "Latency of single completion backend attempts",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
		Handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duck_handoffs_total",
			Help: "Agent hand-offs, by source and target agent",
		}, []string{"from", "to"}),
		Feedback: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duck_feedback_total",
			Help: "Feedback review results, by outcome",
		}, []string{"outcome"}),
	}
}

// SessionStarted counts a new running session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed counts a session ending for reason.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
}

// BackendAttempt records one backend call.
func (m *Metrics) BackendAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendAttempts.WithLabelValues(outcome).Inc()
	m.BackendLatency.Observe(d.Seconds())
}

// Handoff counts an agent transfer.
func (m *Metrics) Handoff(from, to string) {
	if m == nil {
		return
	}
	m.Handoffs.WithLabelValues(from, to).Inc()
}

// FeedbackResult counts a review outcome (scored, skipped, requeued).
func (m *Metrics) FeedbackResult(outcome string) {
	if m == nil {
		return
	}
	m.Feedback.WithLabelValues(outcome).Inc()
}
