package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer.
type Metrics struct {
	workflowsTotal   *prometheus.CounterVec
	submissionsTotal *prometheus.CounterVec
	pollRetriesTotal *prometheus.CounterVec
	inflight         *prometheus.GaugeVec
	duration         *prometheus.HistogramVec
}

func NewMetrics(r *prometheus.Registry) *Metrics {
	workflows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrails_workflows_total",
		Help: "Workflows finished, by kind and outcome",
	}, []string{"kind", "outcome"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrails_submissions_total",
		Help: "Transactions submitted, by method and terminal status",
	}, []string{"method", "status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrails_poll_retries_total",
		Help: "Network errors retried while polling",
	}, []string{"op"})

	inflight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaultrails_inflight_workflows",
		Help: "Workflows currently running",
	}, []string{"kind"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultrails_workflow_duration_seconds",
		Help:    "Wall time from start to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"kind"})

	r.MustRegister(workflows, submissions, retries, inflight, duration)

	return &Metrics{
		workflowsTotal:   workflows,
		submissionsTotal: submissions,
		pollRetriesTotal: retries,
		inflight:         inflight,
		duration:         duration,
	}
}

func (m *Metrics) started(kind Kind) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) finished(kind Kind, outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(string(kind)).Dec()
	m.workflowsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(seconds)
}

func (m *Metrics) incSubmission(method, status string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(method, status).Inc()
}

// IncPollRetry is handed to the tracker as its retry hook.
func (m *Metrics) IncPollRetry(op string) {
	if m == nil {
		return
	}
	m.pollRetriesTotal.WithLabelValues(op).Inc()
}
