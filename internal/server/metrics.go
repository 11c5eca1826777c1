package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry       *prometheus.Registry
	requestsTotal  *prometheus.CounterVec
	reconcileDepth prometheus.Gauge
}

// newMetricsRegistry registers the API collectors on r, creating a registry when r is nil.
func newMetricsRegistry(r *prometheus.Registry) *metricsRegistry {
	if r == nil {
		r = prometheus.NewRegistry()
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrails_api_requests_total",
		Help: "API requests by route and result",
	}, []string{"route", "result"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vaultrails_reconcile_depth",
		Help: "Number of workflows awaiting reconciliation",
	})

	r.MustRegister(requests, depth)

	return &metricsRegistry{
		registry:       r,
		requestsTotal:  requests,
		reconcileDepth: depth,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRequest(route, result string) {
	m.requestsTotal.WithLabelValues(route, result).Inc()
}

func (m *metricsRegistry) setReconcileDepth(depth int) {
	m.reconcileDepth.Set(float64(depth))
}
