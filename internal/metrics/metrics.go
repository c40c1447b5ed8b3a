// Package metrics exposes gateway counters and gauges over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every gateway instrument.
type Metrics struct {
	Requests    *prometheus.CounterVec
	Executions  *prometheus.CounterVec
	Resolutions *prometheus.CounterVec
	Pending     prometheus.Gauge
}

// New registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_requests_total",
			Help: "Tool requests by policy decision.",
		}, []string{"decision"}),
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_executions_total",
			Help: "Tool executions by outcome.",
		}, []string{"status"}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_approval_resolutions_total",
			Help: "Approval resolutions by cause.",
		}, []string{"cause"}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentgate_pending_approvals",
			Help: "Approvals currently awaiting a guardian decision.",
		}),
	}
}

// Handler serves the scrape endpoint for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
