// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's counters and histograms.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	CredentialRenewals *prometheus.CounterVec
	UpstreamEvents     *prometheus.CounterVec
	StreamDuration     prometheus.Histogram
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warpgate_requests_total",
			Help: "Chat completion requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
		CredentialRenewals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warpgate_credential_renewals_total",
			Help: "Credential refresh and acquisition attempts by outcome.",
		}, []string{"outcome"}),
		UpstreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warpgate_upstream_events_total",
			Help: "Upstream stream events by kind.",
		}, []string{"kind"}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warpgate_stream_duration_seconds",
			Help:    "Wall time of upstream streams.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
