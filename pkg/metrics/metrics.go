// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ChatStreamsActive tracks chat streams currently being proxied.
	ChatStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_streams_active",
			Help: "Number of chat streams currently in flight",
		},
	)

	// ChatDeltasTotal tracks content deltas forwarded to clients.
	ChatDeltasTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_deltas_total",
			Help: "Total content deltas forwarded on /chat streams",
		},
	)

	// GatewayStreamDuration tracks upstream gateway streaming duration.
	GatewayStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_stream_duration_seconds",
			Help:    "Upstream gateway streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// HistorySavesTotal tracks conversation persistence writes per tier.
	HistorySavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_saves_total",
			Help: "Conversation saves per storage tier",
		},
		[]string{"tier", "status"},
	)

	// HistoryDeletesTotal tracks conversation deletions.
	HistoryDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_deletes_total",
			Help: "Conversation deletions",
		},
		[]string{"kind"},
	)

	// MigrationsTotal tracks history migrations between tiers or identities.
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_migrations_total",
			Help: "Conversation migrations (cache to remote, identity to identity)",
		},
		[]string{"kind", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordGatewayStream records metrics for an upstream streaming response.
func RecordGatewayStream(provider, status string, seconds float64) {
	GatewayStreamDuration.WithLabelValues(provider, status).Observe(seconds)
}

// RecordSave records a persistence write for a storage tier.
func RecordSave(tier, status string) {
	HistorySavesTotal.WithLabelValues(tier, status).Inc()
}
