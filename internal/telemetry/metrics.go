// Package telemetry provides observability primitives for the Feen gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	PolicyRejects    *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	TokenRotations   *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	WebhookOutcomes  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feen",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "feen",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feen",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "feen",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feen",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		PolicyRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feen",
			Name:      "policy_rejects_total",
			Help:      "Total proxy requests rejected by policy evaluation.",
		}, []string{"code"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feen",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TokenRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feen",
			Name:      "token_rotations_total",
			Help:      "Total shared token rotations.",
		}, []string{"reason"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feen",
			Name:      "tokens_processed_total",
			Help:      "Total LLM tokens accounted by the usage recorder.",
		}, []string{"provider", "type"}),

		WebhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feen",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.PolicyRejects,
		m.RateLimitRejects,
		m.TokenRotations,
		m.TokensProcessed,
		m.WebhookOutcomes,
	)

	return m
}
