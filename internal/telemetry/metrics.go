// Package telemetry provides observability primitives for the Plexus
// gateway: Prometheus metrics (metrics.go) and OpenTelemetry tracing
// (tracing.go), both grounded on the teacher's internal/telemetry package.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway. Grounded on the
// teacher's Metrics struct field-for-field, with the gandalf-specific
// CircuitBreaker*/RateLimit* pairs renamed and regrouped onto this
// gateway's own cooldown/quota/dispatch domain.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	DispatchAttemptsTotal *prometheus.CounterVec // labels: provider, model, outcome
	FailoverTotal         *prometheus.CounterVec // labels: from_provider, alias
	QuotaRejectsTotal     *prometheus.CounterVec // labels: key_name, quota_name

	TokensProcessedTotal *prometheus.CounterVec // labels: provider, model, kind (input/output/reasoning/cached)
	CostTotal            *prometheus.CounterVec // labels: provider, model

	CooldownState   *prometheus.GaugeVec   // labels: provider, model, account_id (1=cooling, 0=healthy)
	CooldownEntered *prometheus.CounterVec // labels: provider, model

	StreamTTFTSeconds *prometheus.HistogramVec // labels: provider, model
}

// NewMetrics creates and registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "plexus",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		DispatchAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "dispatch_attempts_total",
			Help:      "Total dispatch attempts per candidate, labeled by outcome.",
		}, []string{"provider", "model", "outcome"}),

		FailoverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "failover_total",
			Help:      "Total failovers away from a candidate, by originating provider and alias.",
		}, []string{"from_provider", "alias"}),

		QuotaRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "quota_rejects_total",
			Help:      "Total requests rejected for exceeding a quota.",
		}, []string{"key_name", "quota_name"}),

		TokensProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"provider", "model", "kind"}),

		CostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "cost_total_usd",
			Help:      "Total accumulated cost in USD.",
		}, []string{"provider", "model"}),

		CooldownState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "cooldown_state",
			Help:      "Whether a (provider, model, account) tuple is currently cooling down (1) or healthy (0).",
		}, []string{"provider", "model", "account_id"}),

		CooldownEntered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "cooldown_entered_total",
			Help:      "Total times a (provider, model) tuple entered cooldown.",
		}, []string{"provider", "model"}),

		StreamTTFTSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plexus",
			Name:      "stream_ttft_seconds",
			Help:      "Time to first byte for streamed dispatches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "model"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.DispatchAttemptsTotal,
		m.FailoverTotal,
		m.QuotaRejectsTotal,
		m.TokensProcessedTotal,
		m.CostTotal,
		m.CooldownState,
		m.CooldownEntered,
		m.StreamTTFTSeconds,
	)

	return m
}
