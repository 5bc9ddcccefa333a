package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	assert.NotNil(t, m.RequestsTotal)
	assert.NotNil(t, m.RequestDuration)
	assert.NotNil(t, m.ActiveRequests)
	assert.NotNil(t, m.DispatchAttemptsTotal)
	assert.NotNil(t, m.FailoverTotal)
	assert.NotNil(t, m.QuotaRejectsTotal)
	assert.NotNil(t, m.TokensProcessedTotal)
	assert.NotNil(t, m.CostTotal)
	assert.NotNil(t, m.CooldownState)
	assert.NotNil(t, m.CooldownEntered)
	assert.NotNil(t, m.StreamTTFTSeconds)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewMetricsObservations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.DispatchAttemptsTotal.WithLabelValues("openai", "gpt-4o", "success").Inc()
	m.FailoverTotal.WithLabelValues("openai", "gpt-4o").Inc()
	m.CooldownState.WithLabelValues("openai", "gpt-4o", "").Set(1)
	m.ActiveRequests.Set(3)
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.2)
	m.StreamTTFTSeconds.WithLabelValues("openai", "gpt-4o").Observe(0.05)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"plexus_requests_total",
		"plexus_dispatch_attempts_total",
		"plexus_failover_total",
		"plexus_cooldown_state",
		"plexus_active_requests",
		"plexus_request_duration_seconds",
		"plexus_stream_ttft_seconds",
	} {
		assert.True(t, names[want], "missing metric %q", want)
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection to
// an OTLP collector, which is integration-test territory.
