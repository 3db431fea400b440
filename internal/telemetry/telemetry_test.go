package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/fyrsmithlabs/securerag/internal/config"
)

func TestFromSettings_Defaults(t *testing.T) {
	cfg := FromSettings(config.Default().Telemetry)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "securerag", cfg.ServiceName)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		c := FromSettings(config.Default().Telemetry)
		c.Enabled = true
		return c
	}

	require.NoError(t, base().Validate())

	c := base()
	c.Endpoint = "collector.example.com:4317"
	assert.Error(t, c.Validate(), "insecure remote endpoint")

	c.Insecure = false
	assert.NoError(t, c.Validate())

	c = base()
	c.SamplingRate = 1.5
	assert.Error(t, c.Validate())

	c = base()
	c.Protocol = "udp"
	assert.Error(t, c.Validate())

	c = base()
	c.ExportInterval = 0
	assert.Error(t, c.Validate())
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("http://127.0.0.1:4318"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.False(t, isLocalEndpoint("otel.example.com:4317"))
}

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), FromSettings(config.Default().Telemetry))
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_EnabledInstallsProviders(t *testing.T) {
	cfg := FromSettings(config.Default().Telemetry)
	cfg.Enabled = true
	cfg.ExportInterval = time.Hour

	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, tel.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tt := NewTestTelemetry(t)

	_, span := otel.Tracer("test").Start(context.Background(), "index.document")
	span.End()

	tt.AssertSpanExists(t, "index.document")

	counter, err := otel.Meter("test").Int64Counter("securerag.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	names, err := tt.MetricNames(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "securerag.test.count")
}
