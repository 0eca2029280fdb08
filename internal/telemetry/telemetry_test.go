package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestParseHeaders(t *testing.T) {
	assert.Equal(t, map[string]string{}, parseHeaders(""))
	assert.Equal(t,
		map[string]string{"Authorization": "Basic abc=", "x-team": "infra"},
		parseHeaders(" Authorization=Basic abc= , x-team=infra,broken,=nokey"))
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	tel, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Metrics)

	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	tel.Metrics.RecordChunk(context.Background(), 10)
	tel.Shutdown(context.Background())
}

func TestInitRejectsBadEndpoint(t *testing.T) {
	_, err := Init(context.Background(), Config{Endpoint: "not a url"})
	assert.Error(t, err)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordChunk(ctx, 1)
	m.RecordCaptureStart(ctx)
	m.RecordCaptureStop(ctx, "failed")
	m.RecordEvent(ctx, "raw", 2)
	m.RecordLaunch(ctx, "primary", true, 0.1)
	m.RecordTransition(ctx, "offline")
	m.RecordInput(ctx, "text")
	m.RecordClient(ctx, 1)
	var tel *Telemetry
	tel.Shutdown(ctx)
	assert.False(t, tel.Enabled())
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordChunk(ctx, 100)
	m.RecordChunk(ctx, 50)
	m.RecordCaptureStart(ctx)
	m.RecordCaptureStart(ctx)
	m.RecordCaptureStop(ctx, "requested")
	m.RecordEvent(ctx, "raw", 3)
	m.RecordTransition(ctx, "offline")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), sumOf(t, rm, "capture.chunks"))
	assert.Equal(t, int64(150), sumOf(t, rm, "capture.bytes"))
	assert.Equal(t, int64(1), sumOf(t, rm, "capture.active"))
	assert.Equal(t, int64(1), sumOf(t, rm, "capture.stops"))
	assert.Equal(t, int64(3), sumOf(t, rm, "bridge.events"))
	assert.Equal(t, int64(1), sumOf(t, rm, "lifecycle.reconcile.transitions"))
}
