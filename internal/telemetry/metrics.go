package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the bridge's instruments. Every Record method is safe on a
// nil receiver.
type Metrics struct {
	CaptureChunks        metric.Int64Counter
	CaptureBytes         metric.Int64Counter
	CaptureStops         metric.Int64Counter
	ActiveCaptures       metric.Int64UpDownCounter
	Broadcasts           metric.Int64Counter
	Launches             metric.Int64Counter
	LaunchDuration       metric.Float64Histogram
	ReconcileTransitions metric.Int64Counter
	InputsSent           metric.Int64Counter
	ConnectedClients     metric.Int64UpDownCounter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.CaptureChunks, err = meter.Int64Counter("capture.chunks",
		metric.WithDescription("Changed pane snapshots forwarded to subscribers")); err != nil {
		return nil, err
	}
	if m.CaptureBytes, err = meter.Int64Counter("capture.bytes",
		metric.WithDescription("Bytes of changed pane snapshots"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.CaptureStops, err = meter.Int64Counter("capture.stops",
		metric.WithDescription("Capture tasks stopped, partitioned by reason (requested, failed)")); err != nil {
		return nil, err
	}
	if m.ActiveCaptures, err = meter.Int64UpDownCounter("capture.active",
		metric.WithDescription("Capture tasks currently running")); err != nil {
		return nil, err
	}
	if m.Broadcasts, err = meter.Int64Counter("bridge.events",
		metric.WithDescription("Server events sent to clients, partitioned by type")); err != nil {
		return nil, err
	}
	if m.Launches, err = meter.Int64Counter("lifecycle.launches",
		metric.WithDescription("Session launches partitioned by workspace type and outcome")); err != nil {
		return nil, err
	}
	if m.LaunchDuration, err = meter.Float64Histogram("lifecycle.launch.duration",
		metric.WithDescription("Wall time of a session launch"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ReconcileTransitions, err = meter.Int64Counter("lifecycle.reconcile.transitions",
		metric.WithDescription("Status transitions applied by reconciliation, partitioned by target status")); err != nil {
		return nil, err
	}
	if m.InputsSent, err = meter.Int64Counter("input.sent",
		metric.WithDescription("Input writes partitioned by kind (text, interrupt, permission)")); err != nil {
		return nil, err
	}
	if m.ConnectedClients, err = meter.Int64UpDownCounter("bridge.clients",
		metric.WithDescription("Registered bridge clients")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordChunk(ctx context.Context, bytes int) {
	if m == nil {
		return
	}
	m.CaptureChunks.Add(ctx, 1)
	m.CaptureBytes.Add(ctx, int64(bytes))
}

func (m *Metrics) RecordCaptureStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveCaptures.Add(ctx, 1)
}

// RecordCaptureStop records a task ending; reason is "requested" or "failed".
func (m *Metrics) RecordCaptureStop(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ActiveCaptures.Add(ctx, -1)
	m.CaptureStops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordEvent(ctx context.Context, eventType string, recipients int) {
	if m == nil {
		return
	}
	m.Broadcasts.Add(ctx, int64(recipients), metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (m *Metrics) RecordLaunch(ctx context.Context, workspaceType string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("workspace.type", workspaceType),
		attribute.Bool("success", ok),
	)
	m.Launches.Add(ctx, 1, attrs)
	m.LaunchDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.ReconcileTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", to)))
}

func (m *Metrics) RecordInput(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.InputsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordClient(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ConnectedClients.Add(ctx, delta)
}
