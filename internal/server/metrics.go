package server

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/aporkolab/Nyelvszo-v.2.0/internal/server"

// frameTypeUnknown labels inbound frames whose type has no handler, so client
// input cannot grow the attribute set.
const frameTypeUnknown = "unknown"

type hubMetrics struct {
	connections metric.Int64UpDownCounter
	frames      metric.Int64Counter
	fanout      metric.Int64Counter
	dropped     metric.Int64Counter
	limited     metric.Int64Counter
}

func newHubMetrics(mp metric.MeterProvider) *hubMetrics {
	meter := mp.Meter(instrumentationName)
	m := &hubMetrics{}
	m.connections, _ = meter.Int64UpDownCounter("realtime.connections.active",
		metric.WithDescription("Open client connections"))
	m.frames, _ = meter.Int64Counter("realtime.frames.inbound",
		metric.WithDescription("Inbound frames by type"))
	m.fanout, _ = meter.Int64Counter("realtime.fanout.deliveries",
		metric.WithDescription("Frames handed to connections by fan-out"))
	m.dropped, _ = meter.Int64Counter("realtime.backlog.dropped",
		metric.WithDescription("Frames dropped from full connection backlogs"))
	m.limited, _ = meter.Int64Counter("realtime.frames.rate_limited",
		metric.WithDescription("Inbound frames rejected by the per-connection rate limit"))
	return m
}

func (m *hubMetrics) connected(ctx context.Context, delta int64) { m.connections.Add(ctx, delta) }

func (m *hubMetrics) frame(ctx context.Context, frameType string) {
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("type", frameType)))
}

func (m *hubMetrics) delivered(ctx context.Context, kind string, n int) {
	if n > 0 {
		m.fanout.Add(ctx, int64(n), metric.WithAttributes(attribute.String("target", kind)))
	}
}

func (m *hubMetrics) backlogDropped(ctx context.Context) { m.dropped.Add(ctx, 1) }

func (m *hubMetrics) rateLimited(ctx context.Context) { m.limited.Add(ctx, 1) }
