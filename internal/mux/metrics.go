package mux

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type muxMetrics struct {
	connections metric.Int64UpDownCounter
}

func newMuxMetrics(logger pslog.Logger) *muxMetrics {
	meter := otel.Meter("pkt.systems/harmonyd/mux")
	conns, err := meter.Int64UpDownCounter(
		"harmonyd.mux.connections",
		metric.WithDescription("Open client sockets by class"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "harmonyd.mux.connections", "error", err)
	}
	return &muxMetrics{connections: conns}
}

func (m *muxMetrics) add(ctx context.Context, class Class, delta int64) {
	if m == nil || m.connections == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.connections.Add(ctx, delta, metric.WithAttributes(attribute.String("harmonyd.mux.class", class.String())))
}
