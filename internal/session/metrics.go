package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/wire"
)

type sessionMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	clients  metric.Int64UpDownCounter
	sessions metric.Int64UpDownCounter
	depth    metric.Int64Gauge
}

func newSessionMetrics(logger pslog.Logger) *sessionMetrics {
	meter := otel.Meter("pkt.systems/harmonyd/session")
	m := &sessionMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"harmonyd.session.requests",
		metric.WithDescription("Protocol requests by type and reply status"),
	)
	logMetricInitError(logger, "harmonyd.session.requests", err)

	m.latency, err = meter.Float64Histogram(
		"harmonyd.session.request.duration",
		metric.WithDescription("Time spent dispatching one request"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "harmonyd.session.request.duration", err)

	m.clients, err = meter.Int64UpDownCounter(
		"harmonyd.session.clients",
		metric.WithDescription("Registered protocol clients"),
	)
	logMetricInitError(logger, "harmonyd.session.clients", err)

	m.sessions, err = meter.Int64UpDownCounter(
		"harmonyd.session.active",
		metric.WithDescription("Live tuning sessions"),
	)
	logMetricInitError(logger, "harmonyd.session.active", err)

	m.depth, err = meter.Int64Gauge(
		"harmonyd.prefetch.depth",
		metric.WithDescription("Prefetched points waiting for a client"),
	)
	logMetricInitError(logger, "harmonyd.prefetch.depth", err)
	return m
}

func (m *sessionMetrics) recordRequest(ctx context.Context, typ wire.Type, status wire.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("harmonyd.request.type", typ.String()),
		attribute.String("harmonyd.request.status", status.String()),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("harmonyd.request.type", typ.String())))
	}
}

func (m *sessionMetrics) addClients(ctx context.Context, delta int64) {
	if m == nil || m.clients == nil {
		return
	}
	m.clients.Add(metricContext(ctx), delta)
}

func (m *sessionMetrics) addSessions(ctx context.Context, delta int64) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(metricContext(ctx), delta)
}

func (m *sessionMetrics) recordDepth(ctx context.Context, session string, depth int) {
	if m == nil || m.depth == nil {
		return
	}
	m.depth.Record(metricContext(ctx), int64(depth), metric.WithAttributes(attribute.String("harmonyd.session", session)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
