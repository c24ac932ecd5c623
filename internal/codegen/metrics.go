package codegen

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type codegenMetrics struct {
	units    metric.Int64Counter
	rounds   metric.Int64Counter
	duration metric.Float64Histogram
}

func newCodegenMetrics(logger pslog.Logger) *codegenMetrics {
	meter := otel.Meter("pkt.systems/harmonyd/codegen")
	m := &codegenMetrics{}
	var err error

	m.units, err = meter.Int64Counter(
		"harmonyd.codegen.units",
		metric.WithDescription("Code generation units by outcome"),
	)
	logMetricInitError(logger, "harmonyd.codegen.units", err)

	m.rounds, err = meter.Int64Counter(
		"harmonyd.codegen.rounds",
		metric.WithDescription("Completed code generation rounds"),
	)
	logMetricInitError(logger, "harmonyd.codegen.rounds", err)

	m.duration, err = meter.Float64Histogram(
		"harmonyd.codegen.round.duration",
		metric.WithDescription("Primary round duration"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "harmonyd.codegen.round.duration", err)
	return m
}

func (m *codegenMetrics) recordUnit(ctx context.Context, outcome string, primary bool) {
	if m == nil || m.units == nil {
		return
	}
	m.units.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("harmonyd.codegen.outcome", outcome),
		attribute.String("harmonyd.codegen.round_kind", roundKind(primary)),
	))
}

func (m *codegenMetrics) recordRound(ctx context.Context, elapsed time.Duration, failed int) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	result := "complete"
	if failed > 0 {
		result = "partial"
	}
	if m.rounds != nil {
		m.rounds.Add(ctx, 1, metric.WithAttributes(attribute.String("harmonyd.codegen.result", result)))
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds())
	}
}

func roundKind(primary bool) string {
	if primary {
		return "primary"
	}
	return "secondary"
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
