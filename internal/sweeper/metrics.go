package sweeper

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type sweepMetrics struct {
	runs     metric.Int64Counter
	duration metric.Int64Histogram
	evicted  metric.Int64Counter
}

func newSweepMetrics(provider metric.MeterProvider, logger pslog.Logger) *sweepMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("pkt.systems/distlock/sweeper")
	m := &sweepMetrics{}
	var err error

	m.runs, err = meter.Int64Counter(
		"distlock.sweep.run",
		metric.WithDescription("Sweeper iterations"),
	)
	logMetricInitError(logger, "distlock.sweep.run", err)

	m.duration, err = meter.Int64Histogram(
		"distlock.sweep.duration_ms",
		metric.WithDescription("Sweeper iteration duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "distlock.sweep.duration_ms", err)

	m.evicted, err = meter.Int64Counter(
		"distlock.sweep.evicted",
		metric.WithDescription("Expired locks evicted by the sweeper"),
	)
	logMetricInitError(logger, "distlock.sweep.evicted", err)

	return m
}

func (m *sweepMetrics) recordRun(ctx context.Context, result string, evicted int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(attribute.String("distlock.sweep.result", result))
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
	if m.evicted != nil && evicted > 0 {
		m.evicted.Add(ctx, int64(evicted))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
