package registry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const (
	resultAcquired    = "acquired"
	resultRefreshed   = "refreshed"
	resultContended   = "contended"
	resultPassthrough = "passthrough"
	resultReleased    = "released"
	resultAbsent      = "absent"
	resultInvalid     = "invalid"
	resultFault       = "fault"
)

const meterName = "pkt.systems/distlock/registry"

type registryMetrics struct {
	acquireCount metric.Int64Counter
	releaseCount metric.Int64Counter
	activeGauge  metric.Int64ObservableGauge
}

func newRegistryMetrics(provider metric.MeterProvider, logger pslog.Logger, active func() int64) *registryMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	m := &registryMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"distlock.lock.acquire",
		metric.WithDescription("Lock acquire attempts by outcome"),
	)
	logMetricInitError(logger, "distlock.lock.acquire", err)

	m.releaseCount, err = meter.Int64Counter(
		"distlock.lock.release",
		metric.WithDescription("Lock release calls by outcome"),
	)
	logMetricInitError(logger, "distlock.lock.release", err)

	m.activeGauge, err = meter.Int64ObservableGauge(
		"distlock.lock.active",
		metric.WithDescription("Entries tracked by the registry, expired or not"),
	)
	logMetricInitError(logger, "distlock.lock.active", err)

	if m.activeGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeGauge, active())
			return nil
		}, m.activeGauge); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "distlock.lock.active", "error", err)
		}
	}
	return m
}

func (m *registryMetrics) recordAcquire(ctx context.Context, result string) {
	if m == nil || m.acquireCount == nil {
		return
	}
	m.acquireCount.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("distlock.lock.result", result),
	))
}

func (m *registryMetrics) recordRelease(ctx context.Context, result string) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("distlock.lock.result", result),
	))
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
