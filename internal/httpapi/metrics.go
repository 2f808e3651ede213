package httpapi

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type apiMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newAPIMetrics(logger pslog.Logger) *apiMetrics {
	meter := otel.Meter("pkt.systems/armadito/httpapi")
	m := &apiMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"armadito.api.requests",
		metric.WithDescription("API requests by path and status"),
	)
	logMetricInitError(logger, "armadito.api.requests", err)

	m.duration, err = meter.Float64Histogram(
		"armadito.api.duration",
		metric.WithDescription("API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "armadito.api.duration", err)

	return m
}

func (m *apiMetrics) record(ctx context.Context, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []attribute.KeyValue{
		attribute.String("armadito.path", path),
		attribute.String("armadito.status", strconv.Itoa(status)),
	}
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
