package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics follows the RED pattern over the global meter; without an SDK
// reader installed the instruments are no-ops.
type metrics struct {
	processed metric.Int64Counter
	errors    metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("sri.pipeline")
	m := &metrics{}
	m.processed, _ = meter.Int64Counter("sri.documents.processed",
		metric.WithDescription("Documents that finished a pipeline run, by final state"),
		metric.WithUnit("{document}"),
	)
	m.errors, _ = meter.Int64Counter("sri.stage.errors",
		metric.WithDescription("Stage failures by stage and error code"),
		metric.WithUnit("{error}"),
	)
	m.duration, _ = meter.Float64Histogram("sri.stage.duration",
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0, 120.0),
	)
	return m
}

func (m *metrics) recordStage(ctx context.Context, stage string, start time.Time, err error, code string) {
	attrs := []attribute.KeyValue{attribute.String("stage", stage)}
	m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	if err != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("code", code),
		))
	}
}

func (m *metrics) recordFinal(ctx context.Context, state string) {
	m.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
