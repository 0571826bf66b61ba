package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DispatchMetrics records inbound interaction outcomes. It implements
// interaction.Metrics.
type DispatchMetrics struct {
	duration   metric.Float64Histogram
	dispatched metric.Int64Counter
	background metric.Int64Counter
}

// NewDispatchMetrics creates the interaction instruments.
func NewDispatchMetrics(opts ...Option) (*DispatchMetrics, error) {
	meter := newOptions(opts).meterProvider.Meter(instrumentationName + "/interaction")

	duration, err := meter.Float64Histogram(
		"interaction.dispatch.duration",
		metric.WithDescription("Time from receipt to response for inbound interactions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	dispatched, err := meter.Int64Counter(
		"interaction.dispatch.total",
		metric.WithDescription("Inbound interactions by type and outcome"),
		metric.WithUnit("{interaction}"),
	)
	if err != nil {
		return nil, err
	}

	background, err := meter.Int64Counter(
		"interaction.background.failures",
		metric.WithDescription("Listener failures after a response was sent"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchMetrics{duration: duration, dispatched: dispatched, background: background}, nil
}

// RecordDispatch implements interaction.Metrics.
func (m *DispatchMetrics) RecordDispatch(ctx context.Context, interactionType, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("type", interactionType),
		attribute.String("outcome", outcome),
	)
	m.dispatched.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordBackgroundFailure implements interaction.Metrics.
func (m *DispatchMetrics) RecordBackgroundFailure(ctx context.Context, interactionType string) {
	m.background.Add(ctx, 1, metric.WithAttributes(attribute.String("type", interactionType)))
}

// BucketCounter reports how many rate-limit buckets are tracked.
type BucketCounter interface {
	Len() int
}

// RegisterBucketGauge exports the live bucket count as an observable gauge.
// Call Unregister on the result to stop reporting.
func RegisterBucketGauge(buckets BucketCounter, opts ...Option) (metric.Registration, error) {
	meter := newOptions(opts).meterProvider.Meter(instrumentationName + "/ratelimit")

	gauge, err := meter.Int64ObservableGauge(
		"ratelimit.buckets",
		metric.WithDescription("Rate-limit buckets currently tracked"),
		metric.WithUnit("{bucket}"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(buckets.Len()))
		return nil
	}, gauge)
}
