package observability

import (
	"net/http"
	"strconv"
	"time"

	"cordrest/internal/ratelimit"
	"cordrest/internal/rest"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures instrumentation. By default the global providers
// installed by Setup are used.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

func newOptions(opts []Option) options {
	o := options{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// InstrumentedTransport wraps a rest.Transport with a span per outbound
// request, a latency histogram and counters for errors and 429 responses.
// Metrics are labelled with the route template, never the concrete path.
type InstrumentedTransport struct {
	next        rest.Transport
	tracer      trace.Tracer
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	rateLimited metric.Int64Counter
}

// NewInstrumentedTransport wraps next.
func NewInstrumentedTransport(next rest.Transport, opts ...Option) (*InstrumentedTransport, error) {
	o := newOptions(opts)
	meter := o.meterProvider.Meter(instrumentationName + "/rest")

	duration, err := meter.Float64Histogram(
		"rest.request.duration",
		metric.WithDescription("Duration of outbound API requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"rest.request.errors",
		metric.WithDescription("Outbound API requests that failed before a response arrived"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	rateLimited, err := meter.Int64Counter(
		"rest.rate_limited",
		metric.WithDescription("429 responses received, by scope"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedTransport{
		next:        next,
		tracer:      o.tracerProvider.Tracer(instrumentationName + "/rest"),
		duration:    duration,
		errors:      errCounter,
		rateLimited: rateLimited,
	}, nil
}

// Do implements rest.Transport.
func (t *InstrumentedTransport) Do(req *http.Request) (*http.Response, error) {
	template := "unknown"
	if route, ok := rest.RouteFromContext(req.Context()); ok {
		template = route.Route.Template
	}

	ctx, span := t.tracer.Start(req.Context(), "rest "+req.Method+" "+template,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("http.route", template),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := t.next.Do(req.WithContext(ctx))
	elapsed := time.Since(start).Seconds()

	attrs := []attribute.KeyValue{
		attribute.String("method", req.Method),
		attribute.String("route", template),
	}

	if err != nil {
		t.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
		t.duration.Record(ctx, elapsed, metric.WithAttributes(append(attrs, attribute.String("status", "error"))...))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	status := strconv.Itoa(resp.StatusCode)
	t.duration.Record(ctx, elapsed, metric.WithAttributes(append(attrs, attribute.String("status", status))...))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if bucket := resp.Header.Get(ratelimit.HeaderBucket); bucket != "" {
		span.SetAttributes(attribute.String("ratelimit.bucket", bucket))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		scope := resp.Header.Get(ratelimit.HeaderScope)
		if scope == "" {
			scope = "unknown"
		}
		t.rateLimited.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("scope", scope))...))
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, resp.Status)
	}

	return resp, nil
}
