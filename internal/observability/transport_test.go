package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cordrest/internal/ratelimit"
	"cordrest/internal/rest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type testProviders struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.SpanRecorder
	opts   []Option
}

func newTestProviders(t *testing.T) *testProviders {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})
	return &testProviders{
		reader: reader,
		spans:  spans,
		opts:   []Option{WithMeterProvider(mp), WithTracerProvider(tp)},
	}
}

func (p *testProviders) collect(t *testing.T) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, p.reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumInt64(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func histogramCount(t *testing.T, data metricdata.Aggregation) uint64 {
	t.Helper()
	h, ok := data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected a float64 histogram, got %T", data)
	var count uint64
	for _, dp := range h.DataPoints {
		count += dp.Count
	}
	return count
}

func hasAttr(set attribute.Set, key, value string) bool {
	v, ok := set.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestInstrumentedTransport_RecordsRequests(t *testing.T) {
	p := newTestProviders(t)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.Header().Set(ratelimit.HeaderBucket, "abc")
			w.Header().Set(ratelimit.HeaderScope, ratelimit.ScopeUser)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"message":"You are being rate limited.","retry_after":0.01,"global":false}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"1","username":"a"}`)
	}))
	defer srv.Close()

	transport, err := NewInstrumentedTransport(srv.Client(), p.opts...)
	require.NoError(t, err)

	c, err := rest.New(
		rest.WithBaseURL(srv.URL),
		rest.WithToken(rest.TokenTypeBot, "secret"),
		rest.WithTransport(transport),
	)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.FetchMyUser(context.Background())
	require.NoError(t, err)

	data := p.collect(t)
	assert.Equal(t, uint64(2), histogramCount(t, data["rest.request.duration"]))
	assert.Equal(t, int64(1), sumInt64(t, data["rest.rate_limited"]))

	limited := data["rest.rate_limited"].(metricdata.Sum[int64])
	require.Len(t, limited.DataPoints, 1)
	attrs := limited.DataPoints[0].Attributes
	assert.True(t, hasAttr(attrs, "route", "/users/@me"))
	assert.True(t, hasAttr(attrs, "scope", ratelimit.ScopeUser))

	spans := p.spans.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "rest GET /users/@me", spans[0].Name())
	var sawBucket bool
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "ratelimit.bucket" && kv.Value.AsString() == "abc" {
			sawBucket = true
		}
	}
	assert.True(t, sawBucket)
}

type failingTransport struct{ err error }

func (f failingTransport) Do(*http.Request) (*http.Response, error) { return nil, f.err }

func TestInstrumentedTransport_RecordsErrors(t *testing.T) {
	p := newTestProviders(t)
	boom := errors.New("connection refused")

	transport, err := NewInstrumentedTransport(failingTransport{err: boom}, p.opts...)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://api.invalid/users/@me", nil)
	require.NoError(t, err)
	_, err = transport.Do(req)
	require.ErrorIs(t, err, boom)

	data := p.collect(t)
	assert.Equal(t, int64(1), sumInt64(t, data["rest.request.errors"]))

	spans := p.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "rest GET unknown", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestDispatchMetrics(t *testing.T) {
	p := newTestProviders(t)

	m, err := NewDispatchMetrics(p.opts...)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDispatch(ctx, "APPLICATION_COMMAND", "responded", 5*time.Millisecond)
	m.RecordDispatch(ctx, "PING", "pong", time.Millisecond)
	m.RecordBackgroundFailure(ctx, "APPLICATION_COMMAND")

	data := p.collect(t)
	assert.Equal(t, int64(2), sumInt64(t, data["interaction.dispatch.total"]))
	assert.Equal(t, uint64(2), histogramCount(t, data["interaction.dispatch.duration"]))
	assert.Equal(t, int64(1), sumInt64(t, data["interaction.background.failures"]))
}

type fixedCount int

func (f fixedCount) Len() int { return int(f) }

func TestRegisterBucketGauge(t *testing.T) {
	p := newTestProviders(t)

	reg, err := RegisterBucketGauge(fixedCount(7), p.opts...)
	require.NoError(t, err)

	gauge, ok := p.collect(t)["ratelimit.buckets"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(7), gauge.DataPoints[0].Value)

	assert.NoError(t, reg.Unregister())
}
