// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forgeotel_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Query-farm/forge-go/conformance"
	"github.com/Query-farm/forge-go/forge"
	forgeotel "github.com/Query-farm/forge-go/forge/otel"
)

type instrumented struct {
	ctx     context.Context
	svc     *conformance.Service
	spans   *tracetest.SpanRecorder
	metrics *sdkmetric.ManualReader
}

func newInstrumented(t *testing.T, cfg func(*forgeotel.OtelConfig)) *instrumented {
	t.Helper()
	for _, name := range []string{
		"QCWARE_CLIENT_TIMEOUT", "QCWARE_SERVER_TIMEOUT", "QCWARE_CLIENT_DEBUG",
		"QCWARE_SCHEDULING_MODE", "QCWARE_ASYNC_INTERVAL_BETWEEN_TRIES",
	} {
		t.Setenv(name, "")
	}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := conformance.NewService(conformance.WithAPIKey("otel-key"), conformance.WithLogger(discard))
	conformance.RegisterMethods(svc)
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	t.Setenv("QCWARE_HOST", srv.URL)
	t.Setenv("QCWARE_API_KEY", "otel-key")

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	c := forgeotel.DefaultConfig()
	c.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	c.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	c.Propagator = propagation.TraceContext{}
	c.CustomAttributes = []attribute.KeyValue{attribute.String("team", "quantum")}
	if cfg != nil {
		cfg(&c)
	}

	client := forge.NewClient(
		forgeotel.InstrumentClient(c),
		forge.WithPollInterval(10*time.Millisecond),
		forge.WithLogger(discard),
		forge.WithDiagnosticsWriter(io.Discard),
	)
	ctx := forge.WithClient(context.Background(), client)
	ctx = forge.WithContext(ctx, forge.CallContext{ServerTimeout: forge.Ptr(0)})
	return &instrumented{ctx: ctx, svc: svc, spans: spans, metrics: reader}
}

func attr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpanPerCall(t *testing.T) {
	in := newInstrumented(t, nil)
	_, err := forge.Echo.Call(in.ctx, forge.EchoParams{Text: "traced"})
	require.NoError(t, err)

	ended := in.spans.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	assert.Equal(t, "forge/test.echo", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	attrs := span.Attributes()
	for key, want := range map[string]string{
		"rpc.system": "forge",
		"rpc.method": forge.MethodEcho,
		"forge.mode": forge.CallModeBlocking,
		"team":       "quantum",
	} {
		v, ok := attr(attrs, key)
		require.True(t, ok, key)
		assert.Equal(t, want, v.AsString(), key)
	}
	token, ok := attr(attrs, "forge.call_token")
	require.True(t, ok)
	assert.NotEmpty(t, token.AsString())
	polls, ok := attr(attrs, "forge.polls")
	require.True(t, ok)
	assert.EqualValues(t, 1, polls.AsInt64())

	// every request of the call carries the span's trace context
	traceID := span.SpanContext().TraceID().String()
	for _, path := range []string{"/test/echo", "/api_calls"} {
		reqs := in.svc.RequestsTo(path)
		require.Len(t, reqs, 1, path)
		assert.Contains(t, reqs[0].Header.Get("Traceparent"), traceID, path)
	}
}

func TestFailedCallSpan(t *testing.T) {
	in := newInstrumented(t, nil)
	raise := forge.NewEndpoint[conformance.RaiseErrorParams, any](conformance.MethodRaiseError, "")
	_, err := raise.Call(in.ctx, conformance.RaiseErrorParams{Message: "no"})
	require.Error(t, err)

	ended := in.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	require.NotEmpty(t, ended[0].Events())
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
	typ, ok := attr(ended[0].Attributes(), "forge.error_type")
	require.True(t, ok)
	assert.Equal(t, "*forge.ApiCallExecutionError", typ.AsString())
}

func TestRetrieveSpanNamedByMode(t *testing.T) {
	in := newInstrumented(t, func(c *forgeotel.OtelConfig) { c.RecordExceptions = false })
	token, err := forge.Echo.Submit(in.ctx, forge.EchoParams{})
	require.NoError(t, err)
	_, err = forge.RetrieveResult(in.ctx, token)
	require.NoError(t, err)

	ended := in.spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "forge/test.echo", ended[0].Name())
	assert.Equal(t, "forge/retrieve", ended[1].Name())
}

func TestCallMetrics(t *testing.T) {
	in := newInstrumented(t, func(c *forgeotel.OtelConfig) { c.EnableTracing = false })
	for range 3 {
		_, err := forge.Echo.Call(in.ctx, forge.EchoParams{})
		require.NoError(t, err)
	}
	timeout := forge.WithContext(in.ctx, forge.CallContext{ClientTimeout: forge.Ptr(0)})
	_, err := forge.Echo.Call(timeout, forge.EchoParams{})
	require.ErrorIs(t, err, forge.ErrApiTimeout)
	assert.Empty(t, in.spans.Ended())

	var rm metricdata.ResourceMetrics
	require.NoError(t, in.metrics.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	var histogramCount uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				require.Equal(t, "forge.client.calls", m.Name)
				for _, dp := range data.DataPoints {
					status, _ := dp.Attributes.Value("status")
					counts[status.AsString()] += dp.Value
				}
			case metricdata.Histogram[float64]:
				require.Equal(t, "forge.client.duration", m.Name)
				for _, dp := range data.DataPoints {
					histogramCount += dp.Count
				}
			}
		}
	}
	assert.Equal(t, map[string]int64{"ok": 3, "timeout": 1}, counts)
	assert.EqualValues(t, 4, histogramCount)
}
