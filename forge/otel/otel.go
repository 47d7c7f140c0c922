// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package forgeotel provides OpenTelemetry instrumentation for Forge
// clients. It implements the [forge.CallHook] interface to add client spans,
// trace context propagation and call metrics.
//
// Usage:
//
//	client := forge.NewClient(forgeotel.InstrumentClient(forgeotel.DefaultConfig()))
//	ctx = forge.WithClient(ctx, client)
package forgeotel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Query-farm/forge-go/forge"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "forge"

// OtelConfig configures OpenTelemetry instrumentation for a Forge client.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator injects trace context into outgoing requests.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed calls.
	// Default true.
	RecordExceptions bool
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with tracing, metrics and exception
// recording enabled. Providers are resolved from the global OTel SDK when
// the hook is built.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// NewHook builds a forge.CallHook from cfg.
func NewHook(cfg OtelConfig) forge.CallHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.callCounter, _ = meter.Int64Counter("forge.client.calls",
			metric.WithUnit("{call}"),
			metric.WithDescription("Number of Forge calls"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("forge.client.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of Forge calls, including polling"),
		)
	}
	return hook
}

// InstrumentClient returns a client option installing NewHook(cfg).
func InstrumentClient(cfg OtelConfig) forge.Option {
	return forge.WithCallHook(NewHook(cfg))
}

type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	callCounter       metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// spanToken is the HookToken returned by OnCallStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnCallStart starts a client span and injects its context into outgoing
// request headers.
func (h *otelHook) OnCallStart(ctx context.Context, info forge.CallInfo) (context.Context, forge.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	name := info.Method
	if name == "" {
		name = info.Mode
	}
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "forge"),
		attribute.String("rpc.method", info.Method),
		attribute.String("forge.mode", info.Mode),
		attribute.String("server.address", info.Host),
	}
	if info.UID != "" {
		attrs = append(attrs, attribute.String("forge.call_token", info.UID))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("forge/%s", name),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	if h.cfg.Propagator != nil {
		headers := http.Header{}
		h.cfg.Propagator.Inject(ctx, propagation.HeaderCarrier(headers))
		if len(headers) > 0 {
			ctx = forge.WithOutgoingHeaders(ctx, headers)
		}
	}
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnCallEnd records metrics and span attributes, then ends the span.
func (h *otelHook) OnCallEnd(ctx context.Context, token forge.HookToken, info forge.CallInfo, stats *forge.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)
	status := statusOf(err)

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "forge"),
			attribute.String("rpc.method", info.Method),
			attribute.String("forge.mode", info.Mode),
			attribute.String("status", status),
		)
		if h.callCounter != nil {
			h.callCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span == nil {
		return
	}
	if st.span.IsRecording() {
		if info.UID != "" {
			st.span.SetAttributes(attribute.String("forge.call_token", info.UID))
		}
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("forge.polls", stats.Polls),
				attribute.Int64("forge.retries", stats.Retries),
				attribute.Int64("forge.request_bytes", stats.RequestBytes),
				attribute.Int64("forge.response_bytes", stats.ResponseBytes),
			)
		}
		if err != nil {
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
			st.span.SetAttributes(attribute.String("forge.error_type", fmt.Sprintf("%T", err)))
		} else {
			st.span.SetStatus(codes.Ok, "")
		}
	}
	st.span.End()
}

// statusOf maps an error to the metric status attribute.
func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, forge.ErrApiTimeout):
		return "timeout"
	case errors.Is(err, forge.ErrCallScheduled):
		return "scheduled"
	}
	return "error"
}
