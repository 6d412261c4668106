package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := WithRound(NewRunContext(context.Background(), "plan-1"), 2)
	ctx, span := StartSpan(ctx, "runner.round", attribute.String("extra", "x"))
	EndSpan(span, errors.New("steps failed"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name() != "runner.round" {
		t.Errorf("unexpected span name %s", got.Name())
	}
	if got.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", got.Status().Code)
	}
	if GetTraceID(ctx) != got.SpanContext().TraceID().String() {
		t.Error("context trace ID should follow the span")
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range got.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["plan.id"].AsString() != "plan-1" {
		t.Errorf("expected plan.id attribute, got %v", attrs["plan.id"])
	}
	if attrs["plan.round"].AsInt64() != 2 {
		t.Errorf("expected plan.round attribute, got %v", attrs["plan.round"])
	}
}

func TestStartSpan_NoopProviderKeepsTrace(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx, span := StartSpan(ctx, "noop")
	EndSpan(span, nil)

	if GetTraceID(ctx) == "" {
		t.Error("trace ID should never be dropped")
	}
}

func TestShutdownWithoutInit(t *testing.T) {
	if err := ShutdownOpenTelemetry(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
