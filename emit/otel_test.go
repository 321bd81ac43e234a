package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newSpanRecorder(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTelEmitter(tp.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitterSpan(t *testing.T) {
	exporter, emitter := newSpanRecorder(t)

	emitter.Emit(Event{
		ThreadID: "support-42",
		Step:     1,
		StepID:   "check_access",
		Msg:      StepStarted,
		Meta: map[string]interface{}{
			"attempt":     2,
			"duration_ms": int64(18),
			"score":       0.75,
			"cached":      true,
			"elapsed":     250 * time.Millisecond,
			"tags":        []string{"a", "b"},
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "step_started" {
		t.Errorf("span name = %q, want step_started", span.Name)
	}
	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}

	attrs := attributeMap(span.Attributes)
	if attrs["agentflow.thread_id"] != "support-42" {
		t.Errorf("thread_id = %v", attrs["agentflow.thread_id"])
	}
	if attrs["agentflow.step"] != int64(1) {
		t.Errorf("step = %v", attrs["agentflow.step"])
	}
	if attrs["agentflow.step_id"] != "check_access" {
		t.Errorf("step_id = %v", attrs["agentflow.step_id"])
	}
	if attrs["agentflow.attempt"] != int64(2) {
		t.Errorf("attempt = %v", attrs["agentflow.attempt"])
	}
	if attrs["agentflow.duration_ms"] != int64(18) {
		t.Errorf("duration_ms = %v", attrs["agentflow.duration_ms"])
	}
	if attrs["agentflow.score"] != 0.75 {
		t.Errorf("score = %v", attrs["agentflow.score"])
	}
	if attrs["agentflow.cached"] != true {
		t.Errorf("cached = %v", attrs["agentflow.cached"])
	}
	// Durations are reported in milliseconds.
	if attrs["agentflow.elapsed"] != int64(250) {
		t.Errorf("elapsed = %v", attrs["agentflow.elapsed"])
	}
	// Unknown types fall back to their string form.
	if attrs["agentflow.tags"] != "[a b]" {
		t.Errorf("tags = %v", attrs["agentflow.tags"])
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	exporter, emitter := newSpanRecorder(t)

	emitter.Emit(Event{
		ThreadID: "support-42",
		Step:     3,
		StepID:   "create_account",
		Msg:      StepFailed,
		Meta:     map[string]interface{}{"error": "agent unreachable"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Errorf("status = %v, want %v", span.Status.Code, codes.Error)
	}
	if span.Status.Description != "agent unreachable" {
		t.Errorf("description = %q", span.Status.Description)
	}
	if len(span.Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestOTelEmitterBatch(t *testing.T) {
	exporter, emitter := newSpanRecorder(t)

	emitter.EmitBatch(context.Background(), []Event{
		{ThreadID: "t-1", Step: 1, StepID: "a", Msg: StepStarted},
		{ThreadID: "t-1", Step: 1, StepID: "a", Msg: StepCompleted},
		{ThreadID: "t-1", Step: 2, StepID: "b", Msg: StepStarted},
	})

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	want := []string{"step_started", "step_completed", "step_started"}
	for i, span := range spans {
		if span.Name != want[i] {
			t.Errorf("span[%d] = %q, want %q", i, span.Name, want[i])
		}
	}

	exporter.Reset()
	emitter.EmitBatch(context.Background(), nil)
	if got := len(exporter.GetSpans()); got != 0 {
		t.Errorf("expected 0 spans for empty batch, got %d", got)
	}
}

func TestOTelEmitterFlush(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(tp.Tracer("test"))
	emitter.Emit(Event{ThreadID: "t-1", Step: 1, StepID: "a", Msg: StepStarted})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := emitter.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := len(exporter.GetSpans()); got != 1 {
		t.Errorf("expected 1 span after flush, got %d", got)
	}
}
