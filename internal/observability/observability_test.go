package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/pkg/models"
)

func TestMetricsCountEvents(t *testing.T) {
	b := bus.New()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	detach := m.Attach(b)

	step := models.NewEvent(models.EventStepCompleted, "run-1")
	step.Step = &models.StepEventPayload{StepNumber: 1, Outcome: models.OutcomePartial}
	b.Publish(step)

	for i := 0; i < 2; i++ {
		tool := models.NewEvent(models.EventToolCallCompleted, "req")
		tool.Tool = &models.ToolEventPayload{RequestID: "req", ToolName: "search"}
		b.Publish(tool)
	}

	retry := models.NewEvent(models.EventRetryRequested, "run-1")
	retry.Resilience = &models.ResilienceEventPayload{ModelID: "m1", Attempt: 1}
	b.Publish(retry)

	failover := models.NewEvent(models.EventFailoverOccurred, "run-1")
	failover.Resilience = &models.ResilienceEventPayload{FromModelID: "m1", ToModelID: "m2"}
	b.Publish(failover)

	oops := models.NewEvent(models.EventErrorOccurred, "run-1")
	oops.Error = &models.ErrorEventPayload{ErrorClass: "generation", Recoverable: true}
	b.Publish(oops)

	done := models.NewEvent(models.EventTaskCompleted, "run-1")
	done.Task = &models.TaskEventPayload{Outcome: models.OutcomeSuccess, StepsTaken: 2}
	b.Publish(done)

	if got := testutil.ToFloat64(m.stepsTotal); got != 1 {
		t.Errorf("steps = %v", got)
	}
	if got := testutil.ToFloat64(m.toolCallsTotal.WithLabelValues("search")); got != 2 {
		t.Errorf("tool calls = %v", got)
	}
	if got := testutil.ToFloat64(m.retriesTotal.WithLabelValues("m1")); got != 1 {
		t.Errorf("retries = %v", got)
	}
	if got := testutil.ToFloat64(m.failoversTotal.WithLabelValues("m1", "m2")); got != 1 {
		t.Errorf("failovers = %v", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("generation")); got != 1 {
		t.Errorf("errors = %v", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("runs = %v", got)
	}

	// After detaching, events no longer count.
	detach()
	b.Publish(step)
	if got := testutil.ToFloat64(m.stepsTotal); got != 1 {
		t.Errorf("steps after detach = %v", got)
	}
}

func TestTracerPairsToolSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	b := bus.New()
	tr := NewTracer(provider.Tracer("test"))
	defer tr.Attach(b)()

	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	requested := models.NewEvent(models.EventToolCallRequested, "req-1")
	requested.CreatedAt = started
	requested.Tool = &models.ToolEventPayload{RequestID: "req-1", ToolName: "search"}
	b.Publish(requested)

	if n := len(recorder.Ended()); n != 0 {
		t.Fatalf("spans ended before completion: %d", n)
	}

	completed := models.NewEvent(models.EventToolCallCompleted, "req-1")
	completed.CreatedAt = started.Add(time.Second)
	completed.Tool = &models.ToolEventPayload{RequestID: "req-1", ToolName: "search", Observation: "3 files"}
	b.Publish(completed)

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	span := ended[0]
	if span.Name() != "tool.call" {
		t.Errorf("name = %q", span.Name())
	}
	if d := span.EndTime().Sub(span.StartTime()); d != time.Second {
		t.Errorf("duration = %s", d)
	}
}

func TestTracerRunSpanCarriesOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	b := bus.New()
	tr := NewTracer(provider.Tracer("test"))
	defer tr.Attach(b)()

	step := models.NewEvent(models.EventStepCompleted, "run-1")
	step.Step = &models.StepEventPayload{StepNumber: 1, Outcome: models.OutcomePartial}
	b.Publish(step)

	done := models.NewEvent(models.EventTaskCompleted, "run-1")
	done.Task = &models.TaskEventPayload{Outcome: models.OutcomeMaxSteps, StepsTaken: 3}
	b.Publish(done)

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	span := ended[0]
	if span.Name() != "agent.run" {
		t.Errorf("name = %q", span.Name())
	}
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v", span.Status())
	}
	if len(span.Events()) == 0 {
		t.Error("expected a step.completed span event")
	}
}
