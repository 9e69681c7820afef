package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/pkg/models"
)

// Tracer mirrors the event feed into OpenTelemetry spans: one span per
// run, one per tool invocation, one per sub-agent launch. Spans are
// opened and closed from paired events, using the event timestamps so
// the recorded durations match what actually happened.
type Tracer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewTracer wraps an OpenTelemetry tracer.
func NewTracer(t trace.Tracer) *Tracer {
	return &Tracer{tracer: t, spans: make(map[string]trace.Span)}
}

// Attach subscribes the tracer to the bus. The returned function
// detaches it; spans still open at detach time are abandoned unfinished.
func (tr *Tracer) Attach(b *bus.Bus) func() {
	return b.Subscribe(tr.observe,
		models.EventStepCompleted,
		models.EventTaskCompleted,
		models.EventToolCallRequested,
		models.EventToolCallCompleted,
		models.EventErrorOccurred,
		models.EventSubAgentLaunched,
		models.EventSubAgentCompleted,
	)
}

func (tr *Tracer) observe(e models.Event) {
	switch e.Kind {
	case models.EventStepCompleted:
		if e.Step == nil {
			return
		}
		span := tr.ensure("run:"+e.CorrelationID, "agent.run", e,
			attribute.String("run.id", e.CorrelationID))
		span.AddEvent("step.completed",
			trace.WithTimestamp(e.CreatedAt),
			trace.WithAttributes(
				attribute.Int("step.number", e.Step.StepNumber),
				attribute.String("step.outcome", string(e.Step.Outcome)),
			))

	case models.EventTaskCompleted:
		if e.Task == nil {
			return
		}
		span := tr.ensure("run:"+e.CorrelationID, "agent.run", e,
			attribute.String("run.id", e.CorrelationID))
		span.SetAttributes(
			attribute.String("run.outcome", string(e.Task.Outcome)),
			attribute.Int("run.steps_taken", e.Task.StepsTaken),
		)
		if !e.Task.Outcome.Completed() {
			span.SetStatus(codes.Error, string(e.Task.Outcome))
		}
		tr.finish("run:"+e.CorrelationID, e)

	case models.EventToolCallRequested:
		if e.Tool == nil {
			return
		}
		tr.ensure("tool:"+e.Tool.RequestID, "tool.call", e,
			attribute.String("tool.name", e.Tool.ToolName),
			attribute.String("tool.request_id", e.Tool.RequestID))

	case models.EventToolCallCompleted:
		if e.Tool == nil {
			return
		}
		key := "tool:" + e.Tool.RequestID
		span := tr.ensure(key, "tool.call", e,
			attribute.String("tool.name", e.Tool.ToolName),
			attribute.String("tool.request_id", e.Tool.RequestID))
		span.SetAttributes(attribute.Bool("tool.is_final", e.Tool.IsFinal))
		tr.finish(key, e)

	case models.EventErrorOccurred:
		if e.Error == nil {
			return
		}
		tr.mu.Lock()
		span, ok := tr.spans["run:"+e.CorrelationID]
		tr.mu.Unlock()
		if ok {
			span.AddEvent("error",
				trace.WithTimestamp(e.CreatedAt),
				trace.WithAttributes(
					attribute.String("error.class", e.Error.ErrorClass),
					attribute.Bool("error.recoverable", e.Error.Recoverable),
				))
		}

	case models.EventSubAgentLaunched:
		if e.SubAgent == nil {
			return
		}
		tr.ensure("spawn:"+e.SubAgent.LaunchID, "subagent.run", e,
			attribute.String("subagent.name", e.SubAgent.AgentName),
			attribute.String("subagent.launch_id", e.SubAgent.LaunchID),
			attribute.String("subagent.parent_id", e.SubAgent.ParentID))

	case models.EventSubAgentCompleted:
		if e.SubAgent == nil {
			return
		}
		key := "spawn:" + e.SubAgent.LaunchID
		span := tr.ensure(key, "subagent.run", e,
			attribute.String("subagent.name", e.SubAgent.AgentName),
			attribute.String("subagent.launch_id", e.SubAgent.LaunchID))
		span.SetAttributes(attribute.String("subagent.outcome", string(e.SubAgent.Outcome)))
		if e.SubAgent.Output != nil {
			span.SetAttributes(attribute.String("subagent.output", fmt.Sprint(e.SubAgent.Output)))
		}
		tr.finish(key, e)
	}
}

// ensure returns the open span for the key, starting it at the event's
// timestamp when it does not exist yet.
func (tr *Tracer) ensure(key, name string, e models.Event, attrs ...attribute.KeyValue) trace.Span {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if span, ok := tr.spans[key]; ok {
		return span
	}
	_, span := tr.tracer.Start(context.Background(), name,
		trace.WithTimestamp(e.CreatedAt),
		trace.WithAttributes(attrs...))
	tr.spans[key] = span
	return span
}

func (tr *Tracer) finish(key string, e models.Event) {
	tr.mu.Lock()
	span, ok := tr.spans[key]
	if ok {
		delete(tr.spans, key)
	}
	tr.mu.Unlock()
	if ok {
		span.End(trace.WithTimestamp(e.CreatedAt))
	}
}
