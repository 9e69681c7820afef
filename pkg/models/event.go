package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is the unified event model published on the bus.
//
// Design principles:
//   - Single Kind discriminator with optional payload pointers; exactly one
//     payload is non-nil for a given Kind.
//   - The kind strings and the kind-to-payload mapping are part of the public
//     contract and must stay stable.
//   - CorrelationID groups related events (request id for tool events, launch
//     id for sub-agent events, run id otherwise); delivery order is emission
//     order per correlation id.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Kind identifies the event variant.
	Kind EventKind `json:"kind"`

	// CreatedAt is when the event was emitted.
	CreatedAt time.Time `json:"created_at"`

	// DueAt is set on scheduled events (retry, rate-limit resume).
	DueAt *time.Time `json:"due_at,omitempty"`

	// CorrelationID groups related events.
	CorrelationID string `json:"correlation_id,omitempty"`

	Tool       *ToolEventPayload       `json:"tool,omitempty"`
	Step       *StepEventPayload       `json:"step,omitempty"`
	Task       *TaskEventPayload       `json:"task,omitempty"`
	Evaluation *EvaluationEventPayload `json:"evaluation,omitempty"`
	Error      *ErrorEventPayload      `json:"error,omitempty"`
	Resilience *ResilienceEventPayload `json:"resilience,omitempty"`
	SubAgent   *SubAgentEventPayload   `json:"sub_agent,omitempty"`
	Control    *ControlEventPayload    `json:"control,omitempty"`
}

// EventKind identifies the kind of event.
type EventKind string

const (
	// Tool lifecycle
	EventToolCallRequested EventKind = "tool_call.requested"
	EventToolCallCompleted EventKind = "tool_call.completed"

	// Run lifecycle
	EventStepCompleted       EventKind = "step.completed"
	EventTaskCompleted       EventKind = "task.completed"
	EventEvaluationCompleted EventKind = "evaluation.completed"
	EventErrorOccurred       EventKind = "error.occurred"

	// Resilience
	EventRateLimitHit      EventKind = "rate_limit.hit"
	EventRetryRequested    EventKind = "retry.requested"
	EventFailoverOccurred  EventKind = "failover.occurred"
	EventRecoveryCompleted EventKind = "recovery.completed"

	// Sub-agents
	EventSubAgentLaunched  EventKind = "sub_agent.launched"
	EventSubAgentProgress  EventKind = "sub_agent.progress"
	EventSubAgentCompleted EventKind = "sub_agent.completed"

	// Cooperative control
	EventControlYielded EventKind = "control.yielded"
	EventControlResumed EventKind = "control.resumed"
)

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(kind EventKind, correlationID string) Event {
	return Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		CreatedAt:     time.Now(),
		CorrelationID: correlationID,
	}
}

// ToolEventPayload carries tool invocation details.
type ToolEventPayload struct {
	// RequestID identifies this specific invocation.
	RequestID string `json:"request_id"`

	// ToolName is the invoked tool.
	ToolName string `json:"tool_name"`

	// Arguments are the call arguments (requested events).
	Arguments map[string]any `json:"arguments,omitempty"`

	// Result is the raw tool value rendered as text (completed events).
	Result string `json:"result,omitempty"`

	// Observation is the truncated textual rendering appended to memory.
	Observation string `json:"observation,omitempty"`

	// IsFinal is true when the tool is final_answer.
	IsFinal bool `json:"is_final,omitempty"`
}

// StepEventPayload describes one completed ReAct iteration.
type StepEventPayload struct {
	StepNumber   int     `json:"step_number"`
	Outcome      Outcome `json:"outcome"`
	Observations string  `json:"observations,omitempty"`
}

// TaskEventPayload describes a terminated run.
type TaskEventPayload struct {
	Outcome    Outcome `json:"outcome"`
	Output     any     `json:"output,omitempty"`
	StepsTaken int     `json:"steps_taken"`
}

// EvaluationEventPayload describes a completed evaluation phase.
type EvaluationEventPayload struct {
	StepNumber int              `json:"step_number"`
	Status     EvaluationStatus `json:"status"`
	Answer     string           `json:"answer,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
}

// ErrorEventPayload describes a caught error.
type ErrorEventPayload struct {
	ErrorClass   string         `json:"error_class"`
	ErrorMessage string         `json:"error_message"`
	Context      map[string]any `json:"context,omitempty"`
	Recoverable  bool           `json:"recoverable"`
}

// ResilienceEventPayload carries retry, rate-limit, and failover details.
type ResilienceEventPayload struct {
	// ModelID is the model involved (retry/failover/recovery events).
	ModelID string `json:"model_id,omitempty"`

	// ToolName is the tool involved (rate-limit events from tool calls).
	ToolName string `json:"tool_name,omitempty"`

	// Attempt is the attempt number that triggered the event.
	Attempt int `json:"attempt,omitempty"`

	// MaxAttempts is the configured attempt budget.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// SuggestedInterval is the backoff before the next attempt.
	SuggestedInterval time.Duration `json:"suggested_interval,omitempty"`

	// RetryAfter is the server-mandated delay on rate limits.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// OriginalRequest summarizes the call that hit the limit.
	OriginalRequest string `json:"original_request,omitempty"`

	// FromModelID / ToModelID describe a failover transition.
	FromModelID string `json:"from_model_id,omitempty"`
	ToModelID   string `json:"to_model_id,omitempty"`

	// AttemptsBeforeRecovery counts failures preceding a recovery.
	AttemptsBeforeRecovery int `json:"attempts_before_recovery,omitempty"`
}

// SubAgentEventPayload carries sub-agent lifecycle details.
type SubAgentEventPayload struct {
	// LaunchID identifies the spawn; CorrelationID mirrors it.
	LaunchID string `json:"launch_id"`

	// AgentName is the spawned agent's name.
	AgentName string `json:"agent_name,omitempty"`

	// Task is the delegated task text.
	Task string `json:"task,omitempty"`

	// ParentID is the parent run's trace id.
	ParentID string `json:"parent_id,omitempty"`

	// StepNumber and Message describe progress events.
	StepNumber int    `json:"step_number,omitempty"`
	Message    string `json:"message,omitempty"`

	// Outcome and Output describe completion events.
	Outcome Outcome `json:"outcome,omitempty"`
	Output  any     `json:"output,omitempty"`
}

// ControlRequestType identifies the kind of cooperative pause.
type ControlRequestType string

const (
	ControlUserInput     ControlRequestType = "user_input"
	ControlConfirmation  ControlRequestType = "confirmation"
	ControlSubAgentQuery ControlRequestType = "sub_agent_query"
)

// ControlEventPayload carries control yield/resume details.
type ControlEventPayload struct {
	// RequestType classifies the pause.
	RequestType ControlRequestType `json:"request_type,omitempty"`

	// RequestID pairs a yield with its resume.
	RequestID string `json:"request_id"`

	// Prompt is the question or action description shown to the handler.
	Prompt string `json:"prompt,omitempty"`

	// Approved and Value describe the resumption reply.
	Approved bool   `json:"approved,omitempty"`
	Value    string `json:"value,omitempty"`
}
