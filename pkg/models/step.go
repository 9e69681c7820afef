package models

import "time"

// StepKind discriminates the step variants stored in agent memory.
//
// The kind strings are part of the persisted-memory contract and must stay
// stable across releases.
type StepKind string

const (
	StepKindSystemPrompt StepKind = "system_prompt"
	StepKindTask         StepKind = "task"
	StepKindPlanning     StepKind = "planning"
	StepKindAction       StepKind = "action"
	StepKindEvaluation   StepKind = "evaluation"
	StepKindFinalAnswer  StepKind = "final_answer"
)

// Step is one entry in agent memory. Steps are created by the scheduler,
// appended to memory, and never mutated afterwards.
type Step interface {
	// Kind returns the variant tag.
	Kind() StepKind

	// Map returns the deterministic map form of the step's public fields,
	// used for serialization and event payloads.
	Map() map[string]any
}

// SystemPromptStep holds the rendered system prompt for a run.
type SystemPromptStep struct {
	Text string `json:"text"`
}

func (s SystemPromptStep) Kind() StepKind { return StepKindSystemPrompt }

func (s SystemPromptStep) Map() map[string]any {
	return map[string]any{"kind": string(StepKindSystemPrompt), "text": s.Text}
}

// TaskStep holds the user task that started the run.
type TaskStep struct {
	Task   string   `json:"task"`
	Images [][]byte `json:"images,omitempty"`
}

func (s TaskStep) Kind() StepKind { return StepKindTask }

func (s TaskStep) Map() map[string]any {
	return map[string]any{
		"kind":   string(StepKindTask),
		"task":   s.Task,
		"images": len(s.Images),
	}
}

// PlanningStep records the output of a planning phase.
type PlanningStep struct {
	Plan       string     `json:"plan"`
	TokenUsage TokenUsage `json:"token_usage"`
	Timing     Timing     `json:"timing"`
}

func (s PlanningStep) Kind() StepKind { return StepKindPlanning }

func (s PlanningStep) Map() map[string]any {
	return map[string]any{
		"kind":        string(StepKindPlanning),
		"plan":        s.Plan,
		"token_usage": s.TokenUsage.Map(),
		"timing":      timingMap(s.Timing),
	}
}

// ActionStep records one iteration of the reasoning loop: the assistant
// message, the tool calls it requested, and the observations they produced.
type ActionStep struct {
	StepNumber       int          `json:"step_number"`
	Timing           Timing       `json:"timing"`
	AssistantMessage *ChatMessage `json:"assistant_message,omitempty"`
	ToolCalls        []ToolCall   `json:"tool_calls,omitempty"`
	CodeAction       string       `json:"code_action,omitempty"`
	Observations     string       `json:"observations,omitempty"`
	ActionOutput     any          `json:"action_output,omitempty"`
	Error            string       `json:"error,omitempty"`
	TokenUsage       TokenUsage   `json:"token_usage"`
	IsFinalAnswer    bool         `json:"is_final_answer,omitempty"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	TraceID          string       `json:"trace_id,omitempty"`
	ParentTraceID    string       `json:"parent_trace_id,omitempty"`
}

func (s ActionStep) Kind() StepKind { return StepKindAction }

func (s ActionStep) Map() map[string]any {
	m := map[string]any{
		"kind":            string(StepKindAction),
		"step_number":     s.StepNumber,
		"timing":          timingMap(s.Timing),
		"token_usage":     s.TokenUsage.Map(),
		"is_final_answer": s.IsFinalAnswer,
	}
	if s.AssistantMessage != nil {
		m["assistant_content"] = s.AssistantMessage.Content
	}
	if len(s.ToolCalls) > 0 {
		calls := make([]map[string]any, len(s.ToolCalls))
		for i, tc := range s.ToolCalls {
			calls[i] = map[string]any{"id": tc.ID, "name": tc.Name, "arguments": tc.Arguments}
		}
		m["tool_calls"] = calls
	}
	if s.CodeAction != "" {
		m["code_action"] = s.CodeAction
	}
	if s.Observations != "" {
		m["observations"] = s.Observations
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	if s.TraceID != "" {
		m["trace_id"] = s.TraceID
	}
	if s.ParentTraceID != "" {
		m["parent_trace_id"] = s.ParentTraceID
	}
	return m
}

// EvaluationStatus classifies the run state as judged by the evaluation phase.
type EvaluationStatus string

const (
	EvaluationGoalAchieved EvaluationStatus = "goal_achieved"
	EvaluationContinue     EvaluationStatus = "continue"
	EvaluationStuck        EvaluationStatus = "stuck"
)

// EvaluationStep records the outcome of a self-evaluation phase.
type EvaluationStep struct {
	Status     EvaluationStatus `json:"status"`
	Answer     string           `json:"answer,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
}

func (s EvaluationStep) Kind() StepKind { return StepKindEvaluation }

func (s EvaluationStep) Map() map[string]any {
	m := map[string]any{
		"kind":   string(StepKindEvaluation),
		"status": string(s.Status),
	}
	if s.Answer != "" {
		m["answer"] = s.Answer
	}
	if s.Reasoning != "" {
		m["reasoning"] = s.Reasoning
	}
	if s.Confidence != nil {
		m["confidence"] = *s.Confidence
	}
	return m
}

// FinalAnswerStep terminates a successful run with the answer payload.
type FinalAnswerStep struct {
	Output any `json:"output"`
}

func (s FinalAnswerStep) Kind() StepKind { return StepKindFinalAnswer }

func (s FinalAnswerStep) Map() map[string]any {
	return map[string]any{"kind": string(StepKindFinalAnswer), "output": s.Output}
}

func timingMap(t Timing) map[string]any {
	m := map[string]any{"start": t.Start.Format(time.RFC3339Nano)}
	if t.End != nil {
		m["end"] = t.End.Format(time.RFC3339Nano)
		m["duration_ms"] = t.Duration().Milliseconds()
	}
	return m
}
