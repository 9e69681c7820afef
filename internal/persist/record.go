// Package persist serializes agent memory as an ordered list of step
// records and stores it keyed by run id. Each record carries its variant
// tag, its public fields, and an RFC3339 timestamp; loading re-checks the
// memory ordering invariants so a corrupted sequence never reaches the
// scheduler.
package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// InvalidRecordError reports a record that cannot be decoded or a sequence
// that violates the memory ordering rules.
type InvalidRecordError struct {
	Index  int
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid step record %d: %s", e.Index, e.Reason)
}

// usageRecord is the persisted token usage shape. Total is derived and
// recomputed on load.
type usageRecord struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

type timingRecord struct {
	Start      string `json:"start"`
	End        string `json:"end,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// stepRecord is the flat on-disk form of every step variant. Only the
// fields belonging to the tagged kind are populated.
type stepRecord struct {
	Kind string `json:"kind"`
	At   string `json:"at"`

	Text   string   `json:"text,omitempty"`
	Task   string   `json:"task,omitempty"`
	Images [][]byte `json:"images,omitempty"`
	Plan   string   `json:"plan,omitempty"`

	StepNumber       int                 `json:"step_number,omitempty"`
	AssistantMessage *models.ChatMessage `json:"assistant_message,omitempty"`
	ToolCalls        []models.ToolCall   `json:"tool_calls,omitempty"`
	CodeAction       string              `json:"code_action,omitempty"`
	Observations     string              `json:"observations,omitempty"`
	ActionOutput     any                 `json:"action_output,omitempty"`
	ErrorText        string              `json:"error,omitempty"`
	IsFinalAnswer    bool                `json:"is_final_answer,omitempty"`
	ReasoningContent string              `json:"reasoning_content,omitempty"`
	TraceID          string              `json:"trace_id,omitempty"`
	ParentTraceID    string              `json:"parent_trace_id,omitempty"`

	Status     string   `json:"status,omitempty"`
	Answer     string   `json:"answer,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	Output any `json:"output,omitempty"`

	Usage  *usageRecord  `json:"token_usage,omitempty"`
	Timing *timingRecord `json:"timing,omitempty"`
}

// MarshalStep renders one step as its record JSON. The at stamp is the
// step's own start time when it has one, otherwise the given fallback.
func MarshalStep(step models.Step, at time.Time) ([]byte, error) {
	rec := stepRecord{Kind: string(step.Kind()), At: at.UTC().Format(time.RFC3339Nano)}

	switch s := step.(type) {
	case models.SystemPromptStep:
		rec.Text = s.Text
	case models.TaskStep:
		rec.Task = s.Task
		rec.Images = s.Images
	case models.PlanningStep:
		rec.Plan = s.Plan
		rec.Usage = usageOf(s.TokenUsage)
		rec.Timing = timingOf(s.Timing)
		rec.At = stampOf(s.Timing, at)
	case models.ActionStep:
		rec.StepNumber = s.StepNumber
		rec.AssistantMessage = s.AssistantMessage
		rec.ToolCalls = s.ToolCalls
		rec.CodeAction = s.CodeAction
		rec.Observations = s.Observations
		rec.ActionOutput = s.ActionOutput
		rec.ErrorText = s.Error
		rec.IsFinalAnswer = s.IsFinalAnswer
		rec.ReasoningContent = s.ReasoningContent
		rec.TraceID = s.TraceID
		rec.ParentTraceID = s.ParentTraceID
		rec.Usage = usageOf(s.TokenUsage)
		rec.Timing = timingOf(s.Timing)
		rec.At = stampOf(s.Timing, at)
	case models.EvaluationStep:
		rec.Status = string(s.Status)
		rec.Answer = s.Answer
		rec.Reasoning = s.Reasoning
		rec.Confidence = s.Confidence
	case models.FinalAnswerStep:
		rec.Output = s.Output
	default:
		return nil, fmt.Errorf("unknown step type %T", step)
	}

	return json.Marshal(rec)
}

// UnmarshalStep decodes one record back into its step variant.
func UnmarshalStep(data []byte) (models.Step, error) {
	var rec stepRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	switch models.StepKind(rec.Kind) {
	case models.StepKindSystemPrompt:
		return models.SystemPromptStep{Text: rec.Text}, nil
	case models.StepKindTask:
		return models.TaskStep{Task: rec.Task, Images: rec.Images}, nil
	case models.StepKindPlanning:
		timing, err := timingFrom(rec.Timing)
		if err != nil {
			return nil, err
		}
		return models.PlanningStep{Plan: rec.Plan, TokenUsage: usageFrom(rec.Usage), Timing: timing}, nil
	case models.StepKindAction:
		timing, err := timingFrom(rec.Timing)
		if err != nil {
			return nil, err
		}
		return models.ActionStep{
			StepNumber:       rec.StepNumber,
			Timing:           timing,
			AssistantMessage: rec.AssistantMessage,
			ToolCalls:        rec.ToolCalls,
			CodeAction:       rec.CodeAction,
			Observations:     rec.Observations,
			ActionOutput:     rec.ActionOutput,
			Error:            rec.ErrorText,
			TokenUsage:       usageFrom(rec.Usage),
			IsFinalAnswer:    rec.IsFinalAnswer,
			ReasoningContent: rec.ReasoningContent,
			TraceID:          rec.TraceID,
			ParentTraceID:    rec.ParentTraceID,
		}, nil
	case models.StepKindEvaluation:
		return models.EvaluationStep{
			Status:     models.EvaluationStatus(rec.Status),
			Answer:     rec.Answer,
			Reasoning:  rec.Reasoning,
			Confidence: rec.Confidence,
		}, nil
	case models.StepKindFinalAnswer:
		return models.FinalAnswerStep{Output: rec.Output}, nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", rec.Kind)
	}
}

// Encode renders a full memory as a JSON array of step records.
func Encode(steps []models.Step) ([]byte, error) {
	now := time.Now()
	records := make([]json.RawMessage, len(steps))
	for i, step := range steps {
		data, err := MarshalStep(step, now)
		if err != nil {
			return nil, &InvalidRecordError{Index: i, Reason: err.Error()}
		}
		records[i] = data
	}
	return json.Marshal(records)
}

// Decode parses a record array and enforces the memory ordering rules:
// the system prompt comes first, and at most one task follows it directly.
func Decode(data []byte) ([]models.Step, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	steps := make([]models.Step, len(records))
	for i, raw := range records {
		step, err := UnmarshalStep(raw)
		if err != nil {
			return nil, &InvalidRecordError{Index: i, Reason: err.Error()}
		}
		steps[i] = step
	}

	if err := ValidateSequence(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// ValidateSequence checks the ordering invariants a loaded memory must hold.
func ValidateSequence(steps []models.Step) error {
	taskIndex := -1
	sawFinal := false
	for i, step := range steps {
		switch step.Kind() {
		case models.StepKindSystemPrompt:
			if i != 0 {
				return &InvalidRecordError{Index: i, Reason: "system prompt must be the first step"}
			}
		case models.StepKindTask:
			if taskIndex >= 0 {
				return &InvalidRecordError{Index: i, Reason: "memory holds exactly one task"}
			}
			if i != 1 {
				return &InvalidRecordError{Index: i, Reason: "task must directly follow the system prompt"}
			}
			taskIndex = i
		case models.StepKindAction:
			if i == 0 {
				return &InvalidRecordError{Index: i, Reason: "memory must start with a system prompt"}
			}
			if sawFinal {
				return &InvalidRecordError{Index: i, Reason: "no action may follow a final-answer action"}
			}
			if a, ok := step.(models.ActionStep); ok && a.IsFinalAnswer {
				sawFinal = true
			}
		default:
			if i == 0 {
				return &InvalidRecordError{Index: i, Reason: "memory must start with a system prompt"}
			}
		}
	}
	return nil
}

func usageOf(u models.TokenUsage) *usageRecord {
	if u.IsZero() {
		return nil
	}
	return &usageRecord{Input: u.Input, Output: u.Output, Total: u.Total()}
}

func usageFrom(rec *usageRecord) models.TokenUsage {
	if rec == nil {
		return models.ZeroUsage()
	}
	return models.TokenUsage{Input: rec.Input, Output: rec.Output}
}

func timingOf(t models.Timing) *timingRecord {
	if t.Start.IsZero() {
		return nil
	}
	rec := &timingRecord{Start: t.Start.UTC().Format(time.RFC3339Nano)}
	if t.End != nil {
		rec.End = t.End.UTC().Format(time.RFC3339Nano)
		rec.DurationMS = t.Duration().Milliseconds()
	}
	return rec
}

func timingFrom(rec *timingRecord) (models.Timing, error) {
	if rec == nil {
		return models.Timing{}, nil
	}
	start, err := parseStamp(rec.Start)
	if err != nil {
		return models.Timing{}, fmt.Errorf("bad timing start: %w", err)
	}
	t := models.Timing{Start: start}
	if rec.End != "" {
		end, err := parseStamp(rec.End)
		if err != nil {
			return models.Timing{}, fmt.Errorf("bad timing end: %w", err)
		}
		t.End = &end
	}
	return t, nil
}

func stampOf(t models.Timing, fallback time.Time) string {
	if t.Start.IsZero() {
		return fallback.UTC().Format(time.RFC3339Nano)
	}
	return t.Start.UTC().Format(time.RFC3339Nano)
}

func parseStamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
