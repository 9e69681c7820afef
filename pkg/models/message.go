// Package models provides the immutable domain types for the Loom agent core.
//
// Everything in this package is a value type: updates produce new values, and
// shared references are only ever handed out for read-only use. The scheduler,
// memory, and event bus all trade in these types.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleSystem is the system prompt message.
	RoleSystem Role = "system"

	// RoleUser is a message authored by the user (or the task itself).
	RoleUser Role = "user"

	// RoleAssistant is a model-authored message.
	RoleAssistant Role = "assistant"

	// RoleToolCall is an assistant message that carries tool calls.
	RoleToolCall Role = "tool_call"

	// RoleToolResponse carries the observation returned by a tool.
	RoleToolResponse Role = "tool_response"
)

// ChatMessage is a single message in the conversation sent to a model.
//
// For assistant messages, at most one of Content and ToolCalls is populated.
// Images are only legal on user messages.
type ChatMessage struct {
	// Role indicates who authored the message.
	Role Role `json:"role"`

	// Content is the text content. Empty when the message carries tool calls.
	Content string `json:"content,omitempty"`

	// ToolCalls contains tool invocation requests from the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Images contains raw image payloads. Only legal on user messages.
	Images [][]byte `json:"images,omitempty"`

	// TokenUsage is the usage reported by the provider for this message.
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`

	// Raw is the opaque provider payload, kept for debugging. Never inspected
	// by the core.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Validate checks the message invariants.
func (m ChatMessage) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleToolCall, RoleToolResponse:
	default:
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if m.Role == RoleAssistant && m.Content != "" && len(m.ToolCalls) > 0 {
		return fmt.Errorf("assistant message cannot carry both content and tool calls")
	}
	if len(m.Images) > 0 && m.Role != RoleUser {
		return fmt.Errorf("images are only legal on user messages, got role %q", m.Role)
	}
	return nil
}

// WithTokenUsage returns a copy of the message with usage attached.
func (m ChatMessage) WithTokenUsage(u TokenUsage) ChatMessage {
	m.TokenUsage = &u
	return m
}

// ToolCall is a single named tool invocation requested by the model.
type ToolCall struct {
	// ID uniquely identifies the call within a run.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Arguments are the named arguments for the call.
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON renders the arguments as canonical JSON.
func (c ToolCall) ArgumentsJSON() json.RawMessage {
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// TokenUsage counts tokens consumed by a model call. It is a monoid under
// Add with Zero as the identity.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ZeroUsage returns the additive identity.
func ZeroUsage() TokenUsage {
	return TokenUsage{}
}

// Add returns the component-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		Input:  u.Input + other.Input,
		Output: u.Output + other.Output,
	}
}

// Total returns input + output tokens.
func (u TokenUsage) Total() int {
	return u.Input + u.Output
}

// IsZero reports whether the usage is the identity.
func (u TokenUsage) IsZero() bool {
	return u.Input == 0 && u.Output == 0
}

// Map returns the serialized form used in persisted records.
func (u TokenUsage) Map() map[string]any {
	return map[string]any{
		"input":  u.Input,
		"output": u.Output,
		"total":  u.Total(),
	}
}

// Timing records the wall-clock bounds of an operation. End is nil while the
// operation is in flight; Duration is defined only once End is set.
type Timing struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// StartTiming returns a Timing anchored at the current instant.
func StartTiming() Timing {
	return Timing{Start: time.Now()}
}

// Stop returns a copy with End stamped at the given instant. Instants before
// Start are clamped to Start so Duration never goes negative.
func (t Timing) Stop(at time.Time) Timing {
	if at.Before(t.Start) {
		at = t.Start
	}
	t.End = &at
	return t
}

// StopNow returns a copy with End stamped at the current instant.
func (t Timing) StopNow() Timing {
	return t.Stop(time.Now())
}

// Duration returns the elapsed time, or zero when End is unset.
func (t Timing) Duration() time.Duration {
	if t.End == nil {
		return 0
	}
	return t.End.Sub(t.Start)
}

// Done reports whether End has been stamped.
func (t Timing) Done() bool {
	return t.End != nil
}
