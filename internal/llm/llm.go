// Package llm defines the model abstraction the execution core depends on.
// Concrete provider clients live in internal/providers and decorators in
// internal/resilience; the scheduler only sees this interface.
package llm

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/pkg/models"
)

// ToolSchema describes one callable tool in provider-neutral form.
type ToolSchema struct {
	// Name is the tool identifier the model calls.
	Name string `json:"name"`

	// Description tells the model when to use the tool.
	Description string `json:"description"`

	// Parameters is a JSON-Schema object for the arguments.
	Parameters json.RawMessage `json:"parameters"`
}

// GenerateRequest is one chat completion request. Deadlines travel on the
// context, not the request.
type GenerateRequest struct {
	// Messages is the rendered conversation, system prompt first.
	Messages []models.ChatMessage `json:"messages"`

	// Tools the model may call this turn.
	Tools []ToolSchema `json:"tools,omitempty"`

	// Stop sequences end generation early.
	Stop []string `json:"stop,omitempty"`

	// Temperature overrides the model default when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens caps the completion length. 0 means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Model is a chat completion endpoint. Generate blocks until the response is
// complete or the context is done. The returned message carries token usage
// when the provider reports it.
type Model interface {
	ID() string
	Generate(ctx context.Context, req *GenerateRequest) (*models.ChatMessage, error)
}
