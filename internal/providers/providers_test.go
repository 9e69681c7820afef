package providers

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/resilience"
	"github.com/loomhq/loom/pkg/models"
)

var (
	_ llm.Model = (*OpenAIModel)(nil)
	_ llm.Model = (*AnthropicModel)(nil)
)

func TestToOpenAIMessages(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "count files"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "ls", Arguments: map[string]any{"path": "/tmp"}},
		}},
		{Role: models.RoleToolResponse, Content: "3 files"},
	}

	out := toOpenAIMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("messages = %d", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("system role = %q", out[0].Role)
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "ls" {
		t.Errorf("tool calls = %+v", out[2].ToolCalls)
	}
	if !strings.Contains(out[2].ToolCalls[0].Function.Arguments, `"/tmp"`) {
		t.Errorf("arguments = %q", out[2].ToolCalls[0].Function.Arguments)
	}
	// Tool observations travel as user messages.
	if out[3].Role != openai.ChatMessageRoleUser || !strings.Contains(out[3].Content, "3 files") {
		t.Errorf("observation message = %+v", out[3])
	}
}

func TestFromOpenAIChoice(t *testing.T) {
	choice := openai.ChatCompletionChoice{
		Message: openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: "ignored once tools are present",
			ToolCalls: []openai.ToolCall{{
				ID:   "c1",
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      "search",
					Arguments: `{"query":"go"}`,
				},
			}},
		},
	}

	msg := fromOpenAIChoice(choice, openai.Usage{PromptTokens: 12, CompletionTokens: 4})
	if msg.Content != "" {
		t.Errorf("content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Arguments["query"] != "go" {
		t.Errorf("tool calls = %+v", msg.ToolCalls)
	}
	if msg.TokenUsage == nil || msg.TokenUsage.Total() != 16 {
		t.Errorf("usage = %+v", msg.TokenUsage)
	}
}

func TestWrapOpenAIErrorClassifies(t *testing.T) {
	wrapped := wrapOpenAIError(&openai.APIError{
		HTTPStatusCode: 429,
		Message:        "rate limit exceeded",
	})

	var provErr *ProviderError
	if !errors.As(wrapped, &provErr) {
		t.Fatalf("want ProviderError, got %T", wrapped)
	}
	if provErr.StatusCode() != 429 {
		t.Errorf("status = %d", provErr.StatusCode())
	}
	if class := resilience.Classify(wrapped); class != resilience.ClassRateLimit {
		t.Errorf("class = %s", class)
	}

	auth := wrapOpenAIError(&openai.APIError{HTTPStatusCode: 401, Message: "bad key"})
	if class := resilience.Classify(auth); class != resilience.ClassAuthentication {
		t.Errorf("auth class = %s", class)
	}
}

func TestToAnthropicMessages(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "count files"},
		{Role: models.RoleAssistant, Content: "on it"},
		{Role: models.RoleToolResponse, Content: "3 files"},
	}

	if got := systemPromptOf(msgs); got != "be brief" {
		t.Errorf("system = %q", got)
	}

	out := toAnthropicMessages(msgs)
	// The system message is lifted out of the conversation.
	if len(out) != 3 {
		t.Fatalf("messages = %d", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("first role = %q", out[0].Role)
	}
	last := out[2]
	if last.Role != anthropic.MessageParamRoleUser {
		t.Errorf("observation role = %q", last.Role)
	}
	if len(last.Content) != 1 || last.Content[0].OfText == nil ||
		!strings.Contains(last.Content[0].OfText.Text, "3 files") {
		t.Errorf("observation content = %+v", last.Content)
	}
}

func TestToAnthropicTools(t *testing.T) {
	schemas := []llm.ToolSchema{{
		Name:        "search",
		Description: "Searches the web.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	}}

	tools, err := toAnthropicTools(schemas)
	if err != nil {
		t.Fatalf("toAnthropicTools: %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].OfTool.Name != "search" {
		t.Errorf("name = %q", tools[0].OfTool.Name)
	}

	if _, err := toAnthropicTools([]llm.ToolSchema{{Name: "bad", Parameters: json.RawMessage(`{`)}}); err == nil {
		t.Error("malformed schema must be rejected")
	}
}

func TestMaxTokensFor(t *testing.T) {
	cfg := config.DefaultModelConfig()
	cfg.MaxTokens = 2048

	if got := maxTokensFor(&llm.GenerateRequest{MaxTokens: 100}, cfg); got != 100 {
		t.Errorf("request override = %d", got)
	}
	if got := maxTokensFor(&llm.GenerateRequest{}, cfg); got != 2048 {
		t.Errorf("config fallback = %d", got)
	}
	cfg.MaxTokens = 0
	if got := maxTokensFor(&llm.GenerateRequest{}, cfg); got != 4096 {
		t.Errorf("default = %d", got)
	}
}
