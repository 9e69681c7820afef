package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

// AnthropicModel adapts the Anthropic Messages API to the Model contract.
type AnthropicModel struct {
	client anthropic.Client
	cfg    config.ModelConfig
}

// NewAnthropic builds an adapter from a validated model config.
func NewAnthropic(cfg config.ModelConfig) *AnthropicModel {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &AnthropicModel{client: anthropic.NewClient(opts...), cfg: cfg}
}

func (m *AnthropicModel) ID() string { return m.cfg.ID }

func (m *AnthropicModel) Generate(ctx context.Context, req *llm.GenerateRequest) (*models.ChatMessage, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.cfg.ID),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokensFor(req, m.cfg)),
	}
	if system := systemPromptOf(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	} else {
		params.Temperature = anthropic.Float(m.cfg.Temperature)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}
	return fromAnthropicMessage(resp), nil
}

// systemPromptOf pulls the system message out: Anthropic carries it as a
// dedicated request field rather than a message.
func systemPromptOf(msgs []models.ChatMessage) string {
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			return msg.Content
		}
	}
	return ""
}

func toAnthropicMessages(msgs []models.ChatMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleAssistant, models.RoleToolCall:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				input := call.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case models.RoleToolResponse:
			// Observations travel as user text: memory does not keep the
			// tool_use ids a tool_result block would require.
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Observation:\n"+msg.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out
}

func toAnthropicTools(schemas []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, schema := range schemas {
		var input anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema.Parameters, &input); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", schema.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(input, schema.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(schema.Description)
		}
		out = append(out, tool)
	}
	return out, nil
}

func fromAnthropicMessage(msg *anthropic.Message) *models.ChatMessage {
	out := &models.ChatMessage{
		Role: models.RoleAssistant,
		TokenUsage: &models.TokenUsage{
			Input:  int(msg.Usage.InputTokens),
			Output: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += b.Text
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			_ = json.Unmarshal(b.Input, &args)
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.Content = ""
	}
	return out
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := apiErr.RawJSON()
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal([]byte(message), &payload) == nil && payload.Error.Message != "" {
			message = payload.Error.Message
		}
		return &ProviderError{
			Provider: "anthropic",
			Status:   apiErr.StatusCode,
			Message:  message,
		}
	}
	return err
}

func maxTokensFor(req *llm.GenerateRequest, cfg config.ModelConfig) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return 4096
}
