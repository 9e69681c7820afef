package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/pkg/models"
)

// OpenAIModel adapts an OpenAI-compatible chat completion endpoint to the
// Model contract. APIBase in the config points it at any compatible
// server, including local ones.
type OpenAIModel struct {
	client *openai.Client
	cfg    config.ModelConfig
}

// NewOpenAI builds an adapter from a validated model config.
func NewOpenAI(cfg config.ModelConfig) *OpenAIModel {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientCfg.BaseURL = cfg.APIBase
	}
	return &OpenAIModel{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

func (m *OpenAIModel) ID() string { return m.cfg.ID }

func (m *OpenAIModel) Generate(ctx context.Context, req *llm.GenerateRequest) (*models.ChatMessage, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	apiReq := openai.ChatCompletionRequest{
		Model:    m.cfg.ID,
		Messages: toOpenAIMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
		Stop:     req.Stop,
	}
	if req.Temperature != nil {
		apiReq.Temperature = float32(*req.Temperature)
	} else {
		apiReq.Temperature = float32(m.cfg.Temperature)
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	} else if m.cfg.MaxTokens > 0 {
		apiReq.MaxTokens = m.cfg.MaxTokens
	}

	resp, err := m.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Status: 502, Message: "response carried no choices"}
	}
	return fromOpenAIChoice(resp.Choices[0], resp.Usage), nil
}

func toOpenAIMessages(msgs []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		conv := openai.ChatCompletionMessage{Content: msg.Content}
		switch msg.Role {
		case models.RoleSystem:
			conv.Role = openai.ChatMessageRoleSystem
		case models.RoleUser:
			conv.Role = openai.ChatMessageRoleUser
		case models.RoleAssistant, models.RoleToolCall:
			conv.Role = openai.ChatMessageRoleAssistant
			for _, call := range msg.ToolCalls {
				conv.ToolCalls = append(conv.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.ArgumentsJSON()),
					},
				})
			}
		case models.RoleToolResponse:
			// Observations travel as user messages: memory does not keep
			// the provider call ids a tool role would require.
			conv.Role = openai.ChatMessageRoleUser
			conv.Content = "Observation:\n" + msg.Content
		default:
			conv.Role = openai.ChatMessageRoleUser
		}
		out = append(out, conv)
	}
	return out
}

func toOpenAITools(schemas []llm.ToolSchema) []openai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(schemas))
	for _, schema := range schemas {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  json.RawMessage(schema.Parameters),
			},
		})
	}
	return out
}

func fromOpenAIChoice(choice openai.ChatCompletionChoice, usage openai.Usage) *models.ChatMessage {
	msg := &models.ChatMessage{
		Role:    models.RoleAssistant,
		Content: choice.Message.Content,
		TokenUsage: &models.TokenUsage{
			Input:  usage.PromptTokens,
			Output: usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		args := map[string]any{}
		if call.Function.Arguments != "" {
			// Malformed arguments surface as an empty map; the scheduler's
			// validation reports the missing fields.
			_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
		}
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	if len(msg.ToolCalls) > 0 {
		msg.Content = ""
	}
	return msg
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider: "openai",
			Status:   apiErr.HTTPStatusCode,
			Message:  apiErr.Message,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{
			Provider: "openai",
			Status:   reqErr.HTTPStatusCode,
			Message:  fmt.Sprint(reqErr.Err),
		}
	}
	return err
}
