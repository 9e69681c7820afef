package subagent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// ControlRequest is a cooperative pause issued by a running child.
type ControlRequest interface {
	RequestType() models.ControlRequestType
	PromptText() string
}

// UserInput asks the parent's user a free-form or multiple-choice question.
type UserInput struct {
	Prompt  string
	Options []string
}

func (r UserInput) RequestType() models.ControlRequestType { return models.ControlUserInput }

func (r UserInput) PromptText() string {
	if len(r.Options) == 0 {
		return r.Prompt
	}
	return fmt.Sprintf("%s (options: %s)", r.Prompt, strings.Join(r.Options, ", "))
}

// Confirmation asks for approval before a consequential action.
type Confirmation struct {
	Action       string
	Description  string
	Consequences string
	Reversible   bool
}

func (r Confirmation) RequestType() models.ControlRequestType { return models.ControlConfirmation }

func (r Confirmation) PromptText() string {
	text := fmt.Sprintf("Confirm %s: %s", r.Action, r.Description)
	if r.Consequences != "" {
		text += " Consequences: " + r.Consequences
	}
	if !r.Reversible {
		text += " (irreversible)"
	}
	return text
}

// SubAgentQuery asks a sibling agent a question through the parent.
type SubAgentQuery struct {
	AgentName string
	Query     string
	Options   []string
}

func (r SubAgentQuery) RequestType() models.ControlRequestType { return models.ControlSubAgentQuery }

func (r SubAgentQuery) PromptText() string {
	return fmt.Sprintf("Ask %s: %s", r.AgentName, r.Query)
}

// Response is the parent's reply to a control request.
type Response struct {
	Approved bool
	Value    string
}

// Approve builds an approving response carrying a value.
func Approve(value string) Response { return Response{Approved: true, Value: value} }

// Deny builds a rejecting response.
func Deny() Response { return Response{} }

// Handler produces responses for control requests.
type Handler func(ctx context.Context, req ControlRequest) (Response, error)

// Broker routes control requests between children and the parent. Each
// request gets a pending slot keyed by request id; the reply arrives either
// from the registered handler or from an explicit Respond call.
type Broker struct {
	bus *bus.Bus

	mu      sync.Mutex
	pending map[string]chan Response
	handler Handler
}

// NewBroker creates a broker publishing on the given bus.
func NewBroker(b *bus.Bus) *Broker {
	return &Broker{bus: b, pending: make(map[string]chan Response)}
}

// SetHandler installs the parent-side responder. A nil handler uninstalls
// it, making future requests fail.
func (br *Broker) SetHandler(h Handler) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.handler = h
}

// Ask suspends the caller until the parent responds or the context ends.
// Without an installed handler the request fails immediately.
func (br *Broker) Ask(ctx context.Context, req ControlRequest) (Response, error) {
	br.mu.Lock()
	handler := br.handler
	if handler == nil {
		br.mu.Unlock()
		return Response{}, &EnvironmentError{Reason: "no parent"}
	}
	requestID := uuid.NewString()
	ch := make(chan Response, 1)
	br.pending[requestID] = ch
	br.mu.Unlock()

	defer func() {
		br.mu.Lock()
		delete(br.pending, requestID)
		br.mu.Unlock()
	}()

	br.emitYielded(requestID, req)

	go func() {
		resp, err := handler(ctx, req)
		if err != nil {
			resp = Deny()
		}
		br.Respond(requestID, resp)
	}()

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case resp := <-ch:
		br.emitResumed(requestID, resp)
		return resp, nil
	}
}

// Respond delivers a reply for a pending request. Unknown or already
// answered ids are ignored.
func (br *Broker) Respond(requestID string, resp Response) {
	br.mu.Lock()
	ch, ok := br.pending[requestID]
	if ok {
		delete(br.pending, requestID)
	}
	br.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (br *Broker) emitYielded(requestID string, req ControlRequest) {
	if br.bus == nil {
		return
	}
	e := models.NewEvent(models.EventControlYielded, requestID)
	e.Control = &models.ControlEventPayload{
		RequestType: req.RequestType(),
		RequestID:   requestID,
		Prompt:      req.PromptText(),
	}
	br.bus.Publish(e)
}

func (br *Broker) emitResumed(requestID string, resp Response) {
	if br.bus == nil {
		return
	}
	e := models.NewEvent(models.EventControlResumed, requestID)
	e.Control = &models.ControlEventPayload{
		RequestID: requestID,
		Approved:  resp.Approved,
		Value:     resp.Value,
	}
	br.bus.Publish(e)
}

// UserInputTool exposes the broker to children as an ask_user tool, so a
// model can reach the yield point through a normal tool call.
func UserInputTool(broker *Broker) tools.Tool {
	return &tools.Func{
		ToolName: "ask_user",
		Desc:     "Ask the user a question and wait for the reply.",
		Schema: tools.Schema{Params: map[string]tools.Param{
			"prompt":  {Type: tools.TypeString, Description: "The question.", Required: true},
			"options": {Type: tools.TypeArray, Description: "Choices to offer.", Nullable: true},
		}},
		Output: "string",
		CalleeRun: func(ctx context.Context, args map[string]any) (any, error) {
			req := UserInput{Prompt: fmt.Sprint(args["prompt"])}
			if raw, ok := args["options"].([]any); ok {
				for _, opt := range raw {
					req.Options = append(req.Options, fmt.Sprint(opt))
				}
			}
			resp, err := broker.Ask(ctx, req)
			if err != nil {
				return nil, err
			}
			if !resp.Approved {
				return "The user declined to answer.", nil
			}
			return resp.Value, nil
		},
	}
}
