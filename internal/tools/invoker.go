package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/pkg/models"
)

// TruncationMarker is appended to observations cut at the rune budget.
const TruncationMarker = "…[truncated]"

// DefaultMaxObservationRunes bounds rendered observations.
const DefaultMaxObservationRunes = 4000

// Invocation is the result of one tool call through the pipeline.
type Invocation struct {
	// RequestID correlates the Requested/Completed event pair.
	RequestID string

	// ToolName is the resolved tool (aliases resolved).
	ToolName string

	// Result is the raw tool return value. Nil on failure.
	Result any

	// Observation is the bounded, sanitized textual rendering.
	Observation string

	// IsFinal is true when the call terminated the run via final_answer.
	IsFinal bool

	// Err is the wrapped failure, nil on success.
	Err error
}

// Invoker runs tool calls through validation, events, and observation
// rendering.
type Invoker struct {
	registry  *Registry
	bus       *bus.Bus
	sanitizer config.Sanitizer
	logger    *slog.Logger
	maxRunes  int

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithMaxObservationRunes overrides the observation rune budget.
func WithMaxObservationRunes(n int) InvokerOption {
	return func(inv *Invoker) { inv.maxRunes = n }
}

// WithInvokerLogger overrides the logger.
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(inv *Invoker) { inv.logger = logger }
}

// NewInvoker creates an invoker. The sanitizer may be nil to disable
// observation scrubbing.
func NewInvoker(registry *Registry, b *bus.Bus, sanitizer config.Sanitizer, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry:  registry,
		bus:       b,
		sanitizer: sanitizer,
		logger:    slog.Default(),
		maxRunes:  DefaultMaxObservationRunes,
		compiled:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs one tool call end to end. The returned Invocation always has
// its Observation populated, even on failure, so the caller can feed the
// outcome back to the model.
func (inv *Invoker) Invoke(ctx context.Context, call models.ToolCall) Invocation {
	requestID := call.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	out := Invocation{RequestID: requestID, ToolName: call.Name}

	tool, err := inv.registry.Get(call.Name)
	if err != nil {
		out.Err = &ToolExecutionError{ToolName: call.Name, Arguments: call.Arguments, Reason: "unknown tool", Cause: err}
		out.Observation = inv.renderError(out.Err)
		return out
	}
	out.ToolName = tool.Name()

	if err := inv.validateArgs(tool, call.Arguments); err != nil {
		out.Err = err
		out.Observation = inv.renderError(err)
		return out
	}

	inv.emitRequested(requestID, tool.Name(), call.Arguments)

	result, callErr := inv.safeCall(ctx, tool, call.Arguments)

	var signal *FinalAnswerSignal
	if errors.As(callErr, &signal) {
		out.IsFinal = true
		out.Result = signal.Value
		out.Observation = inv.renderObservation(signal.Value)
		callErr = nil
	} else if callErr != nil {
		out.Err = &ToolExecutionError{ToolName: tool.Name(), Arguments: call.Arguments, Reason: "call failed", Cause: callErr}
		out.Observation = inv.renderError(out.Err)
	} else {
		out.Result = result
		out.Observation = inv.renderObservation(result)
	}

	inv.emitCompleted(requestID, out)
	return out
}

func (inv *Invoker) validateArgs(tool Tool, args map[string]any) error {
	schema := tool.InputSchema()
	for name, p := range schema.Params {
		if !p.Required {
			continue
		}
		if _, ok := args[name]; !ok {
			return &ToolExecutionError{
				ToolName:  tool.Name(),
				Arguments: args,
				Reason:    fmt.Sprintf("missing argument %q", name),
			}
		}
	}

	compiled, err := inv.compiledSchema(tool)
	if err != nil {
		// A schema that fails to compile is a tool bug; surface it.
		return &ToolExecutionError{ToolName: tool.Name(), Arguments: args, Reason: "invalid input schema", Cause: err}
	}

	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so typed values (json.Number etc) normalize.
	raw, err := json.Marshal(args)
	if err != nil {
		return &ToolExecutionError{ToolName: tool.Name(), Arguments: args, Reason: "arguments not serializable", Cause: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ToolExecutionError{ToolName: tool.Name(), Arguments: args, Reason: "arguments not serializable", Cause: err}
	}
	if err := compiled.Validate(doc); err != nil {
		return &ToolExecutionError{ToolName: tool.Name(), Arguments: args, Reason: "schema violation", Cause: err}
	}
	return nil
}

func (inv *Invoker) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if s, ok := inv.compiled[tool.Name()]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(tool.Name()+".json", string(tool.InputSchema().JSON()))
	if err != nil {
		return nil, err
	}
	inv.compiled[tool.Name()] = s
	return s, nil
}

func (inv *Invoker) safeCall(ctx context.Context, tool Tool, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			inv.logger.Error("tool panicked",
				"tool", tool.Name(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Call(ctx, args)
}

// renderObservation produces the bounded textual form of a tool result.
func (inv *Invoker) renderObservation(result any) string {
	var text string
	switch v := result.(type) {
	case nil:
		text = "(no output)"
	case string:
		text = v
	case []byte:
		text = string(v)
	case error:
		text = v.Error()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprint(v)
		} else {
			text = string(raw)
		}
	}
	return inv.bound(text)
}

func (inv *Invoker) renderError(err error) string {
	return inv.bound("Error: " + err.Error())
}

func (inv *Invoker) bound(text string) string {
	if inv.sanitizer != nil {
		text = inv.sanitizer.Scrub(text)
	}
	runes := []rune(text)
	if len(runes) <= inv.maxRunes {
		return text
	}
	return string(runes[:inv.maxRunes]) + TruncationMarker
}

func (inv *Invoker) emitRequested(requestID, toolName string, args map[string]any) {
	if inv.bus == nil {
		return
	}
	e := models.NewEvent(models.EventToolCallRequested, requestID)
	e.Tool = &models.ToolEventPayload{
		RequestID: requestID,
		ToolName:  toolName,
		Arguments: args,
	}
	inv.bus.Publish(e)
}

func (inv *Invoker) emitCompleted(requestID string, out Invocation) {
	if inv.bus == nil {
		return
	}
	e := models.NewEvent(models.EventToolCallCompleted, requestID)
	payload := &models.ToolEventPayload{
		RequestID:   requestID,
		ToolName:    out.ToolName,
		Observation: out.Observation,
		IsFinal:     out.IsFinal,
	}
	if out.Err == nil && out.Result != nil {
		payload.Result = inv.renderObservation(out.Result)
	}
	e.Tool = payload
	inv.bus.Publish(e)
}
