package codeact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// ExecState classifies an execution outcome.
type ExecState string

const (
	StateSuccess     ExecState = "success"
	StateFinalAnswer ExecState = "final_answer"
	StateError       ExecState = "error"
)

// ExecutionOutcome is the full report of one code-action run.
type ExecutionOutcome struct {
	State    ExecState
	Value    any
	Logs     []string
	Duration time.Duration
	Err      error
}

// Observation renders the outcome as text for the model.
func (o ExecutionOutcome) Observation() string {
	var sb strings.Builder
	for _, line := range o.Logs {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	switch o.State {
	case StateError:
		sb.WriteString("Error: ")
		sb.WriteString(o.Err.Error())
	case StateSuccess:
		if o.Value != nil {
			fmt.Fprintf(&sb, "Result: %v", o.Value)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Executor runs validated code actions against the tool invoker.
type Executor struct {
	invoker *tools.Invoker
	toolOK  func(name string) bool
	agent   config.AgentConfig

	// MaxOperations bounds the operation counter; each statement and each
	// tool call costs one operation.
	MaxOperations int

	// Timeout bounds wall-clock execution.
	Timeout time.Duration
}

// DefaultMaxOperations is the fallback operation budget.
const DefaultMaxOperations = 1000

// DefaultTimeout is the fallback wall-clock bound per execution.
const DefaultTimeout = 30 * time.Second

// NewExecutor creates an executor for the given invoker and registry lookup.
func NewExecutor(invoker *tools.Invoker, toolKnown func(name string) bool, agent config.AgentConfig) *Executor {
	return &Executor{
		invoker:       invoker,
		toolOK:        toolKnown,
		agent:         agent,
		MaxOperations: DefaultMaxOperations,
		Timeout:       DefaultTimeout,
	}
}

// Run extracts, validates, and executes the code action found in raw
// assistant output. All failure modes are reported through the outcome; Run
// itself never panics or hangs.
func (e *Executor) Run(ctx context.Context, raw string, injected map[string]any) ExecutionOutcome {
	started := time.Now()
	fail := func(err error) ExecutionOutcome {
		return ExecutionOutcome{State: StateError, Duration: time.Since(started), Err: err}
	}

	code, err := ExtractCode(raw)
	if err != nil {
		return fail(err)
	}
	stmts, err := Parse(code)
	if err != nil {
		return fail(err)
	}
	if err := Validate(stmts, e.toolOK, e.agent); err != nil {
		return fail(err)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := &execution{
		executor: e,
		vars:     map[string]any{},
		budget:   e.MaxOperations,
	}
	for name, value := range injected {
		run.vars[name] = value
	}

	outcome := run.exec(ctx, stmts)
	outcome.Duration = time.Since(started)
	outcome.Logs = run.logs
	return outcome
}

type execution struct {
	executor *Executor
	vars     map[string]any
	logs     []string
	ops      int
	budget   int
}

func (r *execution) exec(ctx context.Context, stmts []Statement) ExecutionOutcome {
	var lastValue any
	for _, stmt := range stmts {
		if err := ctx.Err(); err != nil {
			return ExecutionOutcome{State: StateError, Err: &InterpreterError{Reason: "execution timeout", Line: stmt.Line, Cause: err}}
		}
		if err := r.spend(stmt.Line); err != nil {
			return ExecutionOutcome{State: StateError, Err: err}
		}
		if stmt.Directive != "" {
			continue
		}

		value, final, err := r.evalCall(ctx, stmt)
		if err != nil {
			return ExecutionOutcome{State: StateError, Err: err}
		}
		if final {
			return ExecutionOutcome{State: StateFinalAnswer, Value: value}
		}
		if stmt.Assign != "" {
			r.vars[stmt.Assign] = value
		}
		lastValue = value
	}
	return ExecutionOutcome{State: StateSuccess, Value: lastValue}
}

func (r *execution) evalCall(ctx context.Context, stmt Statement) (value any, final bool, err error) {
	call := stmt.Call

	switch call.Name {
	case printName:
		parts := make([]string, 0, len(call.Positional)+len(call.Named))
		for _, arg := range call.Positional {
			v, err := r.resolve(arg, stmt.Line)
			if err != nil {
				return nil, false, err
			}
			parts = append(parts, fmt.Sprint(v))
		}
		for key, arg := range call.Named {
			v, err := r.resolve(arg, stmt.Line)
			if err != nil {
				return nil, false, err
			}
			parts = append(parts, fmt.Sprintf("%s: %v", key, v))
		}
		r.logs = append(r.logs, strings.Join(parts, " "))
		return nil, false, nil

	case finalAnswerName:
		payload, err := r.finalPayload(call, stmt.Line)
		if err != nil {
			return nil, false, err
		}
		return payload, true, nil
	}

	// Tool call: one more operation for the call itself.
	if err := r.spend(stmt.Line); err != nil {
		return nil, false, err
	}

	args := map[string]any{}
	for key, arg := range call.Named {
		v, err := r.resolve(arg, stmt.Line)
		if err != nil {
			return nil, false, err
		}
		args[key] = v
	}
	if len(call.Positional) > 0 {
		return nil, false, &InterpreterError{Reason: fmt.Sprintf("tool %s requires named arguments", call.Name), Line: stmt.Line}
	}

	out := r.executor.invoker.Invoke(ctx, models.ToolCall{Name: call.Name, Arguments: args})
	if out.Err != nil {
		return nil, false, &InterpreterError{Reason: "tool call failed", Line: stmt.Line, Cause: out.Err}
	}
	r.logs = append(r.logs, fmt.Sprintf("%s → %s", call.Name, out.Observation))
	if out.IsFinal {
		return out.Result, true, nil
	}
	return out.Result, false, nil
}

func (r *execution) finalPayload(call *Call, line int) (any, error) {
	if len(call.Positional) == 1 {
		return r.resolve(call.Positional[0], line)
	}
	if v, ok := call.Named["answer"]; ok {
		return r.resolve(v, line)
	}
	if len(call.Named) == 1 {
		for _, v := range call.Named {
			return r.resolve(v, line)
		}
	}
	return nil, &InterpreterError{Reason: "final_answer requires exactly one argument", Line: line}
}

// resolve replaces references with bound values, recursively for arrays.
func (r *execution) resolve(v any, line int) (any, error) {
	switch val := v.(type) {
	case Ref:
		bound, ok := r.vars[string(val)]
		if !ok {
			return nil, &InterpreterError{Reason: fmt.Sprintf("unbound variable %q", string(val)), Line: line}
		}
		return bound, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			resolved, err := r.resolve(e, line)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *execution) spend(line int) error {
	r.ops++
	if r.budget > 0 && r.ops > r.budget {
		return &InterpreterError{Reason: "operation budget exceeded", Line: line}
	}
	return nil
}
