package tools

import "fmt"

// ToolExecutionError wraps any failure inside a tool invocation: missing
// arguments, schema violations, raised errors, and panics.
type ToolExecutionError struct {
	ToolName  string
	Arguments map[string]any
	Reason    string
	Cause     error
}

func (e *ToolExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s failed: %s: %v", e.ToolName, e.Reason, e.Cause)
	}
	return fmt.Sprintf("tool %s failed: %s", e.ToolName, e.Reason)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// FinalAnswerSignal is the control-flow signal returned by the final_answer
// tool. It travels as an error so tool-calling sites can detect termination
// with errors.As, but it is not a failure.
type FinalAnswerSignal struct {
	Value any
}

func (s *FinalAnswerSignal) Error() string {
	return fmt.Sprintf("final answer: %v", s.Value)
}
