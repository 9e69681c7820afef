package codeact

import "fmt"

// ParsingError reports assistant output that contained no usable code block
// or a malformed statement.
type ParsingError struct {
	RawOutput      string
	ExpectedFormat string
	Line           int
	Detail         string
}

func (e *ParsingError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Detail)
	}
	return fmt.Sprintf("parse error: expected %s", e.ExpectedFormat)
}

// ValidationError reports code rejected before execution.
type ValidationError struct {
	Line   int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error at line %d: %s", e.Line, e.Reason)
}

// InterpreterError reports a failure during execution: budget exhaustion,
// timeout, unbound references, or a failed tool call.
type InterpreterError struct {
	Reason string
	Line   int
	Cause  error
}

func (e *InterpreterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("interpreter error at line %d: %s: %v", e.Line, e.Reason, e.Cause)
	}
	return fmt.Sprintf("interpreter error at line %d: %s", e.Line, e.Reason)
}

func (e *InterpreterError) Unwrap() error { return e.Cause }
