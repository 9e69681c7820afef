package scheduler

import "fmt"

// GenerationError reports assistant output the scheduler could not act on
// after exhausting its guidance re-prompts.
type GenerationError struct {
	StepNumber int
	RawOutput  string
	Detail     string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("step %d: unusable model output: %s", e.StepNumber, e.Detail)
}

// InvalidCallbackError reports a rejected callback registration.
type InvalidCallbackError struct {
	Alias  string
	Reason string
}

func (e *InvalidCallbackError) Error() string {
	return fmt.Sprintf("invalid callback for %q: %s", e.Alias, e.Reason)
}

// ConfigurationError reports a config rejected at run start.
type ConfigurationError struct {
	Cause error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("agent configuration: %v", e.Cause)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }
