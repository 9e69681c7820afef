package models

// Outcome is the terminal classification of a run.
type Outcome string

const (
	// OutcomeSuccess means the run achieved its goal.
	OutcomeSuccess Outcome = "success"

	// OutcomeFinalAnswer means the run terminated through the final_answer
	// control signal.
	OutcomeFinalAnswer Outcome = "final_answer"

	// OutcomePartial means the run produced useful output but did not finish.
	OutcomePartial Outcome = "partial"

	// OutcomeFailure means the run concluded it cannot achieve the goal.
	OutcomeFailure Outcome = "failure"

	// OutcomeError means the run aborted on an unrecoverable error.
	OutcomeError Outcome = "error"

	// OutcomeMaxSteps means the step budget was exhausted.
	OutcomeMaxSteps Outcome = "max_steps_reached"

	// OutcomeTimeout means the wall-clock deadline expired.
	OutcomeTimeout Outcome = "timeout"
)

// Completed reports whether the run finished with its goal achieved.
func (o Outcome) Completed() bool {
	return o == OutcomeSuccess || o == OutcomeFinalAnswer
}

// Failed reports whether the run terminated without achieving its goal.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeFailure, OutcomeError, OutcomeMaxSteps, OutcomeTimeout:
		return true
	}
	return false
}

// Retriable reports whether re-running the task may help.
func (o Outcome) Retriable() bool {
	return o == OutcomePartial || o == OutcomeMaxSteps
}

// Terminal reports whether the outcome ends the run for good.
func (o Outcome) Terminal() bool {
	return o.Completed() || o == OutcomeFailure || o == OutcomeError || o == OutcomeTimeout
}

// RunResult is the caller-visible result of one scheduler run.
type RunResult struct {
	// Output is the final answer, or the last useful textual context on a
	// failed run. May be nil.
	Output any `json:"output,omitempty"`

	// Outcome classifies how the run terminated.
	Outcome Outcome `json:"outcome"`

	// Steps is the full step history, including partial history on failure.
	Steps []Step `json:"-"`

	// TokenUsage is the total usage accumulated across all model calls.
	TokenUsage TokenUsage `json:"token_usage"`

	// Timing covers the whole run.
	Timing Timing `json:"timing"`
}
