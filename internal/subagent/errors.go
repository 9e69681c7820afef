package subagent

import "fmt"

// SpawnError reports a rejected spawn: disallowed model or tool, or the
// child capacity is exhausted.
type SpawnError struct {
	AgentName string
	Reason    string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("cannot spawn %q: %s", e.AgentName, e.Reason)
}

// EnvironmentError reports a control request issued with nowhere to go.
type EnvironmentError struct {
	Reason string
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment error: %s", e.Reason)
}
