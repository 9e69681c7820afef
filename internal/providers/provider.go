// Package providers holds reference Model adapters for OpenAI-shaped and
// Anthropic-shaped chat APIs. The adapters translate between the core
// message types and each SDK's wire types; resilience wrapping stays
// outside, in the caller's hands.
package providers

import "fmt"

// ProviderError normalizes SDK errors so the resilience layer can
// classify them by HTTP status.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
}

// StatusCode exposes the HTTP status for error classification.
func (e *ProviderError) StatusCode() int { return e.Status }
