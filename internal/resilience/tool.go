package resilience

import (
	"context"
	"errors"
	"math/rand"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/tools"
)

// RetryingTool decorates a tool with the retry loop. Final-answer signals
// pass through untouched.
type RetryingTool struct {
	inner   tools.Tool
	retrier *retrier
}

// NewRetryingTool wraps the tool. A nil rng disables jitter.
func NewRetryingTool(inner tools.Tool, cfg RetryConfig, b *bus.Bus, rng *rand.Rand) *RetryingTool {
	return &RetryingTool{inner: inner, retrier: newRetrier(cfg, b, rng)}
}

func (t *RetryingTool) Name() string              { return t.inner.Name() }
func (t *RetryingTool) Description() string       { return t.inner.Description() }
func (t *RetryingTool) InputSchema() tools.Schema { return t.inner.InputSchema() }
func (t *RetryingTool) OutputType() string        { return t.inner.OutputType() }

func (t *RetryingTool) Call(ctx context.Context, args map[string]any) (any, error) {
	var out any
	var signal *tools.FinalAnswerSignal
	err := t.retrier.do(ctx, subject{toolName: t.inner.Name()}, func(ctx context.Context) error {
		result, err := t.inner.Call(ctx, args)
		if err != nil {
			if errors.As(err, &signal) {
				return nil
			}
			return err
		}
		out = result
		return nil
	})
	if signal != nil {
		return nil, signal
	}
	return out, err
}
