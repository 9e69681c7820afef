package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/memory"
)

// ExtractContext builds the task text a child starts with, per the scope
// level. The child never sees the parent's memory object itself; only the
// extracted text crosses the boundary.
func ExtractContext(ctx context.Context, scope config.ContextScope, parent *memory.AgentMemory, task string, summarizer memory.Summarizer) string {
	if parent == nil {
		return task
	}

	delimiter := scope.Delimiter
	if delimiter == "" {
		delimiter = config.DefaultContextScope().Delimiter
	}

	switch scope.Level {
	case config.ScopeObservations:
		obs := parent.ObservationsText(delimiter)
		if obs == "" {
			return task
		}
		return task + "\n\nparent_observations:\n" + obs

	case config.ScopeSummary:
		summary := summarizeParent(ctx, parent, delimiter, summarizer)
		if summary == "" {
			return task
		}
		return task + "\n\nParent context summary:\n" + summary

	case config.ScopeFull:
		msgs := parent.RenderMessages(ctx, false, config.DefaultMemoryConfig())
		var sb strings.Builder
		for _, msg := range msgs {
			fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Content)
		}
		if sb.Len() == 0 {
			return task
		}
		return task + "\n\nParent conversation:\n" + sb.String()

	default: // task_only
		return task
	}
}

func summarizeParent(ctx context.Context, parent *memory.AgentMemory, delimiter string, summarizer memory.Summarizer) string {
	if summarizer != nil && ctx.Err() == nil {
		if summary, err := summarizer(ctx, parent.ActionSteps()); err == nil {
			return summary
		}
	}
	// Without a summarizer the observations themselves stand in.
	return parent.ObservationsText(delimiter)
}
