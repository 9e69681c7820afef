package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loom/internal/llm"
)

// WebSearchAlias is the generic name models use; the registry resolves it to
// a configured preferred provider tool.
const WebSearchAlias = "web_search"

// Registry maps tool names to tools.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]Tool
	searchProvider string
}

// NewRegistry creates a registry with the final_answer builtin installed.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.Register(newFinalAnswerTool())
	return r
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// SetSearchProvider names the tool that serves the web_search alias.
func (r *Registry) SetSearchProvider(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchProvider = name
}

// Get resolves a name to a tool. The web_search alias resolves through the
// configured preferred provider.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == WebSearchAlias && r.searchProvider != "" {
		if t, ok := r.tools[r.searchProvider]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("search provider %q is not registered", r.searchProvider)
	}
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// Has reports whether a name resolves.
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas renders every registered tool for a model request, sorted by name.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema().JSON(),
		})
	}
	return out
}

// Restricted returns a registry exposing only the allowed names. Unknown
// names in the allow list are skipped. final_answer is always present.
func (r *Registry) Restricted(allowed []string) *Registry {
	child := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	child.searchProvider = r.searchProvider
	for _, name := range allowed {
		if t, ok := r.tools[name]; ok {
			child.Register(t)
		}
	}
	return child
}

// FinalAnswerName is the distinguished terminating tool.
const FinalAnswerName = "final_answer"

func newFinalAnswerTool() Tool {
	return &Func{
		ToolName: FinalAnswerName,
		Desc:     "Provide the final answer to the task. Calling this ends the run.",
		Schema: Schema{Params: map[string]Param{
			"answer": {Type: TypeAny, Description: "The final answer.", Required: true},
		}},
		Output: "any",
		CalleeRun: func(_ context.Context, args map[string]any) (any, error) {
			return nil, &FinalAnswerSignal{Value: args["answer"]}
		},
	}
}
