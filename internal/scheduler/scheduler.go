// Package scheduler drives the reason-act loop: render memory, call the
// model, execute the actions it chose, observe, and decide whether the run
// is done. One scheduler instance serves one run at a time; parallelism
// lives in the sub-agent orchestrator.
package scheduler

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/codeact"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// Mode selects how assistant output becomes actions.
type Mode string

const (
	// ModeToolCalling expects structured tool calls in the response.
	ModeToolCalling Mode = "tool_calling"

	// ModeCodeAction expects a fenced code block of tool-call statements.
	ModeCodeAction Mode = "code_action"
)

// maxParseRetries bounds guidance re-prompts per step before the step
// surfaces a GenerationError observation.
const maxParseRetries = 2

// Scheduler runs tasks against a model and a tool registry.
type Scheduler struct {
	model     llm.Model
	registry  *tools.Registry
	invoker   *tools.Invoker
	executor  *codeact.Executor
	bus       *bus.Bus
	logger    *slog.Logger
	sanitizer config.Sanitizer

	agent     config.AgentConfig
	memoryCfg config.MemoryConfig
	mode      Mode

	evaluationEnabled  bool
	evaluationInterval int

	summarizer  memory.Summarizer
	parentTrace string
	runID       string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBus sets the event bus. Without one, no events are emitted.
func WithBus(b *bus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithAgentConfig replaces the agent config.
func WithAgentConfig(c config.AgentConfig) Option {
	return func(s *Scheduler) { s.agent = c }
}

// WithMemoryConfig replaces the memory budget config.
func WithMemoryConfig(c config.MemoryConfig) Option {
	return func(s *Scheduler) { s.memoryCfg = c }
}

// WithMode selects tool-calling or code-action parsing.
func WithMode(m Mode) Option {
	return func(s *Scheduler) { s.mode = m }
}

// WithLogger replaces the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithSanitizer sets the observation scrubber.
func WithSanitizer(sz config.Sanitizer) Option {
	return func(s *Scheduler) { s.sanitizer = sz }
}

// WithSummarizer installs the memory summarizer callback.
func WithSummarizer(sm memory.Summarizer) Option {
	return func(s *Scheduler) { s.summarizer = sm }
}

// WithEvaluation enables the self-evaluation phase every interval steps.
func WithEvaluation(interval int) Option {
	return func(s *Scheduler) {
		s.evaluationEnabled = interval > 0
		s.evaluationInterval = interval
	}
}

// WithParentTrace marks this run as a child of another run.
func WithParentTrace(traceID string) Option {
	return func(s *Scheduler) { s.parentTrace = traceID }
}

// New creates a scheduler. The registry must already hold the run's tools;
// final_answer is present in every registry.
func New(model llm.Model, registry *tools.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		model:     model,
		registry:  registry,
		logger:    slog.Default(),
		agent:     config.DefaultAgentConfig(),
		memoryCfg: config.DefaultMemoryConfig(),
		mode:      ModeToolCalling,
		runID:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.invoker = tools.NewInvoker(registry, s.bus, s.sanitizer)
	s.executor = codeact.NewExecutor(s.invoker, registry.Has, s.agent)
	return s
}

// RunID identifies this run in traces and sub-agent parent links.
func (s *Scheduler) RunID() string { return s.runID }

// runContext is the per-run mutable state threaded through the loop.
type runContext struct {
	stepNumber  int
	totalTokens models.TokenUsage
	timing      models.Timing
	hasPlan     bool
}
