// Package config holds the frozen configuration records for agent runs.
//
// Configs validate on construction and are never mutated afterwards: every
// WithX helper returns a modified copy. A run that starts with a config
// observes exactly that config until it terminates.
package config

import (
	"fmt"
	"time"
)

// ContextScopeLevel controls how much parent context a sub-agent inherits.
type ContextScopeLevel string

const (
	// ScopeTaskOnly passes the task text and nothing else.
	ScopeTaskOnly ContextScopeLevel = "task_only"

	// ScopeObservations passes the task plus the parent's action
	// observations joined by a delimiter.
	ScopeObservations ContextScopeLevel = "observations"

	// ScopeSummary passes the task plus a summarized parent history.
	ScopeSummary ContextScopeLevel = "summary"

	// ScopeFull passes the task plus the parent's full rendered history.
	ScopeFull ContextScopeLevel = "full"
)

// Valid reports whether the level is a member of the closed set.
func (l ContextScopeLevel) Valid() bool {
	switch l {
	case ScopeTaskOnly, ScopeObservations, ScopeSummary, ScopeFull:
		return true
	}
	return false
}

// MemoryStrategy selects how memory is compacted when rendering messages.
type MemoryStrategy string

const (
	StrategyFull      MemoryStrategy = "full"
	StrategyMask      MemoryStrategy = "mask"
	StrategySummarize MemoryStrategy = "summarize"
	StrategyHybrid    MemoryStrategy = "hybrid"
)

// Valid reports whether the strategy is a member of the closed set.
func (s MemoryStrategy) Valid() bool {
	switch s {
	case StrategyFull, StrategyMask, StrategySummarize, StrategyHybrid:
		return true
	}
	return false
}

// AgentConfig bounds a single agent run.
type AgentConfig struct {
	// MaxSteps caps the number of action steps. Range [1, 1000].
	MaxSteps int `yaml:"max_steps"`

	// PlanningInterval inserts a planning phase every N steps. 0 disables
	// planning.
	PlanningInterval int `yaml:"planning_interval"`

	// CustomInstructions is appended to the system prompt. At most 10000
	// characters; scanned by the sanitizer at validation time.
	CustomInstructions string `yaml:"custom_instructions"`

	// AuthorizedImports lists import targets code actions may reference.
	AuthorizedImports []string `yaml:"authorized_imports"`

	// RunTimeout is the wall-clock deadline for the whole run. 0 means no
	// deadline.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// MinConfidence gates goal_achieved evaluations: lower-confidence
	// verdicts are treated as continue. Range [0, 1].
	MinConfidence float64 `yaml:"min_confidence"`

	// SanitizerBehavior controls what a sanitizer finding in
	// CustomInstructions does: "warn" logs, "fatal" fails validation.
	SanitizerBehavior string `yaml:"sanitizer_behavior"`
}

// DefaultAgentConfig returns the baseline agent configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxSteps:          20,
		PlanningInterval:  0,
		SanitizerBehavior: SanitizeWarn,
	}
}

// Validate checks the config bounds. The sanitizer argument may be nil, in
// which case custom instructions are not scanned.
func (c AgentConfig) Validate(s Sanitizer) error {
	if c.MaxSteps < 1 || c.MaxSteps > 1000 {
		return fmt.Errorf("agent config: max_steps %d out of range [1, 1000]", c.MaxSteps)
	}
	if c.PlanningInterval < 0 {
		return fmt.Errorf("agent config: planning_interval %d is negative", c.PlanningInterval)
	}
	if len(c.CustomInstructions) > 10000 {
		return fmt.Errorf("agent config: custom_instructions length %d exceeds 10000", len(c.CustomInstructions))
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("agent config: run_timeout %s is negative", c.RunTimeout)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("agent config: min_confidence %g out of range [0, 1]", c.MinConfidence)
	}
	switch c.SanitizerBehavior {
	case "", SanitizeWarn, SanitizeFatal:
	default:
		return fmt.Errorf("agent config: unknown sanitizer_behavior %q", c.SanitizerBehavior)
	}
	if s != nil && c.CustomInstructions != "" {
		if finding := s.Scan(c.CustomInstructions); finding != "" {
			if c.SanitizerBehavior == SanitizeFatal {
				return fmt.Errorf("agent config: custom_instructions rejected: %s", finding)
			}
			sanitizerWarn(finding)
		}
	}
	return nil
}

// WithMaxSteps returns a copy with the step budget replaced.
func (c AgentConfig) WithMaxSteps(n int) AgentConfig {
	c.MaxSteps = n
	return c
}

// WithCustomInstructions returns a copy with the instructions replaced.
func (c AgentConfig) WithCustomInstructions(text string) AgentConfig {
	c.CustomInstructions = text
	return c
}

// WithAuthorizedImports returns a copy with its own imports slice.
func (c AgentConfig) WithAuthorizedImports(imports ...string) AgentConfig {
	c.AuthorizedImports = append([]string(nil), imports...)
	return c
}

// ImportAuthorized reports whether the target may be imported by code
// actions.
func (c AgentConfig) ImportAuthorized(target string) bool {
	for _, imp := range c.AuthorizedImports {
		if imp == target {
			return true
		}
	}
	return false
}

// MemoryConfig controls memory compaction during message rendering.
type MemoryConfig struct {
	// Strategy is one of full, mask, summarize, hybrid.
	Strategy MemoryStrategy `yaml:"strategy"`

	// PreserveRecent is how many trailing action steps stay verbatim.
	PreserveRecent int `yaml:"preserve_recent"`

	// Budget is the estimated-token ceiling. Nil means unconditional full
	// rendering.
	Budget *int `yaml:"budget"`
}

// DefaultMemoryConfig returns full rendering with three recent steps kept.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{Strategy: StrategyFull, PreserveRecent: 3}
}

// Validate checks the config bounds.
func (c MemoryConfig) Validate() error {
	if !c.Strategy.Valid() {
		return fmt.Errorf("memory config: unknown strategy %q", c.Strategy)
	}
	if c.PreserveRecent < 0 {
		return fmt.Errorf("memory config: preserve_recent %d is negative", c.PreserveRecent)
	}
	if c.Budget != nil && *c.Budget <= 0 {
		return fmt.Errorf("memory config: budget %d must be positive", *c.Budget)
	}
	return nil
}

// WithBudget returns a copy with the token ceiling replaced.
func (c MemoryConfig) WithBudget(budget int) MemoryConfig {
	c.Budget = &budget
	return c
}

// WithStrategy returns a copy with the strategy replaced.
func (c MemoryConfig) WithStrategy(s MemoryStrategy) MemoryConfig {
	c.Strategy = s
	return c
}

// SpawnConfig bounds sub-agent creation.
type SpawnConfig struct {
	// MaxChildren caps concurrently active sub-agents. 0 disables spawning.
	MaxChildren int `yaml:"max_children"`

	// AllowedModels restricts which model ids children may use. Empty means
	// any model.
	AllowedModels []string `yaml:"allowed_models"`

	// AllowedTools restricts which tools children may use. Defaults to
	// final_answer only.
	AllowedTools []string `yaml:"allowed_tools"`
}

// DefaultSpawnConfig returns spawning disabled with the final_answer tool
// allowed.
func DefaultSpawnConfig() SpawnConfig {
	return SpawnConfig{AllowedTools: []string{"final_answer"}}
}

// Enabled reports whether spawning is permitted at all.
func (c SpawnConfig) Enabled() bool { return c.MaxChildren > 0 }

// Validate checks the config bounds.
func (c SpawnConfig) Validate() error {
	if c.MaxChildren < 0 {
		return fmt.Errorf("spawn config: max_children %d is negative", c.MaxChildren)
	}
	return nil
}

// ModelAllowed reports whether a child may use the model.
func (c SpawnConfig) ModelAllowed(id string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == id {
			return true
		}
	}
	return false
}

// ToolAllowed reports whether a child may use the tool.
func (c SpawnConfig) ToolAllowed(name string) bool {
	for _, t := range c.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// WithMaxChildren returns a copy with the child cap replaced.
func (c SpawnConfig) WithMaxChildren(n int) SpawnConfig {
	c.MaxChildren = n
	return c
}

// ContextScope selects what a sub-agent inherits from its parent.
type ContextScope struct {
	Level ContextScopeLevel `yaml:"level"`

	// Delimiter joins parent observations at ScopeObservations. Empty
	// selects the default.
	Delimiter string `yaml:"delimiter"`
}

// DefaultContextScope passes the task text only.
func DefaultContextScope() ContextScope {
	return ContextScope{Level: ScopeTaskOnly, Delimiter: "\n---\n"}
}

// Validate checks the scope level.
func (c ContextScope) Validate() error {
	if !c.Level.Valid() {
		return fmt.Errorf("context scope: unknown level %q", c.Level)
	}
	return nil
}
