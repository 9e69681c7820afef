// Package subagent spawns child scheduler runs with scoped context
// inheritance, routes their control requests through the parent, and fans
// independent tasks out over a bounded pool.
package subagent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/scheduler"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// AgentDef names a spawnable agent: its model, tool allowance, and configs.
type AgentDef struct {
	Name   string
	Model  llm.Model
	Tools  []string
	Mode   scheduler.Mode
	Agent  config.AgentConfig
	Memory config.MemoryConfig
}

// Orchestrator spawns and tracks sub-agent runs on behalf of one parent.
type Orchestrator struct {
	spawnCfg    config.SpawnConfig
	registry    *tools.Registry
	bus         *bus.Bus
	broker      *Broker
	parentTrace string
	parentMem   *memory.AgentMemory
	summarizer  memory.Summarizer

	mu     sync.Mutex
	agents map[string]AgentDef
	active int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithParent links children to the parent run's trace and memory.
func WithParent(traceID string, mem *memory.AgentMemory) OrchestratorOption {
	return func(o *Orchestrator) {
		o.parentTrace = traceID
		o.parentMem = mem
	}
}

// WithSummarizer sets the callback used by summary-scope extraction.
func WithSummarizer(s memory.Summarizer) OrchestratorOption {
	return func(o *Orchestrator) { o.summarizer = s }
}

// WithBroker shares a control broker with the children.
func WithBroker(br *Broker) OrchestratorOption {
	return func(o *Orchestrator) { o.broker = br }
}

// NewOrchestrator creates an orchestrator bounded by the spawn config.
func NewOrchestrator(spawnCfg config.SpawnConfig, registry *tools.Registry, b *bus.Bus, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		spawnCfg: spawnCfg,
		registry: registry,
		bus:      b,
		agents:   make(map[string]AgentDef),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.broker == nil {
		o.broker = NewBroker(b)
	}
	return o
}

// Broker returns the control broker children yield through.
func (o *Orchestrator) Broker() *Broker { return o.broker }

// RegisterAgent makes a definition spawnable by name. Zero-valued configs
// take their defaults.
func (o *Orchestrator) RegisterAgent(def AgentDef) {
	if def.Agent.MaxSteps == 0 {
		def.Agent = config.DefaultAgentConfig()
	}
	if def.Memory.Strategy == "" {
		def.Memory = config.DefaultMemoryConfig()
	}
	if def.Mode == "" {
		def.Mode = scheduler.ModeToolCalling
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[def.Name] = def
}

// Spawn runs a child to completion. Rejections return SpawnError and emit
// a recoverable ErrorOccurred event.
func (o *Orchestrator) Spawn(ctx context.Context, agentName, task string, scope config.ContextScope) (models.RunResult, error) {
	def, err := o.admit(agentName)
	if err != nil {
		o.emitSpawnError(err)
		return models.RunResult{}, err
	}
	defer o.release()

	launchID := uuid.NewString()
	o.emitLaunched(launchID, def.Name, task)

	childTask := ExtractContext(ctx, scope, o.parentMem, task, o.summarizer)

	childRegistry := o.registry.Restricted(def.Tools)
	if o.broker != nil && o.spawnCfg.ToolAllowed("ask_user") {
		childRegistry.Register(UserInputTool(o.broker))
	}

	child := scheduler.New(def.Model, childRegistry,
		scheduler.WithBus(o.bus),
		scheduler.WithMode(def.Mode),
		scheduler.WithAgentConfig(def.Agent),
		scheduler.WithMemoryConfig(def.Memory),
		scheduler.WithParentTrace(o.parentTrace),
	)

	var unsubscribe func()
	if o.bus != nil {
		childID := child.RunID()
		unsubscribe = o.bus.Subscribe(func(e models.Event) {
			if e.CorrelationID != childID || e.Step == nil {
				return
			}
			o.emitProgress(launchID, def.Name, e.Step.StepNumber)
		}, models.EventStepCompleted)
	}

	result := child.Run(ctx, childTask, nil)

	if unsubscribe != nil {
		unsubscribe()
	}
	o.emitCompleted(launchID, def.Name, result)
	return result, nil
}

// admit checks the spawn against the parent's SpawnConfig and reserves a
// child slot.
func (o *Orchestrator) admit(agentName string) (AgentDef, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	def, ok := o.agents[agentName]
	if !ok {
		return AgentDef{}, &SpawnError{AgentName: agentName, Reason: "unknown agent"}
	}
	if !o.spawnCfg.Enabled() {
		return AgentDef{}, &SpawnError{AgentName: agentName, Reason: "spawning disabled"}
	}
	if o.active >= o.spawnCfg.MaxChildren {
		return AgentDef{}, &SpawnError{AgentName: agentName, Reason: fmt.Sprintf("child capacity %d reached", o.spawnCfg.MaxChildren)}
	}
	if def.Model != nil && !o.spawnCfg.ModelAllowed(def.Model.ID()) {
		return AgentDef{}, &SpawnError{AgentName: agentName, Reason: fmt.Sprintf("model %q not allowed", def.Model.ID())}
	}
	for _, tool := range def.Tools {
		if !o.spawnCfg.ToolAllowed(tool) {
			return AgentDef{}, &SpawnError{AgentName: agentName, Reason: fmt.Sprintf("tool %q not allowed", tool)}
		}
	}

	o.active++
	return def, nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.active--
	o.mu.Unlock()
}

func (o *Orchestrator) emitLaunched(launchID, agentName, task string) {
	if o.bus == nil {
		return
	}
	e := models.NewEvent(models.EventSubAgentLaunched, launchID)
	e.SubAgent = &models.SubAgentEventPayload{
		LaunchID:  launchID,
		AgentName: agentName,
		Task:      task,
		ParentID:  o.parentTrace,
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) emitProgress(launchID, agentName string, stepNumber int) {
	if o.bus == nil {
		return
	}
	e := models.NewEvent(models.EventSubAgentProgress, launchID)
	e.SubAgent = &models.SubAgentEventPayload{
		LaunchID:   launchID,
		AgentName:  agentName,
		StepNumber: stepNumber,
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) emitCompleted(launchID, agentName string, result models.RunResult) {
	if o.bus == nil {
		return
	}
	e := models.NewEvent(models.EventSubAgentCompleted, launchID)
	e.SubAgent = &models.SubAgentEventPayload{
		LaunchID:  launchID,
		AgentName: agentName,
		ParentID:  o.parentTrace,
		Outcome:   result.Outcome,
		Output:    result.Output,
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) emitSpawnError(err error) {
	if o.bus == nil {
		return
	}
	e := models.NewEvent(models.EventErrorOccurred, o.parentTrace)
	e.Error = &models.ErrorEventPayload{
		ErrorClass:   "spawn",
		ErrorMessage: err.Error(),
		Recoverable:  true,
	}
	o.bus.Publish(e)
}
