// Package memory accumulates the step history of an agent run and renders it
// into the message array for the next model call.
//
// The step list is append-only: a system prompt first, at most one task step
// right after it, then planning, action, evaluation, and final-answer steps
// in execution order. Rendering applies the configured budget strategy; the
// step list itself is never rewritten.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/pkg/models"
)

// MaskPlaceholder replaces masked observations in rendered messages.
const MaskPlaceholder = "[observation elided to fit context budget]"

// Summarizer collapses old action steps into one textual summary. A nil
// summarizer, or one that errors, falls back to the mask strategy.
type Summarizer func(ctx context.Context, steps []models.ActionStep) (string, error)

// AgentMemory holds the step history of one run.
type AgentMemory struct {
	mu         sync.Mutex
	steps      []models.Step
	summarizer Summarizer
}

// New creates memory seeded with the system prompt.
func New(systemPrompt string) *AgentMemory {
	return &AgentMemory{
		steps: []models.Step{models.SystemPromptStep{Text: systemPrompt}},
	}
}

// SetSummarizer installs the summarize-strategy callback.
func (m *AgentMemory) SetSummarizer(s Summarizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summarizer = s
}

// AddTask appends the task step. At most one task per run, placed directly
// after the system prompt.
func (m *AgentMemory) AddTask(text string, images [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.Kind() == models.StepKindTask {
			return fmt.Errorf("memory already holds a task step")
		}
	}
	if len(m.steps) != 1 {
		return fmt.Errorf("task must be added before any other step")
	}
	m.steps = append(m.steps, models.TaskStep{Task: text, Images: images})
	return nil
}

// Append adds a step to the history.
func (m *AgentMemory) Append(step models.Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step)
}

// Steps returns a copy of the step history.
func (m *AgentMemory) Steps() []models.Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Step, len(m.steps))
	copy(out, m.steps)
	return out
}

// ActionSteps returns the action steps in order.
func (m *AgentMemory) ActionSteps() []models.ActionStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ActionStep
	for _, s := range m.steps {
		if a, ok := s.(models.ActionStep); ok {
			out = append(out, a)
		}
	}
	return out
}

// RenderMessages converts the step history into chat messages under the
// given budget. summaryMode renders planning steps as plain context rather
// than instructions, used for sub-agent context extraction.
func (m *AgentMemory) RenderMessages(ctx context.Context, summaryMode bool, budget config.MemoryConfig) []models.ChatMessage {
	m.mu.Lock()
	steps := make([]models.Step, len(m.steps))
	copy(steps, m.steps)
	summarizer := m.summarizer
	m.mu.Unlock()

	strategy := budget.Strategy
	if budget.Budget == nil {
		// No ceiling: full rendering unconditionally.
		strategy = config.StrategyFull
	}

	switch strategy {
	case config.StrategyFull:
		return renderFull(steps, summaryMode)
	case config.StrategyMask:
		return renderMasked(steps, summaryMode, budget.PreserveRecent)
	case config.StrategySummarize:
		return m.renderSummarized(ctx, steps, summaryMode, budget, summarizer)
	case config.StrategyHybrid:
		return m.renderHybrid(ctx, steps, summaryMode, budget, summarizer)
	default:
		return renderFull(steps, summaryMode)
	}
}

// EstimateTokens approximates the token count of rendered messages. The
// estimate is ceil(len/4) per message content and grows monotonically with
// content length.
func EstimateTokens(msgs []models.ChatMessage) int {
	total := 0
	for _, msg := range msgs {
		total += (len(msg.Content) + 3) / 4
		for _, tc := range msg.ToolCalls {
			total += (len(tc.Name) + len(tc.ArgumentsJSON()) + 3) / 4
		}
	}
	return total
}

func renderFull(steps []models.Step, summaryMode bool) []models.ChatMessage {
	var msgs []models.ChatMessage
	for _, step := range steps {
		msgs = append(msgs, stepMessages(step, summaryMode, false)...)
	}
	return msgs
}

func renderMasked(steps []models.Step, summaryMode bool, preserveRecent int) []models.ChatMessage {
	cutoff := maskCutoff(steps, preserveRecent)

	var msgs []models.ChatMessage
	actionIndex := 0
	for _, step := range steps {
		masked := false
		if _, ok := step.(models.ActionStep); ok {
			masked = actionIndex < cutoff
			actionIndex++
		}
		msgs = append(msgs, stepMessages(step, summaryMode, masked)...)
	}
	return msgs
}

// maskCutoff returns how many leading action steps lose their observations.
func maskCutoff(steps []models.Step, preserveRecent int) int {
	cutoff := actionCount(steps) - preserveRecent
	if cutoff < 0 {
		cutoff = 0
	}
	return cutoff
}

func actionCount(steps []models.Step) int {
	n := 0
	for _, s := range steps {
		if s.Kind() == models.StepKindAction {
			n++
		}
	}
	return n
}

func (m *AgentMemory) renderSummarized(ctx context.Context, steps []models.Step, summaryMode bool, budget config.MemoryConfig, summarizer Summarizer) []models.ChatMessage {
	cutoff := maskCutoff(steps, budget.PreserveRecent)
	if cutoff == 0 {
		return renderFull(steps, summaryMode)
	}

	summary, ok := summarizeOld(ctx, steps, cutoff, summarizer)
	if !ok {
		return renderMasked(steps, summaryMode, budget.PreserveRecent)
	}
	return summarizedMessages(steps, summaryMode, cutoff, summary, 0)
}

// renderHybrid summarizes first. When the summarized rendering still exceeds
// the budget, the summary stays and the preserved observations are masked on
// top of it, oldest first, until the rendering fits or none remain verbatim.
func (m *AgentMemory) renderHybrid(ctx context.Context, steps []models.Step, summaryMode bool, budget config.MemoryConfig, summarizer Summarizer) []models.ChatMessage {
	cutoff := maskCutoff(steps, budget.PreserveRecent)
	if cutoff == 0 {
		return renderFull(steps, summaryMode)
	}

	summary, ok := summarizeOld(ctx, steps, cutoff, summarizer)
	if !ok {
		return renderMasked(steps, summaryMode, budget.PreserveRecent)
	}

	msgs := summarizedMessages(steps, summaryMode, cutoff, summary, 0)
	preserved := actionCount(steps) - cutoff
	for mask := 1; EstimateTokens(msgs) > *budget.Budget && mask <= preserved; mask++ {
		msgs = summarizedMessages(steps, summaryMode, cutoff, summary, mask)
	}
	return msgs
}

// summarizeOld collapses the action steps before the cutoff into one summary.
// ok is false when no summarizer is installed, the context is done, or the
// summarizer fails; callers fall back to masking.
func summarizeOld(ctx context.Context, steps []models.Step, cutoff int, summarizer Summarizer) (string, bool) {
	// No nested model calls once the run is being torn down.
	if summarizer == nil || ctx.Err() != nil {
		return "", false
	}

	var old []models.ActionStep
	actionIndex := 0
	for _, s := range steps {
		if a, ok := s.(models.ActionStep); ok {
			if actionIndex < cutoff {
				old = append(old, a)
			}
			actionIndex++
		}
	}

	summary, err := summarizer(ctx, old)
	if err != nil {
		return "", false
	}
	return summary, true
}

// summarizedMessages renders the history with the first cutoff action steps
// replaced by the summary message. maskPreserved additionally masks the
// observations of that many preserved actions directly after the cutoff.
func summarizedMessages(steps []models.Step, summaryMode bool, cutoff int, summary string, maskPreserved int) []models.ChatMessage {
	var msgs []models.ChatMessage
	summaryEmitted := false
	actionIndex := 0
	for _, step := range steps {
		if _, ok := step.(models.ActionStep); ok {
			idx := actionIndex
			actionIndex++
			if idx < cutoff {
				if !summaryEmitted {
					msgs = append(msgs, models.ChatMessage{
						Role:    models.RoleAssistant,
						Content: "Summary of earlier steps:\n" + summary,
					})
					summaryEmitted = true
				}
				continue
			}
			msgs = append(msgs, stepMessages(step, summaryMode, idx < cutoff+maskPreserved)...)
			continue
		}
		msgs = append(msgs, stepMessages(step, summaryMode, false)...)
	}
	return msgs
}

// stepMessages renders one step. Action steps can contribute up to two
// messages: the assistant turn and the tool-response observation.
func stepMessages(step models.Step, summaryMode, masked bool) []models.ChatMessage {
	switch s := step.(type) {
	case models.SystemPromptStep:
		if summaryMode {
			return nil
		}
		return []models.ChatMessage{{Role: models.RoleSystem, Content: s.Text}}

	case models.TaskStep:
		return []models.ChatMessage{{Role: models.RoleUser, Content: "Task: " + s.Task, Images: s.Images}}

	case models.PlanningStep:
		if summaryMode {
			return nil
		}
		return []models.ChatMessage{{Role: models.RoleAssistant, Content: "Plan:\n" + s.Plan}}

	case models.ActionStep:
		return actionMessages(s, masked)

	case models.EvaluationStep:
		if summaryMode || s.Reasoning == "" {
			return nil
		}
		return []models.ChatMessage{{
			Role:    models.RoleAssistant,
			Content: fmt.Sprintf("Self-evaluation (%s): %s", s.Status, s.Reasoning),
		}}

	case models.FinalAnswerStep:
		return []models.ChatMessage{{Role: models.RoleAssistant, Content: fmt.Sprint(s.Output)}}

	default:
		return nil
	}
}

func actionMessages(s models.ActionStep, masked bool) []models.ChatMessage {
	var msgs []models.ChatMessage

	assistant := models.ChatMessage{Role: models.RoleAssistant}
	switch {
	case len(s.ToolCalls) > 0:
		assistant.ToolCalls = s.ToolCalls
	case s.CodeAction != "":
		assistant.Content = "<code>\n" + s.CodeAction + "\n</code>"
	case s.AssistantMessage != nil:
		assistant.Content = s.AssistantMessage.Content
	}
	if assistant.Content != "" || len(assistant.ToolCalls) > 0 {
		msgs = append(msgs, assistant)
	}

	observation := s.Observations
	if masked && observation != "" {
		observation = MaskPlaceholder
	}
	if s.Error != "" {
		if observation != "" {
			observation += "\n"
		}
		observation += "Error: " + s.Error
	}
	if observation != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleToolResponse, Content: observation})
	}
	return msgs
}

// ObservationsText joins the observations of every action step with the
// delimiter, oldest first. Used for sub-agent context extraction.
func (m *AgentMemory) ObservationsText(delimiter string) string {
	var parts []string
	for _, a := range m.ActionSteps() {
		if a.Observations != "" {
			parts = append(parts, a.Observations)
		}
	}
	return strings.Join(parts, delimiter)
}
