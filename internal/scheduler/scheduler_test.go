package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// scriptedModel replays canned responses; the last one repeats.
type scriptedModel struct {
	id        string
	responses []models.ChatMessage
	errs      []error
	calls     int
	requests  []*llm.GenerateRequest
}

func (m *scriptedModel) ID() string {
	if m.id == "" {
		return "scripted"
	}
	return m.id
}

func (m *scriptedModel) Generate(_ context.Context, req *llm.GenerateRequest) (*models.ChatMessage, error) {
	m.requests = append(m.requests, req)
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	resp := m.responses[i]
	return &resp, nil
}

func assistantText(content string) models.ChatMessage {
	return models.ChatMessage{Role: models.RoleAssistant, Content: content}
}

func assistantCall(id, name string, args map[string]any) models.ChatMessage {
	return models.ChatMessage{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}

func searchRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	r.Register(&tools.Func{
		ToolName: "search",
		Desc:     "Searches the web.",
		Schema: tools.Schema{Params: map[string]tools.Param{
			"query": {Type: tools.TypeString, Required: true},
		}},
		CalleeRun: func(_ context.Context, args map[string]any) (any, error) {
			return "results for " + args["query"].(string), nil
		},
	})
	return r
}

func TestSingleShotCodeActionFinalAnswer(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantText("<code>final_answer(answer: 4)</code>"),
	}}
	s := New(model, tools.NewRegistry(), WithBus(b), WithMode(ModeCodeAction))

	result := s.Run(context.Background(), "What is 2+2?", nil)

	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s, output = %v", result.Outcome, result.Output)
	}
	if result.Output != int64(4) {
		t.Errorf("output = %v (%T)", result.Output, result.Output)
	}

	var actions int
	for _, step := range result.Steps {
		if step.Kind() == models.StepKindAction {
			actions++
		}
	}
	if actions != 1 {
		t.Errorf("action steps = %d, want 1", actions)
	}

	steps := rec.ByKind(models.EventStepCompleted)
	if len(steps) != 1 || steps[0].Step.Outcome != models.OutcomeFinalAnswer {
		t.Errorf("StepCompleted = %+v", steps)
	}
	tasks := rec.ByKind(models.EventTaskCompleted)
	if len(tasks) != 1 || tasks[0].Task.Outcome != models.OutcomeSuccess || tasks[0].Task.StepsTaken != 1 {
		t.Errorf("TaskCompleted = %+v", tasks)
	}

	// StepCompleted precedes TaskCompleted.
	all := rec.Events()
	if all[len(all)-1].Kind != models.EventTaskCompleted {
		t.Error("TaskCompleted must be the last event")
	}
}

func TestTwoStepToolCalling(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "search", map[string]any{"query": "Ruby news"}),
		assistantCall("c2", "final_answer", map[string]any{"answer": "Ruby 4 released"}),
	}}
	s := New(model, searchRegistry(t), WithBus(b))

	result := s.Run(context.Background(), "Search Ruby news and answer", nil)

	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Output != "Ruby 4 released" {
		t.Errorf("output = %v", result.Output)
	}

	var actions int
	for _, step := range result.Steps {
		if step.Kind() == models.StepKindAction {
			actions++
		}
	}
	if actions != 2 {
		t.Errorf("action steps = %d, want 2", actions)
	}
	if got := len(rec.ByKind(models.EventToolCallRequested)); got != 2 {
		t.Errorf("ToolCallRequested = %d, want 2", got)
	}
	if got := len(rec.ByKind(models.EventToolCallCompleted)); got != 2 {
		t.Errorf("ToolCallCompleted = %d, want 2", got)
	}

	// The second model call saw the first observation.
	second := model.requests[1]
	var sawObservation bool
	for _, msg := range second.Messages {
		if msg.Role == models.RoleToolResponse && strings.Contains(msg.Content, "results for Ruby news") {
			sawObservation = true
		}
	}
	if !sawObservation {
		t.Error("observation from step 1 missing in step 2 context")
	}
}

func TestMaxStepsReached(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "search", map[string]any{"query": "again"}),
	}}
	s := New(model, searchRegistry(t),
		WithBus(b),
		WithAgentConfig(config.DefaultAgentConfig().WithMaxSteps(3)),
	)

	result := s.Run(context.Background(), "never ends", nil)

	if result.Outcome != models.OutcomeMaxSteps {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	var actions int
	for _, step := range result.Steps {
		if step.Kind() == models.StepKindAction {
			actions++
		}
	}
	if actions != 3 {
		t.Errorf("action steps = %d, want 3", actions)
	}
	tasks := rec.ByKind(models.EventTaskCompleted)
	if len(tasks) != 1 || tasks[0].Task.StepsTaken != 3 {
		t.Errorf("TaskCompleted = %+v", tasks)
	}
	// Failed run still reports last useful context.
	if result.Output == nil || !strings.Contains(result.Output.(string), "results for again") {
		t.Errorf("output = %v", result.Output)
	}
}

func TestCancellationStopsRunAndEvents(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	ctx, cancel := context.WithCancel(context.Background())

	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "search", map[string]any{"query": "x"}),
	}}

	// Cancel during the first step's tool execution.
	registry := searchRegistry(t)
	registry.Register(&tools.Func{
		ToolName: "search",
		Desc:     "Searches.",
		Schema: tools.Schema{Params: map[string]tools.Param{
			"query": {Type: tools.TypeString, Required: true},
		}},
		CalleeRun: func(_ context.Context, _ map[string]any) (any, error) {
			cancel()
			return "late result", nil
		},
	})
	s := New(model, registry, WithBus(b))

	result := s.Run(ctx, "task", nil)

	if result.Outcome != models.OutcomeError {
		t.Fatalf("user cancellation outcome = %s, want error", result.Outcome)
	}

	events := rec.Events()
	last := events[len(events)-1]
	if last.Kind != models.EventTaskCompleted {
		t.Errorf("last event = %s, want task.completed", last.Kind)
	}
}

func TestDeadlineYieldsTimeout(t *testing.T) {
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "search", map[string]any{"query": "x"}),
	}}
	registry := searchRegistry(t)
	registry.Register(&tools.Func{
		ToolName: "search",
		Desc:     "Searches.",
		Schema: tools.Schema{Params: map[string]tools.Param{
			"query": {Type: tools.TypeString, Required: true},
		}},
		CalleeRun: func(_ context.Context, _ map[string]any) (any, error) {
			time.Sleep(30 * time.Millisecond)
			return "slow", nil
		},
	})

	cfg := config.DefaultAgentConfig()
	cfg.RunTimeout = 10 * time.Millisecond
	s := New(model, registry, WithAgentConfig(cfg))

	result := s.Run(context.Background(), "task", nil)

	if result.Outcome != models.OutcomeTimeout {
		t.Errorf("outcome = %s, want timeout", result.Outcome)
	}
}

func TestParseRetryThenGenerationError(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantText("I think the answer is 4."),
	}}
	s := New(model, tools.NewRegistry(),
		WithBus(b),
		WithAgentConfig(config.DefaultAgentConfig().WithMaxSteps(1)),
	)

	result := s.Run(context.Background(), "task", nil)

	// Initial call plus two guidance re-prompts.
	if model.calls != 3 {
		t.Errorf("model calls = %d, want 3", model.calls)
	}
	if result.Outcome != models.OutcomeMaxSteps {
		t.Errorf("outcome = %s", result.Outcome)
	}

	errs := rec.ByKind(models.EventErrorOccurred)
	if len(errs) != 1 || errs[0].Error.ErrorClass != "generation" || !errs[0].Error.Recoverable {
		t.Errorf("ErrorOccurred = %+v", errs)
	}

	// The re-prompt carried guidance.
	lastReq := model.requests[len(model.requests)-1]
	joined := ""
	for _, msg := range lastReq.Messages {
		joined += msg.Content + "\n"
	}
	if !strings.Contains(joined, "previous reply contained no tool call") {
		t.Error("guidance prompt missing from re-prompt")
	}
}

func TestModelFailureTerminatesWithError(t *testing.T) {
	model := &scriptedModel{
		errs:      []error{errors.New("invalid api key")},
		responses: []models.ChatMessage{assistantText("unused")},
	}
	s := New(model, tools.NewRegistry())

	result := s.Run(context.Background(), "task", nil)

	if result.Outcome != models.OutcomeError {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Output == nil {
		t.Error("error output should carry the failure text")
	}
}

func TestEvaluationGoalAchieved(t *testing.T) {
	b := bus.New()
	rec := bus.NewRecorder(b)
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "search", map[string]any{"query": "x"}),
		assistantText(`{"status": "goal_achieved", "answer": "42", "confidence": 0.95}`),
	}}
	s := New(model, searchRegistry(t), WithBus(b), WithEvaluation(1))

	result := s.Run(context.Background(), "task", nil)

	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Output != "42" {
		t.Errorf("output = %v", result.Output)
	}
	evals := rec.ByKind(models.EventEvaluationCompleted)
	if len(evals) != 1 || evals[0].Evaluation.Status != models.EvaluationGoalAchieved {
		t.Errorf("EvaluationCompleted = %+v", evals)
	}
}

func TestEvaluationConfidenceGate(t *testing.T) {
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "search", map[string]any{"query": "x"}),
		assistantText(`{"status": "goal_achieved", "answer": "guess", "confidence": 0.2}`),
		assistantCall("c2", "final_answer", map[string]any{"answer": "sure now"}),
		assistantText(`{"status": "continue"}`),
	}}
	cfg := config.DefaultAgentConfig()
	cfg.MinConfidence = 0.8
	s := New(model, searchRegistry(t), WithAgentConfig(cfg), WithEvaluation(1))

	result := s.Run(context.Background(), "task", nil)

	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	// The low-confidence verdict was downgraded; the run continued to the
	// real final answer.
	if result.Output != "sure now" {
		t.Errorf("output = %v", result.Output)
	}
}

func TestEvaluationOutOfRangeConfidence(t *testing.T) {
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "search", map[string]any{"query": "x"}),
		assistantText(`{"status": "goal_achieved", "answer": "guess", "confidence": 5}`),
		assistantCall("c2", "final_answer", map[string]any{"answer": "sure now"}),
		assistantText(`{"status": "continue"}`),
	}}
	cfg := config.DefaultAgentConfig()
	cfg.MinConfidence = 0.8
	s := New(model, searchRegistry(t), WithAgentConfig(cfg), WithEvaluation(1))

	result := s.Run(context.Background(), "task", nil)

	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	// Confidence outside [0, 1] counts as absent, so the verdict was
	// downgraded and the run continued to the real final answer.
	if result.Output != "sure now" {
		t.Errorf("output = %v", result.Output)
	}
}

func TestEvaluationStuck(t *testing.T) {
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "search", map[string]any{"query": "x"}),
		assistantText(`{"status": "stuck", "reasoning": "going in circles"}`),
	}}
	s := New(model, searchRegistry(t), WithEvaluation(1))

	result := s.Run(context.Background(), "task", nil)

	if result.Outcome != models.OutcomeFailure {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Output != "going in circles" {
		t.Errorf("output = %v", result.Output)
	}
}

func TestPlanningPhase(t *testing.T) {
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantText("1. search\n2. answer"),
		assistantCall("c1", "final_answer", map[string]any{"answer": "done"}),
	}}
	cfg := config.DefaultAgentConfig()
	cfg.PlanningInterval = 4
	s := New(model, searchRegistry(t), WithAgentConfig(cfg))

	result := s.Run(context.Background(), "task", nil)

	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	var plans int
	for _, step := range result.Steps {
		if step.Kind() == models.StepKindPlanning {
			plans++
		}
	}
	if plans != 1 {
		t.Errorf("planning steps = %d, want 1", plans)
	}
}

func TestPlanningDisabledByZeroInterval(t *testing.T) {
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "final_answer", map[string]any{"answer": "done"}),
	}}
	s := New(model, searchRegistry(t))

	result := s.Run(context.Background(), "task", nil)

	for _, step := range result.Steps {
		if step.Kind() == models.StepKindPlanning {
			t.Fatal("planning must be disabled when interval is 0")
		}
	}
	if model.calls != 1 {
		t.Errorf("model calls = %d, want 1", model.calls)
	}
}

func TestInvalidConfigFailsFast(t *testing.T) {
	model := &scriptedModel{responses: []models.ChatMessage{assistantText("x")}}
	s := New(model, tools.NewRegistry(),
		WithAgentConfig(config.AgentConfig{MaxSteps: 0}),
	)

	result := s.Run(context.Background(), "task", nil)

	if result.Outcome != models.OutcomeError {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if model.calls != 0 {
		t.Error("no model calls on invalid config")
	}
}

func TestCallbackRegistration(t *testing.T) {
	b := bus.New()
	model := &scriptedModel{responses: []models.ChatMessage{
		assistantCall("c1", "final_answer", map[string]any{"answer": "ok"}),
	}}
	s := New(model, tools.NewRegistry(), WithBus(b))

	var completed int
	if _, err := s.On("task.completed", func(models.Event) { completed++ }); err != nil {
		t.Fatalf("On: %v", err)
	}

	var invalid *InvalidCallbackError
	if _, err := s.On("no.such.event", func(models.Event) {}); !errors.As(err, &invalid) {
		t.Errorf("unknown alias error = %v", err)
	}
	if _, err := s.On("task.completed", 42); !errors.As(err, &invalid) {
		t.Errorf("non-func handler error = %v", err)
	}

	s.Run(context.Background(), "task", nil)
	if completed != 1 {
		t.Errorf("callback fired %d times, want 1", completed)
	}
}

func TestTokenAccounting(t *testing.T) {
	usage := func(in, out int) *models.TokenUsage {
		return &models.TokenUsage{Input: in, Output: out}
	}
	eval := assistantText(`{"status": "continue"}`)
	eval.TokenUsage = usage(5, 5)
	answer := assistantCall("c2", "final_answer", map[string]any{"answer": "done"})
	answer.TokenUsage = usage(20, 10)
	first := assistantCall("c1", "search", map[string]any{"query": "x"})
	first.TokenUsage = usage(10, 10)

	model := &scriptedModel{responses: []models.ChatMessage{first, eval, answer}}
	s := New(model, searchRegistry(t), WithEvaluation(1))

	result := s.Run(context.Background(), "task", nil)

	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	// Evaluation tokens count toward the run total.
	if result.TokenUsage.Total() != 60 {
		t.Errorf("total tokens = %d, want 60", result.TokenUsage.Total())
	}
}
