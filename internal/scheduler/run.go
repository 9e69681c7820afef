package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/codeact"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/pkg/models"
)

// stepResult classifies what one loop iteration produced.
type stepResult int

const (
	stepContinue stepResult = iota
	stepFinal
	stepFatal
)

// Run executes the task to termination and reports the result. The returned
// RunResult always carries the full step history; errors that end the run
// are folded into the outcome rather than returned.
func (s *Scheduler) Run(ctx context.Context, task string, images [][]byte) models.RunResult {
	rc := &runContext{timing: models.StartTiming()}

	if err := s.agent.Validate(s.sanitizer); err != nil {
		return s.finish(nil, rc, models.OutcomeError, (&ConfigurationError{Cause: err}).Error())
	}

	if s.agent.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.agent.RunTimeout)
		defer cancel()
	}

	mem := memory.New(s.buildSystemPrompt())
	if s.summarizer != nil {
		mem.SetSummarizer(s.summarizer)
	}
	if err := mem.AddTask(task, images); err != nil {
		return s.finish(mem, rc, models.OutcomeError, err.Error())
	}

	var (
		finalOutput any
		fatalErr    error
		evaluation  *models.EvaluationStep
	)

	for step := 1; step <= s.agent.MaxSteps; step++ {
		rc.stepNumber = step

		if outcome, ok := cancelled(ctx); ok {
			return s.finish(mem, rc, outcome, s.lastObservation(mem))
		}

		if s.planningDue(rc, step) {
			s.runPlanning(ctx, mem, rc)
		}

		actionStep, result := s.runStep(ctx, mem, rc, step)
		mem.Append(actionStep)
		s.emitStepCompleted(actionStep, result)

		if result == stepFinal {
			finalOutput = actionStep.ActionOutput
		}
		if result == stepFatal {
			fatalErr = errors.New(actionStep.Error)
		}

		evaluation = nil
		if result == stepContinue && fatalErr == nil && s.evaluationDue(step) {
			evaluation = s.runEvaluation(ctx, mem, rc, step)
		}

		// Termination predicates, first satisfied wins.
		switch {
		case result == stepFinal:
			mem.Append(models.FinalAnswerStep{Output: finalOutput})
			return s.finishWithOutput(mem, rc, models.OutcomeSuccess, finalOutput)

		case evaluation != nil && evaluation.Status == models.EvaluationGoalAchieved:
			mem.Append(models.FinalAnswerStep{Output: evaluation.Answer})
			return s.finishWithOutput(mem, rc, models.OutcomeSuccess, evaluation.Answer)

		case step >= s.agent.MaxSteps:
			return s.finish(mem, rc, models.OutcomeMaxSteps, s.lastObservation(mem))

		case ctx.Err() != nil:
			outcome, _ := cancelled(ctx)
			return s.finish(mem, rc, outcome, s.lastObservation(mem))

		case fatalErr != nil:
			return s.finish(mem, rc, models.OutcomeError, fatalErr.Error())

		case evaluation != nil && evaluation.Status == models.EvaluationStuck:
			return s.finish(mem, rc, models.OutcomeFailure, evaluation.Reasoning)
		}
	}

	return s.finish(mem, rc, models.OutcomeMaxSteps, s.lastObservation(mem))
}

func cancelled(ctx context.Context) (models.Outcome, bool) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.OutcomeTimeout, true
	case ctx.Err() != nil:
		return models.OutcomeError, true
	}
	return "", false
}

func (s *Scheduler) planningDue(rc *runContext, step int) bool {
	if s.agent.PlanningInterval <= 0 {
		return false
	}
	if !rc.hasPlan {
		return true
	}
	return step > 1 && (step-1)%s.agent.PlanningInterval == 0
}

func (s *Scheduler) runPlanning(ctx context.Context, mem *memory.AgentMemory, rc *runContext) {
	timing := models.StartTiming()
	assistant, err := s.generate(ctx, mem, rc, userMessage(s.planningPrompt()), false)
	if err != nil {
		s.logger.Warn("planning phase failed", "error", err)
		return
	}
	rc.hasPlan = true
	mem.Append(models.PlanningStep{
		Plan:       assistant.Content,
		TokenUsage: usageOf(assistant),
		Timing:     timing.StopNow(),
	})
}

// runStep performs one reason-act iteration: model call, parse, execute.
// Parse failures get up to maxParseRetries guidance re-prompts before the
// step carries a GenerationError observation.
func (s *Scheduler) runStep(ctx context.Context, mem *memory.AgentMemory, rc *runContext, stepNo int) (models.ActionStep, stepResult) {
	step := models.ActionStep{
		StepNumber:    stepNo,
		Timing:        models.StartTiming(),
		TraceID:       s.runID,
		ParentTraceID: s.parentTrace,
	}

	var guidance []models.ChatMessage
	for attempt := 0; ; attempt++ {
		assistant, err := s.generate(ctx, mem, rc, guidance, s.mode == ModeToolCalling)
		if err != nil {
			step.Error = err.Error()
			step.Timing = step.Timing.StopNow()
			s.emitError("model_generation", err, stepNo, false)
			return step, stepFatal
		}
		step.AssistantMessage = assistant
		step.TokenUsage = step.TokenUsage.Add(usageOf(assistant))
		step.ReasoningContent = assistant.Content

		var (
			done   bool
			result stepResult
		)
		switch s.mode {
		case ModeCodeAction:
			done, result = s.applyCodeAction(ctx, &step, assistant, attempt)
		default:
			done, result = s.applyToolCalls(ctx, &step, assistant, attempt)
		}
		if done {
			step.Timing = step.Timing.StopNow()
			return step, result
		}

		// Re-prompt: show the model its own reply plus the guidance.
		guidance = append(append(guidance, *assistant), userMessage(s.guidancePrompt())...)
	}
}

// applyToolCalls executes structured tool calls. Returns done=false to
// request a guidance re-prompt.
func (s *Scheduler) applyToolCalls(ctx context.Context, step *models.ActionStep, assistant *models.ChatMessage, attempt int) (bool, stepResult) {
	if len(assistant.ToolCalls) == 0 {
		if attempt < maxParseRetries {
			return false, stepContinue
		}
		genErr := &GenerationError{StepNumber: step.StepNumber, RawOutput: assistant.Content, Detail: "no tool call in response"}
		step.Error = genErr.Error()
		s.emitError("generation", genErr, step.StepNumber, true)
		return true, stepContinue
	}

	step.ToolCalls = assistant.ToolCalls
	var observations []string
	for _, call := range assistant.ToolCalls {
		out := s.invoker.Invoke(ctx, call)
		observations = append(observations, fmt.Sprintf("%s → %s", out.ToolName, out.Observation))
		if out.Err != nil {
			s.emitError("tool_execution", out.Err, step.StepNumber, true)
		}
		if out.IsFinal {
			step.IsFinalAnswer = true
			step.ActionOutput = out.Result
		}
	}
	step.Observations = strings.Join(observations, "\n")

	if step.IsFinalAnswer {
		return true, stepFinal
	}
	return true, stepContinue
}

// applyCodeAction extracts and executes the fenced code block.
func (s *Scheduler) applyCodeAction(ctx context.Context, step *models.ActionStep, assistant *models.ChatMessage, attempt int) (bool, stepResult) {
	outcome := s.executor.Run(ctx, assistant.Content, nil)

	var parseErr *codeact.ParsingError
	if outcome.State == codeact.StateError && errors.As(outcome.Err, &parseErr) && parseErr.ExpectedFormat != "" {
		if attempt < maxParseRetries {
			return false, stepContinue
		}
		genErr := &GenerationError{StepNumber: step.StepNumber, RawOutput: assistant.Content, Detail: "no code block in response"}
		step.Error = genErr.Error()
		s.emitError("generation", genErr, step.StepNumber, true)
		return true, stepContinue
	}

	if code, err := codeact.ExtractCode(assistant.Content); err == nil {
		step.CodeAction = code
	}
	step.Observations = outcome.Observation()

	switch outcome.State {
	case codeact.StateFinalAnswer:
		step.IsFinalAnswer = true
		step.ActionOutput = outcome.Value
		return true, stepFinal
	case codeact.StateError:
		step.Error = outcome.Err.Error()
		s.emitError("code_execution", outcome.Err, step.StepNumber, true)
		return true, stepContinue
	default:
		step.ActionOutput = outcome.Value
		return true, stepContinue
	}
}

func (s *Scheduler) generate(ctx context.Context, mem *memory.AgentMemory, rc *runContext, extra []models.ChatMessage, withTools bool) (*models.ChatMessage, error) {
	messages := mem.RenderMessages(ctx, false, s.memoryCfg)
	messages = append(messages, extra...)

	req := &llm.GenerateRequest{Messages: messages}
	if withTools {
		req.Tools = s.registry.Schemas()
	}

	assistant, err := s.model.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	rc.totalTokens = rc.totalTokens.Add(usageOf(assistant))
	return assistant, nil
}

func usageOf(msg *models.ChatMessage) models.TokenUsage {
	if msg == nil || msg.TokenUsage == nil {
		return models.ZeroUsage()
	}
	return *msg.TokenUsage
}

func userMessage(text string) []models.ChatMessage {
	return []models.ChatMessage{{Role: models.RoleUser, Content: text}}
}

func (s *Scheduler) lastObservation(mem *memory.AgentMemory) string {
	if mem == nil {
		return ""
	}
	actions := mem.ActionSteps()
	for i := len(actions) - 1; i >= 0; i-- {
		if actions[i].Observations != "" {
			return actions[i].Observations
		}
	}
	return ""
}

func (s *Scheduler) finish(mem *memory.AgentMemory, rc *runContext, outcome models.Outcome, output string) models.RunResult {
	var out any
	if output != "" {
		out = output
	}
	return s.finishWithOutput(mem, rc, outcome, out)
}

// finishWithOutput seals the run: stamps timing, emits TaskCompleted, and
// builds the result. No events are emitted after this returns.
func (s *Scheduler) finishWithOutput(mem *memory.AgentMemory, rc *runContext, outcome models.Outcome, output any) models.RunResult {
	rc.timing = rc.timing.StopNow()

	var steps []models.Step
	if mem != nil {
		steps = mem.Steps()
	}

	if s.bus != nil {
		e := models.NewEvent(models.EventTaskCompleted, s.runID)
		e.Task = &models.TaskEventPayload{
			Outcome:    outcome,
			Output:     output,
			StepsTaken: rc.stepNumber,
		}
		s.bus.Publish(e)
	}

	return models.RunResult{
		Output:     output,
		Outcome:    outcome,
		Steps:      steps,
		TokenUsage: rc.totalTokens,
		Timing:     rc.timing,
	}
}

func (s *Scheduler) emitStepCompleted(step models.ActionStep, result stepResult) {
	if s.bus == nil {
		return
	}
	outcome := models.OutcomePartial
	if result == stepFinal {
		outcome = models.OutcomeFinalAnswer
	}
	e := models.NewEvent(models.EventStepCompleted, s.runID)
	e.Step = &models.StepEventPayload{
		StepNumber:   step.StepNumber,
		Outcome:      outcome,
		Observations: step.Observations,
	}
	s.bus.Publish(e)
}

func (s *Scheduler) emitError(class string, err error, stepNo int, recoverable bool) {
	if s.bus == nil {
		return
	}
	e := models.NewEvent(models.EventErrorOccurred, s.runID)
	e.Error = &models.ErrorEventPayload{
		ErrorClass:   class,
		ErrorMessage: err.Error(),
		Context:      map[string]any{"step_number": stepNo},
		Recoverable:  recoverable,
	}
	s.bus.Publish(e)
}
