package scheduler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/pkg/models"
)

func (s *Scheduler) evaluationDue(step int) bool {
	if !s.evaluationEnabled || s.evaluationInterval <= 0 {
		return false
	}
	return step%s.evaluationInterval == 0
}

// runEvaluation asks the model to classify the run. A verdict the scheduler
// cannot parse counts as continue; goal_achieved below the confidence gate
// is downgraded to continue as well.
func (s *Scheduler) runEvaluation(ctx context.Context, mem *memory.AgentMemory, rc *runContext, stepNo int) *models.EvaluationStep {
	assistant, err := s.generate(ctx, mem, rc, userMessage(s.evaluationPrompt()), false)
	if err != nil {
		s.logger.Warn("evaluation phase failed", "error", err)
		return nil
	}

	step := parseEvaluation(assistant.Content)

	if step.Status == models.EvaluationGoalAchieved && s.agent.MinConfidence > 0 {
		if step.Confidence == nil || *step.Confidence < s.agent.MinConfidence {
			step.Status = models.EvaluationContinue
		}
	}

	mem.Append(step)
	if s.bus != nil {
		e := models.NewEvent(models.EventEvaluationCompleted, s.runID)
		e.Evaluation = &models.EvaluationEventPayload{
			StepNumber: stepNo,
			Status:     step.Status,
			Answer:     step.Answer,
			Reasoning:  step.Reasoning,
		}
		s.bus.Publish(e)
	}
	return &step
}

func parseEvaluation(raw string) models.EvaluationStep {
	fallback := models.EvaluationStep{Status: models.EvaluationContinue}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fallback
	}

	var doc struct {
		Status     string   `json:"status"`
		Answer     string   `json:"answer"`
		Reasoning  string   `json:"reasoning"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &doc); err != nil {
		return fallback
	}

	status := models.EvaluationStatus(doc.Status)
	switch status {
	case models.EvaluationGoalAchieved, models.EvaluationContinue, models.EvaluationStuck:
	default:
		return fallback
	}

	// Confidence lives in [0, 1]; anything outside counts as absent so the
	// confidence gate treats it like a missing field.
	confidence := doc.Confidence
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		confidence = nil
	}

	return models.EvaluationStep{
		Status:     status,
		Answer:     doc.Answer,
		Reasoning:  doc.Reasoning,
		Confidence: confidence,
	}
}
