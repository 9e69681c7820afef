package scheduler

import (
	"fmt"
	"strings"
)

func (s *Scheduler) buildSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You are an agent that solves tasks step by step using the tools below.\n\n")

	sb.WriteString("Available tools:\n")
	for _, schema := range s.registry.Schemas() {
		fmt.Fprintf(&sb, "- %s: %s\n  parameters: %s\n", schema.Name, schema.Description, schema.Parameters)
	}

	switch s.mode {
	case ModeCodeAction:
		sb.WriteString("\nRespond with a fenced code block containing one tool call per line, ")
		sb.WriteString("for example:\n```\nresult = search(query: \"...\")\nfinal_answer($result)\n```\n")
		sb.WriteString("Use print(...) for intermediate output. ")
		sb.WriteString("When you know the answer, call final_answer with it.\n")
	default:
		sb.WriteString("\nRespond by calling tools. ")
		sb.WriteString("When you know the answer, call final_answer with it.\n")
	}

	if s.agent.CustomInstructions != "" {
		sb.WriteString("\n")
		sb.WriteString(s.agent.CustomInstructions)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (s *Scheduler) planningPrompt() string {
	return "Review the task and progress so far, then write a short numbered plan " +
		"for the remaining work. Output the plan only."
}

func (s *Scheduler) guidancePrompt() string {
	if s.mode == ModeCodeAction {
		return "Your previous reply contained no code block. Reply with a fenced code " +
			"block of tool-call statements, ending with final_answer(...) when done."
	}
	return "Your previous reply contained no tool call. Reply by calling one of the " +
		"available tools; use final_answer when you know the answer."
}

func (s *Scheduler) evaluationPrompt() string {
	return `Assess the run so far. Reply with a JSON object:
{"status": "goal_achieved" | "continue" | "stuck", "answer": "...", "reasoning": "...", "confidence": 0.0}
Set answer only when status is goal_achieved.`
}
