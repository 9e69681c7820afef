package config

import (
	"log/slog"
	"regexp"
	"strings"
)

// Sanitizer behavior values for AgentConfig.SanitizerBehavior.
const (
	SanitizeWarn  = "warn"
	SanitizeFatal = "fatal"
)

// Sanitizer scans text for prompt-injection markers. Scan returns an empty
// string when the text is clean, otherwise a short description of the first
// finding. Scrub returns the text with findings neutralized.
type Sanitizer interface {
	Scan(text string) string
	Scrub(text string) string
}

// injectionPatterns match the common jailbreak phrasings seen in tool output
// and user-supplied instructions. Matching is case-insensitive.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions?|rules)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`),
	regexp.MustCompile(`(?i)system\s*prompt\s*[:=]`),
	regexp.MustCompile(`(?i)<\s*/?\s*(system|assistant)\s*>`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?prompt`),
	regexp.MustCompile(`(?i)\bDAN\s+mode\b`),
}

// regexpSanitizer is the default Sanitizer.
type regexpSanitizer struct {
	patterns []*regexp.Regexp
}

// NewSanitizer returns the default regexp-based injection detector.
func NewSanitizer() Sanitizer {
	return &regexpSanitizer{patterns: injectionPatterns}
}

func (s *regexpSanitizer) Scan(text string) string {
	for _, p := range s.patterns {
		if m := p.FindString(text); m != "" {
			return "possible prompt injection: " + strings.TrimSpace(m)
		}
	}
	return ""
}

func (s *regexpSanitizer) Scrub(text string) string {
	out := text
	for _, p := range s.patterns {
		out = p.ReplaceAllString(out, "[filtered]")
	}
	return out
}

func sanitizerWarn(finding string) {
	slog.Warn("custom instructions flagged", "finding", finding)
}
