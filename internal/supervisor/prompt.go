package supervisor

import (
	"regexp"
	"time"
)

// PromptRule answers one interactive prompt of the driven program.
type PromptRule struct {
	Name     string
	Pattern  *regexp.Regexp
	Response string
	// Delay postpones the response so the program can finish drawing.
	Delay time.Duration
}

// PromptScript is an ordered table of prompt rules.
type PromptScript []PromptRule

// PromptState tracks which rules of a script already fired.
type PromptState struct {
	script PromptScript
	fired  []bool
}

// NewPromptState creates fresh one-shot guards for script.
func NewPromptState(script PromptScript) *PromptState {
	return &PromptState{
		script: script,
		fired:  make([]bool, len(script)),
	}
}

// Due returns the rules whose pattern matches text and that have not fired
// yet, in table order, and marks them fired.
func (s *PromptState) Due(text string) []PromptRule {
	var due []PromptRule

	for i, rule := range s.script {
		if s.fired[i] || rule.Pattern == nil {
			continue
		}

		if rule.Pattern.MatchString(text) {
			s.fired[i] = true
			due = append(due, rule)
		}
	}

	return due
}

// Fired reports whether the named rule has responded.
func (s *PromptState) Fired(name string) bool {
	for i, rule := range s.script {
		if rule.Name == name {
			return s.fired[i]
		}
	}

	return false
}
