// Package completion enforces that an agent turn ends either as a plain
// conversational exchange or with an explicit, verified completion verdict.
package completion

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the verdict carried by a completion declaration.
type Status string

// Completion statuses accepted from the completion tool.
const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusBlocked Status = "blocked"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusBlocked:
		return true
	default:
		return false
	}
}

// Declaration is the agent's structured claim that a task is finished,
// partially finished, or blocked.
type Declaration struct {
	Status                 Status `json:"status"`
	Summary                string `json:"summary"`
	OriginalRequestSummary string `json:"original_request_summary"`
	RemainingWork          string `json:"remaining_work,omitempty"`
}

// ParseDeclaration decodes the completion tool's input payload.
func ParseDeclaration(raw json.RawMessage) (Declaration, error) {
	var decl Declaration
	if len(raw) == 0 {
		return decl, fmt.Errorf("completion declaration is empty")
	}

	if err := json.Unmarshal(raw, &decl); err != nil {
		return decl, fmt.Errorf("decode completion declaration: %w", err)
	}

	decl.Status = Status(strings.ToLower(strings.TrimSpace(string(decl.Status))))
	if !decl.Status.Valid() {
		return decl, fmt.Errorf("invalid completion status %q (allowed: success, partial, blocked)", decl.Status)
	}

	return decl, nil
}
