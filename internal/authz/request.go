// Package authz brokers authorization requests raised by the agent's tool
// plugins against a human operator.
package authz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the request shape.
type Kind string

// Request kinds.
const (
	KindPermission Kind = "permission"
	KindQuestion   Kind = "question"
)

// FileOperation is the file-system action a plugin asks permission for.
type FileOperation string

// File operations.
const (
	OpCreate    FileOperation = "create"
	OpDelete    FileOperation = "delete"
	OpRename    FileOperation = "rename"
	OpMove      FileOperation = "move"
	OpModify    FileOperation = "modify"
	OpOverwrite FileOperation = "overwrite"
)

// maxContentPreview caps the preview forwarded to the operator.
const maxContentPreview = 2000

func (op FileOperation) valid() bool {
	switch op {
	case OpCreate, OpDelete, OpRename, OpMove, OpModify, OpOverwrite:
		return true
	default:
		return false
	}
}

func (op FileOperation) needsTarget() bool {
	return op == OpRename || op == OpMove
}

// FilePermissionInput is the body of a permission request.
type FilePermissionInput struct {
	Operation      FileOperation `json:"operation"`
	FilePath       string        `json:"filePath,omitempty"`
	FilePaths      []string      `json:"filePaths,omitempty"`
	TargetPath     string        `json:"targetPath,omitempty"`
	ContentPreview string        `json:"contentPreview,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionInput is the body of a question request.
type QuestionInput struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// FileDetails is the operator-facing view of a permission request.
type FileDetails struct {
	Operation      FileOperation `json:"operation"`
	FilePaths      []string      `json:"filePaths"`
	TargetPath     string        `json:"targetPath,omitempty"`
	ContentPreview string        `json:"contentPreview,omitempty"`
}

// QuestionDetails is the operator-facing view of a question request.
type QuestionDetails struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
}

// OperatorRequest is what the operator surface renders.
type OperatorRequest struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"taskId"`
	Kind      Kind             `json:"kind"`
	CreatedAt time.Time        `json:"createdAt"`
	File      *FileDetails     `json:"file,omitempty"`
	Question  *QuestionDetails `json:"question,omitempty"`
}

// PermissionDecision is the answer to a permission request.
type PermissionDecision struct {
	Allowed bool `json:"allowed"`
}

// QuestionResponse is the answer to a question request.
type QuestionResponse struct {
	Answered        bool     `json:"answered"`
	Denied          bool     `json:"denied"`
	SelectedOptions []string `json:"selectedOptions"`
	CustomText      string   `json:"customText,omitempty"`
}

// DeniedQuestion is the response used when the operator refuses or never answers.
func DeniedQuestion() QuestionResponse {
	return QuestionResponse{Denied: true, SelectedOptions: []string{}}
}

// ValidationResult reports whether a request body is structurally valid.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Error: fmt.Sprintf(format, args...)}
}

var valid = ValidationResult{Valid: true}

// ValidateFilePermissionRequest checks a raw permission request body.
func ValidateFilePermissionRequest(raw []byte) ValidationResult {
	_, res := DecodeFilePermissionRequest(raw)
	return res
}

// ValidateQuestionRequest checks a raw question request body.
func ValidateQuestionRequest(raw []byte) ValidationResult {
	_, res := DecodeQuestionRequest(raw)
	return res
}

// DecodeFilePermissionRequest decodes and validates a permission request body.
func DecodeFilePermissionRequest(raw []byte) (FilePermissionInput, ValidationResult) {
	var in FilePermissionInput
	if err := decodeObject(raw, &in); err != nil {
		return in, invalid("invalid JSON: %v", err)
	}

	in.Operation = FileOperation(strings.ToLower(strings.TrimSpace(string(in.Operation))))

	switch {
	case in.Operation == "":
		return in, invalid("operation is required")
	case !in.Operation.valid():
		return in, invalid("unsupported operation %q", in.Operation)
	case strings.TrimSpace(in.FilePath) == "" && len(nonEmpty(in.FilePaths)) == 0:
		return in, invalid("filePath or filePaths is required")
	case in.Operation.needsTarget() && strings.TrimSpace(in.TargetPath) == "":
		return in, invalid("targetPath is required for %s", in.Operation)
	}

	return in, valid
}

// DecodeQuestionRequest decodes and validates a question request body.
func DecodeQuestionRequest(raw []byte) (QuestionInput, ValidationResult) {
	var in QuestionInput
	if err := decodeObject(raw, &in); err != nil {
		return in, invalid("invalid JSON: %v", err)
	}

	if strings.TrimSpace(in.Question) == "" {
		return in, invalid("question is required")
	}

	seen := make(map[string]bool, len(in.Options))
	for i, opt := range in.Options {
		label := strings.TrimSpace(opt.Label)
		if label == "" {
			return in, invalid("options[%d].label is required", i)
		}

		if seen[label] {
			return in, invalid("duplicate option label: %q", label)
		}

		seen[label] = true
	}

	return in, valid
}

func decodeObject(raw []byte, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return fmt.Errorf("expected a JSON object")
	}

	return json.Unmarshal(raw, v)
}

// BuildFilePermissionRequest produces the operator payload for a validated permission input.
func BuildFilePermissionRequest(id, taskID string, in FilePermissionInput) *OperatorRequest {
	paths := nonEmpty(in.FilePaths)
	if p := strings.TrimSpace(in.FilePath); p != "" {
		paths = append([]string{p}, paths...)
	}

	preview := in.ContentPreview
	if r := []rune(preview); len(r) > maxContentPreview {
		preview = string(r[:maxContentPreview]) + "…"
	}

	return &OperatorRequest{
		ID:        id,
		TaskID:    taskID,
		Kind:      KindPermission,
		CreatedAt: time.Now().UTC(),
		File: &FileDetails{
			Operation:      in.Operation,
			FilePaths:      paths,
			TargetPath:     strings.TrimSpace(in.TargetPath),
			ContentPreview: preview,
		},
	}
}

// BuildQuestionRequest produces the operator payload for a validated question input.
func BuildQuestionRequest(id, taskID string, in QuestionInput) *OperatorRequest {
	opts := make([]QuestionOption, 0, len(in.Options))
	for _, opt := range in.Options {
		opts = append(opts, QuestionOption{Label: strings.TrimSpace(opt.Label), Description: opt.Description})
	}

	return &OperatorRequest{
		ID:        id,
		TaskID:    taskID,
		Kind:      KindQuestion,
		CreatedAt: time.Now().UTC(),
		Question: &QuestionDetails{
			Question:    strings.TrimSpace(in.Question),
			Header:      strings.TrimSpace(in.Header),
			Options:     opts,
			MultiSelect: in.MultiSelect,
		},
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}
