package operator

import (
	"context"
	"strings"

	"github.com/musher-dev/tether/internal/authz"
	"github.com/musher-dev/tether/internal/output"
	"github.com/musher-dev/tether/internal/prompt"
)

// Line asks through plain line prompts, for terminals without dialog support.
type Line struct {
	Out      *output.Writer
	Prompter *prompt.Prompter
}

var _ Asker = Line{}

// AskPermission prints the request and asks for y/N.
func (l Line) AskPermission(ctx context.Context, req *authz.OperatorRequest) (bool, error) {
	f := req.File
	if f == nil {
		f = &authz.FileDetails{}
	}

	l.Out.Println()
	l.Out.Warning("The agent wants to %s:", f.Operation)

	for _, p := range f.FilePaths {
		l.Out.Print("  %s\n", p)
	}

	if f.TargetPath != "" {
		l.Out.Print("  -> %s\n", f.TargetPath)
	}

	if f.ContentPreview != "" {
		lines := strings.Split(f.ContentPreview, "\n")
		if len(lines) > previewLines {
			lines = append(lines[:previewLines], "…")
		}

		for _, line := range lines {
			l.Out.Muted("  | %s", line)
		}
	}

	return l.Prompter.Confirm(ctx, "Allow?", false)
}

// AskQuestion prints the question and reads a choice or free text.
// An empty free-text answer declines.
func (l Line) AskQuestion(ctx context.Context, req *authz.OperatorRequest) (authz.QuestionResponse, error) {
	q := req.Question
	if q == nil {
		q = &authz.QuestionDetails{}
	}

	l.Out.Println()

	if q.Header != "" {
		l.Out.Muted("%s", q.Header)
	}

	if len(q.Options) == 0 {
		text, err := l.Prompter.Text(ctx, q.Question)
		if err != nil {
			return authz.QuestionResponse{}, err
		}

		if text == "" {
			return authz.DeniedQuestion(), nil
		}

		return authz.QuestionResponse{Answered: true, SelectedOptions: []string{}, CustomText: text}, nil
	}

	labels := make([]string, 0, len(q.Options)+1)
	for _, opt := range q.Options {
		label := opt.Label
		if opt.Description != "" {
			label += " - " + opt.Description
		}

		labels = append(labels, label)
	}

	labels = append(labels, otherLabel)
	other := len(labels) - 1

	var picked []int

	if q.MultiSelect {
		idx, err := l.Prompter.MultiSelect(ctx, q.Question, labels)
		if err != nil {
			return authz.QuestionResponse{}, err
		}

		picked = idx
	} else {
		idx, err := l.Prompter.Select(ctx, q.Question, labels)
		if err != nil {
			return authz.QuestionResponse{}, err
		}

		picked = []int{idx}
	}

	resp := authz.QuestionResponse{Answered: true, SelectedOptions: []string{}}
	wantsText := false

	for _, i := range picked {
		if i == other {
			wantsText = true
			continue
		}

		resp.SelectedOptions = append(resp.SelectedOptions, q.Options[i].Label)
	}

	if wantsText {
		text, err := l.Prompter.Text(ctx, "Your answer")
		if err != nil {
			return authz.QuestionResponse{}, err
		}

		resp.CustomText = text
	}

	if len(resp.SelectedOptions) == 0 && resp.CustomText == "" {
		return authz.DeniedQuestion(), nil
	}

	return resp, nil
}

// Deny refuses every request. Hosts use it when no operator can answer.
type Deny struct{}

var _ Asker = Deny{}

// AskPermission denies.
func (Deny) AskPermission(context.Context, *authz.OperatorRequest) (bool, error) {
	return false, nil
}

// AskQuestion declines.
func (Deny) AskQuestion(context.Context, *authz.OperatorRequest) (authz.QuestionResponse, error) {
	return authz.DeniedQuestion(), nil
}
