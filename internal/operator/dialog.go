package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/musher-dev/tether/internal/authz"
)

const (
	previewLines = 12
	otherLabel   = "Other (type an answer)"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

// Dialog asks through a full-screen terminal dialog.
type Dialog struct {
	In  io.Reader
	Out io.Writer
}

var _ Asker = Dialog{}

// AskPermission shows a file permission request.
func (d Dialog) AskPermission(ctx context.Context, req *authz.OperatorRequest) (bool, error) {
	m, err := d.run(ctx, newPermissionModel(req))
	if err != nil {
		return false, err
	}

	return m.allowed, nil
}

// AskQuestion shows a question request.
func (d Dialog) AskQuestion(ctx context.Context, req *authz.OperatorRequest) (authz.QuestionResponse, error) {
	m, err := d.run(ctx, newQuestionModel(req))
	if err != nil {
		return authz.QuestionResponse{}, err
	}

	return m.response(), nil
}

func (d Dialog) run(ctx context.Context, m dialogModel) (dialogModel, error) {
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}
	if d.In != nil {
		opts = append(opts, tea.WithInput(d.In))
	}

	if d.Out != nil {
		opts = append(opts, tea.WithOutput(d.Out))
	}

	final, err := tea.NewProgram(m, opts...).Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return m, ctx.Err()
		}

		return m, fmt.Errorf("operator dialog: %w", err)
	}

	result, ok := final.(dialogModel)
	if !ok {
		return m, fmt.Errorf("operator dialog: unexpected model %T", final)
	}

	return result, nil
}

// dialogModel is the bubbletea model for one request.
type dialogModel struct {
	req *authz.OperatorRequest

	// question state
	options  []string
	cursor   int
	selected map[int]bool
	typing   bool
	input    textinput.Model

	done     bool
	allowed  bool
	denied   bool
	custom   string
	answered []string
}

func newPermissionModel(req *authz.OperatorRequest) dialogModel {
	return dialogModel{req: req}
}

func newQuestionModel(req *authz.OperatorRequest) dialogModel {
	ti := textinput.New()
	ti.Placeholder = "Type your answer"
	ti.CharLimit = 2000
	ti.Width = 60

	m := dialogModel{req: req, selected: make(map[int]bool), input: ti}

	if q := req.Question; q != nil {
		for _, opt := range q.Options {
			m.options = append(m.options, opt.Label)
		}
	}

	m.options = append(m.options, otherLabel)

	// A question without options goes straight to free text.
	if len(m.options) == 1 {
		m.typing = true
		m.input.Focus()
	}

	return m
}

func (m dialogModel) multiSelect() bool {
	return m.req.Question != nil && m.req.Question.MultiSelect
}

func (m dialogModel) Init() tea.Cmd {
	if m.typing {
		return textinput.Blink
	}

	return nil
}

func (m dialogModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		if m.typing {
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)

			return m, cmd
		}

		return m, nil
	}

	if key.Type == tea.KeyCtrlC {
		m.done, m.denied, m.allowed = true, true, false
		return m, tea.Quit
	}

	if m.req.Kind == authz.KindPermission {
		return m.updatePermission(key)
	}

	return m.updateQuestion(key)
}

func (m dialogModel) updatePermission(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch strings.ToLower(key.String()) {
	case "y", "a":
		m.done, m.allowed = true, true
		return m, tea.Quit
	case "n", "d", "esc":
		m.done, m.allowed = true, false
		return m, tea.Quit
	}

	return m, nil
}

func (m dialogModel) updateQuestion(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.typing {
		switch key.Type {
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}

			m.done, m.custom = true, text
			m.answered = m.picked()

			return m, tea.Quit
		case tea.KeyEsc:
			if len(m.options) == 1 {
				m.done, m.denied = true, true
				return m, tea.Quit
			}

			m.typing = false
			m.input.Blur()

			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(key)

		return m, cmd
	}

	other := len(m.options) - 1

	k := key.String()
	if key.Type == tea.KeySpace {
		k = " "
	}

	switch k {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < other {
			m.cursor++
		}
	case " ", "x":
		if m.multiSelect() && m.cursor != other {
			m.selected[m.cursor] = !m.selected[m.cursor]
		}
	case "esc":
		m.done, m.denied = true, true
		return m, tea.Quit
	case "enter":
		if m.cursor == other {
			m.typing = true
			cmd := m.input.Focus()

			return m, cmd
		}

		if !m.multiSelect() {
			m.selected = map[int]bool{m.cursor: true}
		} else if len(m.picked()) == 0 {
			m.selected[m.cursor] = true
		}

		m.done = true
		m.answered = m.picked()

		return m, tea.Quit
	}

	return m, nil
}

func (m dialogModel) picked() []string {
	var out []string

	for i, label := range m.options[:len(m.options)-1] {
		if m.selected[i] {
			out = append(out, label)
		}
	}

	return out
}

func (m dialogModel) response() authz.QuestionResponse {
	if m.denied || !m.done {
		return authz.DeniedQuestion()
	}

	resp := authz.QuestionResponse{Answered: true, SelectedOptions: m.answered, CustomText: m.custom}
	if resp.SelectedOptions == nil {
		resp.SelectedOptions = []string{}
	}

	return resp
}

func (m dialogModel) View() string {
	if m.done {
		return ""
	}

	if m.req.Kind == authz.KindPermission {
		return boxStyle.Render(m.viewPermission()) + "\n"
	}

	return boxStyle.Render(m.viewQuestion()) + "\n"
}

func (m dialogModel) viewPermission() string {
	var b strings.Builder

	f := m.req.File
	if f == nil {
		f = &authz.FileDetails{}
	}

	b.WriteString(titleStyle.Render("Permission requested: "+string(f.Operation)) + "\n\n")

	for _, p := range f.FilePaths {
		b.WriteString(labelStyle.Render("file   ") + normalStyle.Render(p) + "\n")
	}

	if f.TargetPath != "" {
		b.WriteString(labelStyle.Render("target ") + normalStyle.Render(f.TargetPath) + "\n")
	}

	if f.ContentPreview != "" {
		b.WriteString("\n" + labelStyle.Render("preview") + "\n")

		lines := strings.Split(f.ContentPreview, "\n")
		if len(lines) > previewLines {
			lines = append(lines[:previewLines], "…")
		}

		b.WriteString(dimStyle.Render(strings.Join(lines, "\n")) + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("y allow · n deny"))

	return b.String()
}

func (m dialogModel) viewQuestion() string {
	var b strings.Builder

	q := m.req.Question
	if q == nil {
		q = &authz.QuestionDetails{}
	}

	if q.Header != "" {
		b.WriteString(labelStyle.Render(q.Header) + "\n")
	}

	b.WriteString(titleStyle.Render(q.Question) + "\n\n")

	if m.typing {
		b.WriteString(m.input.View() + "\n\n")
		b.WriteString(dimStyle.Render("enter submit · esc back"))

		return b.String()
	}

	for i, label := range m.options {
		marker := "  "
		if m.multiSelect() && i < len(m.options)-1 {
			marker = "[ ] "
			if m.selected[i] {
				marker = "[x] "
			}
		}

		line := marker + label
		if i < len(q.Options) && q.Options[i].Description != "" {
			line += dimStyle.Render("  " + q.Options[i].Description)
		}

		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> "+line) + "\n")
		} else {
			b.WriteString(normalStyle.Render("  "+line) + "\n")
		}
	}

	hint := "↑/↓ move · enter choose · esc decline"
	if m.multiSelect() {
		hint = "↑/↓ move · space toggle · enter submit · esc decline"
	}

	b.WriteString("\n" + dimStyle.Render(hint))

	return b.String()
}
