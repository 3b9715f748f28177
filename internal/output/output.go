// Package output renders tether's human and machine output.
//
// A Writer carries the run's presentation mode (JSON, quiet, no-input) and
// the detected terminal, and is stored in the command context so every
// command and the agent event renderer write through the same streams.
// Status lines go to stdout except failures, which go to stderr.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"

	"github.com/musher-dev/tether/internal/terminal"
)

// Status symbols
const (
	CheckMark   = "\u2713" // ✓
	XMark       = "\u2717" // ✗
	WarningMark = "\u26A0" // ⚠
	InfoMark    = "\u2139" // ℹ
	Gutter      = "\u2502" // │
)

const fieldWidth = 14

type contextKey struct{}

// tone is one kind of status line.
type tone struct {
	mark   string
	color  *color.Color
	stderr bool
}

var (
	toneSuccess = tone{mark: CheckMark, color: color.New(color.FgGreen)}
	toneFailure = tone{mark: XMark, color: color.New(color.FgRed), stderr: true}
	toneWarning = tone{mark: WarningMark, color: color.New(color.FgYellow)}
	toneInfo    = tone{mark: InfoMark, color: color.New(color.FgCyan)}
	toneMuted   = tone{color: color.New(color.FgHiBlack)}
)

// Writer handles CLI output with multiple modes.
type Writer struct {
	Out     io.Writer
	Err     io.Writer
	JSON    bool
	Quiet   bool
	Verbose bool
	NoInput bool

	terminal *terminal.Info
}

// Default returns a Writer on stdout/stderr for the detected terminal.
func Default() *Writer {
	return NewWriter(os.Stdout, os.Stderr, terminal.Detect())
}

// NewWriter creates a Writer with custom writers and terminal info.
func NewWriter(out, err io.Writer, term *terminal.Info) *Writer {
	if !term.ColorEnabled() {
		color.NoColor = true
	}

	return &Writer{Out: out, Err: err, terminal: term}
}

// WithContext stores the Writer in the context.
func (w *Writer) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, w)
}

// FromContext retrieves the Writer from context, or returns Default().
func FromContext(ctx context.Context) *Writer {
	if w, ok := ctx.Value(contextKey{}).(*Writer); ok {
		return w
	}

	return Default()
}

// Terminal returns the terminal info.
func (w *Writer) Terminal() *terminal.Info {
	return w.terminal
}

// SetNoColor disables colored output.
func (w *Writer) SetNoColor(disabled bool) {
	w.terminal.ForceFlag = disabled
	if disabled {
		color.NoColor = true
	}
}

// Print writes to stdout (respects quiet mode).
func (w *Writer) Print(format string, args ...any) {
	if !w.Quiet {
		fmt.Fprintf(w.Out, format, args...)
	}
}

// Println writes a line to stdout (respects quiet mode).
func (w *Writer) Println(args ...any) {
	if !w.Quiet {
		fmt.Fprintln(w.Out, args...)
	}
}

// PrintJSON writes v as indented JSON, for command results.
func (w *Writer) PrintJSON(v any) error {
	enc := json.NewEncoder(w.Out)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// PrintJSONLine writes v as one compact JSON line, for event streams.
func (w *Writer) PrintJSONLine(v any) error {
	return json.NewEncoder(w.Out).Encode(v)
}

// Error writes to stderr regardless of quiet mode.
func (w *Writer) Error(format string, args ...any) {
	fmt.Fprintf(w.Err, format, args...)
}

// Write passes raw agent output to stdout unless quiet.
func (w *Writer) Write(p []byte) (int, error) {
	if w.Quiet {
		return len(p), nil
	}

	return w.Out.Write(p)
}

// Debug writes to stdout only in verbose mode.
func (w *Writer) Debug(format string, args ...any) {
	if w.Verbose {
		toneMuted.color.Fprintf(w.Out, "[debug] "+format+"\n", args...)
	}
}

// Success writes a success message with a checkmark.
func (w *Writer) Success(format string, args ...any) {
	w.status(toneSuccess, fmt.Sprintf(format, args...))
}

// Failure writes an error message with an X mark to stderr, even when quiet.
func (w *Writer) Failure(format string, args ...any) {
	w.status(toneFailure, fmt.Sprintf(format, args...))
}

// Warning writes a warning message.
func (w *Writer) Warning(format string, args ...any) {
	w.status(toneWarning, fmt.Sprintf(format, args...))
}

// Info writes an info message.
func (w *Writer) Info(format string, args ...any) {
	w.status(toneInfo, fmt.Sprintf(format, args...))
}

// Muted writes gray text without a mark.
func (w *Writer) Muted(format string, args ...any) {
	w.status(toneMuted, fmt.Sprintf(format, args...))
}

func (w *Writer) status(t tone, message string) {
	dst := w.Out
	if t.stderr {
		dst = w.Err
	} else if w.Quiet {
		return
	}

	switch {
	case t.mark == "" && w.terminal.ColorEnabled():
		t.color.Fprintln(dst, message)
	case t.mark == "":
		fmt.Fprintln(dst, message)
	case w.terminal.ColorEnabled():
		t.color.Fprint(dst, t.mark+" ")
		fmt.Fprintln(dst, message)
	default:
		fmt.Fprintln(dst, t.mark+" "+message)
	}
}

// Field writes an aligned "label  value" line.
func (w *Writer) Field(label, value string) {
	w.prefixed(toneMuted, fmt.Sprintf("%-*s", fieldWidth, label), value)
}

// AgentLine writes one line of agent activity behind a gutter and its kind.
func (w *Writer) AgentLine(kind, text string) {
	if text == "" {
		return
	}

	w.prefixed(toneInfo, fmt.Sprintf("%s %-6s ", Gutter, kind), text)
}

func (w *Writer) prefixed(t tone, prefix, text string) {
	if w.Quiet {
		return
	}

	if w.terminal.ColorEnabled() {
		t.color.Fprint(w.Out, prefix)
		fmt.Fprintln(w.Out, text)

		return
	}

	fmt.Fprintln(w.Out, prefix+text)
}

// Spinner wraps briandowns/spinner. Without a TTY, or in quiet mode, it
// degrades to a "message... result" line.
type Spinner struct {
	spinner  *spinner.Spinner
	message  string
	writer   *Writer
	disabled bool
}

// Spinner creates a spinner for a wait the operator should see.
func (w *Writer) Spinner(message string) *Spinner {
	if w.Quiet || !w.terminal.SpinnersEnabled() {
		return &Spinner{disabled: true, message: message, writer: w}
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Writer = w.Out
	s.Suffix = " " + message

	return &Spinner{spinner: s, message: message, writer: w}
}

// Start begins the spinner animation.
func (s *Spinner) Start() {
	if s.disabled {
		s.writer.Print("%s... ", s.message)
		return
	}

	s.spinner.Start()
}

// Stop stops the spinner animation.
func (s *Spinner) Stop() {
	if !s.disabled {
		s.spinner.Stop()
	}
}

// StopWithSuccess stops the spinner and shows message as a success.
func (s *Spinner) StopWithSuccess(message string) {
	s.stopWith("done", toneSuccess, message)
}

// StopWithFailure stops the spinner and shows message as a failure.
func (s *Spinner) StopWithFailure(message string) {
	s.stopWith("failed", toneFailure, message)
}

// StopWithWarning stops the spinner and shows message as a warning.
func (s *Spinner) StopWithWarning(message string) {
	s.stopWith("warning", toneWarning, message)
}

func (s *Spinner) stopWith(word string, t tone, message string) {
	if s.disabled {
		s.writer.Println(word)
	} else {
		s.spinner.Stop()
	}

	if message != "" {
		s.writer.status(t, message)
	}
}

// UpdateMessage changes the spinner message.
func (s *Spinner) UpdateMessage(message string) {
	s.message = message
	if !s.disabled {
		s.spinner.Suffix = " " + message
	}
}
