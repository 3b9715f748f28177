package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFlowCancelled reports that a flow was cancelled before it finished.
	ErrFlowCancelled = errors.New("flow cancelled")
	// ErrDisposed reports use of a disposed controller.
	ErrDisposed = errors.New("controller disposed")
)

// tailLines is how many output lines a failure carries.
const tailLines = 15

// FlowError describes a flow that did not exit cleanly. Tail is already redacted.
type FlowError struct {
	Flow      string
	ExitCode  int
	Signal    string
	Tail      []string
	Cancelled bool
	// Unreaped is set when the process outlived its kill and its exit status
	// is unknown.
	Unreaped  bool
}

func (e *FlowError) Error() string {
	var b strings.Builder

	name := e.Flow
	if name == "" {
		name = "flow"
	}

	switch {
	case e.Unreaped:
		fmt.Fprintf(&b, "%s did not exit after kill", name)
	case e.Cancelled:
		fmt.Fprintf(&b, "%s cancelled", name)
	default:
		fmt.Fprintf(&b, "%s failed with exit code %d", name, e.ExitCode)
	}

	if e.Signal != "" {
		fmt.Fprintf(&b, " (signal %s)", e.Signal)
	}

	if len(e.Tail) > 0 {
		b.WriteString("\nLast output:\n")
		b.WriteString(strings.Join(e.Tail, "\n"))
	}

	return b.String()
}

// Is matches ErrFlowCancelled for cancelled flows.
func (e *FlowError) Is(target error) bool {
	return e.Cancelled && target == ErrFlowCancelled
}

func redactedTail(t *TailBuffer) []string {
	lines := t.LastLines(tailLines)
	for i, line := range lines {
		lines[i] = Redact(line)
	}

	return lines
}
