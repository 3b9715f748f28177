package governor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// DefaultRecoveryTimeout bounds a recovery command.
const DefaultRecoveryTimeout = 60 * time.Second

// CommandRecoverer runs a shell command to restart the automation backend.
// Each stdout or stderr line is reported as progress.
type CommandRecoverer struct {
	Command string
	Timeout time.Duration
	Env     []string
}

// Recover runs the configured command with TETHER_TASK_ID set.
func (r *CommandRecoverer) Recover(ctx context.Context, taskID string, progress func(message string)) error {
	if strings.TrimSpace(r.Command) == "" {
		return fmt.Errorf("recovery command is empty")
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultRecoveryTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", r.Command) //nolint:gosec // G204: command comes from local configuration
	cmd.Env = append(append(os.Environ(), r.Env...), "TETHER_TASK_ID="+taskID)
	cmd.WaitDelay = 2 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if progress != nil {
		progress("Restarting automation backend")
	}

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()

		return fmt.Errorf("start recovery command: %w", err)
	}

	scanDone := make(chan struct{})

	go func() {
		defer close(scanDone)

		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := strings.TrimSpace(ansi.Strip(scanner.Text()))
			if line != "" && progress != nil {
				progress(line)
			}
		}

		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	_ = pw.Close()
	<-scanDone

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("recovery command timed out after %s: %w", timeout, ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("recovery command exited with code %d", exitErr.ExitCode())
		}

		return fmt.Errorf("recovery command: %w", err)
	}

	if progress != nil {
		progress("Automation backend restarted")
	}

	return nil
}

var _ Recoverer = (*CommandRecoverer)(nil)
