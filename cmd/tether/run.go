package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	clierrors "github.com/musher-dev/tether/internal/errors"
	"github.com/musher-dev/tether/internal/output"
	"github.com/musher-dev/tether/internal/task"
)

func newRunCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a task with the agent",
		Long: `Run one task with the agent and stay with it until it is done.

The agent is resumed in the same session until it declares the task
complete, partially complete, or blocked. File permission requests and
questions from the agent are shown to you one at a time.

The prompt is read from stdin when no argument is given.`,
		Example: `  tether run "add a health check endpoint"
  echo "fix the flaky test" | tether run
  tether run --agent-model openai/gpt-5 "summarize the repo"`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, os.Stdin)
			if err != nil {
				return err
			}

			h, err := newHost(cmd)
			if err != nil {
				return err
			}

			defer h.controller.Dispose()

			gov := h.governor()
			if gov != nil {
				defer gov.Wait()
			}

			runner, err := h.runner(gov)
			if err != nil {
				return fmt.Errorf("create task runner: %w", err)
			}

			ctx := cmd.Context()

			b, err := startBroker(ctx, h.cfg, h.out, h.logger, runner.ActiveTask)
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()

				_ = b.Close(shutdownCtx)
			}()

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				<-sigCtx.Done()
				runner.Cancel()
			}()

			if !h.out.JSON {
				h.out.Muted("Agent %s, broker on %s", h.spec.Name, b.addr)
			}

			outcome, err := runner.Run(ctx, task.Task{ID: taskID, Prompt: prompt})
			if err != nil {
				return flowError(err)
			}

			return renderOutcome(h.out, outcome)
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id exposed to plugins (default: random UUID)")
	cmd.Flags().String("agent-model", "", "Model passed to the agent")
	cmd.Flags().String("agent-config-path", "", "Agent config file to point the agent at")
	cmd.Flags().Int("broker-port", 0, "Authorization broker port (default: 9226)")
	cmd.Flags().String("governor-recovery-command", "", "Shell command that restarts the browser backend")
	cmd.Flags().Int("completion-max-continuations", 0, "Continuation prompts allowed per task (default: 10)")

	return cmd
}

// readPrompt joins args, falling back to piped stdin.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))

	if prompt == "" && stdin != nil && !isTerminalReader(stdin) {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}

		prompt = strings.TrimSpace(string(data))
	}

	if prompt == "" {
		return "", &clierrors.CLIError{
			Message: "A task prompt is required",
			Hint:    "Pass the prompt as an argument or pipe it on stdin",
			Code:    clierrors.ExitUsage,
		}
	}

	return prompt, nil
}

// runResult is the --json rendering of a finished task.
type runResult struct {
	TaskID        string      `json:"taskId"`
	SessionID     string      `json:"sessionId,omitempty"`
	Status        task.Status `json:"status"`
	Turns         int         `json:"turns"`
	Summary       string      `json:"summary,omitempty"`
	RemainingWork string      `json:"remainingWork,omitempty"`
	LastText      string      `json:"lastText,omitempty"`
}

func renderOutcome(out *output.Writer, o *task.Outcome) error {
	res := runResult{
		TaskID:    o.TaskID,
		SessionID: o.SessionID,
		Status:    o.Status,
		Turns:     o.Turns,
		LastText:  o.LastText,
	}

	if o.Declaration != nil {
		res.Summary = o.Declaration.Summary
		res.RemainingWork = o.Declaration.RemainingWork
	}

	if out.JSON {
		if err := out.PrintJSON(res); err != nil {
			return err
		}
	} else {
		out.Println()

		switch o.Status {
		case task.StatusSuccess:
			out.Success("Task complete")
		case task.StatusPartial:
			out.Warning("Task partially complete")
		case task.StatusBlocked:
			out.Failure("Task blocked")
		case task.StatusIncomplete:
			out.Warning("Agent stopped without declaring the task complete")
		default:
			out.Success("Agent replied")
		}

		out.Field("Task", res.TaskID)

		if res.SessionID != "" {
			out.Field("Session", res.SessionID)
		}

		out.Field("Turns", strconv.Itoa(res.Turns))

		if res.Summary != "" {
			out.Field("Summary", res.Summary)
		}

		if res.RemainingWork != "" {
			out.Field("Remaining", res.RemainingWork)
		}
	}

	switch o.Status {
	case task.StatusBlocked:
		return &clierrors.CLIError{
			Message: "The agent is blocked",
			Hint:    "Resolve the blocker and run the task again",
			Code:    clierrors.ExitExecution,
		}
	case task.StatusIncomplete:
		return &clierrors.CLIError{
			Message: "The agent stopped without declaring the task complete",
			Hint:    "Run the task again or raise completion.max_continuations",
			Code:    clierrors.ExitExecution,
		}
	}

	return nil
}

func isTerminalReader(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}

	info, err := f.Stat()
	if err != nil {
		return false
	}

	return info.Mode()&os.ModeCharDevice != 0
}
