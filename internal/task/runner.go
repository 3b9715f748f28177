// Package task runs an agent task turn by turn, wiring the managed agent
// process to completion enforcement and connection-failure recovery.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/musher-dev/tether/internal/agent"
	"github.com/musher-dev/tether/internal/agentevent"
	"github.com/musher-dev/tether/internal/completion"
	"github.com/musher-dev/tether/internal/observability"
	"github.com/musher-dev/tether/internal/supervisor"
)

// Status is how a task ended.
type Status string

// Task outcomes.
const (
	StatusSuccess        Status = "success"
	StatusPartial        Status = "partial"
	StatusBlocked        Status = "blocked"
	StatusConversational Status = "conversational"
	// StatusIncomplete means the agent worked but never declared an outcome.
	StatusIncomplete Status = "incomplete"
	StatusCancelled  Status = "cancelled"
)

// FlowRunner runs managed flows. *supervisor.Controller implements it.
type FlowRunner interface {
	Start(ctx context.Context, flow supervisor.Flow) (*supervisor.Result, error)
	Cancel()
}

// ToolObserver receives finished tool calls. *governor.Governor implements it.
type ToolObserver interface {
	OnToolCallComplete(ctx context.Context, taskID, toolName, output string)
	Forget(taskID string)
}

// Task is one operator request.
type Task struct {
	ID     string
	Prompt string
}

// Outcome summarizes a finished task.
type Outcome struct {
	TaskID      string
	SessionID   string
	Status      Status
	Declaration *completion.Declaration
	Turns       int
	LastText    string
}

// Options configures a Runner.
type Options struct {
	Agent      *agent.Spec
	Binary     string
	ConfigPath string
	Model      string
	// Env is added to every agent turn.
	Env        []string
	Flows      FlowRunner
	Tools      ToolObserver
	Completion []completion.Option
	// OnEvent observes every decoded agent event.
	OnEvent func(taskID string, ev agentevent.Event)
	// OnText receives raw non-event output lines.
	OnText func(taskID, line string)
	Logger *slog.Logger
}

// Runner executes tasks one at a time.
type Runner struct {
	opts   Options
	logger *slog.Logger

	runMu sync.Mutex

	mu        sync.Mutex
	active    string
	cancelled bool
}

// NewRunner creates a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Agent == nil {
		return nil, fmt.Errorf("agent spec is required")
	}

	if opts.Flows == nil {
		return nil, fmt.Errorf("flow runner is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		opts:   opts,
		logger: logger.With(slog.String("component", "task")),
	}, nil
}

// ActiveTask returns the id of the running task.
func (r *Runner) ActiveTask() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active, r.active != ""
}

// Cancel stops the running task, if any.
func (r *Runner) Cancel() {
	r.mu.Lock()
	if r.active == "" {
		r.mu.Unlock()
		return
	}

	r.cancelled = true
	r.mu.Unlock()

	r.opts.Flows.Cancel()
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cancelled
}

// turnState is mutated by the event pump of one turn.
type turnState struct {
	mu         sync.Mutex
	sessionID  string
	decision   completion.Decision
	terminal   bool
	nextPrompt string
	lastText   string
	lastErr    string

	// completedAs is the current turn's declaration; declaredEarlier
	// remembers that some turn declared.
	completedAs     *completion.Declaration
	declaredEarlier bool
}

func (st *turnState) setNextPrompt(prompt string) {
	st.mu.Lock()
	st.nextPrompt = prompt
	st.mu.Unlock()
}

// Run executes t until the completion enforcer lets it finish.
func (r *Runner) Run(ctx context.Context, t Task) (*Outcome, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	ctx, span := observability.Tracer("tether.task").Start(ctx, "task.run",
		trace.WithAttributes(attribute.String("task.id", t.ID)),
	)
	defer span.End()

	r.mu.Lock()
	r.active = t.ID
	r.cancelled = false
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active = ""
		r.mu.Unlock()

		if r.opts.Tools != nil {
			r.opts.Tools.Forget(t.ID)
		}
	}()

	logger := r.logger.With(slog.String("task.id", t.ID))
	logger.Info("Task started", slog.String("event.type", "task.start"))

	spec := r.opts.Agent
	st := &turnState{}

	enforcer := completion.New(completion.Hooks{
		OnStartVerification: func(_ context.Context, decl completion.Declaration) {
			st.setNextPrompt(VerificationPrompt(spec.CompletionTool, decl))
		},
		OnStartContinuation: func(context.Context) {
			st.setNextPrompt(ContinuationPrompt(spec.CompletionTool))
		},
		OnDebug: func(kind, message string, data map[string]any) {
			attrs := []any{slog.String("event.type", "completion."+kind)}
			for k, v := range data {
				attrs = append(attrs, slog.Any(k, v))
			}

			logger.Debug(message, attrs...)
		},
	}, r.opts.Completion...)

	out := &Outcome{TaskID: t.ID}
	prompt := t.Prompt

	cancelled := func() (*Outcome, error) {
		out.Status = StatusCancelled
		observability.FailSpan(span, nil, "cancelled")

		logger.Info("Task cancelled",
			slog.String("event.type", "task.cancelled"),
			slog.Int("turns", out.Turns),
		)

		return out, fmt.Errorf("task %s: %w", t.ID, supervisor.ErrFlowCancelled)
	}

	for {
		// A cancel that lands between turns finds no live flow to interrupt.
		if r.isCancelled() || ctx.Err() != nil {
			return cancelled()
		}

		out.Turns++

		if err := r.runTurn(ctx, t.ID, out.Turns, prompt, enforcer, st, logger); err != nil {
			out.SessionID = st.sessionID
			out.LastText = st.lastText

			if supervisor.IsCancelled(err) || r.isCancelled() {
				return cancelled()
			}

			observability.FailSpan(span, err, "turn failed")

			return out, fmt.Errorf("task %s turn %d: %w", t.ID, out.Turns, err)
		}

		out.SessionID = st.sessionID
		out.LastText = st.lastText

		if st.decision != completion.DecisionPending {
			break
		}

		prompt = st.nextPrompt

		logger.Info("Agent turn requires follow-up",
			slog.String("event.type", "task.turn.followup"),
			slog.Int("turn", out.Turns),
		)
	}

	state := enforcer.State()
	out.Declaration = st.completedAs
	out.Status = outcomeStatus(st.completedAs, st.declaredEarlier, state)

	span.SetAttributes(attribute.String("task.status", string(out.Status)), attribute.Int("task.turns", out.Turns))
	span.SetStatus(codes.Ok, "")

	logger.Info("Task finished",
		slog.String("event.type", "task.done"),
		slog.String("status", string(out.Status)),
		slog.Int("turns", out.Turns),
	)

	return out, nil
}

// outcomeStatus reports the final turn's declaration. A declaration from an
// earlier turn that the agent did not repeat after verification is unverified.
func outcomeStatus(decl *completion.Declaration, declaredEarlier bool, state completion.State) Status {
	if decl != nil {
		return Status(decl.Status)
	}

	if declaredEarlier || state.Continuations > 0 || state.HasEngagedWithTools {
		return StatusIncomplete
	}

	return StatusConversational
}

func (r *Runner) runTurn(
	ctx context.Context,
	taskID string,
	turn int,
	prompt string,
	enforcer *completion.Enforcer,
	st *turnState,
	logger *slog.Logger,
) error {
	ctx, span := observability.Tracer("tether.task").Start(ctx, "task.turn",
		trace.WithAttributes(attribute.String("task.id", taskID), attribute.Int("task.turn", turn)),
	)
	defer span.End()

	enforcer.Reset()

	st.mu.Lock()
	st.decision = completion.DecisionContinue
	st.terminal = false
	st.nextPrompt = ""
	st.lastErr = ""
	if st.completedAs != nil {
		st.declaredEarlier = true
	}
	st.completedAs = nil
	sessionID := st.sessionID
	st.mu.Unlock()

	spec := r.opts.Agent
	splitter := &agentevent.LineSplitter{}

	env := append([]string{}, spec.ConfigEnvEntry(r.opts.ConfigPath)...)
	env = append(env, r.opts.Env...)
	env = append(env, "TETHER_TASK_ID="+taskID)

	flow := supervisor.Flow{
		Name:    "agent turn",
		Command: spec.RunCommand(r.opts.Binary, prompt, sessionID, r.opts.Model),
		Env:     env,
		OnOutput: func(chunk []byte) {
			for _, line := range splitter.Write(chunk) {
				r.handleLine(ctx, taskID, line, enforcer, st, logger)
			}
		},
	}

	_, err := r.opts.Flows.Start(ctx, flow)

	if line := splitter.Flush(); line != nil {
		r.handleLine(ctx, taskID, line, enforcer, st, logger)
	}

	if err != nil {
		observability.FailSpan(span, err, "flow failed")

		return err
	}

	st.mu.Lock()
	terminal := st.terminal
	st.mu.Unlock()

	// An agent that exits cleanly without a terminal step still ended its turn.
	if !terminal {
		r.finishStep(ctx, "stop", enforcer, st, logger)
	}

	return nil
}

func (r *Runner) handleLine(
	ctx context.Context,
	taskID string,
	line []byte,
	enforcer *completion.Enforcer,
	st *turnState,
	logger *slog.Logger,
) {
	ev, err := agentevent.Decode(line)
	if err != nil {
		if !errors.Is(err, agentevent.ErrNotEvent) {
			logger.Debug("Undecodable agent output", slog.String("event.type", "task.event.invalid"), slog.String("error", err.Error()))
		}

		if r.opts.OnText != nil {
			r.opts.OnText(taskID, string(line))
		}

		return
	}

	if sid := ev.Session(); sid != "" {
		st.mu.Lock()
		st.sessionID = sid
		st.mu.Unlock()
	}

	switch e := ev.(type) {
	case agentevent.StepStart:
	case agentevent.StepFinish:
		r.finishStep(ctx, e.Reason, enforcer, st, logger)
	case agentevent.Text:
		st.mu.Lock()
		st.lastText = e.Text
		st.mu.Unlock()
	case agentevent.ToolUse:
		r.handleToolUse(ctx, taskID, e, enforcer, st, logger)
	case agentevent.Error:
		st.mu.Lock()
		st.lastErr = e.Message
		st.mu.Unlock()

		logger.Warn("Agent reported an error",
			slog.String("event.type", "task.agent.error"),
			slog.String("error.name", e.Name),
			slog.String("error", e.Message),
		)
	case agentevent.Unknown:
		logger.Debug("Unknown agent event", slog.String("event.type", "task.event.unknown"), slog.String("agent.event", e.Type))
	}

	if r.opts.OnEvent != nil {
		r.opts.OnEvent(taskID, ev)
	}
}

func (r *Runner) handleToolUse(
	ctx context.Context,
	taskID string,
	e agentevent.ToolUse,
	enforcer *completion.Enforcer,
	st *turnState,
	logger *slog.Logger,
) {
	if e.Tool == r.opts.Agent.CompletionTool {
		decl, err := completion.ParseDeclaration(e.Input)
		if err != nil {
			logger.Warn("Invalid completion declaration",
				slog.String("event.type", "task.completion.invalid"),
				slog.String("error", err.Error()),
			)

			return
		}

		enforcer.HandleCompleteTaskDetection(decl)

		// The enforcer keeps the first declaration of a turn.
		if recorded := enforcer.State().Declaration; recorded != nil {
			st.mu.Lock()
			st.completedAs = recorded
			st.mu.Unlock()
		}

		return
	}

	enforcer.RecordToolEngagement()

	if e.Status.Done() && r.opts.Tools != nil {
		r.opts.Tools.OnToolCallComplete(ctx, taskID, e.Tool, e.Output)
	}
}

func (r *Runner) finishStep(ctx context.Context, reason string, enforcer *completion.Enforcer, st *turnState, logger *slog.Logger) {
	st.mu.Lock()
	if st.terminal {
		st.mu.Unlock()

		if completion.IsTerminal(reason) {
			logger.Debug("Ignoring extra terminal step", slog.String("event.type", "task.step.duplicate"), slog.String("reason", reason))
		}

		return
	}
	st.mu.Unlock()

	decision := enforcer.HandleStepFinish(ctx, reason)
	if decision == completion.DecisionContinue {
		return
	}

	st.mu.Lock()
	st.terminal = true
	st.decision = decision
	st.mu.Unlock()
}

// Login runs the interactive login sub-flow for provider.
func (r *Runner) Login(ctx context.Context, provider string) (*supervisor.Result, error) {
	spec := r.opts.Agent

	cmd, login, err := spec.LoginCommand(r.opts.Binary, provider)
	if err != nil {
		return nil, err
	}

	env := append([]string{}, spec.ConfigEnvEntry(r.opts.ConfigPath)...)
	env = append(env, r.opts.Env...)

	r.logger.Info("Starting login flow",
		slog.String("event.type", "task.login.start"),
		slog.String("provider", provider),
	)

	res, err := r.opts.Flows.Start(ctx, supervisor.Flow{
		Name:         "login " + provider,
		Command:      cmd,
		Env:          env,
		Prompts:      login.Script(),
		ReservedPort: login.ReservedPort,
		OpenURLs:     login.OpenURL,
		OnOutput: func(chunk []byte) {
			if r.opts.OnText != nil {
				r.opts.OnText("", string(chunk))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", provider, err)
	}

	return res, nil
}
