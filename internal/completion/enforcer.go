package completion

import (
	"context"
	"strings"
	"sync"
)

// Decision is the outcome of a step-finish evaluation.
type Decision int

// Decision values.
const (
	// DecisionContinue means the agent is mid-turn; nothing to enforce yet.
	DecisionContinue Decision = iota
	// DecisionPending means a follow-up turn (continuation or verification) was started.
	DecisionPending
	// DecisionComplete means the task may finish.
	DecisionComplete
)

// String returns a human-readable decision name.
func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionPending:
		return "pending"
	case DecisionComplete:
		return "complete"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxContinuations bounds how often a task is nudged to keep going.
	DefaultMaxContinuations = 10
	// DefaultMaxVerifications bounds how often a declared outcome is re-checked.
	DefaultMaxVerifications = 1
)

// Hooks are side-effecting callbacks owned by the caller. Any of them may be nil.
type Hooks struct {
	OnStartVerification func(ctx context.Context, decl Declaration)
	OnStartContinuation func(ctx context.Context)
	OnComplete          func(ctx context.Context)
	OnDebug             func(kind, message string, data map[string]any)
}

// State is a point-in-time snapshot of the enforcer.
type State struct {
	HasEngagedWithTools bool
	Declaration         *Declaration
	Continuations       int
	Verifications       int
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithMaxContinuations sets the per-task continuation budget.
func WithMaxContinuations(n int) Option {
	return func(e *Enforcer) {
		if n > 0 {
			e.maxContinuations = n
		}
	}
}

// WithMaxVerifications sets the per-task verification budget.
func WithMaxVerifications(n int) Option {
	return func(e *Enforcer) {
		if n > 0 {
			e.maxVerifications = n
		}
	}
}

// Enforcer is the completion state machine for one task.
type Enforcer struct {
	mu    sync.Mutex
	hooks Hooks

	hasEngagedWithTools bool
	declaration         *Declaration

	continuations    int
	verifications    int
	maxContinuations int
	maxVerifications int
}

// New creates an Enforcer in the idle state.
func New(hooks Hooks, opts ...Option) *Enforcer {
	e := &Enforcer{
		hooks:            hooks,
		maxContinuations: DefaultMaxContinuations,
		maxVerifications: DefaultMaxVerifications,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RecordToolEngagement marks that the agent invoked at least one tool this turn.
func (e *Enforcer) RecordToolEngagement() {
	e.mu.Lock()
	e.hasEngagedWithTools = true
	e.mu.Unlock()
}

// HandleCompleteTaskDetection records the turn's completion declaration.
// Only the first declaration in a turn is kept.
func (e *Enforcer) HandleCompleteTaskDetection(decl Declaration) {
	e.mu.Lock()
	if e.declaration != nil {
		e.mu.Unlock()
		e.debug("declaration_ignored", "completion already declared this turn", map[string]any{"status": string(decl.Status)})

		return
	}

	d := decl
	e.declaration = &d
	e.mu.Unlock()

	e.debug("declaration_recorded", "completion declared", map[string]any{
		"status":  string(decl.Status),
		"summary": decl.Summary,
	})
}

// HandleStepFinish evaluates a step-finish reason and starts the follow-up
// hook when the task may not end yet.
func (e *Enforcer) HandleStepFinish(ctx context.Context, reason string) Decision {
	if !IsTerminal(reason) {
		return DecisionContinue
	}

	e.mu.Lock()
	decl := e.declaration
	engaged := e.hasEngagedWithTools

	var decision Decision

	var startVerification, startContinuation bool

	switch {
	case decl != nil && decl.Status == StatusBlocked:
		decision = DecisionComplete
	case decl != nil:
		if e.verifications < e.maxVerifications {
			e.verifications++
			decision = DecisionPending
			startVerification = true
		} else {
			decision = DecisionComplete
		}
	case engaged:
		if e.continuations < e.maxContinuations {
			e.continuations++
			decision = DecisionPending
			startContinuation = true
		} else {
			decision = DecisionComplete
		}
	default:
		decision = DecisionComplete
	}

	continuations := e.continuations
	verifications := e.verifications
	e.mu.Unlock()

	e.debug("step_finish", "terminal step evaluated", map[string]any{
		"reason":        reason,
		"decision":      decision.String(),
		"engaged":       engaged,
		"declared":      decl != nil,
		"continuations": continuations,
		"verifications": verifications,
	})

	switch {
	case startVerification:
		if e.hooks.OnStartVerification != nil {
			e.hooks.OnStartVerification(ctx, *decl)
		}
	case startContinuation:
		if e.hooks.OnStartContinuation != nil {
			e.hooks.OnStartContinuation(ctx)
		}
	case decision == DecisionComplete:
		if e.hooks.OnComplete != nil {
			e.hooks.OnComplete(ctx)
		}
	}

	return decision
}

// Reset re-arms the state machine for a fresh turn.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	e.hasEngagedWithTools = false
	e.declaration = nil
	e.mu.Unlock()
}

// NewTask resets the turn state and the per-task budgets.
func (e *Enforcer) NewTask() {
	e.mu.Lock()
	e.hasEngagedWithTools = false
	e.declaration = nil
	e.continuations = 0
	e.verifications = 0
	e.mu.Unlock()
}

// State returns a snapshot of the current state.
func (e *Enforcer) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		HasEngagedWithTools: e.hasEngagedWithTools,
		Continuations:       e.continuations,
		Verifications:       e.verifications,
	}

	if e.declaration != nil {
		d := *e.declaration
		st.Declaration = &d
	}

	return st
}

func (e *Enforcer) debug(kind, message string, data map[string]any) {
	if e.hooks.OnDebug != nil {
		e.hooks.OnDebug(kind, message, data)
	}
}

// IsTerminal reports whether a step-finish reason means the agent believes
// its turn is over.
func IsTerminal(reason string) bool {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "stop", "end_turn", "end-turn", "length", "content-filter", "content_filter", "error":
		return true
	default:
		return false
	}
}
