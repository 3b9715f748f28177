// Package governor watches automation tool outcomes for backend connection
// faults and triggers a guarded recovery when they repeat.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"

	"github.com/musher-dev/tether/internal/observability"
)

const (
	// DefaultWindow is the sliding span over which failures are counted.
	DefaultWindow = 12 * time.Second
	// DefaultThreshold is the failure count that triggers recovery.
	DefaultThreshold = 2
)

// DefaultToolPrefixes are the tool name prefixes of the automation backend.
var DefaultToolPrefixes = []string{"browser_", "playwright_", "dev-browser_"}

// DefaultSignatures are output fragments that identify a lost backend connection.
var DefaultSignatures = []string{
	"econnrefused",
	"econnreset",
	"connection refused",
	"connection closed",
	"target closed",
	"target page, context or browser has been closed",
	"browser has been closed",
	"browser has disconnected",
	"session closed",
	"socket hang up",
	"websocket is not open",
	"net::err_connection",
	"fetch failed",
}

// failureMarkers flag explicit failure when found anywhere in the output.
var failureMarkers = []string{
	`"iserror":true`,
	`"is_error":true`,
	`"success":false`,
}

// failurePrefixes flag explicit failure when the output starts with them.
var failurePrefixes = []string{"error", "failed", "✗"}

// Recoverer heals the automation backend. Progress messages are forwarded
// to the operator.
type Recoverer interface {
	Recover(ctx context.Context, taskID string, progress func(message string)) error
}

// RecovererFunc adapts a function to Recoverer.
type RecovererFunc func(ctx context.Context, taskID string, progress func(message string)) error

// Recover calls f.
func (f RecovererFunc) Recover(ctx context.Context, taskID string, progress func(message string)) error {
	return f(ctx, taskID, progress)
}

// Notifier receives operator-facing progress messages for a task.
type Notifier func(taskID, message string)

// Options configures a Governor. Zero values select the defaults.
type Options struct {
	Window       time.Duration
	Threshold    int
	ToolPrefixes []string
	Signatures   []string
	Clock        func() time.Time
	Logger       *slog.Logger
}

type windowKey struct {
	taskID   string
	category string
}

type failureWindow struct {
	count     int
	startedAt time.Time
}

// Governor counts connection failures per task and tool category.
type Governor struct {
	recoverer Recoverer
	notify    Notifier
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	windows    map[windowKey]*failureWindow
	inFlight   map[string]bool
	recoveries sync.WaitGroup
}

// New creates a Governor. notify may be nil.
func New(recoverer Recoverer, notify Notifier, opts Options) *Governor {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}

	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}

	if len(opts.ToolPrefixes) == 0 {
		opts.ToolPrefixes = DefaultToolPrefixes
	}

	if len(opts.Signatures) == 0 {
		opts.Signatures = DefaultSignatures
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Governor{
		recoverer: recoverer,
		notify:    notify,
		opts:      opts,
		logger:    logger.With(slog.String("component", "governor")),
		windows:   make(map[windowKey]*failureWindow),
		inFlight:  make(map[string]bool),
	}
}

// MatchesTool reports whether toolName belongs to the watched tool category.
func (g *Governor) MatchesTool(toolName string) bool {
	return g.category(toolName) != ""
}

func (g *Governor) category(toolName string) string {
	name := strings.ToLower(strings.TrimSpace(toolName))
	for _, prefix := range g.opts.ToolPrefixes {
		if strings.HasPrefix(name, strings.ToLower(prefix)) {
			return prefix
		}
	}

	return ""
}

// IsConnectionFailure reports whether output is both an explicit failure and
// matches a known connection-fault signature.
func (g *Governor) IsConnectionFailure(output string) bool {
	lower := strings.ToLower(strings.TrimSpace(output))
	if lower == "" {
		return false
	}

	if !looksLikeFailure(lower) {
		return false
	}

	for _, sig := range g.opts.Signatures {
		if strings.Contains(lower, strings.ToLower(sig)) {
			return true
		}
	}

	return false
}

func looksLikeFailure(lower string) bool {
	for _, prefix := range failurePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}

	compact := strings.Join(strings.Fields(lower), "")
	for _, marker := range failureMarkers {
		if strings.Contains(compact, marker) {
			return true
		}
	}

	return false
}

// OnToolCallComplete records one finished tool call. Recovery, when due,
// runs asynchronously and never fails the caller.
func (g *Governor) OnToolCallComplete(ctx context.Context, taskID, toolName, output string) {
	category := g.category(toolName)
	if category == "" {
		return
	}

	key := windowKey{taskID: taskID, category: category}

	g.mu.Lock()

	if !g.IsConnectionFailure(output) {
		delete(g.windows, key)
		g.mu.Unlock()

		return
	}

	now := g.opts.Clock()

	win, ok := g.windows[key]
	if !ok || now.Sub(win.startedAt) > g.opts.Window {
		win = &failureWindow{startedAt: now}
		g.windows[key] = win
	}

	win.count++
	count := win.count

	if count < g.opts.Threshold || g.inFlight[taskID] {
		inFlight := g.inFlight[taskID]
		g.mu.Unlock()

		g.logger.Debug("Connection failure recorded",
			slog.String("event.type", "governor.failure.recorded"),
			slog.String("task.id", taskID),
			slog.String("tool", toolName),
			slog.Int("count", count),
			slog.Bool("recovery.in_flight", inFlight),
		)

		return
	}

	g.inFlight[taskID] = true
	g.recoveries.Add(1)
	g.mu.Unlock()

	g.logger.Warn("Connection failure threshold reached, starting recovery",
		slog.String("event.type", "governor.recovery.trigger"),
		slog.String("task.id", taskID),
		slog.String("tool", toolName),
		slog.Int("count", count),
	)

	go g.recover(context.WithoutCancel(ctx), key)
}

func (g *Governor) recover(ctx context.Context, key windowKey) {
	defer g.recoveries.Done()

	ctx, span := observability.Tracer("tether.governor").Start(ctx, "governor.recovery")
	span.SetAttributes(attribute.String("task.id", key.taskID), attribute.String("tool.category", key.category))

	defer span.End()

	progress := func(message string) {
		if g.notify != nil {
			g.notify(key.taskID, message)
		}
	}

	var err error

	var catcher panics.Catcher

	catcher.Try(func() {
		if g.recoverer == nil {
			err = fmt.Errorf("no recoverer configured")
			return
		}

		err = g.recoverer.Recover(ctx, key.taskID, progress)
	})

	if recovered := catcher.Recovered(); recovered != nil {
		err = recovered.AsError()
	}

	g.mu.Lock()
	delete(g.inFlight, key.taskID)
	delete(g.windows, key)
	g.mu.Unlock()

	if err != nil {
		observability.FailSpan(span, err, "recovery failed")

		g.logger.Error("Connection recovery failed",
			slog.String("event.type", "governor.recovery.error"),
			slog.String("task.id", key.taskID),
			slog.String("error", err.Error()),
		)

		return
	}

	g.logger.Info("Connection recovery finished",
		slog.String("event.type", "governor.recovery.done"),
		slog.String("task.id", key.taskID),
	)
}

// Forget drops all failure windows for a finished task.
func (g *Governor) Forget(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key := range g.windows {
		if key.taskID == taskID {
			delete(g.windows, key)
		}
	}
}

// Wait blocks until every in-flight recovery has finished.
func (g *Governor) Wait() {
	g.recoveries.Wait()
}

// FailureCount returns the current window count for a task's tool.
func (g *Governor) FailureCount(taskID, toolName string) int {
	category := g.category(toolName)

	g.mu.Lock()
	defer g.mu.Unlock()

	if win, ok := g.windows[windowKey{taskID: taskID, category: category}]; ok {
		return win.count
	}

	return 0
}
