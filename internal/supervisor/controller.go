// Package supervisor runs at most one PTY-backed child process at a time,
// scripts its interactive prompts and retires it gracefully or by force.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"al.essio.dev/pkg/shellescape"
	"go.opentelemetry.io/otel/attribute"

	"github.com/musher-dev/tether/internal/observability"
)

const (
	// DefaultGracePeriod is how long a cancelled flow may take to exit on its own.
	DefaultGracePeriod = 2 * time.Second

	outputDrainTimeout = 2 * time.Second
	readBufferSize     = 4096
)

var (
	interruptKeys = []byte("\x03")
	// confirmKeys answers the "Terminate batch job (Y/N)?" prompt.
	confirmKeys = []byte("Y\r")
)

// Flow describes one managed run.
type Flow struct {
	Name    string
	Command []string
	// Env is appended to the controller environment for this flow only.
	Env     []string
	Prompts PromptScript
	// ReservedPort must be free before the flow starts. Zero means none.
	ReservedPort int
	// OpenURLs opens the first address announced in the output.
	OpenURLs   bool
	URLPattern *regexp.Regexp
	// OnOutput receives every raw output chunk. It runs on the reader goroutine.
	OnOutput func(chunk []byte)
}

// Result is a successfully finished flow.
type Result struct {
	OpenedURL string
}

// Options configures a Controller.
type Options struct {
	WorkDir          string
	Env              []string
	Shell            string
	GracePeriod      time.Duration
	PortPollInterval time.Duration
	PortWaitTimeout  time.Duration
	Opener           Opener
	GOOS             string
	TailSize         int
	Logger           *slog.Logger
}

type handle struct {
	id        uint64
	flow      string
	proc      process
	tail      *TailBuffer
	cancelled atomic.Bool

	mu        sync.Mutex
	openedURL string

	exited   chan struct{}
	exitCode int
	signal   string
	waitErr  error

	// abandoned closes when the process outlives its kill.
	abandoned   chan struct{}
	abandonOnce sync.Once
}

func (h *handle) opened() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.openedURL
}

// Controller owns zero or one live managed process.
type Controller struct {
	opts   Options
	launch launcher
	logger *slog.Logger

	// launchMu serializes retiring the old flow and launching the new one.
	launchMu sync.Mutex

	mu       sync.Mutex
	current  *handle
	disposed bool
	nextID   uint64
}

// New creates a Controller.
func New(opts Options) *Controller {
	return newController(opts, startPTY)
}

func newController(opts Options, launch launcher) *Controller {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	if opts.PortPollInterval <= 0 {
		opts.PortPollInterval = DefaultPortPollInterval
	}

	if opts.PortWaitTimeout <= 0 {
		opts.PortWaitTimeout = DefaultPortWaitTimeout
	}

	if opts.Opener == nil {
		opts.Opener = OpenBrowser
	}

	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}

	if opts.TailSize <= 0 {
		opts.TailSize = DefaultTailSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		opts:   opts,
		launch: launch,
		logger: logger.With(slog.String("component", "supervisor")),
	}
}

// Start runs flow to completion. A live flow is cancelled first and its
// reserved port awaited. Start returns when the process exits.
func (c *Controller) Start(ctx context.Context, flow Flow) (*Result, error) {
	if len(flow.Command) == 0 {
		return nil, fmt.Errorf("flow %q has no command", flow.Name)
	}

	ctx, span := observability.Tracer("tether.supervisor").Start(ctx, "supervisor.flow")
	span.SetAttributes(attribute.String("flow.name", flow.Name))

	defer span.End()

	h, err := c.launchFlow(ctx, flow)
	if err != nil {
		observability.FailSpan(span, err, "launch failed")

		return nil, err
	}

	span.SetAttributes(attribute.Int("process.pid", h.proc.Pid()))

	select {
	case <-h.exited:
	case <-h.abandoned:
	case <-ctx.Done():
		c.retire(h)
	}

	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	c.mu.Unlock()

	res, err := c.outcome(h)
	if err != nil {
		observability.FailSpan(span, err, "flow failed")

		c.logger.Warn("Managed flow failed",
			slog.String("event.type", "supervisor.flow.error"),
			slog.String("flow", h.flow),
			slog.Int("exit_code", h.exitCode),
			slog.String("signal", h.signal),
			slog.Bool("cancelled", h.cancelled.Load()),
		)

		return nil, err
	}

	c.logger.Info("Managed flow finished",
		slog.String("event.type", "supervisor.flow.done"),
		slog.String("flow", h.flow),
		slog.Bool("url_opened", res.OpenedURL != ""),
	)

	return res, nil
}

func (c *Controller) launchFlow(ctx context.Context, flow Flow) (*handle, error) {
	c.launchMu.Lock()
	defer c.launchMu.Unlock()

	if c.isDisposed() {
		return nil, ErrDisposed
	}

	c.Cancel()

	if flow.ReservedPort > 0 && !WaitForPortFree(ctx, flow.ReservedPort, c.opts.PortPollInterval, c.opts.PortWaitTimeout) {
		c.logger.Warn("Reserved port still in use, starting anyway",
			slog.String("event.type", "supervisor.port.busy"),
			slog.Int("port", flow.ReservedPort),
		)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start %s: %w", flow.Name, err)
	}

	spec, err := c.commandSpec(flow)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Starting managed flow",
		slog.String("event.type", "supervisor.flow.start"),
		slog.String("flow", flow.Name),
		slog.String("work_dir", spec.Dir),
	)

	proc, err := c.launch(spec)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", flow.Name, err)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()

		_ = proc.Kill()
		_ = proc.Close()

		return nil, ErrDisposed
	}

	c.nextID++
	h := &handle{
		id:        c.nextID,
		flow:      flow.Name,
		proc:      proc,
		tail:      NewTailBuffer(c.opts.TailSize),
		exited:    make(chan struct{}),
		abandoned: make(chan struct{}),
	}
	c.current = h
	c.mu.Unlock()

	readerDone := make(chan struct{})

	go c.pump(ctx, h, flow, readerDone)
	go c.reap(h, readerDone)

	return h, nil
}

func (c *Controller) commandSpec(flow Flow) (launchSpec, error) {
	shell := c.opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}

	if shell == "" {
		shell = "/bin/sh"
	}

	dir := c.opts.WorkDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tether-agent")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return launchSpec{}, fmt.Errorf("create work directory: %w", err)
	}

	env := append(os.Environ(), c.opts.Env...)
	env = append(env, flow.Env...)

	return launchSpec{
		Path: shell,
		Args: []string{"-c", shellescape.QuoteCommand(flow.Command)},
		Dir:  dir,
		Env:  env,
	}, nil
}

// pump reads output, answers prompts and opens announced addresses.
func (c *Controller) pump(ctx context.Context, h *handle, flow Flow, done chan<- struct{}) {
	defer close(done)

	prompts := NewPromptState(flow.Prompts)

	pattern := flow.URLPattern
	if pattern == nil {
		pattern = DefaultURLPattern
	}

	buf := make([]byte, readBufferSize)

	for {
		n, err := h.proc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			h.tail.Append(chunk)

			if flow.OnOutput != nil {
				flow.OnOutput(chunk)
			}

			c.react(ctx, h, flow, prompts, pattern)
		}

		if err != nil {
			return
		}
	}
}

func (c *Controller) react(ctx context.Context, h *handle, flow Flow, prompts *PromptState, pattern *regexp.Regexp) {
	if len(flow.Prompts) == 0 && !flow.OpenURLs {
		return
	}

	plain := h.tail.Plain()

	for _, rule := range prompts.Due(plain) {
		c.logger.Debug("Answering interactive prompt",
			slog.String("event.type", "supervisor.prompt.answer"),
			slog.String("flow", h.flow),
			slog.String("prompt", rule.Name),
		)

		go func(rule PromptRule) {
			if rule.Delay > 0 {
				time.Sleep(rule.Delay)
			}

			if h.cancelled.Load() {
				return
			}

			_, _ = h.proc.Write([]byte(rule.Response))
		}(rule)
	}

	if !flow.OpenURLs || h.opened() != "" {
		return
	}

	match := pattern.FindStringSubmatch(plain)
	if len(match) < 2 {
		return
	}

	address, err := ValidateURL(match[1])
	if err != nil {
		c.logger.Debug("Ignoring announced address",
			slog.String("event.type", "supervisor.url.rejected"),
			slog.String("error", err.Error()),
		)

		return
	}

	h.mu.Lock()
	if h.openedURL != "" {
		h.mu.Unlock()
		return
	}
	h.openedURL = address
	h.mu.Unlock()

	if err := c.opts.Opener(ctx, address); err != nil {
		c.logger.Warn("Failed to open address",
			slog.String("event.type", "supervisor.url.open_error"),
			slog.String("error", err.Error()),
		)

		return
	}

	c.logger.Info("Opened address for operator",
		slog.String("event.type", "supervisor.url.opened"),
		slog.String("flow", h.flow),
	)
}

// reap waits for exit, drains output and releases the terminal.
func (c *Controller) reap(h *handle, readerDone <-chan struct{}) {
	code, signal, err := h.proc.Wait()

	select {
	case <-readerDone:
	case <-time.After(outputDrainTimeout):
	}

	_ = h.proc.Close()

	h.exitCode = code
	h.signal = signal
	h.waitErr = err
	close(h.exited)
}

// outcome runs after the process exited or after retire gave up on it. Exit
// fields are only read once the reaper has closed exited.
func (c *Controller) outcome(h *handle) (*Result, error) {
	select {
	case <-h.exited:
	default:
		return nil, &FlowError{
			Flow:      h.flow,
			Tail:      redactedTail(h.tail),
			Cancelled: h.cancelled.Load(),
			Unreaped:  true,
		}
	}

	if h.cancelled.Load() {
		return nil, &FlowError{
			Flow:      h.flow,
			ExitCode:  h.exitCode,
			Signal:    h.signal,
			Tail:      redactedTail(h.tail),
			Cancelled: true,
		}
	}

	if h.waitErr != nil {
		return nil, fmt.Errorf("wait for %s: %w", h.flow, h.waitErr)
	}

	if h.exitCode != 0 || h.signal != "" {
		return nil, &FlowError{
			Flow:     h.flow,
			ExitCode: h.exitCode,
			Signal:   h.signal,
			Tail:     redactedTail(h.tail),
		}
	}

	return &Result{OpenedURL: h.opened()}, nil
}

// Cancel retires the live flow: interrupt, bounded wait, then force-kill.
// It returns once the process is gone or the kill wait lapses. It is a no-op
// when idle.
func (c *Controller) Cancel() {
	c.mu.Lock()
	h := c.current
	c.mu.Unlock()

	if h == nil {
		return
	}

	c.retire(h)

	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	c.mu.Unlock()
}

func (c *Controller) retire(h *handle) {
	h.cancelled.Store(true)

	select {
	case <-h.exited:
		return
	default:
	}

	c.logger.Debug("Cancelling managed flow",
		slog.String("event.type", "supervisor.flow.cancel"),
		slog.String("flow", h.flow),
		slog.Int("process.pid", h.proc.Pid()),
	)

	_, _ = h.proc.Write(interruptKeys)

	if c.opts.GOOS == "windows" {
		_, _ = h.proc.Write(confirmKeys)
	}

	select {
	case <-h.exited:
		return
	case <-time.After(c.opts.GracePeriod):
	}

	c.forceKill(h)
}

func (c *Controller) forceKill(h *handle) {
	if err := h.proc.Kill(); err != nil {
		c.logger.Warn("Failed to kill managed flow",
			slog.String("event.type", "supervisor.flow.kill_error"),
			slog.String("error", err.Error()),
		)
	}

	select {
	case <-h.exited:
	case <-time.After(c.opts.GracePeriod):
		c.logger.Warn("Managed flow did not exit after kill",
			slog.String("event.type", "supervisor.flow.stuck"),
			slog.String("flow", h.flow),
		)

		h.abandonOnce.Do(func() { close(h.abandoned) })
	}
}

// IsInProgress reports whether a live flow exists.
func (c *Controller) IsInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed || c.current == nil {
		return false
	}

	select {
	case <-c.current.exited:
		return false
	default:
		return true
	}
}

// Dispose force-terminates any live flow and disables the controller.
// It is safe to call more than once.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	c.disposed = true
	h := c.current
	c.current = nil
	c.mu.Unlock()

	if h == nil {
		return
	}

	h.cancelled.Store(true)
	c.forceKill(h)
}

func (c *Controller) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.disposed
}

// IsCancelled reports whether err came from a cancelled flow.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrFlowCancelled)
}
