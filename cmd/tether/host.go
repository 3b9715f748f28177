package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/musher-dev/tether/internal/agent"
	"github.com/musher-dev/tether/internal/agentevent"
	"github.com/musher-dev/tether/internal/auth"
	"github.com/musher-dev/tether/internal/authz"
	"github.com/musher-dev/tether/internal/completion"
	"github.com/musher-dev/tether/internal/config"
	clierrors "github.com/musher-dev/tether/internal/errors"
	"github.com/musher-dev/tether/internal/governor"
	"github.com/musher-dev/tether/internal/observability"
	"github.com/musher-dev/tether/internal/operator"
	"github.com/musher-dev/tether/internal/output"
	"github.com/musher-dev/tether/internal/prompt"
	"github.com/musher-dev/tether/internal/supervisor"
	"github.com/musher-dev/tether/internal/task"
)

// loadConfig loads configuration with the command's flags bound over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Load()

	if err := cfg.BindFlags(cmd.Flags()); err != nil {
		return nil, clierrors.ConfigFailed("bind flags", err)
	}

	if err := cfg.Validate(); err != nil {
		var keyErr *config.KeyError
		if errors.As(err, &keyErr) {
			return nil, clierrors.InvalidConfig(keyErr.Key, keyErr.Err)
		}

		return nil, clierrors.ConfigFailed("load config", err)
	}

	return cfg, nil
}

// resolveAgent returns the configured agent spec and the binary to run.
func resolveAgent(cfg *config.Config) (*agent.Spec, string, error) {
	spec, ok := agent.Get(cfg.AgentName())
	if !ok {
		return nil, "", clierrors.UnknownAgent(cfg.AgentName(), agent.Names())
	}

	binary := cfg.AgentBinary()
	if binary == "" {
		binary = spec.Binary
	}

	return spec, binary, nil
}

// host holds the pieces every agent-driving command shares.
type host struct {
	cfg    *config.Config
	spec   *agent.Spec
	binary string
	env    []string
	out    *output.Writer
	logger *slog.Logger

	controller *supervisor.Controller
}

func newHost(cmd *cobra.Command) (*host, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	spec, binary, err := resolveAgent(cfg)
	if err != nil {
		return nil, err
	}

	if !agent.Available(binary) {
		return nil, clierrors.AgentNotFound(binary)
	}

	env, err := cfg.AgentEnv()
	if err != nil {
		return nil, clierrors.ConfigFailed("read agent environment", err)
	}

	env = append(env, auth.AgentEnv(spec.APIKeyEnv)...)

	workDir := cfg.AgentWorkDir()
	if workDir != "" {
		if mkErr := os.MkdirAll(workDir, 0o700); mkErr != nil {
			return nil, clierrors.ConfigFailed("create agent work directory", mkErr)
		}
	}

	logger := observability.FromContext(cmd.Context())

	controller := supervisor.New(supervisor.Options{
		WorkDir:          workDir,
		Env:              env,
		GracePeriod:      cfg.GracePeriod(),
		PortPollInterval: cfg.PortPollInterval(),
		PortWaitTimeout:  cfg.PortWaitTimeout(),
		Logger:           logger,
	})

	return &host{
		cfg:        cfg,
		spec:       spec,
		binary:     binary,
		env:        env,
		out:        output.FromContext(cmd.Context()),
		logger:     logger,
		controller: controller,
	}, nil
}

// governor returns the connection-failure governor, or nil when no recovery
// command is configured.
func (h *host) governor() *governor.Governor {
	command := h.cfg.RecoveryCommand()
	if strings.TrimSpace(command) == "" {
		h.logger.Debug("Connection recovery disabled", slog.String("event.type", "governor.disabled"))
		return nil
	}

	recoverer := &governor.CommandRecoverer{
		Command: command,
		Timeout: h.cfg.RecoveryTimeout(),
		Env:     h.env,
	}

	notify := func(taskID, message string) {
		h.out.AgentLine("heal", message)
	}

	return governor.New(recoverer, notify, governor.Options{
		Window:    h.cfg.GovernorWindow(),
		Threshold: h.cfg.GovernorThreshold(),
		Logger:    h.logger,
	})
}

// runner builds the task runner. gov may be nil.
func (h *host) runner(gov *governor.Governor) (*task.Runner, error) {
	opts := task.Options{
		Agent:      h.spec,
		Binary:     h.binary,
		ConfigPath: h.cfg.AgentConfigPath(),
		Model:      h.cfg.AgentModel(),
		Flows:      h.controller,
		Completion: []completion.Option{
			completion.WithMaxContinuations(h.cfg.MaxContinuations()),
			completion.WithMaxVerifications(h.cfg.MaxVerifications()),
		},
		OnEvent: h.renderEvent,
		OnText:  h.renderText,
		Logger:  h.logger,
	}

	if gov != nil {
		opts.Tools = gov
	}

	return task.NewRunner(opts)
}

// eventLine is the --json rendering of one agent event.
type eventLine struct {
	Task   string `json:"task"`
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (h *host) renderEvent(taskID string, ev agentevent.Event) {
	line := eventLine{Task: taskID}

	switch e := ev.(type) {
	case agentevent.Text:
		line.Type, line.Text = "text", e.Text
	case agentevent.ToolUse:
		if !e.Status.Done() {
			return
		}

		line.Type, line.Tool, line.Status = "tool", e.Tool, string(e.Status)
	case agentevent.StepFinish:
		line.Type, line.Reason = "step", e.Reason
	case agentevent.Error:
		line.Type, line.Text = "error", e.Message
	default:
		return
	}

	if h.out.JSON {
		_ = h.out.PrintJSONLine(line)
		return
	}

	switch line.Type {
	case "text":
		for _, l := range strings.Split(strings.TrimRight(line.Text, "\n"), "\n") {
			h.out.AgentLine("agent", l)
		}
	case "tool":
		h.out.AgentLine("tool", fmt.Sprintf("%s (%s)", line.Tool, line.Status))
	case "error":
		h.out.AgentLine("error", line.Text)
	}
}

// renderText shows output that is not an agent event. Login flows pass raw
// terminal chunks with an empty task id.
func (h *host) renderText(taskID, text string) {
	if h.out.JSON || h.out.Quiet {
		return
	}

	if taskID == "" {
		_, _ = h.out.Write([]byte(text))
		return
	}

	h.out.AgentLine("out", strings.TrimSpace(text))
}

// newAsker picks how the operator answers broker requests.
func newAsker(out *output.Writer) operator.Asker {
	switch {
	case out.NoInput || !out.Terminal().InteractiveEnabled():
		return operator.Deny{}
	case out.Terminal().DialogEnabled():
		return operator.Dialog{In: os.Stdin, Out: os.Stdout}
	default:
		return operator.Line{Out: out, Prompter: prompt.New(out)}
	}
}

// broker is a running authorization broker with its operator surface.
type broker struct {
	broker  *authz.Broker
	server  *authz.Server
	surface *operator.Surface
	addr    string
	stop    context.CancelFunc
	done    chan struct{}
}

// startBroker binds the broker transport and starts answering requests for
// whichever task activeTask reports.
func startBroker(ctx context.Context, cfg *config.Config, out *output.Writer, logger *slog.Logger, activeTask func() (string, bool)) (*broker, error) {
	b := authz.NewBroker(authz.Options{
		PermissionTimeout: cfg.PermissionTimeout(),
		QuestionTimeout:   cfg.QuestionTimeout(),
		ActiveTask:        activeTask,
		Logger:            logger,
	})

	surface := operator.New(b, newAsker(out), logger)
	b.SetSurface(surface)

	server := authz.NewServer(b, cfg.BrokerPort(), logger)

	addr, err := server.Listen()
	if err != nil {
		b.Close()
		return nil, clierrors.BrokerUnavailable(cfg.BrokerPort(), err)
	}

	surfaceCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		if runErr := surface.Run(surfaceCtx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Warn("Operator surface stopped", slog.String("event.type", "operator.stop"), slog.String("error", runErr.Error()))
		}
	}()

	return &broker{broker: b, server: server, surface: surface, addr: addr.String(), stop: stop, done: done}, nil
}

// Close denies pending requests, stops the transport and the surface.
func (b *broker) Close(ctx context.Context) error {
	err := b.server.Shutdown(ctx)

	b.stop()
	<-b.done

	return err
}

// flowError maps a runner or supervisor failure to a CLI error.
func flowError(err error) error {
	if supervisor.IsCancelled(err) {
		return clierrors.TaskCancelled()
	}

	var fe *supervisor.FlowError
	if errors.As(err, &fe) {
		return clierrors.FlowFailed(fe.Flow, fe.ExitCode, strings.Join(fe.Tail, "\n"))
	}

	return err
}
