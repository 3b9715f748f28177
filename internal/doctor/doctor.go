// Package doctor provides diagnostic checks for tether host health.
//
// This package implements a check framework that validates:
//   - Agent CLI availability and version
//   - Broker port availability
//   - Model provider credentials
//   - Config directory permissions
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/musher-dev/tether/internal/agent"
	"github.com/musher-dev/tether/internal/auth"
	"github.com/musher-dev/tether/internal/supervisor"
)

// Status represents the result of a diagnostic check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical failure.
	StatusFail
)

// String returns the status name used in JSON output.
func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result holds the outcome of a single check.
type Result struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Check is a diagnostic check function.
type Check func(ctx context.Context) Result

// Env is what the default checks inspect. Zero-valued hooks use the real system.
type Env struct {
	Agent      *agent.Spec
	Binary     string
	MinVersion *semver.Version
	BrokerPort int
	ConfigDir  string

	LookPath      func(file string) (string, error)
	VersionOutput func(ctx context.Context, binary string, args []string) (string, error)
	PortFree      func(port int) bool
	Credentials   func(apiKeyEnv map[string]string) []auth.ProviderStatus
}

// Runner executes diagnostic checks.
type Runner struct {
	checks []namedCheck
}

type namedCheck struct {
	name  string
	check Check
}

// New creates a runner with the default checks for env.
func New(env Env) *Runner {
	if env.Binary == "" && env.Agent != nil {
		env.Binary = env.Agent.Binary
	}

	if env.LookPath == nil {
		env.LookPath = exec.LookPath
	}

	if env.VersionOutput == nil {
		env.VersionOutput = commandOutput
	}

	if env.PortFree == nil {
		env.PortFree = supervisor.PortFree
	}

	if env.Credentials == nil {
		env.Credentials = auth.Status
	}

	r := &Runner{}

	r.AddCheck("Agent CLI", env.checkAgentCLI)
	r.AddCheck("Agent Version", env.checkAgentVersion)
	r.AddCheck("Broker Port", env.checkBrokerPort)
	r.AddCheck("Credentials", env.checkCredentials)
	r.AddCheck("Config Directory", env.checkConfigDir)

	return r
}

// AddCheck registers a diagnostic check.
func (r *Runner) AddCheck(name string, check Check) {
	r.checks = append(r.checks, namedCheck{name: name, check: check})
}

// Run executes all registered checks and returns the results.
func (r *Runner) Run(ctx context.Context) []Result {
	return r.RunEach(ctx, nil)
}

// RunEach is Run with a callback invoked before each check starts.
func (r *Runner) RunEach(ctx context.Context, starting func(name string)) []Result {
	results := make([]Result, 0, len(r.checks))

	for _, nc := range r.checks {
		if starting != nil {
			starting(nc.name)
		}

		result := nc.check(ctx)
		result.Name = nc.name
		results = append(results, result)
	}

	return results
}

// Summary returns counts of passed, failed, and warning checks.
func Summary(results []Result) (passed, failed, warnings int) {
	for _, r := range results {
		switch r.Status {
		case StatusPass:
			passed++
		case StatusFail:
			failed++
		case StatusWarn:
			warnings++
		}
	}

	return passed, failed, warnings
}

func commandOutput(ctx context.Context, binary string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, args...).Output()
	if err != nil {
		return "", err
	}

	return string(out), nil
}

func (e Env) checkAgentCLI(context.Context) Result {
	if e.Binary == "" {
		return Result{Status: StatusFail, Message: "No agent configured"}
	}

	path, err := e.LookPath(e.Binary)
	if err != nil {
		return Result{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found in PATH", e.Binary),
			Detail:  "Install the agent or set agent.binary to its full path",
		}
	}

	return Result{Status: StatusPass, Message: path}
}

var versionPattern = regexp.MustCompile(`v?\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?`)

// ParseVersion extracts the first semantic version from agent --version output.
func ParseVersion(output string) (*semver.Version, error) {
	match := versionPattern.FindString(output)
	if match == "" {
		return nil, fmt.Errorf("no version in %q", strings.TrimSpace(output))
	}

	return semver.NewVersion(match)
}

func (e Env) checkAgentVersion(ctx context.Context) Result {
	if _, err := e.LookPath(e.Binary); err != nil || e.Binary == "" {
		return Result{Status: StatusWarn, Message: "Skipped (agent not found)"}
	}

	var args []string
	if e.Agent != nil {
		args = e.Agent.VersionArgs
	}

	out, err := e.VersionOutput(ctx, e.Binary, args)
	if err != nil {
		return Result{Status: StatusWarn, Message: "Found but version unknown", Detail: err.Error()}
	}

	version, err := ParseVersion(out)
	if err != nil {
		return Result{Status: StatusWarn, Message: "Found but version unknown", Detail: err.Error()}
	}

	if e.MinVersion == nil {
		return Result{Status: StatusPass, Message: "v" + version.String()}
	}

	if version.LessThan(e.MinVersion) {
		return Result{
			Status:  StatusFail,
			Message: fmt.Sprintf("v%s (requires >= v%s)", version, e.MinVersion),
			Detail:  "Upgrade the agent CLI",
		}
	}

	return Result{Status: StatusPass, Message: fmt.Sprintf("v%s (>= v%s)", version, e.MinVersion)}
}

func (e Env) checkBrokerPort(context.Context) Result {
	if e.BrokerPort == 0 {
		return Result{Status: StatusWarn, Message: "No broker port configured"}
	}

	if !e.PortFree(e.BrokerPort) {
		return Result{
			Status:  StatusFail,
			Message: fmt.Sprintf("Port %d is in use", e.BrokerPort),
			Detail:  "Stop the process holding it or set broker.port",
		}
	}

	return Result{Status: StatusPass, Message: fmt.Sprintf("Port %d is free", e.BrokerPort)}
}

func (e Env) checkCredentials(context.Context) Result {
	if e.Agent == nil || len(e.Agent.APIKeyEnv) == 0 {
		return Result{Status: StatusPass, Message: "Agent needs no provider keys"}
	}

	var found []string

	for _, st := range e.Credentials(e.Agent.APIKeyEnv) {
		if st.Source != auth.SourceNone {
			found = append(found, fmt.Sprintf("%s (%s)", st.Provider, st.Source))
		}
	}

	if len(found) == 0 {
		return Result{
			Status:  StatusWarn,
			Message: "No provider keys found",
			Detail:  "Run 'tether auth set <provider>' or 'tether login <provider>'",
		}
	}

	return Result{Status: StatusPass, Message: strings.Join(found, ", ")}
}

func (e Env) checkConfigDir(context.Context) Result {
	if e.ConfigDir == "" {
		return Result{Status: StatusWarn, Message: "Config directory unknown"}
	}

	if err := os.MkdirAll(e.ConfigDir, 0o700); err != nil {
		return Result{Status: StatusFail, Message: e.ConfigDir, Detail: err.Error()}
	}

	probe, err := os.CreateTemp(e.ConfigDir, ".doctor-*")
	if err != nil {
		return Result{Status: StatusFail, Message: fmt.Sprintf("%s is not writable", e.ConfigDir), Detail: err.Error()}
	}

	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	return Result{Status: StatusPass, Message: filepath.Clean(e.ConfigDir)}
}

// RenderResults formats diagnostic results to the given output writer.
func RenderResults(results []Result, printFn, successFn, warningFn, failureFn, mutedFn func(format string, args ...any)) {
	maxNameLen := 0
	for _, r := range results {
		if len(r.Name) > maxNameLen {
			maxNameLen = len(r.Name)
		}
	}

	for _, r := range results {
		width := maxNameLen + 4

		switch r.Status {
		case StatusPass:
			successFn("%-*s%s", width, r.Name, r.Message)
		case StatusWarn:
			warningFn("%-*s%s", width, r.Name, r.Message)
		case StatusFail:
			failureFn("%-*s%s", width, r.Name, r.Message)
		default:
			printFn("? %-*s%s\n", width, r.Name, r.Message)
		}

		if r.Detail != "" {
			mutedFn("    %s", r.Detail)
		}
	}
}
