// Package agent describes the agent programs tether can drive.
package agent

import (
	"embed"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/musher-dev/tether/internal/supervisor"
)

//go:embed agents/*.yaml
var agentsFS embed.FS

// Spec describes an agent program loaded from an embedded YAML file.
type Spec struct {
	Name           string               `yaml:"name"`
	DisplayName    string               `yaml:"displayName"`
	Description    string               `yaml:"description"`
	Binary         string               `yaml:"binary"`
	VersionArgs    []string             `yaml:"versionArgs"`
	ConfigEnv      string               `yaml:"configEnv"`
	CompletionTool string               `yaml:"completionTool"`
	Run            RunSpec              `yaml:"run"`
	APIKeyEnv      map[string]string    `yaml:"apiKeyEnv"`
	Login          map[string]LoginSpec `yaml:"login"`
}

// RunSpec describes how to start one agent turn.
type RunSpec struct {
	Args        []string `yaml:"args"`
	SessionFlag string   `yaml:"sessionFlag"`
	ModelFlag   string   `yaml:"modelFlag"`

	// EndOfOptions puts "--" before the prompt so a prompt starting with
	// "-" is not parsed as a flag.
	EndOfOptions bool `yaml:"endOfOptions"`
}

// LoginSpec describes a provider's interactive login sub-flow.
type LoginSpec struct {
	Args         []string     `yaml:"args"`
	ReservedPort int          `yaml:"reservedPort"`
	OpenURL      bool         `yaml:"openURL"`
	Prompts      []PromptSpec `yaml:"prompts"`

	script supervisor.PromptScript
}

// PromptSpec is one scripted answer in a login sub-flow.
type PromptSpec struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Response string `yaml:"response"`
	DelayMs  int    `yaml:"delayMs"`
}

// Script returns the compiled prompt table.
func (l LoginSpec) Script() supervisor.PromptScript {
	return l.script
}

// agentSpecs is loaded at package init time from embedded YAML files.
var agentSpecs = mustLoadAgents(agentsFS)

func mustLoadAgents(fsys embed.FS) map[string]*Spec {
	entries, err := fsys.ReadDir("agents")
	if err != nil {
		panic(fmt.Sprintf("agent: read agents dir: %v", err))
	}

	specs := make(map[string]*Spec, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		data, readErr := fsys.ReadFile("agents/" + entry.Name())
		if readErr != nil {
			panic(fmt.Sprintf("agent: read agent file %s: %v", entry.Name(), readErr))
		}

		spec, parseErr := parseSpec(data)
		if parseErr != nil {
			panic(fmt.Sprintf("agent: %s: %v", entry.Name(), parseErr))
		}

		if _, dup := specs[spec.Name]; dup {
			panic(fmt.Sprintf("agent: duplicate agent name %q in %s", spec.Name, entry.Name()))
		}

		specs[spec.Name] = spec
	}

	return specs
}

func parseSpec(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	if spec.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	if spec.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}

	if spec.CompletionTool == "" {
		return nil, fmt.Errorf("completionTool is required")
	}

	for provider, login := range spec.Login {
		script := make(supervisor.PromptScript, 0, len(login.Prompts))

		for _, p := range login.Prompts {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("login %s prompt %q: %w", provider, p.Name, err)
			}

			script = append(script, supervisor.PromptRule{
				Name:     p.Name,
				Pattern:  re,
				Response: p.Response,
				Delay:    time.Duration(p.DelayMs) * time.Millisecond,
			})
		}

		login.script = script
		spec.Login[provider] = login
	}

	return &spec, nil
}

// Get returns the named agent spec.
func Get(name string) (*Spec, bool) {
	spec, ok := agentSpecs[name]
	return spec, ok
}

// Names returns all agent names in sorted order.
func Names() []string {
	names := make([]string, 0, len(agentSpecs))
	for name := range agentSpecs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Available reports whether binary resolves on PATH.
func Available(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// RunCommand builds the command line for one turn.
func (s *Spec) RunCommand(binary, prompt, sessionID, model string) []string {
	if binary == "" {
		binary = s.Binary
	}

	cmd := append([]string{binary}, s.Run.Args...)

	if sessionID != "" && s.Run.SessionFlag != "" {
		cmd = append(cmd, s.Run.SessionFlag, sessionID)
	}

	if model != "" && s.Run.ModelFlag != "" {
		cmd = append(cmd, s.Run.ModelFlag, model)
	}

	if s.Run.EndOfOptions {
		cmd = append(cmd, "--")
	}

	return append(cmd, prompt)
}

// LoginCommand returns the login sub-flow for provider.
func (s *Spec) LoginCommand(binary, provider string) ([]string, LoginSpec, error) {
	login, ok := s.Login[provider]
	if !ok {
		return nil, LoginSpec{}, fmt.Errorf("agent %s has no login flow for provider %q", s.Name, provider)
	}

	if binary == "" {
		binary = s.Binary
	}

	return append([]string{binary}, login.Args...), login, nil
}

// LoginProviders returns the providers with a login flow, sorted.
func (s *Spec) LoginProviders() []string {
	names := make([]string, 0, len(s.Login))
	for name := range s.Login {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ConfigEnvEntry returns the environment entry pointing the agent at its config file.
func (s *Spec) ConfigEnvEntry(path string) []string {
	if s.ConfigEnv == "" || path == "" {
		return nil
	}

	return []string{s.ConfigEnv + "=" + path}
}
