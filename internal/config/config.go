// Package config handles tether configuration using Viper.
//
// Configuration sources (in priority order):
//  1. Command-line flags bound with BindFlags
//  2. Environment variables (TETHER_*)
//  3. Config file (<user config dir>/tether/config.yaml)
//  4. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/musher-dev/tether/internal/authz"
	"github.com/musher-dev/tether/internal/completion"
	"github.com/musher-dev/tether/internal/governor"
	"github.com/musher-dev/tether/internal/paths"
	"github.com/musher-dev/tether/internal/supervisor"
)

// Configuration keys.
const (
	KeyAgentName         = "agent.name"
	KeyAgentBinary       = "agent.binary"
	KeyAgentModel        = "agent.model"
	KeyAgentConfigPath   = "agent.config_path"
	KeyAgentEnvFile      = "agent.env_file"
	KeyAgentMinVersion   = "agent.min_version"
	KeyAgentWorkDir      = "agent.work_dir"
	KeyBrokerPort        = "broker.port"
	KeyPermissionTimeout = "broker.permission_timeout"
	KeyQuestionTimeout   = "broker.question_timeout"
	KeyGracePeriod       = "supervisor.grace_period"
	KeyPortPollInterval  = "supervisor.port_poll_interval"
	KeyPortWaitTimeout   = "supervisor.port_wait_timeout"
	KeyGovernorWindow    = "governor.window"
	KeyGovernorThreshold = "governor.threshold"
	KeyRecoveryCommand   = "governor.recovery_command"
	KeyRecoveryTimeout   = "governor.recovery_timeout"
	KeyMaxContinuations  = "completion.max_continuations"
	KeyMaxVerifications  = "completion.max_verifications"
)

// DefaultAgent is the agent driven when agent.name is unset.
const DefaultAgent = "opencode"

var defaults = map[string]any{
	KeyAgentName:         DefaultAgent,
	KeyAgentBinary:       "",
	KeyAgentModel:        "",
	KeyAgentConfigPath:   "",
	KeyAgentEnvFile:      "",
	KeyAgentMinVersion:   "",
	KeyAgentWorkDir:      "",
	KeyBrokerPort:        authz.DefaultPort,
	KeyPermissionTimeout: authz.DefaultTimeout.String(),
	KeyQuestionTimeout:   authz.DefaultTimeout.String(),
	KeyGracePeriod:       supervisor.DefaultGracePeriod.String(),
	KeyPortPollInterval:  supervisor.DefaultPortPollInterval.String(),
	KeyPortWaitTimeout:   supervisor.DefaultPortWaitTimeout.String(),
	KeyGovernorWindow:    governor.DefaultWindow.String(),
	KeyGovernorThreshold: governor.DefaultThreshold,
	KeyRecoveryCommand:   "",
	KeyRecoveryTimeout:   governor.DefaultRecoveryTimeout.String(),
	KeyMaxContinuations:  completion.DefaultMaxContinuations,
	KeyMaxVerifications:  completion.DefaultMaxVerifications,
}

// Keys returns every known configuration key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Known reports whether key is a configuration key.
func Known(key string) bool {
	_, ok := defaults[key]
	return ok
}

// Config holds the tether configuration.
type Config struct {
	v    *viper.Viper
	path string
}

// Load reads configuration from the default file, the environment and defaults.
func Load() *Config {
	path, err := paths.ConfigFile()
	if err != nil {
		path = ""
	}

	return LoadFile(path)
}

// LoadFile reads configuration from path instead of the default file.
func LoadFile(path string) *Config {
	v := viper.New()

	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		// A missing file is fine. Other errors are reported and the defaults kept.
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok { //nolint:errorlint // viper returns the value type
				fmt.Fprintf(os.Stderr, "Warning: error reading config file: %v\n", err)
			}
		}
	}

	return &Config{v: v, path: path}
}

// Path returns the config file location.
func (c *Config) Path() string {
	return c.path
}

// BindFlags binds each flag whose name matches a key with dashes for dots
// and underscores (broker-port, governor-recovery-command).
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	var bindErr error

	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}

		key := flagKey(f.Name)
		if key == "" {
			return
		}

		if err := c.v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})

	return bindErr
}

func flagKey(name string) string {
	for _, key := range Keys() {
		if strings.NewReplacer(".", "-", "_", "-").Replace(key) == name {
			return key
		}
	}

	return ""
}

// Get returns a configuration value.
func (c *Config) Get(key string) any {
	return c.v.Get(key)
}

// GetString returns a configuration value as string.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt returns a configuration value as int.
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetDuration returns a configuration value as a duration.
func (c *Config) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

// Set validates and persists a configuration value.
func (c *Config) Set(key string, value any) error {
	if !Known(key) {
		return fmt.Errorf("unknown configuration key %q", key)
	}

	c.v.Set(key, value)

	if err := c.validateKey(key); err != nil {
		return err
	}

	if c.path == "" {
		return fmt.Errorf("no config file location")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}

	// Persist keys already in the file plus the new one, never env or flag values.
	out := viper.New()
	for _, k := range Keys() {
		if c.v.InConfig(k) || k == key {
			out.Set(k, c.v.Get(k))
		}
	}

	return out.WriteConfigAs(c.path)
}

// All returns the effective value of every known key.
func (c *Config) All() map[string]any {
	settings := make(map[string]any, len(Keys()))
	for _, key := range Keys() {
		settings[key] = c.v.Get(key)
	}

	return settings
}

// Validate checks every key that has a constrained value.
func (c *Config) Validate() error {
	for _, key := range Keys() {
		if err := c.validateKey(key); err != nil {
			return err
		}
	}

	return nil
}

// KeyError reports an invalid value for a configuration key.
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

func (c *Config) validateKey(key string) error {
	fail := func(format string, args ...any) error {
		return &KeyError{Key: key, Err: fmt.Errorf(format, args...)}
	}

	switch key {
	case KeyBrokerPort:
		if p := c.GetInt(key); p < 1 || p > 65535 {
			return fail("port %d out of range", p)
		}
	case KeyPermissionTimeout, KeyQuestionTimeout, KeyGracePeriod, KeyPortPollInterval,
		KeyPortWaitTimeout, KeyGovernorWindow, KeyRecoveryTimeout:
		raw := c.GetString(key)

		d, err := time.ParseDuration(raw)
		if err != nil {
			return fail("invalid duration %q", raw)
		}

		if d <= 0 {
			return fail("duration must be positive")
		}
	case KeyGovernorThreshold:
		if n := c.GetInt(key); n < 1 {
			return fail("threshold must be at least 1")
		}
	case KeyMaxContinuations, KeyMaxVerifications:
		if n := c.GetInt(key); n < 0 {
			return fail("budget must not be negative")
		}
	case KeyAgentMinVersion:
		if raw := c.GetString(key); raw != "" {
			if _, err := semver.NewVersion(raw); err != nil {
				return fail("invalid version %q: %w", raw, err)
			}
		}
	}

	return nil
}

// AgentName returns the agent spec to drive.
func (c *Config) AgentName() string {
	return c.GetString(KeyAgentName)
}

// AgentBinary returns the agent binary override, if any.
func (c *Config) AgentBinary() string {
	return c.GetString(KeyAgentBinary)
}

// AgentModel returns the model passed to the agent, if any.
func (c *Config) AgentModel() string {
	return c.GetString(KeyAgentModel)
}

// AgentConfigPath returns the agent config file pointed to through the environment.
func (c *Config) AgentConfigPath() string {
	return c.GetString(KeyAgentConfigPath)
}

// AgentMinVersion returns the minimum agent version, or nil when unset.
func (c *Config) AgentMinVersion() *semver.Version {
	v, err := semver.NewVersion(c.GetString(KeyAgentMinVersion))
	if err != nil {
		return nil
	}

	return v
}

// AgentWorkDir returns the directory agent processes start in.
func (c *Config) AgentWorkDir() string {
	if dir := c.GetString(KeyAgentWorkDir); dir != "" {
		return dir
	}

	dir, err := paths.AgentWorkDir()
	if err != nil {
		return ""
	}

	return dir
}

// AgentEnvFile returns the dotenv file merged into the agent environment.
func (c *Config) AgentEnvFile() string {
	if f := c.GetString(KeyAgentEnvFile); f != "" {
		return f
	}

	f, err := paths.AgentEnvFile()
	if err != nil {
		return ""
	}

	return f
}

// AgentEnv reads the agent dotenv file. A missing file yields no entries.
func (c *Config) AgentEnv() ([]string, error) {
	path := c.AgentEnvFile()
	if path == "" {
		return nil, nil
	}

	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("read agent env file %s: %w", path, err)
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}

	sort.Strings(env)

	return env, nil
}

// BrokerPort returns the broker listen port.
func (c *Config) BrokerPort() int {
	return c.GetInt(KeyBrokerPort)
}

// PermissionTimeout returns how long a permission request waits for the operator.
func (c *Config) PermissionTimeout() time.Duration {
	return c.GetDuration(KeyPermissionTimeout)
}

// QuestionTimeout returns how long a question request waits for the operator.
func (c *Config) QuestionTimeout() time.Duration {
	return c.GetDuration(KeyQuestionTimeout)
}

// GracePeriod returns how long a cancelled flow may take to exit.
func (c *Config) GracePeriod() time.Duration {
	return c.GetDuration(KeyGracePeriod)
}

// PortPollInterval returns the reserved-port polling interval.
func (c *Config) PortPollInterval() time.Duration {
	return c.GetDuration(KeyPortPollInterval)
}

// PortWaitTimeout returns how long to wait for a reserved port.
func (c *Config) PortWaitTimeout() time.Duration {
	return c.GetDuration(KeyPortWaitTimeout)
}

// GovernorWindow returns the failure-counting window.
func (c *Config) GovernorWindow() time.Duration {
	return c.GetDuration(KeyGovernorWindow)
}

// GovernorThreshold returns the failure count that triggers recovery.
func (c *Config) GovernorThreshold() int {
	return c.GetInt(KeyGovernorThreshold)
}

// RecoveryCommand returns the shell command that restarts the automation backend.
func (c *Config) RecoveryCommand() string {
	return c.GetString(KeyRecoveryCommand)
}

// RecoveryTimeout bounds one recovery command run.
func (c *Config) RecoveryTimeout() time.Duration {
	return c.GetDuration(KeyRecoveryTimeout)
}

// MaxContinuations returns the continuation budget per task.
func (c *Config) MaxContinuations() int {
	return c.GetInt(KeyMaxContinuations)
}

// MaxVerifications returns the verification budget per task.
func (c *Config) MaxVerifications() int {
	return c.GetInt(KeyMaxVerifications)
}
