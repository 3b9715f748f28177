// Package paths resolves the per-user directories tether reads and writes.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "tether"

func configRoot() (string, error) {
	return rootWithFallback("XDG_CONFIG_HOME", os.UserConfigDir, ".config")
}

func stateRoot() (string, error) {
	noOSDefault := func() (string, error) {
		return "", fmt.Errorf("no OS state directory function")
	}

	return rootWithFallback("XDG_STATE_HOME", noOSDefault, filepath.Join(".local", "state"))
}

func rootWithFallback(xdgEnv string, osFn func() (string, error), fallbackDir string) (string, error) {
	// Priority 1: Explicit XDG env var (cross-platform).
	if xdg := os.Getenv(xdgEnv); xdg != "" && filepath.IsAbs(xdg) {
		return filepath.Join(xdg, appName), nil
	}

	// Priority 2: OS-specific default (macOS ~/Library/..., Windows %AppData%).
	root, err := osFn()
	if err == nil && root != "" {
		return filepath.Join(root, appName), nil
	}

	// Priority 3: Home-dir fallback.
	home, homeErr := os.UserHomeDir()
	if homeErr == nil && home != "" {
		return filepath.Join(home, fallbackDir, appName), nil
	}

	if err != nil {
		return "", err
	}

	return "", fmt.Errorf("resolve user home directory")
}

// ConfigRoot returns the user config root directory.
func ConfigRoot() (string, error) {
	return configRoot()
}

// StateRoot returns the user state root directory.
func StateRoot() (string, error) {
	return stateRoot()
}

// ConfigFile returns the default config file path.
func ConfigFile() (string, error) {
	return underConfig("config.yaml")
}

// CredentialsFile returns the provider key fallback file used when no
// keyring is available.
func CredentialsFile() (string, error) {
	return underConfig("credentials.env")
}

// AgentEnvFile returns the default dotenv file merged into the agent environment.
func AgentEnvFile() (string, error) {
	return underConfig("agent.env")
}

// LogsDir returns the default log directory.
func LogsDir() (string, error) {
	return underState("logs")
}

// DefaultLogFile returns the default log file path.
func DefaultLogFile() (string, error) {
	return underState(filepath.Join("logs", appName+".log"))
}

// AgentWorkDir returns the directory managed agent processes start in.
func AgentWorkDir() (string, error) {
	return underState("agent")
}

func underConfig(name string) (string, error) {
	root, err := configRoot()
	if err != nil {
		return "", err
	}

	return filepath.Join(root, name), nil
}

func underState(name string) (string, error) {
	root, err := stateRoot()
	if err != nil {
		return "", err
	}

	return filepath.Join(root, name), nil
}
