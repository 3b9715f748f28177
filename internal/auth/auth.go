// Package auth stores model provider API keys for the agent.
//
// A provider key is sourced in the following priority order:
//  1. Environment variable named by the agent spec (OPENAI_API_KEY, ...)
//  2. OS Keyring (macOS Keychain, Windows Credential Manager, Linux Secret Service)
//  3. Dotenv fallback: <user config dir>/tether/credentials.env (for headless hosts)
//
// Keys found in 2 or 3 are injected into the agent environment.
package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"

	"github.com/musher-dev/tether/internal/paths"
)

// keyringService is the service name used in OS keyring storage.
const keyringService = "tether"

// CredentialSource indicates where credentials were found.
type CredentialSource string

// Credential source constants identify where credentials were loaded from.
const (
	SourceEnv     CredentialSource = "environment variable"
	SourceKeyring CredentialSource = "keyring"
	SourceFile    CredentialSource = "credentials file"
	SourceNone    CredentialSource = ""
)

// ProviderStatus describes one provider's stored credential.
type ProviderStatus struct {
	Provider string           `json:"provider"`
	EnvVar   string           `json:"envVar"`
	Source   CredentialSource `json:"source"`
}

// Lookup returns the key for provider and where it came from.
func Lookup(provider, envVar string) (CredentialSource, string) {
	if key := os.Getenv(envVar); key != "" {
		return SourceEnv, key
	}

	if key, err := keyring.Get(keyringService, provider); err == nil && key != "" {
		return SourceKeyring, key
	}

	if key := readCredentialsFile()[envVar]; key != "" {
		return SourceFile, key
	}

	return SourceNone, ""
}

// StoreKey stores the key in the OS keyring, falling back to the credentials
// file when no keyring is available.
func StoreKey(provider, envVar, key string) (CredentialSource, error) {
	if err := keyring.Set(keyringService, provider, key); err == nil {
		return SourceKeyring, nil
	}

	vars := readCredentialsFile()
	vars[envVar] = key

	if err := writeCredentialsFile(vars); err != nil {
		return SourceNone, err
	}

	return SourceFile, nil
}

// DeleteKey removes the stored key for provider from both stores.
func DeleteKey(provider, envVar string) error {
	keyringErr := keyring.Delete(keyringService, provider)

	fileErr := fmt.Errorf("not in credentials file")

	vars := readCredentialsFile()
	if _, ok := vars[envVar]; ok {
		delete(vars, envVar)
		fileErr = writeCredentialsFile(vars)
	}

	if keyringErr != nil && fileErr != nil {
		return fmt.Errorf("no stored credentials found for %s", provider)
	}

	return nil
}

// Status reports every provider in apiKeyEnv (provider -> env var), sorted.
func Status(apiKeyEnv map[string]string) []ProviderStatus {
	out := make([]ProviderStatus, 0, len(apiKeyEnv))

	for provider, envVar := range apiKeyEnv {
		source, _ := Lookup(provider, envVar)
		out = append(out, ProviderStatus{Provider: provider, EnvVar: envVar, Source: source})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })

	return out
}

// AgentEnv returns KEY=value entries for stored keys the environment does not
// already provide, sorted.
func AgentEnv(apiKeyEnv map[string]string) []string {
	var env []string

	for provider, envVar := range apiKeyEnv {
		source, key := Lookup(provider, envVar)
		if source == SourceKeyring || source == SourceFile {
			env = append(env, envVar+"="+key)
		}
	}

	sort.Strings(env)

	return env
}

// credentialsFilePath returns the path to the credentials file.
func credentialsFilePath() string {
	path, err := paths.CredentialsFile()
	if err != nil {
		return ""
	}

	return filepath.Clean(path)
}

func readCredentialsFile() map[string]string {
	path := credentialsFilePath()
	if path == "" {
		return map[string]string{}
	}

	vars, err := godotenv.Read(path)
	if err != nil {
		return map[string]string{}
	}

	return vars
}

func writeCredentialsFile(vars map[string]string) error {
	path := credentialsFilePath()
	if path == "" {
		return fmt.Errorf("could not determine config directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if len(vars) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove credentials file: %w", err)
		}

		return nil
	}

	if err := godotenv.Write(vars, path); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("secure credentials file: %w", err)
	}

	return nil
}
