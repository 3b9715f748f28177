package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/musher-dev/tether/internal/agent"
	"github.com/musher-dev/tether/internal/auth"
	clierrors "github.com/musher-dev/tether/internal/errors"
	"github.com/musher-dev/tether/internal/output"
	"github.com/musher-dev/tether/internal/prompt"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage model provider keys",
		Long: `Store the model provider API keys handed to the agent.

Keys are stored in your system's keyring (macOS Keychain, Windows
Credential Manager, or Linux Secret Service), or in a private file
under the tether config directory when no keyring is available.
Keys already exported in the environment take precedence.`,
	}

	cmd.AddCommand(newAuthSetCmd())
	cmd.AddCommand(newAuthClearCmd())
	cmd.AddCommand(newAuthStatusCmd())

	return cmd
}

// providerEnv returns the agent's provider to env var table.
func providerEnv(cmd *cobra.Command) (*agent.Spec, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	spec, _, err := resolveAgent(cfg)
	if err != nil {
		return nil, err
	}

	return spec, nil
}

func lookupProvider(spec *agent.Spec, provider string) (string, error) {
	envVar, ok := spec.APIKeyEnv[provider]
	if !ok {
		supported := make([]string, 0, len(spec.APIKeyEnv))
		for name := range spec.APIKeyEnv {
			supported = append(supported, name)
		}

		sort.Strings(supported)

		return "", clierrors.UnknownProvider(provider, supported)
	}

	return envVar, nil
}

func newAuthSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "set <provider>",
		Aliases: []string{"set-key"},
		Short:   "Store a provider API key",
		Long: `Store an API key for a model provider.

The key is read from a hidden prompt, or from stdin when piped.`,
		Example: `  tether auth set openai
  printenv MY_KEY | tether auth set anthropic`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			provider := args[0]

			spec, err := providerEnv(cmd)
			if err != nil {
				return err
			}

			envVar, err := lookupProvider(spec, provider)
			if err != nil {
				return err
			}

			if os.Getenv(envVar) != "" {
				out.Info("%s environment variable is set", envVar)
				out.Muted("Environment variable takes precedence over stored keys")
				out.Println()
			}

			var key string

			prompter := prompt.New(out)
			if prompter.CanPrompt() && isTerminalReader(os.Stdin) {
				key, err = prompter.Password(fmt.Sprintf("Enter your %s API key", provider))
				if err != nil {
					return fmt.Errorf("read api key prompt: %w", err)
				}
			} else {
				key, err = readKeyFromStdin()
				if err != nil {
					return clierrors.CannotPrompt(envVar)
				}
			}

			key = strings.TrimSpace(key)
			if key == "" {
				return clierrors.APIKeyEmpty()
			}

			source, err := auth.StoreKey(provider, envVar, key)
			if err != nil {
				return clierrors.ConfigFailed("store credentials", err)
			}

			out.Success("Stored %s key in %s", provider, source)

			return nil
		},
	}
}

func readKeyFromStdin() (string, error) {
	if isTerminalReader(os.Stdin) {
		return "", fmt.Errorf("stdin is a terminal")
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key from stdin: %w", err)
	}

	return line, nil
}

func newAuthClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "clear <provider>",
		Aliases: []string{"clear-key"},
		Short:   "Remove a stored provider API key",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			provider := args[0]

			spec, err := providerEnv(cmd)
			if err != nil {
				return err
			}

			envVar, err := lookupProvider(spec, provider)
			if err != nil {
				return err
			}

			if err := auth.DeleteKey(provider, envVar); err != nil {
				out.Muted("No stored key for %s", provider)
				return nil
			}

			out.Success("Removed %s key", provider)

			if os.Getenv(envVar) != "" {
				out.Println()
				out.Warning("%s environment variable is still set", envVar)
			}

			return nil
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which provider keys are available",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())

			spec, err := providerEnv(cmd)
			if err != nil {
				return err
			}

			statuses := auth.Status(spec.APIKeyEnv)

			if out.JSON {
				return out.PrintJSON(statuses)
			}

			found := 0

			for _, st := range statuses {
				source := string(st.Source)
				if st.Source == auth.SourceNone {
					source = "not set"
				} else {
					found++
				}

				out.Field(st.Provider, fmt.Sprintf("%s (%s)", source, st.EnvVar))
			}

			if found == 0 {
				out.Println()
				return clierrors.NoProviderCredentials()
			}

			return nil
		},
	}
}
