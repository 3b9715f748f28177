package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/musher-dev/tether/internal/config"
	clierrors "github.com/musher-dev/tether/internal/errors"
	"github.com/musher-dev/tether/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `View and modify tether configuration settings.

Values come from defaults, then the config file, then TETHER_* environment
variables (broker.port is TETHER_BROKER_PORT).`,
	}

	cmd.AddCommand(newConfigListCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())

	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configuration settings",
		Long:  `Display every configuration key with its effective value.`,
		Example: `  tether config list
  tether config list --json`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			cfg := config.Load()

			settings := cfg.All()

			if out.JSON {
				return out.PrintJSON(settings)
			}

			keys := make([]string, 0, len(settings))
			for key := range settings {
				keys = append(keys, key)
			}

			sort.Strings(keys)

			for _, key := range keys {
				out.Print("%s = %v\n", key, settings[key])
			}

			out.Println()
			out.Muted("Config file: %s", cfg.Path())

			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "get <key>",
		Short:   "Get a configuration value",
		Long:    `Retrieve and display the current value of a single configuration key.`,
		Example: `  tether config get broker.port`,
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			key := args[0]

			if !config.Known(key) {
				return unknownKey(key)
			}

			value := config.Load().Get(key)

			if out.JSON {
				return out.PrintJSON(map[string]any{key: value})
			}

			if value == nil || fmt.Sprint(value) == "" {
				out.Muted("%s is not set", key)
				return nil
			}

			out.Print("%s = %v\n", key, value)

			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  `Set a configuration key to the given value. The value is validated and persisted to the config file.`,
		Example: `  tether config set broker.port 9300
  tether config set governor.recovery_command "pkill -f chrome-debug; start-browser"`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			key, value := args[0], args[1]

			if !config.Known(key) {
				return unknownKey(key)
			}

			if err := config.Load().Set(key, value); err != nil {
				var keyErr *config.KeyError
				if errors.As(err, &keyErr) {
					return clierrors.InvalidConfig(keyErr.Key, keyErr.Err)
				}

				return clierrors.ConfigFailed("set config", err)
			}

			out.Success("Set %s = %s", key, value)

			return nil
		},
	}
}

func unknownKey(key string) error {
	return &clierrors.CLIError{
		Message: fmt.Sprintf("Unknown config key: %s", key),
		Hint:    "Run 'tether config list' to see available keys",
		Code:    clierrors.ExitUsage,
	}
}
