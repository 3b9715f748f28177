package main

import (
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	clierrors "github.com/musher-dev/tether/internal/errors"
	"github.com/musher-dev/tether/internal/supervisor"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <provider>",
		Short: "Sign in to a model provider through the agent",
		Long: `Run the agent's own login flow for a model provider.

tether answers the agent's setup prompts, waits for the OAuth callback
port to be free, and opens the sign-in page in your browser.`,
		Example: `  tether login openai`,
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]

			h, err := newHost(cmd)
			if err != nil {
				return err
			}

			defer h.controller.Dispose()

			if !slices.Contains(h.spec.LoginProviders(), provider) {
				return clierrors.UnknownProvider(provider, h.spec.LoginProviders())
			}

			runner, err := h.runner(nil)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				<-sigCtx.Done()
				h.controller.Cancel()
			}()

			h.out.Info("Starting %s login for %s", h.spec.DisplayName, provider)

			res, err := runner.Login(cmd.Context(), provider)
			if err != nil {
				if supervisor.IsCancelled(err) {
					return clierrors.TaskCancelled()
				}

				return clierrors.LoginFailed(provider, err)
			}

			if h.out.JSON {
				return h.out.PrintJSON(map[string]string{"provider": provider, "openedUrl": res.OpenedURL})
			}

			h.out.Success("Logged in to %s", provider)

			if res.OpenedURL != "" {
				h.out.Field("Opened", res.OpenedURL)
			}

			return nil
		},
	}
}
