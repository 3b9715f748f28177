package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/musher-dev/tether/internal/observability"
	"github.com/musher-dev/tether/internal/output"
)

func newBrokerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the authorization broker",
		Long:  `Commands for the loopback broker that tool plugins call for file permissions and questions.`,
	}

	cmd.AddCommand(newBrokerServeCmd())

	return cmd
}

func newBrokerServeCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the broker without an agent",
		Long: `Serve the authorization broker on its own, with a fixed task id.

Useful while developing a tool plugin: POST to /permission or /question
and answer the request here.`,
		Example: `  tether broker serve
  tether broker serve --broker-port 9300 --task-id dev`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			logger := observability.FromContext(cmd.Context())

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			active := func() (string, bool) { return taskID, taskID != "" }

			b, err := startBroker(ctx, cfg, out, logger, active)
			if err != nil {
				return err
			}

			if out.JSON {
				_ = out.PrintJSONLine(map[string]string{"addr": b.addr, "taskId": taskID})
			} else {
				out.Success("Broker listening on http://%s", b.addr)
				out.Field("Task", taskID)
				out.Muted("Press Ctrl+C to stop")
			}

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			return b.Close(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "dev", "Task id the broker accepts requests for")
	cmd.Flags().Int("broker-port", 0, "Broker port (default: 9226)")
	cmd.Flags().Duration("broker-permission-timeout", 0, "How long a permission request waits (default: 5m)")
	cmd.Flags().Duration("broker-question-timeout", 0, "How long a question waits (default: 5m)")

	return cmd
}
