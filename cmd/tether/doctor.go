package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/musher-dev/tether/internal/buildinfo"
	"github.com/musher-dev/tether/internal/doctor"
	"github.com/musher-dev/tether/internal/output"
	"github.com/musher-dev/tether/internal/paths"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose common issues",
		Long: `Run diagnostic checks to identify configuration and environment issues.

Checks performed:
  - Agent CLI availability and minimum version
  - Authorization broker port availability
  - Model provider keys and where they come from
  - Config directory permissions`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			spec, binary, err := resolveAgent(cfg)
			if err != nil {
				return err
			}

			configDir, _ := paths.ConfigRoot()

			runner := doctor.New(doctor.Env{
				Agent:      spec,
				Binary:     binary,
				MinVersion: cfg.AgentMinVersion(),
				BrokerPort: cfg.BrokerPort(),
				ConfigDir:  configDir,
			})

			if out.JSON {
				results := runner.Run(cmd.Context())
				passed, failed, warnings := doctor.Summary(results)

				return out.PrintJSON(map[string]any{
					"version":  buildinfo.Version,
					"results":  results,
					"passed":   passed,
					"failed":   failed,
					"warnings": warnings,
				})
			}

			out.Println("tether doctor")
			out.Println("=============")
			out.Println()

			sp := out.Spinner("Running checks")
			sp.Start()

			results := runner.RunEach(cmd.Context(), func(name string) {
				sp.UpdateMessage("Checking " + strings.ToLower(name))
			})
			passed, failed, warnings := doctor.Summary(results)

			switch {
			case failed > 0:
				sp.StopWithFailure("")
			case warnings > 0:
				sp.StopWithWarning("")
			default:
				sp.StopWithSuccess("")
			}

			out.Println()

			doctor.RenderResults(results, out.Print, out.Success, out.Warning, out.Failure, out.Muted)

			out.Println()
			out.Print("%d passed", passed)

			if failed > 0 {
				out.Print(", %d failed", failed)
			}

			if warnings > 0 {
				out.Print(", %d warning(s)", warnings)
			}

			out.Println()

			return nil
		},
	}
}
