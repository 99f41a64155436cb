package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/telemetry"
)

func newUninstallCommand(opts *globalOptions) *cobra.Command {
	var (
		force   bool
		volumes bool
	)

	cmd := &cobra.Command{
		Use:   "uninstall <plugin>",
		Short: "Uninstall a package",
		Long: `Run a package's uninstall workflow and forget it.

Uninstall refuses while another installed package depends on the target.
--force skips that check and also removes the package when its uninstall
workflow fails. Dependencies are never removed automatically.`,
		Example: `  # Uninstall, keeping data volumes
  stevedore uninstall redis-installer

  # Uninstall and delete volumes
  stevedore uninstall redis-installer --volumes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pluginID := args[0]

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			orch, err := a.Orchestrator()
			if err != nil {
				return err
			}

			operationID := uuid.NewString()
			scope := telemetry.WithOperationContext(a.Context(cmd.Context()), operationID, pluginID,
				string(engine.OperationUninstall), opts.operator)
			result, err := orch.Uninstall(scope.Ctx, engine.UninstallOptions{
				OperationID:   operationID,
				PluginID:      pluginID,
				Operator:      opts.operator,
				Force:         force,
				RemoveVolumes: volumes,
				Sink:          newConsoleSink(opts, scope.Sink),
			})
			version := ""
			if result != nil {
				version = result.Version
			}
			scope.End(version, err)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(summarize(result))
			}
			fmt.Printf("✓ Uninstalled %s@%s in %s\n", result.PluginID, result.Version, result.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore dependents and uninstall workflow failures")
	cmd.Flags().BoolVar(&volumes, "volumes", false, "also remove persistent volumes")

	return cmd
}
