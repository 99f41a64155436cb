package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/telemetry"
)

// deployFlags are shared by install and upgrade.
type deployFlags struct {
	nodeID  string
	set     []string
	timeout time.Duration
	reveal  bool
}

func (f *deployFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.nodeID, "node", "n", "", "target node (default local)")
	cmd.Flags().StringArrayVar(&f.set, "set", nil, "install configuration as key=value (repeatable)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "abort and roll back after this long (0 waits forever)")
	cmd.Flags().BoolVar(&f.reveal, "reveal", false, "show sensitive values in the connection summary")
}

func newInstallCommand(opts *globalOptions) *cobra.Command {
	var flags deployFlags

	cmd := &cobra.Command{
		Use:   "install <plugin> [constraint]",
		Short: "Install a package and its dependencies",
		Long: `Install a package from the catalog.

Dependencies are resolved first and installed or upgraded in order. If any
step fails, everything this operation installed is removed again and
upgraded dependencies are restored to their previous versions.`,
		Example: `  # Install the latest redis installer locally
  stevedore install redis-installer

  # Install a pinned range on a remote node with custom configuration
  stevedore install redis-installer "~7.2.0" --node db-1 --set REDIS_PASSWORD=s3cret`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pluginID, constraint := args[0], ""
			if len(args) == 2 {
				constraint = args[1]
			}
			cfg, err := parseSet(flags.set)
			if err != nil {
				return err
			}

			return runDeploy(cmd.Context(), opts, flags, engine.OperationInstall, pluginID,
				func(ctx context.Context, orch *engine.Orchestrator, id string, sink engine.ProgressSink) (*engine.OperationResult, error) {
					return orch.Install(ctx, engine.InstallOptions{
						OperationID: id,
						PluginID:    pluginID,
						Version:     constraint,
						Operator:    opts.operator,
						NodeID:      flags.nodeID,
						Config:      cfg,
						Sink:        sink,
					})
				})
		},
	}
	flags.register(cmd)

	return cmd
}

func newUpgradeCommand(opts *globalOptions) *cobra.Command {
	var flags deployFlags

	cmd := &cobra.Command{
		Use:   "upgrade <plugin> [constraint]",
		Short: "Upgrade an installed package",
		Long: `Upgrade an installed package to the latest version, or to the newest
version matching a constraint.

The previous version's uninstall workflow runs first (volumes are kept),
then the new version is deployed. A failed upgrade reinstalls the previous
version.`,
		Example: `  # Upgrade to the latest version
  stevedore upgrade redis-installer

  # Upgrade within the 7.x line
  stevedore upgrade redis-installer "^7.0.0"`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pluginID, constraint := args[0], ""
			if len(args) == 2 {
				constraint = args[1]
			}
			cfg, err := parseSet(flags.set)
			if err != nil {
				return err
			}

			return runDeploy(cmd.Context(), opts, flags, engine.OperationUpgrade, pluginID,
				func(ctx context.Context, orch *engine.Orchestrator, id string, sink engine.ProgressSink) (*engine.OperationResult, error) {
					return orch.Upgrade(ctx, engine.UpgradeOptions{
						OperationID: id,
						PluginID:    pluginID,
						Version:     constraint,
						Operator:    opts.operator,
						NodeID:      flags.nodeID,
						Config:      cfg,
						Sink:        sink,
					})
				})
		},
	}
	flags.register(cmd)

	return cmd
}

type deployFunc func(ctx context.Context, orch *engine.Orchestrator, operationID string, sink engine.ProgressSink) (*engine.OperationResult, error)

// runDeploy wraps an install or upgrade in an operation scope and prints
// the outcome.
func runDeploy(ctx context.Context, opts *globalOptions, flags deployFlags, kind engine.OperationKind, pluginID string, fn deployFunc) error {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := a.Orchestrator()
	if err != nil {
		return err
	}

	ctx = a.Context(ctx)
	if flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.timeout)
		defer cancel()
	}

	operationID := uuid.NewString()
	log.Info().
		Str("operation_id", operationID).
		Str("plugin", pluginID).
		Str("operation", string(kind)).
		Str("node", flags.nodeID).
		Msg("Starting operation")

	scope := telemetry.WithOperationContext(ctx, operationID, pluginID, string(kind), opts.operator)
	result, err := fn(scope.Ctx, orch, operationID, newConsoleSink(opts, scope.Sink))
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

	switch {
	case result.FromVersion != "" && result.FromVersion != result.Version:
		fmt.Printf("✓ Upgraded %s %s -> %s in %s\n", result.PluginID, result.FromVersion, result.Version, result.Duration.Round(time.Millisecond))
	case result.ChangeSet != nil && result.ChangeSet.IsEmpty():
		fmt.Printf("✓ %s@%s is already installed\n", result.PluginID, result.Version)
	default:
		fmt.Printf("✓ Installed %s@%s in %s\n", result.PluginID, result.Version, result.Duration.Round(time.Millisecond))
	}
	if result.ChangeSet != nil {
		if ids := result.ChangeSet.NewlyInstalled(); len(ids) > 0 {
			fmt.Printf("  installed: %s\n", strings.Join(ids, ", "))
		}
		for _, up := range result.ChangeSet.UpgradedBeforeVersion() {
			fmt.Printf("  upgraded:  %s (was %s)\n", up.PluginID, up.PreviousVersion)
		}
	}

	info, err := a.deployer.ConnectionInfo(ctx, pluginID, flags.reveal)
	if err != nil {
		log.Warn().Err(err).Str("plugin", pluginID).Msg("No connection info")
		return nil
	}
	if info != "" {
		fmt.Println()
		fmt.Print(info)
	}
	return nil
}

// operationSummary is the JSON form of an OperationResult.
type operationSummary struct {
	OperationID    string   `json:"operation_id"`
	PluginID       string   `json:"plugin_id"`
	Version        string   `json:"version"`
	FromVersion    string   `json:"from_version,omitempty"`
	InstallOrder   []string `json:"install_order,omitempty"`
	NewlyInstalled []string `json:"newly_installed,omitempty"`
	DurationMS     int64    `json:"duration_ms"`
}

func summarize(r *engine.OperationResult) operationSummary {
	s := operationSummary{
		OperationID: r.OperationID,
		PluginID:    r.PluginID,
		Version:     r.Version,
		FromVersion: r.FromVersion,
		DurationMS:  r.Duration.Milliseconds(),
	}
	if r.Chain != nil {
		s.InstallOrder = r.Chain.InstallOrder
	}
	if r.ChangeSet != nil {
		s.NewlyInstalled = r.ChangeSet.NewlyInstalled()
	}
	return s
}
