package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	jsonOutput bool
	operator   string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "stevedore",
		Short: "Stevedore - middleware package manager",
		Long: `Stevedore installs, upgrades and removes middleware packages together
with their dependencies, on the local host or on remote nodes.

Packages are zip archives or directories carrying an install workflow
(docker compose deployments, shell scripts, waits and health checks).
Dependencies are resolved from a catalog, installed first, and rolled back
when a later step fails.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (default $STEVEDORE_HOME/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&opts.operator, "operator", defaultOperator(), "name recorded in the operation log")

	rootCmd.AddCommand(newInitCommand(opts))
	rootCmd.AddCommand(newResolveCommand(opts))
	rootCmd.AddCommand(newInstallCommand(opts))
	rootCmd.AddCommand(newUpgradeCommand(opts))
	rootCmd.AddCommand(newUninstallCommand(opts))
	rootCmd.AddCommand(newWorkflowCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newInfoCommand(opts))
	rootCmd.AddCommand(newNodeCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))

	return rootCmd
}

func defaultOperator() string {
	for _, env := range []string{"STEVEDORE_OPERATOR", "USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "cli"
}

// ExitCode maps an error to the process exit status: 130 for a cancelled
// operation, 124 when --timeout expired, 2 for a policy denial or version
// conflict and 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, context.DeadlineExceeded):
		return 124
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		switch ee.Code {
		case engine.ErrCodePolicyDenied, engine.ErrCodeVersionConflict:
			return 2
		}
	}
	return 1
}
