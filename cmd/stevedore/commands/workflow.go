package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stevedore/pkg/artifacts"
	"github.com/openfroyo/stevedore/pkg/deploy"
	"github.com/openfroyo/stevedore/pkg/telemetry"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

func newWorkflowCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Validate and run install workflows",
	}

	cmd.AddCommand(newWorkflowValidateCommand(opts))
	cmd.AddCommand(newWorkflowRunCommand(opts))

	return cmd
}

func newWorkflowValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <artifact|manifest>",
		Short: "Check a workflow manifest",
		Long: `Parse a workflow manifest and check every step against its schema.

The argument may be a manifest file, an artifact directory or a zip
artifact. Scripts and compose files referenced by steps must be present in
the artifact.`,
		Example: `  stevedore workflow validate ./redis-installer
  stevedore workflow validate redis-installer-7.2.0.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser := workflow.NewParser(log.Logger)
			def, err := loadDefinition(parser, args[0])
			if err != nil {
				return err
			}
			if err := checkReferencedFiles(args[0], def); err != nil {
				return err
			}

			if opts.jsonOutput {
				return printJSON(def)
			}

			fmt.Printf("✓ Workflow %s is valid\n", def.Name)
			printSteps("install", def.Steps)
			printSteps("uninstall", def.UninstallSteps)
			return nil
		},
	}
}

func loadDefinition(parser *workflow.Parser, path string) (*workflow.Definition, error) {
	if def, err := parser.ParseFile(path); err == nil {
		return def, nil
	}
	art, err := artifacts.Open(path)
	if err != nil {
		return nil, err
	}
	defer art.Close()
	return parser.LoadArtifact(art)
}

// checkReferencedFiles verifies that step files exist when path is an
// artifact rather than a lone manifest.
func checkReferencedFiles(path string, def *workflow.Definition) error {
	art, err := artifacts.Open(path)
	if err != nil {
		return nil
	}
	defer art.Close()

	var missing []string
	for _, step := range append(append([]workflow.Step{}, def.Steps...), def.UninstallSteps...) {
		var name string
		switch step.Type {
		case workflow.StepTypeShellScript:
			name = step.ConfigString("script", "")
		case workflow.StepTypeComposeDeploy:
			name = step.ConfigString("file", "docker-compose.yml")
		}
		if name != "" && !art.Exists(name) {
			missing = append(missing, fmt.Sprintf("%s: %s", step.ID, name))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("artifact is missing files: %s", strings.Join(missing, ", "))
	}
	return nil
}

func printSteps(section string, steps []workflow.Step) {
	if len(steps) == 0 {
		return
	}
	fmt.Printf("\n%s steps:\n", section)
	for i, s := range steps {
		fmt.Printf("  %d. %-20s %-16s on_error=%s\n", i+1, s.DisplayName(), s.Type, s.OnError)
	}
}

func newWorkflowRunCommand(opts *globalOptions) *cobra.Command {
	var (
		nodeID    string
		set       []string
		uninstall bool
		volumes   bool
	)

	cmd := &cobra.Command{
		Use:   "run <artifact|manifest>",
		Short: "Run a workflow without installing it",
		Long: `Run a workflow's install (or uninstall) steps against a node.

Nothing is recorded as installed. Services of installed packages are
available to the workflow, which makes this useful while developing a
package.`,
		Example: `  stevedore workflow run ./redis-installer --set REDIS_PORT=6380
  stevedore workflow run ./redis-installer --uninstall --volumes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseSet(set)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			def, err := a.deployer.LoadWorkflow(args[0])
			if err != nil {
				return err
			}

			operation := "run"
			if uninstall {
				operation = "run-uninstall"
			}
			scope := telemetry.WithOperationContext(a.Context(cmd.Context()), uuid.NewString(), def.Name, operation, opts.operator)
			res, err := a.deployer.RunWorkflow(scope.Ctx, deploy.RunRequest{
				Path:          args[0],
				NodeID:        nodeID,
				Config:        cfg,
				Operator:      opts.operator,
				Uninstall:     uninstall,
				RemoveVolumes: volumes,
				Sink:          newConsoleSink(opts, scope.Sink),
			})
			if err == nil && !res.Success {
				err = res.Err
				if err == nil {
					err = fmt.Errorf("workflow %s %s: %s", def.Name, strings.ToLower(string(res.Status)), res.Message)
				}
			}
			scope.End(def.Version, err)

			if res != nil && opts.jsonOutput {
				if jerr := printJSON(res); jerr != nil {
					return jerr
				}
			} else if res != nil {
				printRunResult(res)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&nodeID, "node", "n", "", "target node (default local)")
	cmd.Flags().StringArrayVar(&set, "set", nil, "install configuration as key=value (repeatable)")
	cmd.Flags().BoolVar(&uninstall, "uninstall", false, "run the uninstall steps")
	cmd.Flags().BoolVar(&volumes, "volumes", false, "with --uninstall, remove persistent volumes")

	return cmd
}

func printRunResult(res *workflow.ExecutionResult) {
	fmt.Println()
	for _, s := range res.Steps {
		mark := "✓"
		switch s.Status {
		case workflow.StepStatusFailed:
			mark = "✗"
		case workflow.StepStatusSkipped, workflow.StepStatusRolledBack:
			mark = "-"
		}
		line := fmt.Sprintf("%s %-20s %-12s %s", mark, s.StepID, s.Status, s.Duration.Round(time.Millisecond))
		if s.ErrorMessage != "" {
			line += "  " + s.ErrorMessage
		}
		fmt.Println(line)
	}
	for _, msg := range res.RollbackErrors {
		fmt.Printf("rollback: %s\n", msg)
	}
	fmt.Printf("\nWorkflow %s: %s in %s\n", res.Workflow, res.Status, res.Duration.Round(time.Millisecond))
}
