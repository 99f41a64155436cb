package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/policy"
	"github.com/openfroyo/stevedore/pkg/telemetry"
)

var errPolicyDisabled = errors.New("policy evaluation is disabled in the configuration")

func newPolicyCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
		Long: `Admission policies are Rego modules evaluated before every install and
upgrade. Built-in policies flag insecure downloads, unpinned installs and
password SSH authentication; more are loaded from the configured policy
paths.`,
	}

	cmd.AddCommand(newPolicyCheckCommand(opts))
	cmd.AddCommand(newPolicyListCommand(opts))

	return cmd
}

func newPolicyCheckCommand(opts *globalOptions) *cobra.Command {
	var nodeID string

	cmd := &cobra.Command{
		Use:   "check <plugin> [constraint]",
		Short: "Evaluate policies against an install without running it",
		Example: `  stevedore policy check redis-installer "^7.0.0" --node db-1`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pluginID, constraint := args[0], ""
			if len(args) == 2 {
				constraint = args[1]
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()
			if a.admission == nil {
				return errPolicyDisabled
			}

			orch, err := a.Orchestrator()
			if err != nil {
				return err
			}
			ctx := a.Context(cmd.Context())
			chain, err := orch.Resolver().Resolve(ctx, pluginID, constraint)
			if err != nil {
				return err
			}

			phase := telemetry.StartPhase(ctx, "admission",
				telemetry.AttrPluginID.String(pluginID),
				telemetry.AttrNodeID.String(nodeID))
			result, err := a.admission.Check(phase.Ctx, chain, engine.InstallRequest{
				PluginID:   pluginID,
				Version:    chain.RootVersion,
				Constraint: constraint,
				Operation:  engine.OperationInstall,
				Operator:   opts.operator,
				NodeID:     nodeID,
			}, true)
			phase.End(err)
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				if err := printJSON(result); err != nil {
					return err
				}
			} else {
				printPolicyResult(result)
			}

			if !result.Allowed {
				return engine.NewPermanentError(fmt.Sprintf("%d blocking policy violations", len(result.Violations)), nil).
					WithCode(engine.ErrCodePolicyDenied).
					WithResource(pluginID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&nodeID, "node", "n", "", "target node (default local)")

	return cmd
}

func printPolicyResult(r *policy.Result) {
	fmt.Printf("Evaluated %d policies in %s\n", len(r.EvaluatedPolicies), r.Duration)
	for _, v := range r.Violations {
		fmt.Printf("✗ [%s] %s (%s): %s\n", v.Severity, v.Policy, v.PluginID, v.Message)
	}
	for _, v := range r.Warnings {
		fmt.Printf("! [%s] %s (%s): %s\n", v.Severity, v.Policy, v.PluginID, v.Message)
	}
	for _, e := range r.Errors {
		fmt.Printf("? %s\n", e)
	}
	if r.Allowed {
		fmt.Println("✓ Install allowed")
	}
}

func newPolicyListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()
			if a.policies == nil {
				return errPolicyDisabled
			}

			policies := a.policies.ListPolicies()
			if opts.jsonOutput {
				return printJSON(policies)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := "builtin"
				if s, ok := p.Metadata["source"].(string); ok && !p.Builtin {
					source = s
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, firstLine(p.Description))
			}
			return w.Flush()
		},
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
