package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stevedore/pkg/telemetry"
)

func newResolveCommand(opts *globalOptions) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "resolve <plugin> [constraint]",
		Short: "Resolve a package and its dependencies",
		Long: `Resolve a package against the catalog without installing anything.

Prints the install order, dependencies first, with the version picked for
each package and the constraints that selected it.`,
		Example: `  # Resolve the latest redis installer
  stevedore resolve redis-installer

  # Resolve within a range and render the graph
  stevedore resolve redis-installer "^7.0.0" --dot | dot -Tpng > deps.png`,
		Args: cobra.RangeArgs(1, 2),
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

			orch, err := a.Orchestrator()
			if err != nil {
				return err
			}

			phase := telemetry.StartPhase(a.Context(cmd.Context()), "resolve",
				telemetry.AttrPluginID.String(pluginID),
				telemetry.AttrConstraint.String(constraint))
			chain, err := orch.Resolver().Resolve(phase.Ctx, pluginID, constraint)
			took := phase.End(err)
			if err != nil {
				return err
			}
			log.Debug().Str("plugin", pluginID).Dur("took", took).Int("packages", len(chain.InstallOrder)).Msg("Resolved")

			switch {
			case opts.jsonOutput:
				return printJSON(chain)
			case dot:
				fmt.Print(chain.ToDOT())
				return nil
			}

			fmt.Printf("Resolved %s@%s (%d packages)\n\n", chain.RootID, chain.RootVersion, len(chain.InstallOrder))
			for i, key := range chain.InstallOrder {
				node := chain.AllNodes[key]
				line := fmt.Sprintf("%2d. %s@%s", i+1, node.PluginID, node.ResolvedVersion)
				if deps := chain.DependencyIDs(node); len(deps) > 0 {
					line += "  <- " + strings.Join(deps, ", ")
				}
				if c := chain.IncomingConstraints(key); len(c) > 0 {
					line += "  [" + strings.Join(c, ", ") + "]"
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in Graphviz format")

	return cmd
}
