package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stevedore/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		pluginID string
		limit    int
		upgrades bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the operation log",
		Long: `Show past installs, upgrades and uninstalls, newest first.

--upgrades shows the upgrade log instead, with the version each upgrade
started from and whether it was rolled back.`,
		Example: `  stevedore history --limit 20
  stevedore history --plugin redis-installer --upgrades`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			filter := stores.HistoryFilter{PluginID: pluginID, Limit: limit}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

			if upgrades {
				logs, err := a.store.ListUpgrades(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(logs)
				}
				fmt.Fprintln(w, "TIME\tPLUGIN\tFROM\tTO\tSTATUS\tOPERATOR\tMESSAGE")
				for _, l := range logs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						l.CreatedAt.Local().Format(time.DateTime), l.PluginID, l.FromVersion, l.ToVersion,
						l.Status, l.Operator, l.Message)
				}
				return w.Flush()
			}

			logs, err := a.store.ListOperations(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(logs)
			}
			fmt.Fprintln(w, "STARTED\tOPERATION\tPLUGIN\tVERSION\tSTATUS\tDURATION\tOPERATOR\tMESSAGE")
			for _, l := range logs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					l.StartedAt.Local().Format(time.DateTime), l.Operation, l.PluginID, l.Version,
					l.Status, l.FinishedAt.Sub(l.StartedAt).Round(time.Millisecond), l.Operator, l.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&pluginID, "plugin", "p", "", "only show this plugin")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().BoolVar(&upgrades, "upgrades", false, "show the upgrade log")

	return cmd
}
