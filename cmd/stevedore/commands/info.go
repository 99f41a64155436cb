package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stevedore/pkg/secrets"
)

func newInfoCommand(opts *globalOptions) *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "info [plugin]",
		Short: "Show installed packages and their connection info",
		Long: `Without arguments, list installed packages. With a plugin ID, show the
services it exposes and how to connect to them. Passwords and other
sensitive values are masked unless --reveal is given.`,
		Example: `  stevedore info
  stevedore info redis-installer --reveal`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 1 {
				if opts.jsonOutput {
					services, err := a.store.ListServices(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					for i := range services {
						cfg := secrets.DecryptSensitive(a.codec, services[i].Config)
						if !reveal {
							cfg = secrets.Redact(cfg)
						}
						services[i].Config = cfg
					}
					return printJSON(services)
				}
				text, err := a.deployer.ConnectionInfo(cmd.Context(), args[0], reveal)
				if err != nil {
					return err
				}
				fmt.Print(text)
				return nil
			}

			installed, err := a.store.ListInstalled(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(installed)
			}
			if len(installed) == 0 {
				fmt.Println("No packages installed.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PLUGIN\tVERSION\tNODE\tUPDATED")
			for _, art := range installed {
				node := art.NodeID
				if node == "" {
					node = "local"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", art.PluginID, art.Version, node, art.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "show sensitive values")

	return cmd
}
