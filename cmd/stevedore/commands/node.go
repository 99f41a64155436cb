package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/stevedore/pkg/engine"
)

func newNodeCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage target nodes",
		Long: `Manage the nodes packages can be installed on.

Credentials are encrypted with the secrets key before they are stored.`,
	}

	cmd.AddCommand(newNodeAddCommand(opts))
	cmd.AddCommand(newNodeListCommand(opts))
	cmd.AddCommand(newNodeRemoveCommand(opts))

	return cmd
}

func newNodeAddCommand(opts *globalOptions) *cobra.Command {
	var (
		node          engine.NodeDescriptor
		nodeType      string
		keyFile       string
		passwordStdin bool
		skipCheck     bool
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a node",
		Example: `  # SSH node with key authentication
  stevedore node add db-1 --host 10.0.0.5 --user deploy --key-file ~/.ssh/id_ed25519

  # SSH node with a password read from stdin
  echo "$PASS" | stevedore node add db-2 --host 10.0.0.6 --user root --password-stdin

  # Remote docker daemon
  stevedore node add builder --type docker-api --docker-host tcp://10.0.0.7:2376 --tls-verify`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node.ID = args[0]
			node.Type = engine.NodeType(nodeType)

			if passwordStdin {
				data, err := readAllStdin()
				if err != nil {
					return err
				}
				node.Password = data
			}
			if keyFile != "" {
				data, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("failed to read key file: %w", err)
				}
				node.PrivateKey = string(data)
			}
			if err := prepareNode(&node); err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			if !skipCheck && node.Type != engine.NodeTypeLocal {
				if err := checkNode(cmd.Context(), a, &node); err != nil {
					return err
				}
			}

			if err := a.store.SaveNode(cmd.Context(), node); err != nil {
				return err
			}
			log.Info().Str("node", node.ID).Str("type", string(node.Type)).Msg("Node saved")
			fmt.Printf("✓ Node %s saved\n", node.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&nodeType, "type", string(engine.NodeTypeSSH), "node type: ssh, docker-api or local")
	f.StringVar(&node.Name, "name", "", "display name")
	f.StringVar(&node.Host, "host", "", "SSH host")
	f.IntVar(&node.Port, "port", 22, "SSH port")
	f.StringVar(&node.User, "user", "", "SSH user")
	f.StringVar(&keyFile, "key-file", "", "SSH private key file")
	f.StringVar(&node.Passphrase, "passphrase", "", "passphrase of the private key")
	f.BoolVar(&passwordStdin, "password-stdin", false, "read the SSH password from stdin")
	f.StringVar(&node.DockerHost, "docker-host", "", "docker daemon address for docker-api nodes")
	f.StringVar(&node.CertPath, "cert-path", "", "docker TLS certificate directory")
	f.BoolVar(&node.TLSVerify, "tls-verify", false, "verify the docker daemon certificate")
	f.BoolVar(&skipCheck, "no-check", false, "save without testing the connection")

	return cmd
}

// prepareNode infers the auth type, validates the descriptor and checks
// that a private key can be parsed.
func prepareNode(node *engine.NodeDescriptor) error {
	if node.Type == engine.NodeTypeSSH && node.AuthType == "" {
		switch {
		case node.PrivateKey != "":
			node.AuthType = "key"
		case node.Password != "":
			node.AuthType = "password"
		}
	}

	if err := validator.New().Struct(node); err != nil {
		return fmt.Errorf("invalid node: %w", err)
	}

	switch node.Type {
	case engine.NodeTypeSSH:
		if node.Host == "" || node.User == "" {
			return errors.New("ssh nodes need --host and --user")
		}
		if node.AuthType == "" {
			return errors.New("ssh nodes need --key-file or --password-stdin")
		}
	case engine.NodeTypeDockerAPI:
		if node.DockerHost == "" {
			return errors.New("docker-api nodes need --docker-host")
		}
	}

	if node.PrivateKey != "" {
		var err error
		if node.Passphrase != "" {
			_, err = ssh.ParsePrivateKeyWithPassphrase([]byte(node.PrivateKey), []byte(node.Passphrase))
		} else {
			_, err = ssh.ParsePrivateKey([]byte(node.PrivateKey))
		}
		if err != nil {
			return fmt.Errorf("invalid private key: %w", err)
		}
	}
	return nil
}

func checkNode(ctx context.Context, a *app, node *engine.NodeDescriptor) error {
	env := a.factory.Create(node, "")
	defer env.Close()
	if !env.IsAvailable(ctx) {
		return fmt.Errorf("node %s is not reachable (use --no-check to save anyway)", node.ID)
	}
	fmt.Printf("✓ Connected to %s\n", env.Identifier())
	return nil
}

func readAllStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func newNodeListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			nodes, err := a.store.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(nodes)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tADDRESS\tUSER\tAUTH")
			for _, n := range nodes {
				addr := n.DockerHost
				if n.Type == engine.NodeTypeSSH {
					addr = fmt.Sprintf("%s:%d", n.Host, n.Port)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Type, addr, n.User, n.AuthType)
			}
			return w.Flush()
		},
	}
}

func newNodeRemoveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a node",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			installed, err := a.store.ListInstalled(cmd.Context())
			if err != nil {
				return err
			}
			for _, art := range installed {
				if art.NodeID == args[0] {
					return fmt.Errorf("node %s still hosts %s", args[0], art.PluginID)
				}
			}

			if err := a.store.DeleteNode(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Node %s removed\n", args[0])
			return nil
		},
	}
}
