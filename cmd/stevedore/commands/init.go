package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stevedore/pkg/catalog"
	"github.com/openfroyo/stevedore/pkg/config"
)

const emptyIndex = "# Artifacts available to stevedore install.\nartifacts: []\n"

func newInitCommand(opts *globalOptions) *cobra.Command {
	var (
		dataDir string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a stevedore data directory",
		Long: `Initialize a data directory with a configuration file, the state
database, the secrets key and an empty catalog index.

Existing files other than the configuration are left untouched, so init
can be re-run to repair a partially created directory.`,
		Example: `  # Initialize ~/.stevedore
  stevedore init

  # Initialize a system-wide directory
  stevedore init --data-dir /var/lib/stevedore`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if dataDir != "" {
				abs, err := filepath.Abs(dataDir)
				if err != nil {
					return err
				}
				cfg.DataDir = abs
			}

			path := opts.configPath
			if path == "" {
				path = filepath.Join(cfg.DataDir, config.FileName)
			}

			log.Info().
				Str("data_dir", cfg.DataDir).
				Str("config", path).
				Msg("Initializing data directory")

			switch _, err := os.Stat(path); {
			case err == nil && !force:
				fmt.Printf("Configuration already exists: %s (use --force to overwrite)\n", path)
			case err == nil || errors.Is(err, os.ErrNotExist):
				if err := config.Save(path, cfg); err != nil {
					return err
				}
				fmt.Printf("✓ Wrote configuration: %s\n", path)
			default:
				return err
			}

			opts.configPath = path
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Printf("✓ Database ready: %s\n", a.cfg.Database.Path)
			fmt.Printf("✓ Secrets key: %s\n", a.cfg.Secrets.KeyFile)

			index := filepath.Join(a.cfg.CatalogDir, catalog.IndexFile)
			if _, err := os.Stat(index); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(index, []byte(emptyIndex), 0o644); err != nil {
					return fmt.Errorf("failed to write catalog index: %w", err)
				}
				fmt.Printf("✓ Created catalog index: %s\n", index)
			}

			fmt.Println("\nStevedore is ready. Add packages to the catalog index and run 'stevedore install <plugin>'.")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default $STEVEDORE_HOME or ~/.stevedore)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")

	return cmd
}
