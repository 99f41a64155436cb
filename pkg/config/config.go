package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/stores"
	"github.com/openfroyo/stevedore/pkg/telemetry"
)

// Config is the stevedore configuration file.
type Config struct {
	// DataDir is the root for every relative path below.
	DataDir string `yaml:"data_dir" validate:"required"`

	// CatalogDir holds index.yaml describing available packages.
	CatalogDir string `yaml:"catalog_dir" validate:"required"`

	// CacheDir holds downloaded artifacts.
	CacheDir string `yaml:"cache_dir" validate:"required"`

	// WorkDir holds extracted artifacts, one directory per installed version.
	WorkDir string `yaml:"work_dir" validate:"required"`

	// LogDir holds the per-command logs of remote executions.
	LogDir string `yaml:"log_dir" validate:"required"`

	Database  DatabaseConfig    `yaml:"database"`
	Download  DownloadConfig    `yaml:"download"`
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
	SSH       SSHConfig         `yaml:"ssh"`
	Policy    PolicyConfig      `yaml:"policy"`
	Secrets   SecretsConfig     `yaml:"secrets"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file, or ":memory:".
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// DownloadConfig configures artifact downloads.
type DownloadConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// SSHConfig holds defaults for SSH nodes.
type SSHConfig struct {
	KnownHostsPath        string        `yaml:"known_hosts_path"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	KeepAliveInterval     time.Duration `yaml:"keep_alive_interval" validate:"gte=0"`

	// TailBytes is how much of a failed command's output is kept in the error.
	TailBytes int `yaml:"tail_bytes" validate:"gte=0"`
}

// PolicyConfig configures install admission.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists policy files or directories loaded next to the built-ins.
	Paths []string `yaml:"paths" validate:"dive,required"`

	// Watch reloads Paths when they change. Only long-running commands use it.
	Watch bool `yaml:"watch"`

	// Disabled names policies to switch off, built-ins included.
	Disabled []string `yaml:"disabled"`

	// Environment is exposed to policies as input.context.environment.
	Environment string `yaml:"environment"`

	// Data is exposed to policies as data.config.
	Data map[string]interface{} `yaml:"data"`
}

// SecretsConfig configures encryption of sensitive values at rest.
type SecretsConfig struct {
	// KeyFile holds the master key; it is created on first use.
	KeyFile string `yaml:"key_file" validate:"required"`
}

// DefaultDataDir returns $STEVEDORE_HOME, or ~/.stevedore.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvPrefix + "HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stevedore"
	}
	return filepath.Join(home, ".stevedore")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		DataDir:    DefaultDataDir(),
		CatalogDir: "catalog",
		CacheDir:   "cache",
		WorkDir:    "work",
		LogDir:     "logs",
		Database: DatabaseConfig{
			Path: "stevedore.db",
		},
		Download: DownloadConfig{
			Timeout: 10 * time.Minute,
		},
		Telemetry: tel,
		SSH: SSHConfig{
			ConnectTimeout:    30 * time.Second,
			KeepAliveInterval: 30 * time.Second,
			TailBytes:         4096,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Secrets: SecretsConfig{
			KeyFile: "secret.key",
		},
	}
}

// Resolve makes every relative path absolute under DataDir.
func (c *Config) Resolve() error {
	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data dir: %w", err)
	}
	c.DataDir = dataDir

	for _, p := range []*string{&c.CatalogDir, &c.CacheDir, &c.WorkDir, &c.LogDir, &c.Secrets.KeyFile} {
		*p = c.under(*p)
	}
	if c.Database.Path != ":memory:" {
		c.Database.Path = c.under(c.Database.Path)
	}
	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = c.under(p)
	}
	if m := &c.Telemetry.Metrics; m.TextfilePath != "" {
		m.TextfilePath = c.under(m.TextfilePath)
	}
	if l := &c.Telemetry.Logging; l.Output != "stdout" && l.Output != "stderr" {
		l.Output = c.under(l.Output)
	}
	return nil
}

func (c *Config) under(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// EnsureDirs creates the directories stevedore writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.CatalogDir, c.CacheDir, c.WorkDir, c.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// StoreConfig returns the SQLite store settings.
func (c *Config) StoreConfig(codec engine.SensitiveConfigCodec) stores.Config {
	return stores.Config{
		Path:            c.Database.Path,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		Codec:           codec,
	}
}

// FactoryConfig returns the execution environment settings.
func (c *Config) FactoryConfig(observer execenv.CommandObserver, logger zerolog.Logger) execenv.FactoryConfig {
	return execenv.FactoryConfig{
		LogDir:                c.LogDir,
		TailBytes:             c.SSH.TailBytes,
		KnownHostsPath:        c.SSH.KnownHostsPath,
		StrictHostKeyChecking: c.SSH.StrictHostKeyChecking,
		ConnectTimeout:        c.SSH.ConnectTimeout,
		KeepAliveInterval:     c.SSH.KeepAliveInterval,
		Observer:              observer,
		Logger:                logger,
	}
}
