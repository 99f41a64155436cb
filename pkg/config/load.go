package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STEVEDORE_"

// FileName is the configuration file looked up in the data directory.
const FileName = "config.yaml"

// Load reads the configuration. path is used when set, then
// $STEVEDORE_CONFIG, then config.yaml in the default data directory; a
// missing default file is not an error. Environment overrides are applied
// on top of the file, and all relative paths are resolved under DataDir.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if env := os.Getenv(EnvPrefix + "CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = filepath.Join(cfg.DataDir, FileName)
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode merges a YAML document into cfg, rejecting unknown keys.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv applies STEVEDORE_* overrides read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("DATA_DIR", &cfg.DataDir)
	str("CATALOG_DIR", &cfg.CatalogDir)
	str("CACHE_DIR", &cfg.CacheDir)
	str("WORK_DIR", &cfg.WorkDir)
	str("LOG_DIR", &cfg.LogDir)
	str("DB_PATH", &cfg.Database.Path)
	str("SECRETS_KEY_FILE", &cfg.Secrets.KeyFile)
	str("KNOWN_HOSTS", &cfg.SSH.KnownHostsPath)
	str("ENVIRONMENT", &cfg.Policy.Environment)

	tel := cfg.Telemetry
	str("LOG_LEVEL", &tel.Logging.Level)
	str("LOG_FORMAT", &tel.Logging.Format)
	str("LOG_OUTPUT", &tel.Logging.Output)
	str("METRICS_ADDR", &tel.Metrics.ListenAddress)
	str("METRICS_TEXTFILE", &tel.Metrics.TextfilePath)
	if v, ok := lookup(EnvPrefix + "OTLP_ENDPOINT"); ok && v != "" {
		tel.Tracing.Enabled = true
		tel.Tracing.Exporter = "otlp"
		tel.Tracing.Endpoint = v
	}
	if v, ok := lookup(EnvPrefix + "POLICY_PATHS"); ok && v != "" {
		cfg.Policy.Paths = filepath.SplitList(v)
	}
	if v, ok := lookup(EnvPrefix + "POLICY_DISABLED"); ok && v != "" {
		cfg.Policy.Disabled = strings.Split(v, ",")
	}

	for _, err := range []error{
		boolean("POLICY_ENABLED", &cfg.Policy.Enabled),
		boolean("STRICT_HOST_KEYS", &cfg.SSH.StrictHostKeyChecking),
		duration("DOWNLOAD_TIMEOUT", &cfg.Download.Timeout),
		duration("SSH_TIMEOUT", &cfg.SSH.ConnectTimeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
