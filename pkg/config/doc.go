// Package config loads the stevedore configuration file.
//
// Configuration comes from three layers, later ones winning:
//
//  1. Default()
//  2. a YAML file: the --config flag, $STEVEDORE_CONFIG, or
//     config.yaml in the data directory ($STEVEDORE_HOME or ~/.stevedore)
//  3. STEVEDORE_* environment variables
//
// Relative paths are resolved under data_dir, and the result is checked
// with go-playground/validator before use.
//
// # File format
//
//	data_dir: /var/lib/stevedore
//	catalog_dir: catalog
//	database:
//	  path: stevedore.db
//	download:
//	  timeout: 10m
//	ssh:
//	  known_hosts_path: /etc/ssh/ssh_known_hosts
//	  strict_host_key_checking: true
//	policy:
//	  enabled: true
//	  paths: [policies]
//	  environment: production
//	  data:
//	    registry: https://artifacts.example.com/
//	telemetry:
//	  logging:
//	    level: info
//	  metrics:
//	    textfile_path: metrics/stevedore.prom
//
// Unknown keys are rejected.
//
// # Environment
//
// STEVEDORE_DATA_DIR, STEVEDORE_CATALOG_DIR, STEVEDORE_CACHE_DIR,
// STEVEDORE_WORK_DIR, STEVEDORE_LOG_DIR, STEVEDORE_DB_PATH,
// STEVEDORE_SECRETS_KEY_FILE, STEVEDORE_KNOWN_HOSTS,
// STEVEDORE_STRICT_HOST_KEYS, STEVEDORE_SSH_TIMEOUT,
// STEVEDORE_DOWNLOAD_TIMEOUT, STEVEDORE_LOG_LEVEL, STEVEDORE_LOG_FORMAT,
// STEVEDORE_METRICS_ADDR, STEVEDORE_METRICS_TEXTFILE,
// STEVEDORE_OTLP_ENDPOINT (enables OTLP tracing), STEVEDORE_ENVIRONMENT,
// STEVEDORE_POLICY_ENABLED, STEVEDORE_POLICY_PATHS (list separated like
// PATH) and STEVEDORE_POLICY_DISABLED (comma separated).
package config
