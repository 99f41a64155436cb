package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Config is the telemetry section of the stevedore configuration file.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// Environment is recorded on every span as deployment.environment.
	Environment string `yaml:"environment"`

	// ResourceAttributes are added to the trace resource, for example to
	// tell sites apart.
	ResourceAttributes map[string]string `yaml:"resource_attributes"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or fatal.
	Level string `yaml:"level"`

	// Format is console or json.
	Format string `yaml:"format"`

	// Output is stdout, stderr or a file path. Relative paths are taken
	// from the data directory.
	Output string `yaml:"output"`

	EnableCaller bool `yaml:"enable_caller"`

	// Sampling lets SamplingInitial entries per second through, then every
	// SamplingThereafter-th.
	EnableSampling     bool `yaml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format"`
}

// TracingConfig configures operation tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP gRPC collector, such as localhost:4317.
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Insecure bool              `yaml:"insecure"`

	SamplingRate       float64       `yaml:"sampling_rate"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration `yaml:"export_timeout"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddress serves Path over HTTP while a command runs. Empty
	// means no endpoint.
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`

	// TextfilePath receives a snapshot on shutdown in the node_exporter
	// textfile format.
	TextfilePath string `yaml:"textfile_path"`

	Namespace               string    `yaml:"namespace"`
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// EventsConfig configures operation event publishing.
type EventsConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`

	// EnableAsync delivers events from a background goroutine in batches
	// of up to MaxBatchSize, at least every FlushInterval.
	EnableAsync   bool          `yaml:"enable_async"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
}

// DefaultConfig logs to stderr, keeps metrics in memory and does not trace.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:        "stevedore",
		ServiceVersion:     "dev",
		Environment:        "development",
		ResourceAttributes: map[string]string{},
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "stevedore",
			// operations range from sub-second no-ops to long image pulls
			DefaultHistogramBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
		},
	}
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServiceName == "", "service name is required")
	check(c.ServiceVersion == "", "service version is required")
	check(!slices.Contains(logLevels, c.Logging.Level), "invalid log level: %q", c.Logging.Level)
	check(!slices.Contains(logFormats, c.Logging.Format), "invalid log format: %q (must be console or json)", c.Logging.Format)

	if c.Tracing.Enabled {
		check(!slices.Contains(spanExporters, c.Tracing.Exporter), "invalid trace exporter: %q", c.Tracing.Exporter)
		check(c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "", "otlp exporter requires an endpoint")
	}
	check(c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1,
		"trace sampling rate must be between 0 and 1, got %g", c.Tracing.SamplingRate)

	check(c.Metrics.Enabled && c.Metrics.ListenAddress != "" && c.Metrics.Path == "",
		"metrics path is required when a listen address is set")
	check(c.Events.Enabled && c.Events.BufferSize <= 0,
		"event buffer size must be positive, got %d", c.Events.BufferSize)

	return errors.Join(errs...)
}
