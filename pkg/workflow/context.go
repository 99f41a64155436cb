package workflow

import (
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/execenv"
)

// ArtifactReader gives step executors access to files packaged in the
// artifact being deployed.
type ArtifactReader interface {
	// Exists reports whether the artifact contains name.
	Exists(name string) bool

	// ReadFile returns the contents of name.
	ReadFile(name string) ([]byte, error)

	// Extract writes name into destDir and returns the written path.
	Extract(name, destDir string) (string, error)
}

// ServiceInfo is the connection information of a service exposed by an
// installed dependency.
type ServiceInfo struct {
	ServiceID      string            `json:"service_id"`
	ServiceName    string            `json:"service_name,omitempty"`
	ServiceType    string            `json:"service_type,omitempty"`
	Host           string            `json:"host,omitempty"`
	Port           int               `json:"port,omitempty"`
	HealthCheckURL string            `json:"health_check_url,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
}

// Address is host:port, or "" when either part is missing.
func (s ServiceInfo) Address() string {
	if s.Host == "" || s.Port <= 0 {
		return ""
	}
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// InstallContext carries everything a step needs to deploy one artifact.
type InstallContext struct {
	MiddlewareID string
	Version      string
	Operator     string

	// WorkDir is a local directory owned by this installation. Files
	// extracted from the artifact are placed here.
	WorkDir string

	// Artifact is the package being deployed. It may be nil when the
	// workflow files already sit in WorkDir.
	Artifact ArtifactReader

	// Env is where commands run. Nil means a local environment.
	Env execenv.Environment

	// ResolvedServices maps dependency IDs to their connection info.
	ResolvedServices map[string]ServiceInfo

	// InstallConfig is user-supplied configuration. It takes precedence
	// over anything derived from dependencies.
	InstallConfig map[string]string

	// Metadata is free-form data passed between the caller and executors.
	Metadata map[string]string

	// Sink receives log lines and step progress.
	Sink engine.ProgressSink

	Logger zerolog.Logger
}

// Environment returns the execution environment, falling back to a local
// one when none was set.
func (c *InstallContext) Environment() execenv.Environment {
	if c.Env == nil {
		c.Env = execenv.NewLocal(c.Logger)
	}
	return c.Env
}

// Log writes a line to the sink.
func (c *InstallContext) Log(line string) {
	engine.SinkOrNop(c.Sink).Line(line)
}

// UninstallContext carries what an uninstall run needs.
type UninstallContext struct {
	MiddlewareID string
	Version      string
	Operator     string
	WorkDir      string
	Artifact     ArtifactReader
	Env          execenv.Environment

	// RemoveVolumes asks compose teardown to remove persistent volumes too.
	RemoveVolumes bool

	Sink   engine.ProgressSink
	Logger zerolog.Logger
}

// installContext adapts the uninstall context for executors, which only
// take an InstallContext.
func (u *UninstallContext) installContext() *InstallContext {
	return &InstallContext{
		MiddlewareID:     u.MiddlewareID,
		Version:          u.Version,
		Operator:         u.Operator,
		WorkDir:          u.WorkDir,
		Artifact:         u.Artifact,
		Env:              u.Env,
		ResolvedServices: map[string]ServiceInfo{},
		InstallConfig:    map[string]string{},
		Metadata:         map[string]string{},
		Sink:             u.Sink,
		Logger:           u.Logger,
	}
}
