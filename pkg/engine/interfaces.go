package engine

import (
	"context"
	"time"
)

// PackageMetadataProvider looks up artifact metadata in a registry.
type PackageMetadataProvider interface {
	// GetMetadata returns the highest version of pluginID satisfying
	// constraint. An empty constraint selects the latest version.
	GetMetadata(ctx context.Context, pluginID, constraint string) (*PackageMetadata, error)
}

// PackageInstaller deploys and removes already-downloaded artifacts.
type PackageInstaller interface {
	Install(ctx context.Context, req InstallRequest) (*InstallOutcome, error)
	Upgrade(ctx context.Context, req InstallRequest) (*InstallOutcome, error)
	Uninstall(ctx context.Context, req UninstallRequest) error
}

// InstalledState answers questions about what is currently installed.
type InstalledState interface {
	// InstalledVersion returns the installed version of pluginID and
	// whether it is installed at all.
	InstalledVersion(ctx context.Context, pluginID string) (string, bool, error)

	// ListInstalled returns every installed artifact.
	ListInstalled(ctx context.Context) ([]InstalledArtifact, error)
}

// ArtifactStore downloads artifacts to local paths.
type ArtifactStore interface {
	Fetch(ctx context.Context, ref ArtifactRef) (string, error)
}

// ArtifactCache retains fetched artifacts until the owning operation
// commits, so compensation can reinstall versions the registry no longer serves.
type ArtifactCache interface {
	Retain(ctx context.Context, ref ArtifactRef, path string) error
	Lookup(ctx context.Context, pluginID, version string) (string, bool)
	Commit(ctx context.Context) error
}

// NodeDirectory resolves node IDs to connection descriptors.
type NodeDirectory interface {
	GetNode(ctx context.Context, nodeID string) (*NodeDescriptor, error)
}

// SensitiveConfigCodec encrypts secrets before they are persisted.
type SensitiveConfigCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// OperationRecorder persists operation and upgrade history.
type OperationRecorder interface {
	RecordOperation(ctx context.Context, rec OperationRecord) error
	RecordUpgrade(ctx context.Context, rec UpgradeRecord) error
}

// Admission decides whether a resolved install may proceed.
type Admission interface {
	AdmitInstall(ctx context.Context, chain *DependencyChain, req InstallRequest) error
}

// Observer receives operation outcomes, typically for metrics.
type Observer interface {
	ObserveOperation(operation, status string, duration time.Duration)
	ObserveRollback(scope, status string)
	ObserveResolution(outcome string)
}

// ProgressSink receives log lines and step progress while an operation runs.
type ProgressSink interface {
	Line(line string)
	Progress(index, total int, stepName string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Line(string) {}

func (NopSink) Progress(int, int, string) {}

// LineFunc adapts a function to a ProgressSink that ignores progress.
type LineFunc func(line string)

func (f LineFunc) Line(line string) { f(line) }

func (LineFunc) Progress(int, int, string) {}

// SinkOrNop returns s, or a NopSink when s is nil.
func SinkOrNop(s ProgressSink) ProgressSink {
	if s == nil {
		return NopSink{}
	}
	return s
}
