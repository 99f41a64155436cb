package execenv

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// Type identifies an execution backend.
type Type = engine.NodeType

const (
	TypeLocal     = engine.NodeTypeLocal
	TypeSSH       = engine.NodeTypeSSH
	TypeDockerAPI = engine.NodeTypeDockerAPI
)

// NodeDescriptor is the connection descriptor of an execution target.
type NodeDescriptor = engine.NodeDescriptor

const (
	// ExitTimeout is reported when a command is killed at its deadline.
	ExitTimeout = 124

	// ExitCanceled is reported when the caller's context is cancelled
	// before the command finishes.
	ExitCanceled = 130

	// DefaultTimeout applies when ExecuteCommand is given no timeout.
	DefaultTimeout = 5 * time.Minute
)

// ErrUnsupportedOperation is returned by backends that cannot move files.
var ErrUnsupportedOperation = errors.New("operation not supported by this execution environment")

// Environment runs commands and moves files on one execution target.
//
// Implementations report command failures through Result rather than an
// error: a spawn failure, a lost connection and a non-zero exit all
// produce a non-zero ExitCode with a diagnostic in Stderr.
type Environment interface {
	// ExecuteCommand runs argv with env layered over the target's ambient
	// environment. A zero timeout means DefaultTimeout.
	ExecuteCommand(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) *Result

	// UploadFile places a local file at remotePath on the target.
	UploadFile(ctx context.Context, localPath, remotePath string) error

	// DownloadFile copies remotePath from the target to localPath.
	DownloadFile(ctx context.Context, remotePath, localPath string) error

	// IsAvailable reports whether the target can accept commands now.
	IsAvailable(ctx context.Context) bool

	Type() Type
	Identifier() string

	// Close releases connections held by the environment.
	Close() error
}

// Result is the outcome of one command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool

	// LogFiles lists files holding the complete output when Stdout and
	// Stderr only carry a bounded tail.
	LogFiles []string
}

// Success reports whether the command exited zero.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Output returns stderr when it is non-empty, stdout otherwise. It is the
// text usually worth showing for a failed command.
func (r *Result) Output() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// CommandObserver is notified after every command an environment runs.
type CommandObserver interface {
	ObserveCommand(env Type, exitCode int, duration time.Duration)
}

func effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}
