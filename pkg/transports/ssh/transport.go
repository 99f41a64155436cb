// Package ssh is the wire under SSH execution environments: one reused
// connection per node, commands streamed line by line and files copied
// over SFTP.
package ssh

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StreamKind identifies which output stream a line came from.
type StreamKind int

const (
	Stdout StreamKind = iota
	Stderr
)

func (k StreamKind) String() string {
	if k == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of command output without its trailing newline.
type Line struct {
	Stream StreamKind
	Text   string
}

// LineHandler receives output lines. Calls never overlap.
type LineHandler func(Line)

// ExecResult describes how a remote command ended.
type ExecResult struct {
	// ExitCode is -1 when the server reported no exit status.
	ExitCode int

	TimedOut bool
	Canceled bool

	StartedAt time.Time
	Duration  time.Duration
}

// Error reports a failure below the command level: dialing,
// authenticating, opening a session or transferring a file.
type Error struct {
	Op   string
	Host string
	Err  error

	// Retryable is set for network-level failures a fresh connection may
	// get past.
	Retryable bool
	Auth      bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Host, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying may succeed.
func (e *Error) Temporary() bool { return e.Retryable }

// IsAuthError reports whether err, or anything it wraps, is an SSH
// authentication failure.
func IsAuthError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Auth
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
