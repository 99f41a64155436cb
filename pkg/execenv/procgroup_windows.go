//go:build windows

package execenv

import "os/exec"

// killProcessGroup is a no-op on Windows; cancellation kills the process only.
func killProcessGroup(cmd *exec.Cmd) {}
