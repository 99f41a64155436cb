// Package execenv runs commands and moves files on an execution target:
// the local host, an SSH-reachable host, or a remote container engine
// reached through the local docker CLI.
//
// Every backend implements Environment. Command failures never surface as
// Go errors; they are encoded in Result so that step executors can report
// exit codes and output uniformly:
//
//	res := env.ExecuteCommand(ctx, []string{"docker", "compose", "ps"}, nil, time.Minute)
//	if !res.Success() {
//	    return fmt.Errorf("exit %d: %s", res.ExitCode, res.Output())
//	}
//
// A command that outlives its timeout is killed and reported with
// ExitTimeout (124), its partial output kept and "<timeout>" appended to
// Stderr.
//
// Factory picks the backend for a NodeDescriptor. A nil descriptor selects
// Local. When the type a workflow declares differs from the node's own
// type, the node's type wins and a warning is logged.
//
// Environments are not safe for concurrent use. The SSH backend in
// particular owns a single connection that it reuses across calls.
package execenv
