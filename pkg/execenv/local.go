package execenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// dockerEnvVars are copied from the ambient environment into every local
// command so the docker CLI reaches the same engine as the operator's shell.
var dockerEnvVars = []string{"DOCKER_HOST", "DOCKER_TLS_VERIFY", "DOCKER_CERT_PATH", "DOCKER_CONTEXT"}

// waitDelay bounds how long a killed command may keep its output pipes open.
const waitDelay = 2 * time.Second

// Local runs commands as child processes of this one.
type Local struct {
	logger   zerolog.Logger
	observer CommandObserver
}

// NewLocal creates a local environment.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{logger: logger.With().Str("component", "execenv-local").Logger()}
}

// ExecuteCommand runs argv as a local process.
func (l *Local) ExecuteCommand(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) *Result {
	res := runProcess(ctx, argv, layerEnv(env, ambientDockerEnv()), timeout)
	logResult(l.logger, argv, res)
	if l.observer != nil {
		l.observer.ObserveCommand(TypeLocal, res.ExitCode, res.Duration)
	}
	return res
}

// UploadFile copies a file on the local filesystem.
func (l *Local) UploadFile(ctx context.Context, localPath, remotePath string) error {
	return copyLocalFile(localPath, remotePath)
}

// DownloadFile copies a file on the local filesystem.
func (l *Local) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	return copyLocalFile(remotePath, localPath)
}

func (l *Local) IsAvailable(ctx context.Context) bool { return true }

func (l *Local) Type() Type { return TypeLocal }

func (l *Local) Identifier() string { return "localhost" }

func (l *Local) Close() error { return nil }

// runProcess executes argv with extra environment variables and captures
// both streams. It never returns nil.
func runProcess(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) *Result {
	start := time.Now()
	if len(argv) == 0 {
		return &Result{ExitCode: 1, Stderr: "empty command"}
	}

	runCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(timeout))
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), envList(env)...)
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.ExitCode = ExitTimeout
		res.TimedOut = true
		res.Stderr += "\n<timeout>"
	case ctx.Err() != nil:
		res.ExitCode = ExitCanceled
		res.Stderr += "\n<cancelled>"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = 1
			res.Stderr = fmt.Sprintf("failed to start %s: %v", argv[0], err)
		}
	}

	return res
}

// ambientDockerEnv returns the docker connection variables set for this process.
func ambientDockerEnv() map[string]string {
	env := make(map[string]string)
	for _, name := range dockerEnvVars {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			env[name] = value
		}
	}
	return env
}

// layerEnv merges maps left to right; later maps win.
func layerEnv(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// envList renders env as sorted KEY=value pairs.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

func copyLocalFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

func logResult(logger zerolog.Logger, argv []string, res *Result) {
	if res.ExitCode != 0 {
		logger.Warn().
			Strs("argv", argv).
			Int("exit_code", res.ExitCode).
			Bool("timed_out", res.TimedOut).
			Dur("duration", res.Duration).
			Msg("command failed")
		return
	}
	logger.Debug().
		Strs("argv", argv).
		Dur("duration", res.Duration).
		Msg("command succeeded")
}
