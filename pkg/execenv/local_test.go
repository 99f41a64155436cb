package execenv

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLocal_ExecuteCommand(t *testing.T) {
	env := NewLocal(zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name       string
		argv       []string
		env        map[string]string
		wantExit   int
		wantStdout string
		wantStderr string
	}{
		{
			name:       "stdout",
			argv:       []string{"sh", "-c", "echo hello"},
			wantStdout: "hello\n",
		},
		{
			name:       "stderr and exit code",
			argv:       []string{"sh", "-c", "echo broken >&2; exit 3"},
			wantExit:   3,
			wantStderr: "broken\n",
		},
		{
			name:       "env layered over ambient",
			argv:       []string{"sh", "-c", `echo "$MIDDLEWARE_ID"`},
			env:        map[string]string{"MIDDLEWARE_ID": "cache-svc"},
			wantStdout: "cache-svc\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.ExecuteCommand(ctx, tt.argv, tt.env, 10*time.Second)
			if res.ExitCode != tt.wantExit {
				t.Errorf("Expected exit %d, got %d (stderr %q)", tt.wantExit, res.ExitCode, res.Stderr)
			}
			if tt.wantStdout != "" && res.Stdout != tt.wantStdout {
				t.Errorf("Expected stdout %q, got %q", tt.wantStdout, res.Stdout)
			}
			if tt.wantStderr != "" && res.Stderr != tt.wantStderr {
				t.Errorf("Expected stderr %q, got %q", tt.wantStderr, res.Stderr)
			}
		})
	}
}

func TestLocal_TimeoutKeepsPartialOutput(t *testing.T) {
	env := NewLocal(zerolog.Nop())

	start := time.Now()
	res := env.ExecuteCommand(context.Background(), []string{"sh", "-c", "echo started; sleep 30"}, nil, 300*time.Millisecond)

	if res.ExitCode != ExitTimeout {
		t.Errorf("Expected exit %d, got %d", ExitTimeout, res.ExitCode)
	}
	if !res.TimedOut {
		t.Error("Expected TimedOut to be set")
	}
	if !strings.Contains(res.Stdout, "started") {
		t.Errorf("Expected partial stdout to be kept, got %q", res.Stdout)
	}
	if !strings.HasSuffix(res.Stderr, "<timeout>") {
		t.Errorf("Expected <timeout> marker, got %q", res.Stderr)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("Expected the process to be killed promptly, took %v", time.Since(start))
	}
}

func TestLocal_CancelledContext(t *testing.T) {
	env := NewLocal(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := env.ExecuteCommand(ctx, []string{"sh", "-c", "sleep 5"}, nil, time.Minute)
	if res.ExitCode != ExitCanceled {
		t.Errorf("Expected exit %d, got %d", ExitCanceled, res.ExitCode)
	}
	if res.TimedOut {
		t.Error("Expected cancellation not to count as a timeout")
	}
}

func TestLocal_SpawnFailure(t *testing.T) {
	env := NewLocal(zerolog.Nop())

	res := env.ExecuteCommand(context.Background(), []string{"/nonexistent/stevedore-binary"}, nil, time.Second)
	if res.ExitCode != 1 {
		t.Errorf("Expected exit 1, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "failed to start") {
		t.Errorf("Expected spawn error in stderr, got %q", res.Stderr)
	}

	if res := env.ExecuteCommand(context.Background(), nil, nil, time.Second); res.ExitCode != 1 {
		t.Errorf("Expected exit 1 for empty argv, got %d", res.ExitCode)
	}
}

func TestLocal_DockerEnvPassthrough(t *testing.T) {
	t.Setenv("DOCKER_HOST", "tcp://ambient:2376")
	env := NewLocal(zerolog.Nop())

	res := env.ExecuteCommand(context.Background(), []string{"sh", "-c", `echo "$DOCKER_HOST"`},
		map[string]string{"DOCKER_HOST": "tcp://override:2376"}, 5*time.Second)
	if strings.TrimSpace(res.Stdout) != "tcp://ambient:2376" {
		t.Errorf("Expected ambient DOCKER_HOST to be passed through, got %q", res.Stdout)
	}
}

func TestLocal_FileCopy(t *testing.T) {
	env := NewLocal(zerolog.Nop())
	dir := t.TempDir()

	src := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(src, []byte("#!/bin/sh\necho ok\n"), 0755); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}

	dst := filepath.Join(dir, "nested", "copy.sh")
	if err := env.UploadFile(context.Background(), src, dst); err != nil {
		t.Fatalf("Expected upload to succeed, got: %v", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("Expected copy to exist: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("Expected mode 0755, got %v", info.Mode().Perm())
	}

	back := filepath.Join(dir, "back.sh")
	if err := env.DownloadFile(context.Background(), dst, back); err != nil {
		t.Fatalf("Expected download to succeed, got: %v", err)
	}
	if err := env.UploadFile(context.Background(), filepath.Join(dir, "missing"), dst); err == nil {
		t.Error("Expected error for missing source")
	}
}

func TestLocal_Identity(t *testing.T) {
	env := NewLocal(zerolog.Nop())
	if env.Type() != TypeLocal || env.Identifier() != "localhost" {
		t.Errorf("Unexpected identity %s %s", env.Type(), env.Identifier())
	}
	if !env.IsAvailable(context.Background()) {
		t.Error("Expected local environment to be available")
	}
}
