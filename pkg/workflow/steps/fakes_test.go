package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

// fakeEnv records commands and uploads instead of running anything.
type fakeEnv struct {
	typ       execenv.Type
	uploadErr error
	respond   func(argv []string) *execenv.Result

	mu       sync.Mutex
	commands [][]string
	envs     []map[string]string
	timeouts []time.Duration
	uploads  map[string]string
}

func newFakeEnv(typ execenv.Type) *fakeEnv {
	return &fakeEnv{typ: typ, uploads: make(map[string]string)}
}

func (f *fakeEnv) ExecuteCommand(_ context.Context, argv []string, env map[string]string, timeout time.Duration) *execenv.Result {
	f.mu.Lock()
	f.commands = append(f.commands, append([]string(nil), argv...))
	f.envs = append(f.envs, env)
	f.timeouts = append(f.timeouts, timeout)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(argv)
	}
	return &execenv.Result{ExitCode: 0}
}

func (f *fakeEnv) UploadFile(_ context.Context, localPath, remotePath string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[remotePath] = localPath
	return nil
}

func (f *fakeEnv) DownloadFile(context.Context, string, string) error {
	return execenv.ErrUnsupportedOperation
}

func (f *fakeEnv) IsAvailable(context.Context) bool { return true }

func (f *fakeEnv) Type() execenv.Type { return f.typ }

func (f *fakeEnv) Identifier() string { return fmt.Sprintf("fake://%s", f.typ) }

func (f *fakeEnv) Close() error { return nil }

func (f *fakeEnv) lastCommand(t *testing.T) ([]string, map[string]string, time.Duration) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		t.Fatal("Expected a command to run")
	}
	n := len(f.commands) - 1
	return f.commands[n], f.envs[n], f.timeouts[n]
}

func (f *fakeEnv) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

// mapArtifact is an in-memory artifact.
type mapArtifact map[string]string

func (m mapArtifact) Exists(name string) bool {
	_, ok := m[name]
	return ok
}

func (m mapArtifact) ReadFile(name string) ([]byte, error) {
	data, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%s not found", name)
	}
	return []byte(data), nil
}

func (m mapArtifact) Extract(name, destDir string) (string, error) {
	data, err := m.ReadFile(name)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	return dest, os.WriteFile(dest, data, 0o644)
}

// recordingSink collects log lines.
type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Line(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *recordingSink) Progress(int, int, string) {}

// newInstallContext returns a context rooted in a fresh work dir.
func newInstallContext(t *testing.T, env execenv.Environment) *workflow.InstallContext {
	t.Helper()
	return &workflow.InstallContext{
		MiddlewareID:     "app-x",
		Version:          "1.0.0",
		WorkDir:          t.TempDir(),
		Env:              env,
		ResolvedServices: map[string]workflow.ServiceInfo{},
		InstallConfig:    map[string]string{},
		Logger:           zerolog.Nop(),
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return p
}
