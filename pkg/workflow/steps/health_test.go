package steps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

func healthStep(cfg map[string]any) workflow.Step {
	return workflow.Step{ID: "verify", Type: workflow.StepTypeHealthCheck, Config: cfg}
}

func TestHealth_RetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ictx := newInstallContext(t, newFakeEnv(execenv.TypeLocal))
	step := healthStep(map[string]any{"url": srv.URL, "retries": 5, "retry-interval": 0})

	res := NewHealth(srv.Client(), zerolog.Nop()).Execute(context.Background(), step, ictx)
	if !res.Success {
		t.Fatalf("Expected success, got %s", res.ErrorMessage)
	}
	if res.Data["statusCode"] != http.StatusNoContent || res.Data["retries"] != 2 {
		t.Errorf("Unexpected data %v", res.Data)
	}
}

func TestHealth_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ictx := newInstallContext(t, newFakeEnv(execenv.TypeLocal))
	step := healthStep(map[string]any{"url": srv.URL, "retry-interval": 0})

	res := NewHealth(srv.Client(), zerolog.Nop()).Execute(context.Background(), step, ictx)
	if res.Success {
		t.Fatal("Expected failure")
	}
	if !strings.Contains(res.ErrorMessage, "health check failed after 3 retries") {
		t.Errorf("Unexpected message %q", res.ErrorMessage)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestHealth_Method(t *testing.T) {
	var method atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ictx := newInstallContext(t, newFakeEnv(execenv.TypeLocal))
	step := healthStep(map[string]any{"url": srv.URL, "method": "post"})

	res := NewHealth(srv.Client(), zerolog.Nop()).Execute(context.Background(), step, ictx)
	if !res.Success {
		t.Fatalf("Expected success, got %s", res.ErrorMessage)
	}
	if method.Load() != http.MethodPost {
		t.Errorf("Expected POST, got %v", method.Load())
	}
	if res.Data["body"] != "ok" {
		t.Errorf("Expected body in data, got %v", res.Data["body"])
	}
}

func TestHealth_CancelledBetweenAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	ictx := newInstallContext(t, newFakeEnv(execenv.TypeLocal))
	step := healthStep(map[string]any{"url": srv.URL, "retry-interval": 60})

	res := NewHealth(srv.Client(), zerolog.Nop()).Execute(ctx, step, ictx)
	if res.Success || !strings.Contains(res.ErrorMessage, "interrupted") {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestHealth_RemoteCurlOverSSH(t *testing.T) {
	env := newFakeEnv(execenv.TypeSSH)
	env.respond = func([]string) *execenv.Result { return &execenv.Result{Stdout: "200"} }
	ictx := newInstallContext(t, env)

	step := healthStep(map[string]any{"url": "http://127.0.0.1:8080/health", "timeout": 4, "method": "POST"})
	res := NewHealth(nil, zerolog.Nop()).Execute(context.Background(), step, ictx)
	if !res.Success {
		t.Fatalf("Expected success, got %s", res.ErrorMessage)
	}

	argv, _, timeout := env.lastCommand(t)
	want := []string{"curl", "-s", "-o", "/dev/null", "-w", "%{http_code}", "--max-time", "4", "-X", "POST", "http://127.0.0.1:8080/health"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("Expected argv %v, got %v", want, argv)
	}
	if timeout != 9*time.Second {
		t.Errorf("Expected 9s command timeout, got %v", timeout)
	}
	if res.Data["executionEnv"] != "ssh" {
		t.Errorf("Unexpected data %v", res.Data)
	}
}

func TestHealth_RemoteCurlFailure(t *testing.T) {
	env := newFakeEnv(execenv.TypeSSH)
	env.respond = func([]string) *execenv.Result {
		return &execenv.Result{ExitCode: 7, Stdout: "000"}
	}
	ictx := newInstallContext(t, env)

	step := healthStep(map[string]any{"url": "http://svc/health", "retries": 2, "retry-interval": 0})
	res := NewHealth(nil, zerolog.Nop()).Execute(context.Background(), step, ictx)
	if res.Success {
		t.Fatal("Expected failure")
	}
	if !strings.Contains(res.ErrorMessage, "after 2 retries") {
		t.Errorf("Unexpected message %q", res.ErrorMessage)
	}
	if env.commandCount() != 2 {
		t.Errorf("Expected 2 curl runs, got %d", env.commandCount())
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	want := []string{"compose-deploy", "health-check", "shell-script", "wait"}
	if got := reg.Types(); !reflect.DeepEqual(got, want) {
		t.Errorf("Types() = %v, want %v", got, want)
	}
}

func TestHealth_ZeroTimeoutUsesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ictx := newInstallContext(t, newFakeEnv(execenv.TypeLocal))
	step := healthStep(map[string]any{"url": srv.URL, "timeout": 0, "retries": 1})

	res := NewHealth(srv.Client(), zerolog.Nop()).Execute(context.Background(), step, ictx)
	if !res.Success {
		t.Fatalf("Expected success with zero timeout, got %s", res.ErrorMessage)
	}
}

func TestHealth_NegativeTimeoutUsesDefaultRemotely(t *testing.T) {
	env := newFakeEnv(execenv.TypeSSH)
	env.respond = func([]string) *execenv.Result { return &execenv.Result{Stdout: "200"} }
	ictx := newInstallContext(t, env)

	step := healthStep(map[string]any{"url": "http://127.0.0.1:8080/health", "timeout": -3})
	res := NewHealth(nil, zerolog.Nop()).Execute(context.Background(), step, ictx)
	if !res.Success {
		t.Fatalf("Expected success, got %s", res.ErrorMessage)
	}

	argv, _, timeout := env.lastCommand(t)
	if argv[7] != "10" {
		t.Errorf("Expected --max-time 10, got %v", argv)
	}
	if timeout != 15*time.Second {
		t.Errorf("Expected 15s command timeout, got %v", timeout)
	}
}
