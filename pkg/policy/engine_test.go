package policy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

// testChain builds a chain of redis depending on a base image package.
func testChain(rootURL, rootChecksum string) *engine.DependencyChain {
	base := &engine.DependencyNode{
		PluginID:        "base",
		ResolvedVersion: "1.0.0",
		DownloadURL:     "https://artifacts.example.com/base-1.0.0.zip",
		Checksum:        "sha256:aa",
	}
	root := &engine.DependencyNode{
		PluginID:           "redis",
		ResolvedVersion:    "7.2.0",
		DownloadURL:        rootURL,
		Checksum:           rootChecksum,
		DirectDependencies: []string{base.Key()},
	}
	return &engine.DependencyChain{
		RootID:       "redis",
		RootVersion:  "7.2.0",
		RootKey:      root.Key(),
		AllNodes:     map[string]*engine.DependencyNode{base.Key(): base, root.Key(): root},
		InstallOrder: []string{base.Key(), root.Key()},
	}
}

func pinnedRequest() engine.InstallRequest {
	return engine.InstallRequest{
		PluginID:   "redis",
		Version:    "7.2.0",
		Constraint: "^7.0.0",
		Operation:  engine.OperationInstall,
		Operator:   "alice",
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
		if !p.Builtin {
			t.Errorf("policy %s should be marked builtin", p.Name)
		}
	}
	want := "insecure-download,remote-password-auth,unpinned-root"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("policies = %s, want %s", got, want)
	}
}

func TestEvaluateInstall_Builtins(t *testing.T) {
	sshNode := func(auth string) *engine.NodeDescriptor {
		return &engine.NodeDescriptor{ID: "db1", Type: engine.NodeTypeSSH, Host: "10.0.0.5", User: "deploy", AuthType: auth}
	}

	tests := []struct {
		name         string
		chain        *engine.DependencyChain
		mutate       func(*engine.InstallRequest)
		node         *engine.NodeDescriptor
		wantAllowed  bool
		wantPolicies []string
	}{
		{
			name:        "clean https pinned local",
			chain:       testChain("https://artifacts.example.com/redis.zip", ""),
			wantAllowed: true,
		},
		{
			name:         "plain http without checksum is denied",
			chain:        testChain("http://mirror.example.com/redis.zip", ""),
			wantAllowed:  false,
			wantPolicies: []string{"insecure-download"},
		},
		{
			name:         "plain http with checksum warns",
			chain:        testChain("http://mirror.example.com/redis.zip", "sha256:bb"),
			wantAllowed:  true,
			wantPolicies: []string{"insecure-download"},
		},
		{
			name:         "unpinned root warns",
			chain:        testChain("https://artifacts.example.com/redis.zip", ""),
			mutate:       func(r *engine.InstallRequest) { r.Constraint = "" },
			wantAllowed:  true,
			wantPolicies: []string{"unpinned-root"},
		},
		{
			name:         "ssh password auth warns",
			chain:        testChain("https://artifacts.example.com/redis.zip", ""),
			node:         sshNode("password"),
			wantAllowed:  true,
			wantPolicies: []string{"remote-password-auth"},
		},
		{
			name:        "ssh key auth is clean",
			chain:       testChain("https://artifacts.example.com/redis.zip", ""),
			node:        sshNode("key"),
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t)
			req := pinnedRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			result, err := eng.EvaluateInstall(context.Background(), BuildInstallInput(tt.chain, req, tt.node))
			if err != nil {
				t.Fatalf("EvaluateInstall: %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (violations %+v)", result.Allowed, tt.wantAllowed, result.Violations)
			}
			if len(result.Errors) > 0 {
				t.Errorf("unexpected evaluation errors: %v", result.Errors)
			}

			var got []string
			for _, v := range append(result.Violations, result.Warnings...) {
				got = append(got, v.Policy)
			}
			if strings.Join(got, ",") != strings.Join(tt.wantPolicies, ",") {
				t.Errorf("violations from %v, want %v", got, tt.wantPolicies)
			}
		})
	}
}

func TestEvaluateInstall_ViolationPackage(t *testing.T) {
	eng := newTestEngine(t)
	result, err := eng.EvaluateInstall(context.Background(),
		BuildInstallInput(testChain("http://mirror.example.com/redis.zip", ""), pinnedRequest(), nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("violations = %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.PluginID != "redis" || v.Severity != SeverityError {
		t.Errorf("unexpected violation %+v", v)
	}
	if !strings.Contains(v.Message, "redis 7.2.0") {
		t.Errorf("message = %q", v.Message)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	input := BuildInstallInput(testChain("http://mirror.example.com/redis.zip", ""), pinnedRequest(), nil)

	if err := eng.SetEnabled("insecure-download", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	result, _ := eng.EvaluateInstall(context.Background(), input)
	if !result.Allowed {
		t.Error("disabled policy should not deny")
	}

	if err := eng.SetEnabled("insecure-download", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	result, _ = eng.EvaluateInstall(context.Background(), input)
	if result.Allowed {
		t.Error("re-enabled policy should deny")
	}

	if err := eng.SetEnabled("nonexistent", false); err == nil {
		t.Error("expected error for unknown policy")
	}
}

const registryPolicy = `package custom.registry

import rego.v1

deny contains violation if {
	some pkg in input.packages
	not startswith(pkg.download_url, data.config.registry)
	violation := {"message": sprintf("%s is outside %s", [pkg.plugin_id, data.config.registry]), "package": pkg.plugin_id}
}
`

func TestApplyPolicies_WithData(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if err := eng.SetData(ctx, map[string]interface{}{"registry": "https://artifacts.example.com/"}); err != nil {
		t.Fatalf("SetData: %v", err)
	}
	if err := eng.ApplyPolicies(ctx, []Policy{{Name: "registry", Rego: registryPolicy, Severity: SeverityError, Enabled: true}}); err != nil {
		t.Fatalf("ApplyPolicies: %v", err)
	}

	result, err := eng.EvaluateInstall(ctx, BuildInstallInput(testChain("https://mirror.example.com/redis.zip", ""), pinnedRequest(), nil))
	if err != nil {
		t.Fatal(err)
	}
	if result.Allowed || len(result.Violations) != 1 || result.Violations[0].Policy != "registry" {
		t.Fatalf("unexpected result %+v", result)
	}

	// A second apply replaces the first set.
	if err := eng.ApplyPolicies(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := eng.Lookup("registry"); ok {
		t.Error("expected registry policy to be dropped")
	}
	if _, ok := eng.Lookup("unpinned-root"); !ok {
		t.Error("built-in policy dropped")
	}
}

func TestApplyPolicies_CompileErrorKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	good := Policy{Name: "registry", Rego: registryPolicy, Severity: SeverityError, Enabled: true}
	if err := eng.ApplyPolicies(ctx, []Policy{good}); err != nil {
		t.Fatal(err)
	}

	bad := Policy{Name: "broken", Rego: "package broken\ndeny contains", Enabled: true}
	if err := eng.ApplyPolicies(ctx, []Policy{bad}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, ok := eng.Lookup("registry"); !ok {
		t.Error("previous policies should survive a failed apply")
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	_ = eng.ApplyPolicies(ctx, []Policy{{Name: "registry", Rego: registryPolicy, Enabled: true}})
	_ = eng.SetEnabled("unpinned-root", false)

	if err := eng.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(eng.ListPolicies()) != len(BuiltinPolicies()) {
		t.Errorf("expected only built-ins after reset, got %d", len(eng.ListPolicies()))
	}
	p, _ := eng.Lookup("unpinned-root")
	if !p.Enabled {
		t.Error("reset should restore built-in defaults")
	}
}

// mockNodes is a NodeDirectory backed by a map.
type mockNodes struct {
	nodes map[string]*engine.NodeDescriptor
}

func (m *mockNodes) GetNode(_ context.Context, id string) (*engine.NodeDescriptor, error) {
	if n, ok := m.nodes[id]; ok {
		return n, nil
	}
	return nil, errors.New("node not found")
}

// recordingReporter records violations.
type recordingReporter struct {
	mu       sync.Mutex
	policies []string
}

func (r *recordingReporter) PublishPolicyViolation(_, policyName, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = append(r.policies, policyName)
	return nil
}

// lineSink collects sink lines.
type lineSink struct {
	lines []string
}

func (s *lineSink) Line(line string)          { s.lines = append(s.lines, line) }
func (s *lineSink) Progress(int, int, string) {}

func TestAdmission_AdmitInstall(t *testing.T) {
	nodes := &mockNodes{nodes: map[string]*engine.NodeDescriptor{
		"db1": {ID: "db1", Type: engine.NodeTypeSSH, Host: "10.0.0.5", User: "deploy", AuthType: "password", Password: "hunter2"},
	}}
	reporter := &recordingReporter{}
	admission := NewAdmission(newTestEngine(t), nodes, zerolog.New(nil).Level(zerolog.Disabled)).
		WithReporter(reporter).
		WithEnvironment("staging")

	sink := &lineSink{}
	req := pinnedRequest()
	req.NodeID = "db1"
	req.Sink = sink

	if err := admission.AdmitInstall(context.Background(), testChain("https://artifacts.example.com/redis.zip", ""), req); err != nil {
		t.Fatalf("AdmitInstall: %v", err)
	}
	if len(sink.lines) != 1 || !strings.Contains(sink.lines[0], "remote-password-auth") {
		t.Errorf("sink lines = %v", sink.lines)
	}
	if strings.Contains(strings.Join(sink.lines, ""), "hunter2") {
		t.Error("credentials leaked into policy output")
	}

	err := admission.AdmitInstall(context.Background(), testChain("http://mirror.example.com/redis.zip", ""), req)
	if err == nil {
		t.Fatal("expected denial")
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
		t.Errorf("expected POLICY_DENIED engine error, got %v", err)
	}
	if !strings.Contains(err.Error(), "insecure-download") {
		t.Errorf("error should name the policy: %v", err)
	}

	want := "remote-password-auth,insecure-download,remote-password-auth"
	if got := strings.Join(reporter.policies, ","); got != want {
		t.Errorf("reported %s, want %s", got, want)
	}
}

func TestAdmission_UnknownNode(t *testing.T) {
	admission := NewAdmission(newTestEngine(t), &mockNodes{}, zerolog.New(nil).Level(zerolog.Disabled))
	req := pinnedRequest()
	req.NodeID = "ghost"

	if err := admission.AdmitInstall(context.Background(), testChain("https://a.example.com/r.zip", ""), req); err == nil {
		t.Fatal("expected error for unknown node")
	}
}
