package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type fixture struct {
	registry  *mockRegistry
	installer *mockInstaller
	artifacts *mockArtifacts
	cache     *mockCache
	recorder  *mockRecorder
	orch      *Orchestrator
}

func newFixture(t *testing.T, preinstalled map[string]string) *fixture {
	t.Helper()
	f := &fixture{
		registry:  newMockRegistry(),
		installer: newMockInstaller(preinstalled),
		artifacts: newMockArtifacts(),
		cache:     newMockCache(),
		recorder:  &mockRecorder{},
	}
	orch, err := NewOrchestrator(OrchestratorConfig{
		Metadata:  f.registry,
		Installer: f.installer,
		Installed: f.installer,
		Artifacts: f.artifacts,
		Cache:     f.cache,
		Recorder:  f.recorder,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("Unexpected installer calls\n got: %q\nwant: %q", got, want)
	}
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	if _, err := NewOrchestrator(OrchestratorConfig{}); err == nil {
		t.Error("Expected error for empty config")
	}
}

func TestOrchestrator_AppXScenario(t *testing.T) {
	f := newFixture(t, map[string]string{"queue-svc": "1.5.0"})
	f.registry.add("app-x", "1.0.0", dep("cache-svc", ">=2.0.0"), dep("queue-svc", "1.5.0"))
	f.registry.add("cache-svc", "2.0.0")
	f.registry.add("queue-svc", "1.5.0")

	result, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "app-x", Version: "1.0.0", Operator: "alice"})
	if err != nil {
		t.Fatalf("Expected install to succeed, got: %v", err)
	}

	assertCalls(t, f.installer.recorded(),
		"install cache-svc@2.0.0",
		"install app-x@1.0.0",
	)
	if got := result.ChangeSet.NewlyInstalled(); len(got) != 1 || got[0] != "cache-svc" {
		t.Errorf("Expected change set [cache-svc], got %v", got)
	}
	if v, _ := f.installer.isInstalled("queue-svc"); v != "1.5.0" {
		t.Errorf("Expected queue-svc untouched at 1.5.0, got %s", v)
	}
	if result.OperationID == "" {
		t.Error("Expected an operation ID")
	}
}

func TestOrchestrator_AppXScenario_PrimaryFailureRollsBack(t *testing.T) {
	f := newFixture(t, map[string]string{"queue-svc": "1.5.0"})
	f.registry.add("app-x", "1.0.0", dep("cache-svc", ">=2.0.0"), dep("queue-svc", "1.5.0"))
	f.registry.add("cache-svc", "2.0.0")
	f.registry.add("queue-svc", "1.5.0")
	f.installer.failInstall["app-x"] = errors.New("compose up exited with status 1")

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "app-x", Version: "1.0.0"})
	if err == nil {
		t.Fatal("Expected install to fail")
	}

	assertCalls(t, f.installer.recorded(),
		"install cache-svc@2.0.0",
		"install app-x@1.0.0",
		"uninstall cache-svc",
	)
	if _, ok := f.installer.isInstalled("cache-svc"); ok {
		t.Error("Expected cache-svc to be rolled back")
	}
	if v, ok := f.installer.isInstalled("queue-svc"); !ok || v != "1.5.0" {
		t.Error("Expected queue-svc to remain installed")
	}
	if f.installer.lastOperations["cache-svc"] != OperationRollback {
		t.Errorf("Expected rollback uninstall, got %s", f.installer.lastOperations["cache-svc"])
	}

	if !IsInstallError(err) {
		t.Errorf("Expected install error, got: %v", err)
	}
	for _, want := range []string{"install failed", "compose up exited with status 1", "(1 of 1 changes rolled back)"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in error, got: %v", want, err)
		}
	}
}

func TestOrchestrator_ChainFailureUninstallsInReverse(t *testing.T) {
	f := newFixture(t, map[string]string{"base": "1.0.0"})
	f.registry.add("c", "1.0.0", dep("b", ""), dep("base", ""))
	f.registry.add("b", "1.0.0", dep("a", ""))
	f.registry.add("a", "1.0.0")
	f.registry.add("base", "1.0.0")
	f.installer.failInstall["c"] = errors.New("boom")

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "c"})
	if err == nil {
		t.Fatal("Expected install to fail")
	}

	assertCalls(t, f.installer.recorded(),
		"install a@1.0.0",
		"install b@1.0.0",
		"install c@1.0.0",
		"uninstall b",
		"uninstall a",
	)
	if _, ok := f.installer.isInstalled("base"); !ok {
		t.Error("Expected pre-existing base to remain installed")
	}
	if !strings.Contains(err.Error(), "(2 of 2 changes rolled back)") {
		t.Errorf("Expected rollback outcome in error, got: %v", err)
	}
}

func TestOrchestrator_DependencyFailureMidChain(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.add("app", "1.0.0", dep("b", ""))
	f.registry.add("b", "1.0.0", dep("a", ""))
	f.registry.add("a", "1.0.0")
	f.artifacts.fail["b"] = errors.New("connection reset")

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "app"})
	if err == nil {
		t.Fatal("Expected install to fail")
	}
	if !IsDownloadError(err) || !IsTransient(err) {
		t.Errorf("Expected transient download error, got: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "[transient] dependency install failed") {
		t.Errorf("Unexpected error text: %v", err)
	}
	assertCalls(t, f.installer.recorded(),
		"install a@1.0.0",
		"uninstall a",
	)
}

func TestOrchestrator_CycleHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.add("a", "1.0.0", dep("b", ""))
	f.registry.add("b", "1.0.0", dep("c", ""))
	f.registry.add("c", "1.0.0", dep("a", ""))

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "a"})
	if !IsCircularDependencyError(err) {
		t.Fatalf("Expected circular dependency error, got: %v", err)
	}
	if calls := f.installer.recorded(); len(calls) != 0 {
		t.Errorf("Expected no installer calls, got %v", calls)
	}
	if n := f.artifacts.fetchCount(); n != 0 {
		t.Errorf("Expected no downloads, got %d", n)
	}
}

func TestOrchestrator_UpgradesUnsatisfiedDependencyAndRestoresOnFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"queue-svc": "1.5.0"})
	f.registry.add("app-y", "1.0.0", dep("queue-svc", ">=1.6.0"))
	f.registry.add("queue-svc", "1.5.0")
	f.registry.add("queue-svc", "1.6.0")
	f.installer.failInstall["app-y"] = errors.New("health check failed")

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "app-y"})
	if err == nil {
		t.Fatal("Expected install to fail")
	}

	assertCalls(t, f.installer.recorded(),
		"upgrade queue-svc 1.5.0->1.6.0",
		"install app-y@1.0.0",
		"restore queue-svc 1.6.0->1.5.0",
	)
	if v, _ := f.installer.isInstalled("queue-svc"); v != "1.5.0" {
		t.Errorf("Expected queue-svc restored to 1.5.0, got %s", v)
	}
	if _, ok := f.cache.Lookup(context.Background(), "queue-svc", "1.5.0"); !ok {
		t.Error("Expected previous version to be retained in the cache")
	}
}

func TestOrchestrator_VersionConflictBeforeSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.add("app", "1.0.0", dep("lib", "1.0.0"), dep("tool", ""))
	f.registry.add("tool", "1.0.0", dep("lib", "2.0.0"))
	f.registry.add("lib", "1.0.0")
	f.registry.add("lib", "2.0.0")

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "app"})
	if !IsVersionConflictError(err) {
		t.Fatalf("Expected version conflict, got: %v", err)
	}
	if !IsConflict(err) {
		t.Error("Expected conflict class")
	}
	if calls := f.installer.recorded(); len(calls) != 0 {
		t.Errorf("Expected no installer calls, got %v", calls)
	}
}

func TestOrchestrator_InstallRefusesInstalledPlugin(t *testing.T) {
	f := newFixture(t, map[string]string{"app": "1.0.0"})
	f.registry.add("app", "1.0.0")

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "app"})
	if !IsVersionConflictError(err) {
		t.Errorf("Expected version conflict, got: %v", err)
	}
}

func TestOrchestrator_RollbackContinuesPastFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.add("c", "1.0.0", dep("b", ""))
	f.registry.add("b", "1.0.0", dep("a", ""))
	f.registry.add("a", "1.0.0")
	f.installer.failInstall["c"] = errors.New("boom")
	f.installer.failUninstall["b"] = errors.New("container still running")

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "c"})
	if err == nil {
		t.Fatal("Expected install to fail")
	}

	assertCalls(t, f.installer.recorded(),
		"install a@1.0.0",
		"install b@1.0.0",
		"install c@1.0.0",
		"uninstall b",
		"uninstall a",
	)
	// The root cause stays the reported error.
	if !IsInstallError(err) {
		t.Errorf("Expected install error to remain the cause, got: %v", err)
	}
	if !strings.Contains(err.Error(), "(1 of 2 changes rolled back)") {
		t.Errorf("Expected partial rollback outcome, got: %v", err)
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Details["rollback_error"] == nil {
		t.Error("Expected rollback error in details")
	}
}

func TestOrchestrator_RollbackReportsPartialFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "1.0.0", "b": "1.0.0"})
	f.registry.add("a", "0.9.0")
	f.registry.add("a", "1.0.0")
	f.installer.failUninstall["b"] = errors.New("busy")

	cs := NewChangeSet()
	cs.RecordUpgrade("a", "0.9.0")
	cs.RecordInstall("b")

	err := f.orch.Rollback(context.Background(), cs)
	if !IsRollbackPartialFailureError(err) {
		t.Fatalf("Expected partial rollback error, got: %v", err)
	}
	assertCalls(t, f.installer.recorded(),
		"restore a 1.0.0->0.9.0",
		"uninstall b",
	)
	if !strings.Contains(err.Error(), "1 of 2 changes rolled back") {
		t.Errorf("Unexpected error text: %v", err)
	}
}

func TestOrchestrator_RollbackSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "1.0.0"})
	cs := NewChangeSet()
	cs.RecordInstall("a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.orch.Rollback(ctx, cs); err != nil {
		t.Fatalf("Expected rollback to succeed, got: %v", err)
	}
	if _, ok := f.installer.isInstalled("a"); ok {
		t.Error("Expected a to be uninstalled")
	}
}

func TestOrchestrator_EnsureDependenciesInstalled(t *testing.T) {
	f := newFixture(t, map[string]string{"db": "1.0.0"})
	f.registry.add("app", "2.0.0", dep("db", "^1.0.0"), dep("cache", ""))
	f.registry.add("db", "1.0.0")
	f.registry.add("cache", "3.0.0")

	cs, err := f.orch.EnsureDependenciesInstalled(context.Background(), "app", "2.0.0", "ci")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	assertCalls(t, f.installer.recorded(), "install cache@3.0.0")
	if cs.Len() != 1 {
		t.Errorf("Expected one change, got %d", cs.Len())
	}
	if _, ok := f.installer.isInstalled("app"); ok {
		t.Error("Expected root not to be installed")
	}
}

func TestOrchestrator_Upgrade(t *testing.T) {
	f := newFixture(t, map[string]string{"app": "1.0.0"})
	f.registry.add("app", "1.0.0")
	f.registry.add("app", "1.1.0", dep("cache", ""))
	f.registry.add("cache", "1.0.0")

	result, err := f.orch.Upgrade(context.Background(), UpgradeOptions{PluginID: "app", Version: "1.1.0", Operator: "bob"})
	if err != nil {
		t.Fatalf("Expected upgrade to succeed, got: %v", err)
	}
	if result.FromVersion != "1.0.0" || result.Version != "1.1.0" {
		t.Errorf("Unexpected versions: %s -> %s", result.FromVersion, result.Version)
	}
	assertCalls(t, f.installer.recorded(),
		"install cache@1.0.0",
		"upgrade app 1.0.0->1.1.0",
	)

	if len(f.recorder.upgrades) != 1 || f.recorder.upgrades[0].Status != StatusSuccess {
		t.Errorf("Expected one successful upgrade log, got %+v", f.recorder.upgrades)
	}
}

func TestOrchestrator_UpgradeFailureRestoresPrevious(t *testing.T) {
	f := newFixture(t, map[string]string{"app": "1.0.0"})
	f.registry.add("app", "1.0.0")
	f.registry.add("app", "1.1.0")
	f.installer.failUpgrade["app"] = errors.New("migration failed")

	_, err := f.orch.Upgrade(context.Background(), UpgradeOptions{PluginID: "app"})
	if !IsUpgradeError(err) {
		t.Fatalf("Expected upgrade error, got: %v", err)
	}
	assertCalls(t, f.installer.recorded(),
		"upgrade app 1.0.0->1.1.0",
		"restore app 1.0.0->1.0.0",
	)
	if v, _ := f.installer.isInstalled("app"); v != "1.0.0" {
		t.Errorf("Expected app back at 1.0.0, got %s", v)
	}
	if len(f.recorder.upgrades) != 1 || f.recorder.upgrades[0].Status != StatusFailed {
		t.Errorf("Expected one failed upgrade log, got %+v", f.recorder.upgrades)
	}
}

func TestOrchestrator_UpgradeRefusesSameVersion(t *testing.T) {
	f := newFixture(t, map[string]string{"app": "1.1.0"})
	f.registry.add("app", "1.1.0")

	_, err := f.orch.Upgrade(context.Background(), UpgradeOptions{PluginID: "app"})
	if !IsVersionConflictError(err) {
		t.Errorf("Expected version conflict, got: %v", err)
	}
}

func TestOrchestrator_UpgradeRequiresInstalled(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.add("app", "1.1.0")

	_, err := f.orch.Upgrade(context.Background(), UpgradeOptions{PluginID: "app"})
	if !IsUpgradeError(err) {
		t.Errorf("Expected upgrade error, got: %v", err)
	}
}

func TestOrchestrator_UninstallRefusesRequiredPlugin(t *testing.T) {
	f := newFixture(t, map[string]string{"app": "1.0.0", "db": "1.0.0"})
	f.registry.add("app", "1.0.0", dep("db", ""))
	f.registry.add("db", "1.0.0")

	_, err := f.orch.Uninstall(context.Background(), UninstallOptions{PluginID: "db"})
	if !IsUninstallError(err) {
		t.Fatalf("Expected uninstall error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "required by app") {
		t.Errorf("Expected dependent in error, got: %v", err)
	}

	if _, err := f.orch.Uninstall(context.Background(), UninstallOptions{PluginID: "db", Force: true}); err != nil {
		t.Fatalf("Expected forced uninstall to succeed, got: %v", err)
	}
	if _, ok := f.installer.isInstalled("db"); ok {
		t.Error("Expected db to be removed")
	}
}

func TestOrchestrator_UninstallNotInstalled(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.orch.Uninstall(context.Background(), UninstallOptions{PluginID: "ghost"}); !IsUninstallError(err) {
		t.Errorf("Expected uninstall error, got: %v", err)
	}
}

func TestOrchestrator_RecordsOperationLog(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.add("app", "1.0.0")

	if _, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "app", Operator: "alice"}); err != nil {
		t.Fatalf("Expected install to succeed, got: %v", err)
	}

	ops := f.recorder.operations
	if len(ops) != 2 {
		t.Fatalf("Expected started and finished records, got %d", len(ops))
	}
	if ops[0].Status != StatusStarted || ops[1].Status != StatusSuccess {
		t.Errorf("Unexpected statuses: %s, %s", ops[0].Status, ops[1].Status)
	}
	if ops[0].OperationID != ops[1].OperationID {
		t.Error("Expected both records to share an operation ID")
	}
	if ops[1].Version != "1.0.0" || ops[1].Operator != "alice" {
		t.Errorf("Unexpected record: %+v", ops[1])
	}
	if f.cache.commits != 1 {
		t.Errorf("Expected cache commit after operation, got %d", f.cache.commits)
	}
}

type denyAll struct{}

func (denyAll) AdmitInstall(context.Context, *DependencyChain, InstallRequest) error {
	return NewPermanentError("denied by policy", nil).WithCode(ErrCodePolicyDenied)
}

func TestOrchestrator_AdmissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.add("app", "1.0.0", dep("db", ""))
	f.registry.add("db", "1.0.0")
	f.orch.admission = denyAll{}

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "app"})
	if err == nil || !strings.Contains(err.Error(), "denied by policy") {
		t.Fatalf("Expected policy denial, got: %v", err)
	}
	if calls := f.installer.recorded(); len(calls) != 0 {
		t.Errorf("Expected no installer calls, got %v", calls)
	}
}

func TestOrchestrator_RollbackRestoresDependencyOnItsNode(t *testing.T) {
	f := newFixture(t, map[string]string{"base": "1.0.0"})
	f.installer.placeOn("base", "box1")
	f.registry.add("app", "1.0.0", dep("base", ">=2.0.0"))
	f.registry.add("base", "1.0.0")
	f.registry.add("base", "2.0.0")
	f.installer.failInstall["app"] = errors.New("install script exited 1")

	_, err := f.orch.Install(context.Background(), InstallOptions{PluginID: "app", NodeID: "box2"})
	if err == nil {
		t.Fatal("Expected install to fail")
	}

	want := []string{
		`upgrade base@2.0.0 on "box1"`,
		`restore base@1.0.0 on "box1"`,
	}
	if got := f.installer.upgradePlacements(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("Unexpected placements\n got: %q\nwant: %q", got, want)
	}
	if v, _ := f.installer.isInstalled("base"); v != "1.0.0" {
		t.Errorf("Expected base restored to 1.0.0, got %s", v)
	}
	if n := f.installer.nodeOf("base"); n != "box1" {
		t.Errorf("Expected base to stay on box1, got %q", n)
	}
}

func TestOrchestrator_UpgradeDefaultsToInstalledNode(t *testing.T) {
	f := newFixture(t, map[string]string{"app": "1.0.0"})
	f.installer.placeOn("app", "box1")
	f.registry.add("app", "1.0.0")
	f.registry.add("app", "1.1.0", dep("cache", ""))
	f.registry.add("cache", "1.0.0")

	if _, err := f.orch.Upgrade(context.Background(), UpgradeOptions{PluginID: "app"}); err != nil {
		t.Fatalf("Expected upgrade to succeed, got: %v", err)
	}
	if n := f.installer.nodeOf("app"); n != "box1" {
		t.Errorf("Expected app to stay on box1, got %q", n)
	}
	if n := f.installer.nodeOf("cache"); n != "box1" {
		t.Errorf("Expected new dependency on box1, got %q", n)
	}
}

func TestOrchestrator_FailedMoveRestoresOnPreviousNode(t *testing.T) {
	f := newFixture(t, map[string]string{"app": "1.0.0"})
	f.installer.placeOn("app", "box1")
	f.registry.add("app", "1.0.0")
	f.registry.add("app", "1.1.0")
	f.installer.failUpgrade["app"] = errors.New("port in use")

	_, err := f.orch.Upgrade(context.Background(), UpgradeOptions{PluginID: "app", NodeID: "box2"})
	if !IsUpgradeError(err) {
		t.Fatalf("Expected upgrade error, got: %v", err)
	}

	want := []string{
		`upgrade app@1.1.0 on "box2"`,
		`restore app@1.0.0 on "box1"`,
	}
	if got := f.installer.upgradePlacements(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("Unexpected placements\n got: %q\nwant: %q", got, want)
	}
	if n := f.installer.nodeOf("app"); n != "box1" {
		t.Errorf("Expected app back on box1, got %q", n)
	}
}

func TestOrchestrator_EnsureDependenciesInstalledCommitsCache(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.add("app", "1.0.0", dep("cache", ""))
	f.registry.add("cache", "1.0.0")

	if _, err := f.orch.EnsureDependenciesInstalled(context.Background(), "app", "1.0.0", "ci"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if f.cache.commits != 1 {
		t.Errorf("Expected one cache commit, got %d", f.cache.commits)
	}

	f.registry.add("tool", "1.0.0", dep("broken", ""))
	f.registry.add("broken", "1.0.0")
	f.installer.failInstall["broken"] = errors.New("boom")
	if _, err := f.orch.EnsureDependenciesInstalled(context.Background(), "tool", "", "ci"); err == nil {
		t.Fatal("Expected failure")
	}
	if f.cache.commits != 2 {
		t.Errorf("Expected the failed call to commit too, got %d commits", f.cache.commits)
	}
}
