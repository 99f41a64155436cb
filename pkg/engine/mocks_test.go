package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/stevedore/pkg/version"
)

// mockRegistry serves metadata from an in-memory catalogue.
type mockRegistry struct {
	mu       sync.Mutex
	packages map[string][]PackageMetadata
	failures map[string]error
	calls    map[string]int
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		packages: make(map[string][]PackageMetadata),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// add registers pluginID@ver with the given dependencies.
func (m *mockRegistry) add(pluginID, ver string, deps ...DependencyDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packages[pluginID] = append(m.packages[pluginID], PackageMetadata{
		PluginID:     pluginID,
		Version:      ver,
		DownloadURL:  fmt.Sprintf("https://registry.example/%s-%s.zip", pluginID, ver),
		Dependencies: deps,
	})
}

func (m *mockRegistry) GetMetadata(_ context.Context, pluginID, constraint string) (*PackageMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[pluginID]++

	if err, ok := m.failures[pluginID]; ok {
		return nil, err
	}
	candidates := m.packages[pluginID]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("plugin %s not found", pluginID)
	}

	versions := make([]string, 0, len(candidates))
	for _, c := range candidates {
		versions = append(versions, c.Version)
	}
	best, ok := version.MaxSatisfying(constraint, versions)
	if !ok {
		return nil, fmt.Errorf("no version of %s satisfies %q", pluginID, constraint)
	}
	for _, c := range candidates {
		if c.Version == best {
			md := c
			return &md, nil
		}
	}
	return nil, fmt.Errorf("unreachable")
}

func (m *mockRegistry) callCount(pluginID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[pluginID]
}

func dep(pluginID, constraint string) DependencyDescriptor {
	return DependencyDescriptor{PluginID: pluginID, VersionConstraint: constraint}
}

func optionalDep(pluginID, constraint string) DependencyDescriptor {
	return DependencyDescriptor{PluginID: pluginID, VersionConstraint: constraint, Optional: true}
}

// mockInstaller is both the PackageInstaller and the InstalledState.
type mockInstaller struct {
	mu             sync.Mutex
	installed      map[string]string
	nodes          map[string]string
	calls          []string
	failInstall    map[string]error
	failUpgrade    map[string]error
	failUninstall  map[string]error
	lastOperations map[string]OperationKind
	placements     []string
}

func newMockInstaller(preinstalled map[string]string) *mockInstaller {
	installed := make(map[string]string)
	for k, v := range preinstalled {
		installed[k] = v
	}
	return &mockInstaller{
		installed:      installed,
		nodes:          make(map[string]string),
		failInstall:    make(map[string]error),
		failUpgrade:    make(map[string]error),
		failUninstall:  make(map[string]error),
		lastOperations: make(map[string]OperationKind),
	}
}

func (m *mockInstaller) Install(_ context.Context, req InstallRequest) (*InstallOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("install %s@%s", req.PluginID, req.Version))
	m.lastOperations[req.PluginID] = req.Operation
	if err := m.failInstall[req.PluginID]; err != nil {
		return nil, err
	}
	m.installed[req.PluginID] = req.Version
	m.nodes[req.PluginID] = req.NodeID
	return &InstallOutcome{PluginID: req.PluginID, Version: req.Version}, nil
}

func (m *mockInstaller) Upgrade(_ context.Context, req InstallRequest) (*InstallOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	verb := "upgrade"
	if req.Operation == OperationRollback {
		verb = "restore"
	}
	m.calls = append(m.calls, fmt.Sprintf("%s %s %s->%s", verb, req.PluginID, req.FromVersion, req.Version))
	m.lastOperations[req.PluginID] = req.Operation
	m.placements = append(m.placements, fmt.Sprintf("%s %s@%s on %q", verb, req.PluginID, req.Version, req.NodeID))
	if req.Operation != OperationRollback {
		if err := m.failUpgrade[req.PluginID]; err != nil {
			return nil, err
		}
	}
	m.installed[req.PluginID] = req.Version
	m.nodes[req.PluginID] = req.NodeID
	return &InstallOutcome{PluginID: req.PluginID, Version: req.Version}, nil
}

func (m *mockInstaller) Uninstall(_ context.Context, req UninstallRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("uninstall %s", req.PluginID))
	m.lastOperations[req.PluginID] = req.Operation
	if err := m.failUninstall[req.PluginID]; err != nil {
		return err
	}
	delete(m.installed, req.PluginID)
	delete(m.nodes, req.PluginID)
	return nil
}

func (m *mockInstaller) InstalledVersion(_ context.Context, pluginID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.installed[pluginID]
	return v, ok, nil
}

func (m *mockInstaller) ListInstalled(_ context.Context) ([]InstalledArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InstalledArtifact, 0, len(m.installed))
	for id, v := range m.installed {
		out = append(out, InstalledArtifact{PluginID: id, Version: v, NodeID: m.nodes[id], InstalledAt: time.Now()})
	}
	return out, nil
}

func (m *mockInstaller) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// placeOn records that pluginID runs on nodeID.
func (m *mockInstaller) placeOn(pluginID, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[pluginID] = nodeID
}

func (m *mockInstaller) nodeOf(pluginID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[pluginID]
}

// upgradePlacements lists upgrade and restore calls with their target node.
func (m *mockInstaller) upgradePlacements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.placements...)
}

func (m *mockInstaller) isInstalled(pluginID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.installed[pluginID]
	return v, ok
}

// mockArtifacts pretends to download artifacts.
type mockArtifacts struct {
	mu      sync.Mutex
	fetched []string
	fail    map[string]error
}

func newMockArtifacts() *mockArtifacts {
	return &mockArtifacts{fail: make(map[string]error)}
}

func (m *mockArtifacts) Fetch(_ context.Context, ref ArtifactRef) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NodeKey(ref.PluginID, ref.Version)
	m.fetched = append(m.fetched, key)
	if err := m.fail[ref.PluginID]; err != nil {
		return "", err
	}
	return "/var/cache/stevedore/" + key + ".zip", nil
}

func (m *mockArtifacts) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fetched)
}

// mockCache keeps retained paths in memory.
type mockCache struct {
	mu      sync.Mutex
	entries map[string]string
	commits int
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]string)}
}

func (m *mockCache) Retain(_ context.Context, ref ArtifactRef, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[NodeKey(ref.PluginID, ref.Version)] = path
	return nil
}

func (m *mockCache) Lookup(_ context.Context, pluginID, ver string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.entries[NodeKey(pluginID, ver)]
	return p, ok
}

func (m *mockCache) Commit(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return nil
}

// mockRecorder captures operation and upgrade log entries.
type mockRecorder struct {
	mu         sync.Mutex
	operations []OperationRecord
	upgrades   []UpgradeRecord
}

func (m *mockRecorder) RecordOperation(_ context.Context, rec OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = append(m.operations, rec)
	return nil
}

func (m *mockRecorder) RecordUpgrade(_ context.Context, rec UpgradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upgrades = append(m.upgrades, rec)
	return nil
}
