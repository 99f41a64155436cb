package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// memIndex is an in-memory Index.
type memIndex struct {
	mu      sync.Mutex
	entries map[string]CachedArtifact
	deletes int
}

func newMemIndex() *memIndex {
	return &memIndex{entries: make(map[string]CachedArtifact)}
}

func (m *memIndex) PutCachedArtifact(_ context.Context, e CachedArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.PluginID+"@"+e.Version] = e
	return nil
}

func (m *memIndex) GetCachedArtifact(_ context.Context, pluginID, version string) (*CachedArtifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[pluginID+"@"+version]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (m *memIndex) DeleteCachedArtifact(_ context.Context, pluginID, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, pluginID+"@"+version)
	m.deletes++
	return nil
}

func TestCache_RetainLookupCommit(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "redis-7.0.0.zip")
	if err := os.WriteFile(src, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	index := newMemIndex()
	c := NewCache(t.TempDir(), index, zerolog.Nop())
	ref := engine.ArtifactRef{PluginID: "redis", Version: "7.0.0"}

	if err := c.Retain(ctx, ref, src); err != nil {
		t.Fatalf("Retain failed: %v", err)
	}
	// The source may go away; the cache keeps its own copy.
	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}

	p, ok := c.Lookup(ctx, "redis", "7.0.0")
	if !ok {
		t.Fatal("Expected cached artifact")
	}
	if data, _ := os.ReadFile(p); string(data) != "old" {
		t.Errorf("Unexpected cached content %q", data)
	}
	if _, ok := index.entries["redis@7.0.0"]; !ok {
		t.Error("Expected entry in index")
	}

	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, ok := c.Lookup(ctx, "redis", "7.0.0"); ok {
		t.Error("Expected entry to be released after commit")
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Errorf("Expected cached file to be removed, got %v", err)
	}
	if index.deletes != 1 {
		t.Errorf("Expected 1 index delete, got %d", index.deletes)
	}
}

func TestCache_RetainDirectory(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "install-workflow.yml"), []byte("name: x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCache(t.TempDir(), nil, zerolog.Nop())
	if err := c.Retain(ctx, engine.ArtifactRef{PluginID: "app", Version: "1.0.0"}, src); err != nil {
		t.Fatalf("Retain failed: %v", err)
	}
	p, ok := c.Lookup(ctx, "app", "1.0.0")
	if !ok {
		t.Fatal("Expected cached directory")
	}
	if _, err := os.Stat(filepath.Join(p, "install-workflow.yml")); err != nil {
		t.Errorf("Expected manifest in cached copy: %v", err)
	}
}

func TestCache_LookupFromIndex(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "held.zip")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	index := newMemIndex()
	_ = index.PutCachedArtifact(ctx, CachedArtifact{PluginID: "app", Version: "2.0.0", Path: p})

	c := NewCache(t.TempDir(), index, zerolog.Nop())
	if got, ok := c.Lookup(ctx, "app", "2.0.0"); !ok || got != p {
		t.Errorf("Lookup() = %s, %v", got, ok)
	}

	_ = index.PutCachedArtifact(ctx, CachedArtifact{PluginID: "app", Version: "3.0.0", Path: p + ".gone"})
	if _, ok := c.Lookup(ctx, "app", "3.0.0"); ok {
		t.Error("Expected stale index entry to miss")
	}
}
