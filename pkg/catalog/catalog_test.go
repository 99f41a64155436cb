package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
)

const sampleIndex = `
artifacts:
  - pluginId: redis-installer
    type: middleware
    description: Redis cache
    versions:
      - version: 7.0.0
        url: redis/redis-installer-7.0.0.zip
      - version: 7.2.0
        url: redis/redis-installer-7.2.0.zip
        checksum: sha256:abc
        dependencies:
          - pluginId: base-network
            version: ">=1.0.0"
      - version: 8.0.0
        url: https://example.com/redis-installer-8.0.0.zip
  - pluginId: base-network
    versions:
      - version: 1.1.0
        url: /opt/artifacts/base-network-1.1.0.zip
`

func writeCatalog(t *testing.T, index string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IndexFile), []byte(index), 0o644); err != nil {
		t.Fatalf("failed to write index: %v", err)
	}
	return dir
}

func TestGetMetadata(t *testing.T) {
	dir := writeCatalog(t, sampleIndex)
	c, err := Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name       string
		pluginID   string
		constraint string
		want       string
		wantURL    string
	}{
		{name: "latest", pluginID: "redis-installer", want: "8.0.0", wantURL: "https://example.com/redis-installer-8.0.0.zip"},
		{name: "range", pluginID: "redis-installer", constraint: "^7.0.0", want: "7.2.0", wantURL: filepath.Join(c.Dir(), "redis", "redis-installer-7.2.0.zip")},
		{name: "exact", pluginID: "redis-installer", constraint: "7.0.0", want: "7.0.0"},
		{name: "absolute path", pluginID: "base-network", want: "1.1.0", wantURL: "/opt/artifacts/base-network-1.1.0.zip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := c.GetMetadata(ctx, tt.pluginID, tt.constraint)
			if err != nil {
				t.Fatalf("GetMetadata failed: %v", err)
			}
			if md.Version != tt.want {
				t.Errorf("Version = %s, want %s", md.Version, tt.want)
			}
			if tt.wantURL != "" && md.DownloadURL != tt.wantURL {
				t.Errorf("DownloadURL = %s, want %s", md.DownloadURL, tt.wantURL)
			}
		})
	}

	md, _ := c.GetMetadata(ctx, "redis-installer", "~7.2")
	if md.Type != "middleware" || md.Checksum != "sha256:abc" || len(md.Dependencies) != 1 {
		t.Errorf("Unexpected metadata %+v", md)
	}
	if md.Dependencies[0].PluginID != "base-network" || md.Dependencies[0].VersionConstraint != ">=1.0.0" {
		t.Errorf("Unexpected dependency %+v", md.Dependencies[0])
	}
}

func TestGetMetadata_NotFound(t *testing.T) {
	c, err := Open(writeCatalog(t, sampleIndex), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	_, err = c.GetMetadata(context.Background(), "unknown", "")
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}

	_, err = c.GetMetadata(context.Background(), "redis-installer", ">=9.0.0")
	if err == nil {
		t.Error("Expected no satisfying version")
	}
}

func TestOpen_Invalid(t *testing.T) {
	tests := map[string]string{
		"no versions": "artifacts:\n  - pluginId: a\n    versions: []\n",
		"no url":      "artifacts:\n  - pluginId: a\n    versions:\n      - version: 1.0.0\n",
		"bad version": "artifacts:\n  - pluginId: a\n    versions:\n      - version: banana\n        url: a.zip\n",
		"duplicate":   "artifacts:\n  - pluginId: a\n    versions: [{version: 1.0.0, url: a.zip}]\n  - pluginId: a\n    versions: [{version: 1.0.0, url: a.zip}]\n",
		"bad yaml":    "artifacts: [",
	}
	for name, index := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Open(writeCatalog(t, index), zerolog.Nop()); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := Open(t.TempDir(), zerolog.Nop()); err == nil {
		t.Error("Expected error for missing index")
	}
}

func TestList(t *testing.T) {
	c, err := Open(writeCatalog(t, sampleIndex), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	list := c.List()
	if len(list) != 2 || list[0].PluginID != "base-network" {
		t.Errorf("Unexpected list %+v", list)
	}
}
