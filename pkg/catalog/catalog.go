// Package catalog serves artifact metadata from a directory-based catalog.
//
// A catalog is a directory holding an index.yaml and, usually, the
// artifacts it lists:
//
//	artifacts:
//	  - pluginId: redis-installer
//	    type: middleware
//	    versions:
//	      - version: 7.2.0
//	        url: redis/redis-installer-7.2.0.zip
//	        checksum: sha256:9f86d08...
//	        dependencies:
//	          - pluginId: base-network
//	            version: ">=1.0.0"
//
// Relative URLs are resolved against the catalog directory.
package catalog

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/version"
)

// IndexFile is the name of the catalog index.
const IndexFile = "index.yaml"

// Index is the parsed catalog index.
type Index struct {
	Artifacts []Entry `yaml:"artifacts" validate:"dive"`
}

// Entry lists the published versions of one artifact.
type Entry struct {
	PluginID    string    `yaml:"pluginId" validate:"required"`
	Type        string    `yaml:"type,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Versions    []Release `yaml:"versions" validate:"required,min=1,dive"`
}

// Release is one published version.
type Release struct {
	Version      string                        `yaml:"version" validate:"required"`
	URL          string                        `yaml:"url" validate:"required"`
	Checksum     string                        `yaml:"checksum,omitempty"`
	Dependencies []engine.DependencyDescriptor `yaml:"dependencies,omitempty" validate:"dive"`
}

// FileCatalog implements engine.PackageMetadataProvider over a catalog
// directory.
type FileCatalog struct {
	dir      string
	validate *validator.Validate
	logger   zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

var _ engine.PackageMetadataProvider = (*FileCatalog)(nil)

// Open loads the catalog in dir.
func Open(dir string, logger zerolog.Logger) (*FileCatalog, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog dir: %w", err)
	}
	c := &FileCatalog{
		dir:      abs,
		validate: validator.New(),
		logger:   logger.With().Str("component", "catalog").Logger(),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the index.
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(filepath.Join(c.dir, IndexFile))
	if err != nil {
		return fmt.Errorf("failed to read catalog index: %w", err)
	}

	var idx Index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("failed to parse catalog index: %w", err)
	}
	if err := c.validate.Struct(&idx); err != nil {
		return fmt.Errorf("invalid catalog index: %w", err)
	}

	entries := make(map[string]Entry, len(idx.Artifacts))
	for _, e := range idx.Artifacts {
		if _, dup := entries[e.PluginID]; dup {
			return fmt.Errorf("invalid catalog index: duplicate artifact %q", e.PluginID)
		}
		for _, r := range e.Versions {
			if _, err := version.ParseVersion(r.Version); err != nil {
				return fmt.Errorf("invalid catalog index: %s: %w", e.PluginID, err)
			}
		}
		entries[e.PluginID] = e
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	c.logger.Debug().Int("artifacts", len(entries)).Str("dir", c.dir).Msg("Catalog loaded")
	return nil
}

// GetMetadata returns the highest version of pluginID satisfying constraint.
func (c *FileCatalog) GetMetadata(_ context.Context, pluginID, constraint string) (*engine.PackageMetadata, error) {
	c.mu.RLock()
	entry, ok := c.entries[pluginID]
	c.mu.RUnlock()
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("artifact %s not in catalog", pluginID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(pluginID)
	}

	candidates := make([]string, len(entry.Versions))
	for i, r := range entry.Versions {
		candidates[i] = r.Version
	}
	if _, err := version.ParseConstraint(constraint); err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	best, found := version.MaxSatisfying(constraint, candidates)
	if !found {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no version of %s satisfies %q", pluginID, constraint), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(pluginID).
			WithDetail("available", candidates)
	}

	for _, r := range entry.Versions {
		if r.Version != best {
			continue
		}
		return &engine.PackageMetadata{
			PluginID:     entry.PluginID,
			Version:      r.Version,
			Type:         entry.Type,
			Description:  entry.Description,
			DownloadURL:  c.resolveURL(r.URL),
			Checksum:     r.Checksum,
			Dependencies: append([]engine.DependencyDescriptor(nil), r.Dependencies...),
		}, nil
	}
	return nil, fmt.Errorf("catalog entry for %s@%s vanished", pluginID, best)
}

// resolveURL makes relative artifact locations absolute paths in the catalog.
func (c *FileCatalog) resolveURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && len(u.Scheme) > 1 {
		return raw
	}
	if filepath.IsAbs(raw) {
		return raw
	}
	return filepath.Join(c.dir, filepath.FromSlash(raw))
}

// List returns every catalog entry sorted by plugin ID.
func (c *FileCatalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// Dir is the catalog directory.
func (c *FileCatalog) Dir() string { return c.dir }
