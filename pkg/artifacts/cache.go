package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// CachedArtifact is one entry of the artifact cache.
type CachedArtifact struct {
	PluginID string
	Version  string
	Path     string
	Checksum string
	CachedAt time.Time
}

// Index persists cache entries so that a later process can find them.
type Index interface {
	PutCachedArtifact(ctx context.Context, entry CachedArtifact) error
	GetCachedArtifact(ctx context.Context, pluginID, version string) (*CachedArtifact, bool, error)
	DeleteCachedArtifact(ctx context.Context, pluginID, version string) error
}

type cacheKey struct {
	pluginID string
	version  string
}

// Cache holds copies of the artifacts an operation fetched until the
// operation commits. Rollback reinstalls from it before asking the
// registry again.
type Cache struct {
	dir    string
	index  Index
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]CachedArtifact
	pending []cacheKey
}

var _ engine.ArtifactCache = (*Cache)(nil)

// NewCache creates a cache storing copies below dir. index may be nil.
func NewCache(dir string, index Index, logger zerolog.Logger) *Cache {
	return &Cache{
		dir:     dir,
		index:   index,
		logger:  logger.With().Str("component", "artifact-cache").Logger(),
		now:     time.Now,
		entries: make(map[cacheKey]CachedArtifact),
	}
}

// Retain copies the artifact at p into the cache.
func (c *Cache) Retain(ctx context.Context, ref engine.ArtifactRef, p string) error {
	key := cacheKey{ref.PluginID, ref.Version}

	c.mu.Lock()
	_, held := c.entries[key]
	c.mu.Unlock()
	if held {
		return nil
	}

	dest := filepath.Join(c.dir, ref.PluginID, ref.Version, filepath.Base(p))
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to clear cache slot: %w", err)
	}
	if err := copyPath(p, dest); err != nil {
		return fmt.Errorf("failed to cache %s@%s: %w", ref.PluginID, ref.Version, err)
	}

	entry := CachedArtifact{
		PluginID: ref.PluginID,
		Version:  ref.Version,
		Path:     dest,
		Checksum: ref.Checksum,
		CachedAt: c.now().UTC(),
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.pending = append(c.pending, key)
	c.mu.Unlock()

	if c.index != nil {
		if err := c.index.PutCachedArtifact(ctx, entry); err != nil {
			return fmt.Errorf("failed to index cached artifact: %w", err)
		}
	}

	c.logger.Debug().
		Str("plugin_id", ref.PluginID).
		Str("version", ref.Version).
		Str("path", dest).
		Msg("Artifact retained")
	return nil
}

// Lookup returns the cached copy of pluginID@version.
func (c *Cache) Lookup(ctx context.Context, pluginID, version string) (string, bool) {
	key := cacheKey{pluginID, version}

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && exists(entry.Path) {
		return entry.Path, true
	}

	if c.index == nil {
		return "", false
	}
	indexed, found, err := c.index.GetCachedArtifact(ctx, pluginID, version)
	if err != nil {
		c.logger.Warn().Err(err).Str("plugin_id", pluginID).Msg("Cache index lookup failed")
		return "", false
	}
	if !found || !exists(indexed.Path) {
		return "", false
	}
	return indexed.Path, true
}

// Commit releases everything retained since the last commit.
func (c *Cache) Commit(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	released := make([]CachedArtifact, 0, len(pending))
	for _, key := range pending {
		released = append(released, c.entries[key])
		delete(c.entries, key)
	}
	c.mu.Unlock()

	var firstErr error
	for _, entry := range released {
		if err := os.RemoveAll(filepath.Dir(entry.Path)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove cached %s@%s: %w", entry.PluginID, entry.Version, err)
		}
		if c.index != nil {
			if err := c.index.DeleteCachedArtifact(ctx, entry.PluginID, entry.Version); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to unindex %s@%s: %w", entry.PluginID, entry.Version, err)
			}
		}
	}

	if len(released) > 0 {
		c.logger.Debug().Int("count", len(released)).Msg("Artifact cache released")
	}
	return firstErr
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// copyPath copies a file or a directory tree.
func copyPath(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dest, info.Mode().Perm())
	}
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode().Perm())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
