package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// Fetcher downloads artifacts into a local directory. It understands
// file:// URLs, plain paths and http(s) URLs.
type Fetcher struct {
	dir    string
	client *http.Client
	logger zerolog.Logger
}

var _ engine.ArtifactStore = (*Fetcher)(nil)

// NewFetcher creates a fetcher writing downloads below dir.
func NewFetcher(dir string, client *http.Client, logger zerolog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		dir:    dir,
		client: client,
		logger: logger.With().Str("component", "artifact-fetcher").Logger(),
	}
}

// Fetch returns a local path for ref, downloading it when remote. A
// checksum on ref is verified for file artifacts.
func (f *Fetcher) Fetch(ctx context.Context, ref engine.ArtifactRef) (string, error) {
	if ref.URL == "" {
		return "", fmt.Errorf("no download URL for %s@%s", ref.PluginID, ref.Version)
	}

	u, err := url.Parse(ref.URL)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path, including Windows drive letters.
		return f.local(ref, ref.URL)
	}

	switch u.Scheme {
	case "file":
		return f.local(ref, u.Path)
	case "http", "https":
		return f.download(ctx, ref, u)
	default:
		return "", fmt.Errorf("unsupported artifact URL scheme %q", u.Scheme)
	}
}

func (f *Fetcher) local(ref engine.ArtifactRef, p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("artifact not found: %w", err)
	}
	if !info.IsDir() {
		if err := VerifyChecksum(p, ref.Checksum); err != nil {
			return "", err
		}
	}
	f.logger.Debug().Str("plugin_id", ref.PluginID).Str("path", p).Msg("Using local artifact")
	return p, nil
}

func (f *Fetcher) download(ctx context.Context, ref engine.ArtifactRef, u *url.URL) (string, error) {
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "artifact.zip"
	}
	destDir := filepath.Join(f.dir, ref.PluginID, ref.Version)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	dest := filepath.Join(destDir, name)

	// A previous download with a matching checksum is reused.
	if ref.Checksum != "" {
		if _, err := os.Stat(dest); err == nil && VerifyChecksum(dest, ref.Checksum) == nil {
			return dest, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}

	f.logger.Info().
		Str("plugin_id", ref.PluginID).
		Str("version", ref.Version).
		Str("url", u.Redacted()).
		Msg("Downloading artifact")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u.Redacted())
	}

	tmp, err := os.CreateTemp(destDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if ref.Checksum != "" {
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, trimAlgo(ref.Checksum)) {
			return "", &ChecksumError{Path: u.Redacted(), Expected: trimAlgo(ref.Checksum), Actual: got}
		}
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}
	return dest, nil
}

// ChecksumError reports a digest mismatch.
type ChecksumError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// VerifyChecksum compares the SHA-256 of the file at p against expected,
// which may carry a "sha256:" prefix. An empty expected always passes.
func VerifyChecksum(p, expected string) error {
	if expected == "" {
		return nil
	}
	got, err := FileSHA256(p)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, trimAlgo(expected)) {
		return &ChecksumError{Path: p, Expected: trimAlgo(expected), Actual: got}
	}
	return nil
}

// FileSHA256 returns the hex SHA-256 of the file at p.
func FileSHA256(p string) (string, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func trimAlgo(sum string) string {
	return strings.TrimPrefix(strings.TrimSpace(sum), "sha256:")
}
