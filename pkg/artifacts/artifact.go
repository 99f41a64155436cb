package artifacts

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Artifact is an opened artifact package: a directory or a zip archive.
// A zip whose entries all sit under one top-level directory is read as
// if that directory were the root.
type Artifact struct {
	path string

	// dir is set for directory artifacts.
	dir string

	// zip state; files maps cleaned names to entries.
	zr    *zip.ReadCloser
	files map[string]*zip.File
}

// Open opens the artifact at p.
func Open(p string) (*Artifact, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	if info.IsDir() {
		return &Artifact{path: p, dir: p}, nil
	}

	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s as zip: %w", filepath.Base(p), err)
	}

	a := &Artifact{path: p, zr: zr, files: make(map[string]*zip.File)}
	root := commonRoot(zr.File)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.TrimPrefix(path.Clean(f.Name), root)
		a.files[name] = f
	}
	return a, nil
}

// commonRoot returns "dir/" when every entry lives under dir, else "".
func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		name := path.Clean(f.Name)
		i := strings.Index(name, "/")
		if i < 0 {
			if f.FileInfo().IsDir() {
				continue
			}
			return ""
		}
		first := name[:i+1]
		if root == "" {
			root = first
		} else if root != first {
			return ""
		}
	}
	return root
}

// Path is where the artifact was opened from.
func (a *Artifact) Path() string { return a.path }

// Close releases the archive.
func (a *Artifact) Close() error {
	if a.zr != nil {
		return a.zr.Close()
	}
	return nil
}

// clean normalises name and refuses paths escaping the artifact root.
func clean(name string) (string, error) {
	c := path.Clean(filepath.ToSlash(name))
	if c == "." || c == ".." || strings.HasPrefix(c, "../") || path.IsAbs(c) {
		return "", fmt.Errorf("invalid artifact path %q", name)
	}
	return c, nil
}

// Exists reports whether the artifact contains the file name.
func (a *Artifact) Exists(name string) bool {
	c, err := clean(name)
	if err != nil {
		return false
	}
	if a.dir != "" {
		info, err := os.Stat(filepath.Join(a.dir, filepath.FromSlash(c)))
		return err == nil && !info.IsDir()
	}
	_, ok := a.files[c]
	return ok
}

// ReadFile returns the contents of name.
func (a *Artifact) ReadFile(name string) ([]byte, error) {
	rc, err := a.open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (a *Artifact) open(name string) (io.ReadCloser, error) {
	c, err := clean(name)
	if err != nil {
		return nil, err
	}
	if a.dir != "" {
		f, err := os.Open(filepath.Join(a.dir, filepath.FromSlash(c)))
		if err != nil {
			return nil, fmt.Errorf("%s not found in artifact: %w", name, err)
		}
		return f, nil
	}
	zf, ok := a.files[c]
	if !ok {
		return nil, fmt.Errorf("%s not found in artifact", name)
	}
	return zf.Open()
}

// Extract writes name to destDir, keeping its relative path, and returns
// the written path.
func (a *Artifact) Extract(name, destDir string) (string, error) {
	c, err := clean(name)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(destDir, filepath.FromSlash(c))
	if rel, err := filepath.Rel(destDir, dest); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid artifact path %q", name)
	}
	if a.dir != "" && sameDir(a.dir, destDir) {
		if _, err := os.Stat(dest); err != nil {
			return "", fmt.Errorf("%s not found in artifact: %w", name, err)
		}
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}

	rc, err := a.open(c)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to extract %s: %w", name, err)
	}
	return dest, out.Close()
}

func sameDir(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && filepath.Clean(aa) == filepath.Clean(bb)
}

// Files lists every file in the artifact in sorted order.
func (a *Artifact) Files() ([]string, error) {
	var names []string
	if a.dir != "" {
		err := filepath.WalkDir(a.dir, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(a.dir, p)
			if err != nil {
				return err
			}
			names = append(names, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list artifact: %w", err)
		}
	} else {
		for name := range a.files {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ExtractAll writes every file of the artifact below destDir.
func (a *Artifact) ExtractAll(destDir string) error {
	names, err := a.Files()
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := a.Extract(name, destDir); err != nil {
			return err
		}
	}
	return nil
}
