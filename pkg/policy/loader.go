package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads policy files: plain .rego modules, and .json or .yaml
// definitions holding either one policy or a bundle.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedFile

	watcher *fsnotify.Watcher
}

type cachedFile struct {
	modTime  time.Time
	policies []Policy
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedFile),
	}
}

func policyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFromPaths loads every policy file named by paths. A directory
// contributes all policy files below it. Two files defining the same policy
// name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	origin := make(map[string]string)

	for _, root := range paths {
		files, err := policyFiles(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		for _, file := range files {
			policies, err := l.loadFile(file)
			if err != nil {
				return nil, err
			}
			for _, p := range policies {
				if prev, dup := origin[p.Name]; dup {
					return nil, fmt.Errorf("policy %q defined in both %s and %s", p.Name, prev, file)
				}
				origin[p.Name] = file
			}
			out = append(out, policies...)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies read")
	return out, nil
}

// policyFiles returns root itself when it is a file, or the policy files
// below it in lexical order.
func policyFiles(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case !d.IsDir() && policyFile(path):
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// loadFile parses one policy file. Results are cached until the file's
// modification time changes.
func (l *Loader) loadFile(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	hit, ok := l.cache[path]
	l.mu.Unlock()
	if ok && hit.modTime.Equal(info.ModTime()) {
		return hit.policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var policies []Policy
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego":
		policies = []Policy{regoPolicy(path, string(data))}
	case ".json":
		policies, err = parseDefinition(path, data, json.Unmarshal)
	case ".yaml", ".yml":
		policies, err = parseDefinition(path, data, yaml.Unmarshal)
	default:
		err = fmt.Errorf("%s: not a policy file", path)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cachedFile{modTime: info.ModTime(), policies: policies}
	l.mu.Unlock()
	l.logger.Debug().Str("path", path).Int("policies", len(policies)).Msg("Policy file parsed")
	return policies, nil
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// regoPolicy turns a .rego module into a Policy named after the file.
func regoPolicy(path, content string) Policy {
	description, severity := regoHeader(content)
	now := time.Now()
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description: description,
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
		Tags:        []string{},
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// regoHeader reads the comment block at the top of a module. Its lines form
// the description, except a "severity: <level>" line, which sets the
// severity. The default severity is warning.
func regoHeader(content string) (string, Severity) {
	var words []string
	severity := SeverityWarning

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		comment, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		comment = strings.TrimSpace(comment)
		if v, ok := strings.CutPrefix(comment, "severity:"); ok {
			switch s := Severity(strings.TrimSpace(v)); s {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				severity = s
			}
			continue
		}
		if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity
}

// definition is the on-disk form of a policy or bundle.
type definition struct {
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version" yaml:"version"`
	Description string   `json:"description" yaml:"description"`
	Rego        string   `json:"rego" yaml:"rego"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Enabled     *bool    `json:"enabled" yaml:"enabled"`
	Tags        []string `json:"tags" yaml:"tags"`

	Policies []definition `json:"policies" yaml:"policies"`
}

// parseDefinition decodes a single policy or a bundle.
func parseDefinition(path string, data []byte, unmarshal func([]byte, interface{}) error) ([]Policy, error) {
	var def definition
	if err := unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	members := []definition{def}
	bundle := len(def.Policies) > 0
	if bundle {
		members = def.Policies
	}

	now := time.Now()
	policies := make([]Policy, 0, len(members))
	for _, d := range members {
		if d.Name == "" || d.Rego == "" {
			return nil, fmt.Errorf("policy in %s needs a name and rego", path)
		}
		p := Policy{
			Name:        d.Name,
			Description: d.Description,
			Rego:        d.Rego,
			Severity:    d.Severity,
			Enabled:     d.Enabled == nil || *d.Enabled,
			Tags:        d.Tags,
			Metadata:    map[string]interface{}{"source": path},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		if bundle {
			p.Metadata["bundle"] = def.Name
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// Watch reloads paths whenever a policy file below them changes and hands
// the full set to apply. It returns once the watcher is running; the
// watcher stops when ctx is done or on Close.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	l.watcher = w

	for _, root := range paths {
		if err := addTree(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Policy path not watched")
		}
	}

	go l.watch(ctx, w, paths, apply)
	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

// addTree watches root, or every directory below it when it is one.
func addTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(path)
	})
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	// due fires reloadDelay after the last relevant event; nil while idle.
	var due <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(w, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", ev.Name).Msg("New policy directory not watched")
					}
					continue
				}
			}
			if !policyFile(ev.Name) || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			l.forget(ev.Name)

			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			due = timer.C

		case <-due:
			due = nil
			if err := l.reload(ctx, paths, apply); err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed; keeping the previous policies")
			}
		}
	}
}

// reload re-reads the paths that still exist and applies the result.
func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	present := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}

	policies, err := l.LoadFromPaths(ctx, present)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return err
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// Close stops a running Watch.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
