package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/version"
)

// Resolver builds dependency chains from registry metadata. A Resolver
// holds no per-resolution state and may be reused.
type Resolver struct {
	metadata PackageMetadataProvider
	observer Observer
	logger   zerolog.Logger
}

// NewResolver creates a resolver backed by the given metadata provider.
func NewResolver(metadata PackageMetadataProvider, logger zerolog.Logger) *Resolver {
	return &Resolver{
		metadata: metadata,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

// WithObserver attaches an observer that is told the outcome of every resolution.
func (r *Resolver) WithObserver(o Observer) *Resolver {
	r.observer = o
	return r
}

// resolution is the state of one Resolve call.
type resolution struct {
	ctx context.Context

	// byRequest memoizes pluginId@constraint to the node it resolved to.
	byRequest map[string]*DependencyNode

	// nodes is the arena, keyed by pluginId@resolvedVersion.
	nodes map[string]*DependencyNode
}

// Resolve resolves pluginID at constraint and all of its transitive
// dependencies, rejects cycles, and computes the install order. It has no
// side effects beyond metadata lookups.
func (r *Resolver) Resolve(ctx context.Context, pluginID, constraint string) (*DependencyChain, error) {
	res := &resolution{
		ctx:       ctx,
		byRequest: make(map[string]*DependencyNode),
		nodes:     make(map[string]*DependencyNode),
	}

	root, err := r.resolveNode(res, pluginID, constraint, nil)
	if err != nil {
		r.observe("failed")
		return nil, err
	}

	if err := detectCycles(res.nodes); err != nil {
		r.observe("cycle")
		r.logger.Warn().Err(err).Str("plugin_id", pluginID).Msg("Dependency cycle rejected")
		return nil, err
	}

	order, err := installOrder(res.nodes)
	if err != nil {
		r.observe("failed")
		return nil, err
	}

	r.observe("resolved")
	r.logger.Debug().
		Str("plugin_id", pluginID).
		Str("version", root.ResolvedVersion).
		Int("nodes", len(res.nodes)).
		Strs("install_order", order).
		Msg("Dependency chain resolved")

	return &DependencyChain{
		RootID:       root.PluginID,
		RootVersion:  root.ResolvedVersion,
		RootKey:      root.Key(),
		AllNodes:     res.nodes,
		InstallOrder: order,
	}, nil
}

// requestKey is the memo key of a request: pluginId@constraint, with
// "latest" standing in for no constraint.
func requestKey(pluginID, constraint string) string {
	if version.IsUnconstrained(constraint) {
		return pluginID + "@" + version.Latest
	}
	return pluginID + "@" + constraint
}

func (r *Resolver) resolveNode(res *resolution, pluginID, constraint string, path []string) (*DependencyNode, error) {
	if err := res.ctx.Err(); err != nil {
		return nil, NewDependencyResolutionError(pluginID, constraint, err)
	}

	reqKey := requestKey(pluginID, constraint)
	if node, ok := res.byRequest[reqKey]; ok {
		return node, nil
	}

	md, err := r.metadata.GetMetadata(res.ctx, pluginID, constraint)
	if err != nil {
		return nil, NewDependencyResolutionError(pluginID, constraint, err).
			WithDetail("path", append(append([]string{}, path...), pluginID))
	}
	if md == nil || md.Version == "" {
		return nil, NewDependencyResolutionError(pluginID, constraint,
			fmt.Errorf("registry returned no version"))
	}

	key := NodeKey(pluginID, md.Version)
	if node, ok := res.nodes[key]; ok {
		// A different constraint landed on a version already in the arena.
		res.byRequest[reqKey] = node
		return node, nil
	}

	node := &DependencyNode{
		PluginID:        pluginID,
		ResolvedVersion: md.Version,
		Type:            md.Type,
		Dependencies:    md.Dependencies,
		Constraints:     make(map[string]string),
		DownloadStatus:  DownloadPending,
		DownloadURL:     md.DownloadURL,
		Checksum:        md.Checksum,
	}
	// Registered before descending so a cycle terminates on the memo.
	res.byRequest[reqKey] = node
	res.nodes[key] = node

	childPath := append(append([]string{}, path...), key)
	for _, dep := range md.Dependencies {
		var mark *snapshot
		if dep.Optional {
			mark = res.snapshot()
		}
		child, err := r.resolveNode(res, dep.PluginID, dep.VersionConstraint, childPath)
		if err != nil {
			if dep.Optional {
				// Drop whatever part of the optional subtree was resolved.
				res.restore(mark)
				r.logger.Warn().
					Err(err).
					Str("plugin_id", pluginID).
					Str("dependency", dep.PluginID).
					Msg("Optional dependency could not be resolved, skipping")
				continue
			}
			return nil, err
		}

		childKey := child.Key()
		if _, dup := node.Constraints[childKey]; !dup {
			node.DirectDependencies = append(node.DirectDependencies, childKey)
		}
		node.Constraints[childKey] = dep.VersionConstraint
	}

	return node, nil
}

type snapshot struct {
	requests map[string]bool
	nodes    map[string]bool
}

func (res *resolution) snapshot() *snapshot {
	s := &snapshot{
		requests: make(map[string]bool, len(res.byRequest)),
		nodes:    make(map[string]bool, len(res.nodes)),
	}
	for k := range res.byRequest {
		s.requests[k] = true
	}
	for k := range res.nodes {
		s.nodes[k] = true
	}
	return s
}

func (res *resolution) restore(s *snapshot) {
	for k := range res.byRequest {
		if !s.requests[k] {
			delete(res.byRequest, k)
		}
	}
	for k := range res.nodes {
		if !s.nodes[k] {
			delete(res.nodes, k)
		}
	}
}

func (r *Resolver) observe(outcome string) {
	if r.observer != nil {
		r.observer.ObserveResolution(outcome)
	}
}
