package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/version"
)

// OrchestratorConfig wires an Orchestrator to its collaborators. Metadata,
// Installer, Installed and Artifacts are required; the rest are optional.
type OrchestratorConfig struct {
	Metadata  PackageMetadataProvider
	Installer PackageInstaller
	Installed InstalledState
	Artifacts ArtifactStore
	Cache     ArtifactCache
	Recorder  OperationRecorder
	Admission Admission
	Observer  Observer
	Logger    zerolog.Logger
}

// Orchestrator installs, upgrades and uninstalls artifacts together with
// their dependencies, compensating partial failures with a ChangeSet.
//
// The orchestrator does not lock. Callers must serialize overlapping
// operations on the same set of plugins.
type Orchestrator struct {
	resolver  *Resolver
	metadata  PackageMetadataProvider
	installer PackageInstaller
	installed InstalledState
	artifacts ArtifactStore
	cache     ArtifactCache
	recorder  OperationRecorder
	admission Admission
	observer  Observer
	logger    zerolog.Logger
}

// NewOrchestrator validates cfg and returns an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Metadata == nil:
		return nil, NewPermanentError("metadata provider is required", nil).WithCode(ErrCodeValidation)
	case cfg.Installer == nil:
		return nil, NewPermanentError("package installer is required", nil).WithCode(ErrCodeValidation)
	case cfg.Installed == nil:
		return nil, NewPermanentError("installed state is required", nil).WithCode(ErrCodeValidation)
	case cfg.Artifacts == nil:
		return nil, NewPermanentError("artifact store is required", nil).WithCode(ErrCodeValidation)
	}

	logger := cfg.Logger.With().Str("component", "orchestrator").Logger()
	resolver := NewResolver(cfg.Metadata, cfg.Logger)
	if cfg.Observer != nil {
		resolver.WithObserver(cfg.Observer)
	}

	return &Orchestrator{
		resolver:  resolver,
		metadata:  cfg.Metadata,
		installer: cfg.Installer,
		installed: cfg.Installed,
		artifacts: cfg.Artifacts,
		cache:     cfg.Cache,
		recorder:  cfg.Recorder,
		admission: cfg.Admission,
		observer:  cfg.Observer,
		logger:    logger,
	}, nil
}

// Resolver returns the resolver used by the orchestrator.
func (o *Orchestrator) Resolver() *Resolver {
	return o.resolver
}

// InstallOptions describes a top-level install request.
type InstallOptions struct {
	// OperationID identifies the operation in logs and history; a new
	// one is generated when empty.
	OperationID string
	PluginID    string
	// Version is a constraint; empty installs the latest version.
	Version  string
	Operator string
	NodeID   string
	Config   map[string]string
	Sink     ProgressSink
}

// UpgradeOptions describes a top-level upgrade request.
type UpgradeOptions struct {
	OperationID string
	PluginID    string
	// Version is the target constraint; empty upgrades to the latest version.
	Version  string
	Operator string
	NodeID   string
	Config   map[string]string
	Sink     ProgressSink
}

// UninstallOptions describes a top-level uninstall request.
type UninstallOptions struct {
	OperationID   string
	PluginID      string
	Operator      string
	Force         bool
	RemoveVolumes bool
	Sink          ProgressSink
}

// operation carries the bookkeeping of one top-level call.
type operation struct {
	id       string
	kind     OperationKind
	pluginID string
	version  string
	operator string
	nodeID   string
	started  time.Time
	sink     ProgressSink
	logger   zerolog.Logger
}

func (o *Orchestrator) begin(ctx context.Context, id string, kind OperationKind, pluginID, ver, operator, nodeID string, sink ProgressSink) *operation {
	if id == "" {
		id = uuid.NewString()
	}
	op := &operation{
		id:       id,
		kind:     kind,
		pluginID: pluginID,
		version:  ver,
		operator: operator,
		nodeID:   nodeID,
		started:  time.Now(),
		sink:     SinkOrNop(sink),
	}
	op.logger = o.logger.With().
		Str("operation_id", op.id).
		Str("operation", string(kind)).
		Str("plugin_id", pluginID).
		Logger()

	op.logger.Info().Str("version", ver).Msg("Operation started")
	o.record(ctx, op, StatusStarted, "")
	return op
}

// end records the outcome of op and returns err unchanged.
func (o *Orchestrator) end(ctx context.Context, op *operation, err error) error {
	status := StatusSuccess
	message := ""
	if err != nil {
		status = StatusFailed
		message = err.Error()
		op.logger.Error().Err(err).Dur("duration", time.Since(op.started)).Msg("Operation failed")
		op.sink.Line(fmt.Sprintf("%s of %s failed: %v", strings.ToLower(string(op.kind)), op.pluginID, err))
	} else {
		op.logger.Info().Dur("duration", time.Since(op.started)).Msg("Operation succeeded")
	}

	o.record(ctx, op, status, message)
	if o.observer != nil {
		o.observer.ObserveOperation(strings.ToLower(string(op.kind)), strings.ToLower(status), time.Since(op.started))
	}
	o.release(ctx, op)
	return err
}

// release commits the artifacts the operation held in the cache.
func (o *Orchestrator) release(ctx context.Context, op *operation) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Commit(context.WithoutCancel(ctx)); err != nil {
		op.logger.Warn().Err(err).Msg("Failed to release artifact cache")
	}
}

func (o *Orchestrator) record(ctx context.Context, op *operation, status, message string) {
	if o.recorder == nil {
		return
	}
	rec := OperationRecord{
		OperationID: op.id,
		PluginID:    op.pluginID,
		Version:     op.version,
		Operation:   op.kind,
		Status:      status,
		Message:     message,
		Operator:    op.operator,
		StartedAt:   op.started,
	}
	if status != StatusStarted {
		rec.FinishedAt = time.Now()
	}
	if err := o.recorder.RecordOperation(context.WithoutCancel(ctx), rec); err != nil {
		op.logger.Warn().Err(err).Msg("Failed to record operation log")
	}
}

func (o *Orchestrator) recordUpgrade(ctx context.Context, op *operation, from, to string, err error) {
	if o.recorder == nil {
		return
	}
	rec := UpgradeRecord{
		PluginID:    op.pluginID,
		FromVersion: from,
		ToVersion:   to,
		Status:      StatusSuccess,
		Operator:    op.operator,
		CreatedAt:   time.Now(),
	}
	if err != nil {
		rec.Status = StatusFailed
		rec.Message = err.Error()
	}
	if rerr := o.recorder.RecordUpgrade(context.WithoutCancel(ctx), rec); rerr != nil {
		op.logger.Warn().Err(rerr).Msg("Failed to record upgrade log")
	}
}

// EnsureDependenciesInstalled resolves pluginID at version and installs or
// upgrades every dependency that is missing or does not satisfy the
// constraints placed on it. The root itself is not installed. On failure
// every change made so far is rolled back and the returned change set
// describes what was attempted.
func (o *Orchestrator) EnsureDependenciesInstalled(ctx context.Context, pluginID, ver, operator string) (*ChangeSet, error) {
	chain, err := o.resolver.Resolve(ctx, pluginID, ver)
	if err != nil {
		return nil, err
	}
	if err := checkConflicts(chain); err != nil {
		return nil, err
	}

	op := &operation{operator: operator, sink: NopSink{}, logger: o.logger}
	defer o.release(ctx, op)

	cs := NewChangeSet()
	if err := o.ensureChain(ctx, chain, cs, op); err != nil {
		return cs, o.abort(ctx, cs, "dependency install failed", err)
	}
	return cs, nil
}

// Install resolves, admits and installs an artifact and its dependencies.
func (o *Orchestrator) Install(ctx context.Context, opts InstallOptions) (*OperationResult, error) {
	op := o.begin(ctx, opts.OperationID, OperationInstall, opts.PluginID, opts.Version, opts.Operator, opts.NodeID, opts.Sink)

	current, installed, err := o.installed.InstalledVersion(ctx, opts.PluginID)
	if err != nil {
		return nil, o.end(ctx, op, NewInstallError(opts.PluginID, opts.Version, fmt.Errorf("query installed state: %w", err)))
	}
	if installed {
		return nil, o.end(ctx, op, NewVersionConflictError(opts.PluginID,
			fmt.Sprintf("%s is already installed at version %s, use upgrade instead", opts.PluginID, current)))
	}

	chain, err := o.resolver.Resolve(ctx, opts.PluginID, opts.Version)
	if err != nil {
		return nil, o.end(ctx, op, err)
	}
	if err := checkConflicts(chain); err != nil {
		return nil, o.end(ctx, op, err)
	}

	root := chain.Root()
	op.version = root.ResolvedVersion
	req := InstallRequest{
		PluginID:  root.PluginID,
		Version:    root.ResolvedVersion,
		Constraint: opts.Version,
		Operation:  OperationInstall,
		Operator:   opts.Operator,
		NodeID:     opts.NodeID,
		Config:     opts.Config,
		Sink:       op.sink,

		Dependencies: chain.DependencyIDs(root),
	}

	if o.admission != nil {
		if err := o.admission.AdmitInstall(ctx, chain, req); err != nil {
			return nil, o.end(ctx, op, err)
		}
	}

	cs := NewChangeSet()
	if err := o.ensureChain(ctx, chain, cs, op); err != nil {
		return nil, o.end(ctx, op, o.abort(ctx, cs, "dependency install failed", err))
	}

	path, err := o.fetch(ctx, root)
	if err != nil {
		return nil, o.end(ctx, op, o.abort(ctx, cs, "install failed", err))
	}
	req.ArtifactPath = path

	op.sink.Line(fmt.Sprintf("installing %s", root.Key()))
	if _, err := o.installer.Install(ctx, req); err != nil {
		return nil, o.end(ctx, op, o.abort(ctx, cs, "install failed",
			NewInstallError(root.PluginID, root.ResolvedVersion, err)))
	}

	result := &OperationResult{
		OperationID: op.id,
		PluginID:    root.PluginID,
		Version:     root.ResolvedVersion,
		Chain:       chain,
		ChangeSet:   cs,
		Duration:    time.Since(op.started),
	}
	return result, o.end(ctx, op, nil)
}

// Upgrade moves an installed artifact to the version selected by
// opts.Version, bringing its dependencies up to date first.
func (o *Orchestrator) Upgrade(ctx context.Context, opts UpgradeOptions) (*OperationResult, error) {
	op := o.begin(ctx, opts.OperationID, OperationUpgrade, opts.PluginID, opts.Version, opts.Operator, opts.NodeID, opts.Sink)

	current, installed, err := o.installed.InstalledVersion(ctx, opts.PluginID)
	if err != nil {
		return nil, o.end(ctx, op, NewUpgradeError(opts.PluginID, "", opts.Version, fmt.Errorf("query installed state: %w", err)))
	}
	if !installed {
		return nil, o.end(ctx, op, NewUpgradeError(opts.PluginID, "", opts.Version, errors.New("plugin is not installed")))
	}
	currentNode, err := o.placement(ctx, opts.PluginID)
	if err != nil {
		return nil, o.end(ctx, op, NewUpgradeError(opts.PluginID, current, opts.Version, err))
	}
	if op.nodeID == "" {
		op.nodeID = currentNode
	}

	chain, err := o.resolver.Resolve(ctx, opts.PluginID, opts.Version)
	if err != nil {
		return nil, o.end(ctx, op, err)
	}
	root := chain.Root()
	op.version = root.ResolvedVersion

	if version.Compare(root.ResolvedVersion, current) == 0 {
		return nil, o.end(ctx, op, NewVersionConflictError(opts.PluginID,
			fmt.Sprintf("%s is already at version %s", opts.PluginID, current)))
	}
	if err := checkConflicts(chain); err != nil {
		return nil, o.end(ctx, op, err)
	}

	cs := NewChangeSet()
	if err := o.ensureChain(ctx, chain, cs, op); err != nil {
		err = o.abort(ctx, cs, "dependency install failed", err)
		o.recordUpgrade(ctx, op, current, root.ResolvedVersion, err)
		return nil, o.end(ctx, op, err)
	}

	path, err := o.fetch(ctx, root)
	if err != nil {
		err = o.abort(ctx, cs, "upgrade failed", err)
		o.recordUpgrade(ctx, op, current, root.ResolvedVersion, err)
		return nil, o.end(ctx, op, err)
	}

	o.preserve(ctx, op, root.PluginID, current)
	cs.RecordUpgradeOn(root.PluginID, current, currentNode)

	op.sink.Line(fmt.Sprintf("upgrading %s from %s to %s", root.PluginID, current, root.ResolvedVersion))
	_, err = o.installer.Upgrade(ctx, InstallRequest{
		PluginID:     root.PluginID,
		Version:      root.ResolvedVersion,
		ArtifactPath: path,
		Operation:    OperationUpgrade,
		Operator:     opts.Operator,
		FromVersion:  current,
		NodeID:       op.nodeID,
		Config:       opts.Config,
		Dependencies: chain.DependencyIDs(root),
		Sink:         op.sink,
	})
	if err != nil {
		err = o.abort(ctx, cs, "upgrade failed", NewUpgradeError(root.PluginID, current, root.ResolvedVersion, err))
		o.recordUpgrade(ctx, op, current, root.ResolvedVersion, err)
		return nil, o.end(ctx, op, err)
	}

	o.recordUpgrade(ctx, op, current, root.ResolvedVersion, nil)
	result := &OperationResult{
		OperationID: op.id,
		PluginID:    root.PluginID,
		Version:     root.ResolvedVersion,
		FromVersion: current,
		Chain:       chain,
		ChangeSet:   cs,
		Duration:    time.Since(op.started),
	}
	return result, o.end(ctx, op, nil)
}

// Uninstall removes an installed artifact. Unless opts.Force is set it
// refuses when another installed artifact requires the target.
func (o *Orchestrator) Uninstall(ctx context.Context, opts UninstallOptions) (*OperationResult, error) {
	op := o.begin(ctx, opts.OperationID, OperationUninstall, opts.PluginID, "", opts.Operator, "", opts.Sink)

	current, installed, err := o.installed.InstalledVersion(ctx, opts.PluginID)
	if err != nil {
		return nil, o.end(ctx, op, NewUninstallError(opts.PluginID, fmt.Errorf("query installed state: %w", err)))
	}
	if !installed {
		return nil, o.end(ctx, op, NewUninstallError(opts.PluginID, errors.New("plugin is not installed")))
	}
	op.version = current

	if !opts.Force {
		dependents, err := o.dependentsOf(ctx, opts.PluginID)
		if err != nil {
			return nil, o.end(ctx, op, NewUninstallError(opts.PluginID, err))
		}
		if len(dependents) > 0 {
			return nil, o.end(ctx, op, NewUninstallError(opts.PluginID,
				fmt.Errorf("required by %s", strings.Join(dependents, ", "))).
				WithDetail("dependents", dependents))
		}
	}

	op.sink.Line(fmt.Sprintf("uninstalling %s@%s", opts.PluginID, current))
	err = o.installer.Uninstall(ctx, UninstallRequest{
		PluginID:      opts.PluginID,
		Operation:     OperationUninstall,
		Operator:      opts.Operator,
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
		Sink:          op.sink,
	})
	if err != nil {
		return nil, o.end(ctx, op, NewUninstallError(opts.PluginID, err))
	}

	result := &OperationResult{
		OperationID: op.id,
		PluginID:    opts.PluginID,
		Version:     current,
		Duration:    time.Since(op.started),
	}
	return result, o.end(ctx, op, nil)
}

// dependentsOf lists installed artifacts that declare a required
// dependency on pluginID.
func (o *Orchestrator) dependentsOf(ctx context.Context, pluginID string) ([]string, error) {
	all, err := o.installed.ListInstalled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed artifacts: %w", err)
	}

	var dependents []string
	for _, a := range all {
		if a.PluginID == pluginID {
			continue
		}
		md, err := o.metadata.GetMetadata(ctx, a.PluginID, a.Version)
		if err != nil {
			o.logger.Warn().Err(err).Str("plugin_id", a.PluginID).Msg("Cannot read metadata for dependent check")
			continue
		}
		for _, dep := range md.Dependencies {
			if dep.PluginID == pluginID && !dep.Optional {
				dependents = append(dependents, a.PluginID)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents, nil
}

// ensureChain walks the chain's install order, skipping the root, and
// installs or upgrades each node that is missing or unsatisfying.
func (o *Orchestrator) ensureChain(ctx context.Context, chain *DependencyChain, cs *ChangeSet, op *operation) error {
	deps := chain.Dependencies()
	for i, node := range deps {
		if err := ctx.Err(); err != nil {
			return NewInstallError(node.PluginID, node.ResolvedVersion, err)
		}

		constraints := chain.IncomingConstraints(node.Key())
		current, installed, err := o.installed.InstalledVersion(ctx, node.PluginID)
		if err != nil {
			return NewInstallError(node.PluginID, node.ResolvedVersion, fmt.Errorf("query installed state: %w", err))
		}

		if installed && satisfiesAll(current, constraints) {
			op.logger.Debug().
				Str("dependency", node.PluginID).
				Str("installed", current).
				Strs("constraints", constraints).
				Msg("Dependency already satisfied")
			op.sink.Line(fmt.Sprintf("[%d/%d] %s@%s already installed", i+1, len(deps), node.PluginID, current))
			continue
		}

		path, err := o.fetch(ctx, node)
		if err != nil {
			return err
		}

		req := InstallRequest{
			PluginID:     node.PluginID,
			Version:      node.ResolvedVersion,
			ArtifactPath: path,
			Operator:     op.operator,
			NodeID:       op.nodeID,
			Dependencies: chain.DependencyIDs(node),
			Sink:         op.sink,
		}

		if installed {
			// An installed dependency is upgraded where it runs.
			nodeID, err := o.placement(ctx, node.PluginID)
			if err != nil {
				return NewUpgradeError(node.PluginID, current, node.ResolvedVersion, err)
			}
			req.NodeID = nodeID

			op.sink.Line(fmt.Sprintf("[%d/%d] upgrading %s from %s to %s", i+1, len(deps), node.PluginID, current, node.ResolvedVersion))
			o.preserve(ctx, op, node.PluginID, current)
			// Recorded before the call: a half-applied upgrade still needs restoring.
			cs.RecordUpgradeOn(node.PluginID, current, nodeID)

			req.Operation = OperationUpgrade
			req.FromVersion = current
			if _, err := o.installer.Upgrade(ctx, req); err != nil {
				return NewUpgradeError(node.PluginID, current, node.ResolvedVersion, err)
			}
			continue
		}

		op.sink.Line(fmt.Sprintf("[%d/%d] installing %s", i+1, len(deps), node.Key()))
		req.Operation = OperationInstall
		if _, err := o.installer.Install(ctx, req); err != nil {
			return NewInstallError(node.PluginID, node.ResolvedVersion, err)
		}
		cs.RecordInstall(node.PluginID)
	}
	return nil
}

// fetch downloads a node's artifact, preferring the operation cache.
func (o *Orchestrator) fetch(ctx context.Context, node *DependencyNode) (string, error) {
	if o.cache != nil {
		if path, ok := o.cache.Lookup(ctx, node.PluginID, node.ResolvedVersion); ok {
			node.DownloadStatus = DownloadSuccess
			return path, nil
		}
	}

	node.DownloadStatus = DownloadDownloading
	ref := ArtifactRef{
		PluginID: node.PluginID,
		Version:  node.ResolvedVersion,
		URL:      node.DownloadURL,
		Checksum: node.Checksum,
	}
	path, err := o.artifacts.Fetch(ctx, ref)
	if err != nil {
		node.DownloadStatus = DownloadFailed
		return "", NewDownloadError(node.PluginID, node.ResolvedVersion, err)
	}
	node.DownloadStatus = DownloadSuccess

	if o.cache != nil {
		if err := o.cache.Retain(ctx, ref, path); err != nil {
			o.logger.Warn().Err(err).Str("plugin_id", node.PluginID).Msg("Failed to retain artifact in cache")
		}
	}
	return path, nil
}

// retrieve obtains the artifact of an exact version for compensation,
// from the cache first and the registry second.
func (o *Orchestrator) retrieve(ctx context.Context, pluginID, ver string) (string, error) {
	if o.cache != nil {
		if path, ok := o.cache.Lookup(ctx, pluginID, ver); ok {
			return path, nil
		}
	}

	md, err := o.metadata.GetMetadata(ctx, pluginID, ver)
	if err != nil {
		return "", NewDownloadError(pluginID, ver, err)
	}
	if version.Compare(md.Version, ver) != 0 {
		return "", NewDownloadError(pluginID, ver,
			fmt.Errorf("registry no longer serves version %s (got %s)", ver, md.Version))
	}

	node := &DependencyNode{
		PluginID:        pluginID,
		ResolvedVersion: ver,
		DownloadURL:     md.DownloadURL,
		Checksum:        md.Checksum,
	}
	return o.fetch(ctx, node)
}

// preserve makes sure the currently installed artifact is held in the
// cache before it is replaced, so rollback does not depend on the registry.
func (o *Orchestrator) preserve(ctx context.Context, op *operation, pluginID, ver string) {
	if o.cache == nil {
		return
	}
	if _, err := o.retrieve(ctx, pluginID, ver); err != nil {
		op.logger.Warn().
			Err(err).
			Str("dependency", pluginID).
			Str("version", ver).
			Msg("Previous version not retrievable, rollback may fail")
	}
}

// Rollback compensates every change in cs: upgrades are reverted in
// reverse order, then new installs are removed in reverse order. Every
// action is attempted; a non-nil error lists the ones that failed.
func (o *Orchestrator) Rollback(ctx context.Context, cs *ChangeSet) error {
	_, err := o.rollback(ctx, cs)
	return err
}

func (o *Orchestrator) rollback(ctx context.Context, cs *ChangeSet) (int, error) {
	// Compensation must run even when the triggering context was cancelled.
	ctx = context.WithoutCancel(ctx)

	total := cs.Len()
	rolled := 0
	var failures []string

	upgrades := cs.UpgradedBeforeVersion()
	for i := len(upgrades) - 1; i >= 0; i-- {
		entry := upgrades[i]
		if err := o.restore(ctx, entry); err != nil {
			o.logger.Error().
				Err(err).
				Str("plugin_id", entry.PluginID).
				Str("version", entry.PreviousVersion).
				Msg("Rollback of upgrade failed")
			failures = append(failures, fmt.Sprintf("restore %s@%s: %v", entry.PluginID, entry.PreviousVersion, err))
			continue
		}
		rolled++
	}

	installed := cs.NewlyInstalled()
	for i := len(installed) - 1; i >= 0; i-- {
		pluginID := installed[i]
		err := o.installer.Uninstall(ctx, UninstallRequest{
			PluginID:  pluginID,
			Operation: OperationRollback,
			Force:     true,
		})
		if err != nil {
			o.logger.Error().Err(err).Str("plugin_id", pluginID).Msg("Rollback of install failed")
			failures = append(failures, fmt.Sprintf("uninstall %s: %v", pluginID, err))
			continue
		}
		rolled++
	}

	status := "success"
	if len(failures) > 0 {
		status = "partial"
	}
	if o.observer != nil {
		o.observer.ObserveRollback("dependencies", status)
	}
	o.logger.Info().Int("rolled_back", rolled).Int("total", total).Msg("Rollback finished")

	if len(failures) > 0 {
		return rolled, NewRollbackPartialFailureError(failures, rolled, total)
	}
	return rolled, nil
}

// restore puts entry's previous version back on the node it ran on.
func (o *Orchestrator) restore(ctx context.Context, entry UpgradeEntry) error {
	current, _, err := o.installed.InstalledVersion(ctx, entry.PluginID)
	if err != nil {
		return fmt.Errorf("query installed state: %w", err)
	}
	path, err := o.retrieve(ctx, entry.PluginID, entry.PreviousVersion)
	if err != nil {
		return err
	}
	_, err = o.installer.Upgrade(ctx, InstallRequest{
		PluginID:     entry.PluginID,
		Version:      entry.PreviousVersion,
		ArtifactPath: path,
		Operation:    OperationRollback,
		FromVersion:  current,
		NodeID:       entry.NodeID,
	})
	return err
}

// placement returns the node pluginID is installed on; "" means local.
func (o *Orchestrator) placement(ctx context.Context, pluginID string) (string, error) {
	all, err := o.installed.ListInstalled(ctx)
	if err != nil {
		return "", fmt.Errorf("list installed artifacts: %w", err)
	}
	for _, a := range all {
		if a.PluginID == pluginID {
			return a.NodeID, nil
		}
	}
	return "", nil
}

// abort rolls back cs and wraps cause with the compensation outcome. The
// root cause stays first in the chain so errors.Is/As still reach it.
func (o *Orchestrator) abort(ctx context.Context, cs *ChangeSet, message string, cause error) error {
	outcome := "no changes to roll back"
	var rollbackErr error
	if !cs.IsEmpty() {
		var rolled int
		rolled, rollbackErr = o.rollback(ctx, cs)
		outcome = fmt.Sprintf("%d of %d changes rolled back", rolled, cs.Len())
	}

	wrapped := NewPermanentError(message, cause).WithOutcome(outcome)
	var root *EngineError
	if errors.As(cause, &root) {
		wrapped.Class = root.Class
		wrapped.Code = root.Code
	}
	if rollbackErr != nil {
		wrapped.WithDetail("rollback_error", rollbackErr.Error())
	}
	return wrapped
}

// checkConflicts rejects a chain that needs one plugin at two versions.
func checkConflicts(chain *DependencyChain) error {
	versions := make(map[string][]string)
	for _, node := range chain.AllNodes {
		versions[node.PluginID] = append(versions[node.PluginID], node.ResolvedVersion)
	}

	ids := make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if vs := versions[id]; len(vs) > 1 {
			sort.Strings(vs)
			return NewVersionConflictError(id,
				fmt.Sprintf("%s is required at incompatible versions %s", id, strings.Join(vs, ", "))).
				WithDetail("versions", vs)
		}
	}
	return nil
}

// satisfiesAll reports whether installed meets every constraint.
func satisfiesAll(installed string, constraints []string) bool {
	for _, c := range constraints {
		ok, err := version.Satisfies(installed, c)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
