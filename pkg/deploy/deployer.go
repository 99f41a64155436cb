// Package deploy installs middleware artifacts by running their packaged
// workflows. Deployer implements engine.PackageInstaller: the
// orchestrator decides what to install and in which order, the deployer
// performs one install, upgrade or uninstall and records the result.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/artifacts"
	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/secrets"
	"github.com/openfroyo/stevedore/pkg/stores"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

// ArtifactType is reported for artifacts deployed through a workflow.
const ArtifactType = "middleware"

// StateStore is the persistence the deployer needs.
type StateStore interface {
	engine.InstalledState
	SaveInstallation(ctx context.Context, art engine.InstalledArtifact, services []stores.ServiceRecord) error
	GetInstalled(ctx context.Context, pluginID string) (*engine.InstalledArtifact, error)
	DeleteInstalled(ctx context.Context, pluginID string) error
	ListServices(ctx context.Context, installedBy string) ([]stores.ServiceRecord, error)
}

// Config wires a Deployer.
type Config struct {
	// WorkRoot holds one directory per installed plugin version.
	WorkRoot string

	Store   StateStore
	Nodes   engine.NodeDirectory
	Factory *execenv.Factory
	Engine  *workflow.Engine
	Parser  *workflow.Parser
	Codec   engine.SensitiveConfigCodec
	Logger  zerolog.Logger
}

// Deployer implements engine.PackageInstaller for workflow artifacts.
type Deployer struct {
	workRoot string
	store    StateStore
	nodes    engine.NodeDirectory
	factory  *execenv.Factory
	engine   *workflow.Engine
	parser   *workflow.Parser
	codec    engine.SensitiveConfigCodec
	logger   zerolog.Logger
	now      func() time.Time
}

var _ engine.PackageInstaller = (*Deployer)(nil)

// New creates a deployer.
func New(cfg Config) (*Deployer, error) {
	if cfg.WorkRoot == "" {
		return nil, errors.New("deploy: work root is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("deploy: store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("deploy: workflow engine is required")
	}
	if cfg.Parser == nil {
		cfg.Parser = workflow.NewParser(cfg.Logger)
	}
	if cfg.Factory == nil {
		cfg.Factory = execenv.NewFactory(execenv.FactoryConfig{Logger: cfg.Logger})
	}
	return &Deployer{
		workRoot: cfg.WorkRoot,
		store:    cfg.Store,
		nodes:    cfg.Nodes,
		factory:  cfg.Factory,
		engine:   cfg.Engine,
		parser:   cfg.Parser,
		codec:    cfg.Codec,
		logger:   cfg.Logger.With().Str("component", "deployer").Logger(),
		now:      time.Now,
	}, nil
}

// WorkDir is where pluginID@version is unpacked.
func (d *Deployer) WorkDir(pluginID, version string) string {
	return filepath.Join(d.workRoot, pluginID, version)
}

// Install deploys req.ArtifactPath by running its install workflow.
func (d *Deployer) Install(ctx context.Context, req engine.InstallRequest) (*engine.InstallOutcome, error) {
	return d.deploy(ctx, req)
}

// Upgrade tears down the installed version through its own uninstall
// workflow, best effort and keeping volumes, then installs req.
func (d *Deployer) Upgrade(ctx context.Context, req engine.InstallRequest) (*engine.InstallOutcome, error) {
	sink := engine.SinkOrNop(req.Sink)

	prev, err := d.store.GetInstalled(ctx, req.PluginID)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		d.logger.Warn().Str("plugin_id", req.PluginID).Msg("Upgrade target not recorded as installed, installing fresh")
	case err != nil:
		return nil, fmt.Errorf("failed to load installed record: %w", err)
	default:
		// A plain upgrade stays on the node the plugin runs on. Rollbacks
		// name their node explicitly, where empty means local.
		if req.NodeID == "" && req.Operation != engine.OperationRollback {
			req.NodeID = prev.NodeID
		}
		if res := d.teardown(ctx, prev, false, req.Operator, sink); res != nil && !res.Success {
			sink.Line(fmt.Sprintf("teardown of %s@%s finished with failures: %s", prev.PluginID, prev.Version, res.Message))
		}
	}

	outcome, err := d.deploy(ctx, req)
	if err != nil {
		return nil, err
	}

	if prev != nil && prev.WorkDir != "" && prev.WorkDir != d.WorkDir(req.PluginID, req.Version) {
		if err := os.RemoveAll(prev.WorkDir); err != nil {
			d.logger.Warn().Err(err).Str("work_dir", prev.WorkDir).Msg("Failed to remove previous work dir")
		}
	}
	return outcome, nil
}

// Uninstall runs the installed version's uninstall workflow and forgets
// the installation. Step failures are reported but do not stop the
// removal when req.Force is set.
func (d *Deployer) Uninstall(ctx context.Context, req engine.UninstallRequest) error {
	sink := engine.SinkOrNop(req.Sink)

	prev, err := d.store.GetInstalled(ctx, req.PluginID)
	if err != nil {
		return fmt.Errorf("failed to load installed record: %w", err)
	}

	res := d.teardown(ctx, prev, req.RemoveVolumes, req.Operator, sink)
	if res != nil && res.Status == workflow.RunStatusFailed && !req.Force {
		return fmt.Errorf("uninstall workflow failed: %s", res.Message)
	}
	if res != nil && !res.Success {
		sink.Line(fmt.Sprintf("uninstall of %s finished with failures: %s", req.PluginID, res.Message))
	}

	if err := d.store.DeleteInstalled(ctx, req.PluginID); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("failed to delete installed record: %w", err)
	}
	if prev.WorkDir != "" {
		if err := os.RemoveAll(prev.WorkDir); err != nil {
			d.logger.Warn().Err(err).Str("work_dir", prev.WorkDir).Msg("Failed to remove work dir")
		}
	}
	d.logger.Info().Str("plugin_id", req.PluginID).Str("version", prev.Version).Msg("Uninstalled")
	return nil
}

func (d *Deployer) deploy(ctx context.Context, req engine.InstallRequest) (*engine.InstallOutcome, error) {
	sink := engine.SinkOrNop(req.Sink)
	logger := d.logger.With().Str("plugin_id", req.PluginID).Str("version", req.Version).Logger()

	art, err := artifacts.Open(req.ArtifactPath)
	if err != nil {
		return nil, err
	}
	defer art.Close()

	def, err := d.parser.LoadArtifact(art)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	workDir := d.WorkDir(req.PluginID, req.Version)
	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("failed to clear work dir: %w", err)
	}
	if err := art.ExtractAll(workDir); err != nil {
		return nil, fmt.Errorf("failed to unpack artifact: %w", err)
	}

	node, err := d.node(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}
	env := d.factory.WithSink(sink).Create(node, "")
	defer env.Close()

	if !env.IsAvailable(ctx) {
		return nil, engine.NewExecutionEnvironmentError(env.Identifier(),
			fmt.Sprintf("execution environment %s is not available", env.Identifier()), nil)
	}

	services, err := d.resolveServices(ctx, req)
	if err != nil {
		return nil, err
	}

	ictx := &workflow.InstallContext{
		MiddlewareID:     req.PluginID,
		Version:          req.Version,
		Operator:         req.Operator,
		WorkDir:          workDir,
		Artifact:         art,
		Env:              env,
		ResolvedServices: services,
		InstallConfig:    copyConfig(req.Config),
		Metadata: map[string]string{
			"operation":    string(req.Operation),
			"from_version": req.FromVersion,
		},
		Sink:   sink,
		Logger: logger,
	}

	res := d.engine.ExecuteInstall(ctx, def, ictx)
	switch res.Status {
	case workflow.RunStatusSucceeded:
	case workflow.RunStatusPartiallySucceeded:
		sink.Line(fmt.Sprintf("workflow %s finished with tolerated failures: %s", def.Name, res.Message))
		logger.Warn().Str("failures", res.Message).Msg("Install workflow partially succeeded")
	default:
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, errors.New(res.Message)
	}

	records, err := collectServices(def, workDir, req.PluginID, node, req.Config)
	if err != nil {
		// The deployment itself succeeded; connection info is best effort.
		logger.Warn().Err(err).Msg("Failed to collect service info")
		records = nil
	}
	for i := range records {
		enc, err := secrets.EncryptSensitive(d.codec, records[i].Config)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt service config: %w", err)
		}
		records[i].Config = enc
	}

	now := d.now().UTC()
	record := engine.InstalledArtifact{
		PluginID:  req.PluginID,
		Version:   req.Version,
		Type:      ArtifactType,
		NodeID:    req.NodeID,
		WorkDir:   workDir,
		UpdatedAt: now,
	}
	if err := d.store.SaveInstallation(ctx, record, records); err != nil {
		return nil, fmt.Errorf("failed to record installation: %w", err)
	}

	logger.Info().Int("services", len(records)).Str("env", env.Identifier()).Msg("Installed")
	return &engine.InstallOutcome{PluginID: req.PluginID, Version: req.Version, Type: ArtifactType}, nil
}

// teardown runs the uninstall workflow of an installed version from its
// work dir. It returns nil when there is nothing to run.
func (d *Deployer) teardown(ctx context.Context, prev *engine.InstalledArtifact, removeVolumes bool, operator string, sink engine.ProgressSink) *workflow.ExecutionResult {
	logger := d.logger.With().Str("plugin_id", prev.PluginID).Str("version", prev.Version).Logger()
	if prev.WorkDir == "" {
		logger.Warn().Msg("No work dir recorded, skipping uninstall workflow")
		return nil
	}

	def, err := d.parser.LoadDir(prev.WorkDir)
	if err != nil {
		logger.Warn().Err(err).Msg("Installed workflow not loadable, skipping uninstall workflow")
		sink.Line(fmt.Sprintf("skipping uninstall workflow of %s: %v", prev.PluginID, err))
		return nil
	}

	art, err := artifacts.Open(prev.WorkDir)
	if err != nil {
		logger.Warn().Err(err).Msg("Work dir not readable")
		return nil
	}
	defer art.Close()

	node, err := d.node(ctx, prev.NodeID)
	if err != nil {
		logger.Warn().Err(err).Msg("Install node unavailable, using local environment")
		node = nil
	}
	env := d.factory.WithSink(sink).Create(node, "")
	defer env.Close()

	return d.engine.ExecuteUninstall(ctx, def, &workflow.UninstallContext{
		MiddlewareID:  prev.PluginID,
		Version:       prev.Version,
		Operator:      operator,
		WorkDir:       prev.WorkDir,
		Artifact:      art,
		Env:           env,
		RemoveVolumes: removeVolumes,
		Sink:          sink,
		Logger:        logger,
	})
}

// node resolves a node ID. An empty ID or "local" selects the local machine.
func (d *Deployer) node(ctx context.Context, id string) (*engine.NodeDescriptor, error) {
	if id == "" || id == string(engine.NodeTypeLocal) {
		return nil, nil
	}
	if d.nodes == nil {
		return nil, fmt.Errorf("node %s requested but no node directory is configured", id)
	}
	n, err := d.nodes.GetNode(ctx, id)
	if err != nil {
		return nil, engine.NewExecutionEnvironmentError(id, fmt.Sprintf("unknown node %s", id), err)
	}
	return n, nil
}

// resolveServices loads the connection info of req's dependencies, or of
// every other installed artifact when the dependencies are not known.
func (d *Deployer) resolveServices(ctx context.Context, req engine.InstallRequest) (map[string]workflow.ServiceInfo, error) {
	ids := req.Dependencies
	if len(ids) == 0 {
		installed, err := d.store.ListInstalled(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list installed artifacts: %w", err)
		}
		for _, a := range installed {
			if a.PluginID != req.PluginID {
				ids = append(ids, a.PluginID)
			}
		}
	}

	out := make(map[string]workflow.ServiceInfo, len(ids))
	for _, id := range ids {
		records, err := d.store.ListServices(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load services of %s: %w", id, err)
		}
		rec, ok := primaryService(records, id)
		if !ok {
			continue
		}
		rec.Config = secrets.DecryptSensitive(d.codec, rec.Config)
		out[id] = toServiceInfo(rec)
	}
	return out, nil
}

// primaryService picks the record whose service ID is the plugin ID,
// falling back to the first one.
func primaryService(records []stores.ServiceRecord, pluginID string) (stores.ServiceRecord, bool) {
	for _, r := range records {
		if r.ServiceID == pluginID {
			return r, true
		}
	}
	if len(records) > 0 {
		return records[0], true
	}
	return stores.ServiceRecord{}, false
}

// ConnectionInfo renders the services of an installed plugin. Secrets are
// masked unless reveal is set.
func (d *Deployer) ConnectionInfo(ctx context.Context, pluginID string, reveal bool) (string, error) {
	art, err := d.store.GetInstalled(ctx, pluginID)
	if err != nil {
		return "", err
	}
	records, err := d.store.ListServices(ctx, pluginID)
	if err != nil {
		return "", err
	}
	for i := range records {
		cfg := secrets.DecryptSensitive(d.codec, records[i].Config)
		if !reveal {
			cfg = secrets.Redact(cfg)
		}
		records[i].Config = cfg
	}
	return FormatConnectionInfo(*art, records), nil
}

func copyConfig(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = v
	}
	return out
}
