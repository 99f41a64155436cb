package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/stevedore/pkg/artifacts"
	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

// RunRequest asks for a workflow run outside of package management.
type RunRequest struct {
	// Path is an artifact (zip or directory) or a manifest file inside one.
	Path string

	NodeID        string
	Config        map[string]string
	Operator      string
	Uninstall     bool
	RemoveVolumes bool
	Sink          engine.ProgressSink
}

// LoadWorkflow parses the manifest at path, which may be a manifest file,
// a directory or a zip artifact.
func (d *Deployer) LoadWorkflow(path string) (*workflow.Definition, error) {
	if isManifest(path) {
		return d.parser.ParseFile(path)
	}
	art, err := artifacts.Open(path)
	if err != nil {
		return nil, err
	}
	defer art.Close()
	return d.parser.LoadArtifact(art)
}

// RunWorkflow executes a workflow against a node without recording an
// installation. The artifact is unpacked into a scratch directory that is
// removed afterwards. Installed packages' services are available to the
// workflow as if they were its dependencies.
func (d *Deployer) RunWorkflow(ctx context.Context, req RunRequest) (*workflow.ExecutionResult, error) {
	sink := engine.SinkOrNop(req.Sink)

	artifactPath := req.Path
	var def *workflow.Definition
	var err error
	if isManifest(req.Path) {
		artifactPath = filepath.Dir(req.Path)
		def, err = d.parser.ParseFile(req.Path)
	} else {
		def, err = d.LoadWorkflow(req.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	art, err := artifacts.Open(artifactPath)
	if err != nil {
		return nil, err
	}
	defer art.Close()

	if err := os.MkdirAll(d.workRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}
	workDir, err := os.MkdirTemp(d.workRoot, ".run-"+def.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)
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

	logger := d.logger.With().Str("workflow", def.Name).Str("env", env.Identifier()).Logger()

	if req.Uninstall {
		return d.engine.ExecuteUninstall(ctx, def, &workflow.UninstallContext{
			MiddlewareID:  def.Name,
			Version:       def.Version,
			Operator:      req.Operator,
			WorkDir:       workDir,
			Artifact:      art,
			Env:           env,
			RemoveVolumes: req.RemoveVolumes,
			Sink:          sink,
			Logger:        logger,
		}), nil
	}

	services, err := d.resolveServices(ctx, engine.InstallRequest{PluginID: def.Name})
	if err != nil {
		return nil, err
	}

	return d.engine.ExecuteInstall(ctx, def, &workflow.InstallContext{
		MiddlewareID:     def.Name,
		Version:          def.Version,
		Operator:         req.Operator,
		WorkDir:          workDir,
		Artifact:         art,
		Env:              env,
		ResolvedServices: services,
		InstallConfig:    copyConfig(req.Config),
		Metadata:         map[string]string{"operation": "RUN"},
		Sink:             sink,
		Logger:           logger,
	}), nil
}

func isManifest(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml", ".json":
		return true
	}
	return false
}
