package commands

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/artifacts"
	"github.com/openfroyo/stevedore/pkg/catalog"
	"github.com/openfroyo/stevedore/pkg/config"
	"github.com/openfroyo/stevedore/pkg/deploy"
	"github.com/openfroyo/stevedore/pkg/engine"
	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/policy"
	"github.com/openfroyo/stevedore/pkg/secrets"
	"github.com/openfroyo/stevedore/pkg/stores"
	"github.com/openfroyo/stevedore/pkg/telemetry"
	"github.com/openfroyo/stevedore/pkg/workflow"
	"github.com/openfroyo/stevedore/pkg/workflow/steps"
)

// app holds the components one command invocation works with.
type app struct {
	opts   *globalOptions
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	codec     *secrets.Codec
	store     *stores.SQLiteStore
	factory   *execenv.Factory
	workflows *workflow.Engine
	parser    *workflow.Parser
	deployer  *deploy.Deployer
	policies  *policy.Engine
	admission *policy.Admission
	client    *http.Client

	catalog      *catalog.FileCatalog
	orchestrator *engine.Orchestrator

	stopWatch context.CancelFunc
}

// openApp loads the configuration and wires everything except the catalog,
// which commands that resolve open through Orchestrator.
func openApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Logger.SetGlobal()
	if err := tel.ServeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	a := &app{
		opts:   opts,
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
		client: &http.Client{Timeout: cfg.Download.Timeout},
	}

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	key, err := secrets.LoadOrCreateKey(a.cfg.Secrets.KeyFile)
	if err != nil {
		return err
	}
	if a.codec, err = secrets.NewCodec(key); err != nil {
		return err
	}

	if a.store, err = stores.Open(ctx, a.cfg.StoreConfig(a.codec)); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	a.factory = execenv.NewFactory(a.cfg.FactoryConfig(a.tel.Metrics, a.logger))

	registry, err := steps.NewRegistry(nil, a.logger)
	if err != nil {
		return err
	}
	a.workflows = workflow.NewEngine(registry, a.logger).WithObserver(a.tel.Metrics)
	a.parser = workflow.NewParser(a.logger)

	a.deployer, err = deploy.New(deploy.Config{
		WorkRoot: a.cfg.WorkDir,
		Store:    a.store,
		Nodes:    a.store,
		Factory:  a.factory,
		Engine:   a.workflows,
		Parser:   a.parser,
		Codec:    a.codec,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	if a.cfg.Policy.Enabled {
		if err := a.wirePolicies(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) wirePolicies(ctx context.Context) error {
	pe, err := policy.NewEngine(a.logger)
	if err != nil {
		return err
	}
	if len(a.cfg.Policy.Data) > 0 {
		if err := pe.SetData(ctx, a.cfg.Policy.Data); err != nil {
			return err
		}
	}
	if len(a.cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return err
		}
	}
	a.disablePolicies(pe)

	if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		watchCtx, cancel := context.WithCancel(ctx)
		loader := policy.NewLoader(a.logger)
		reload := func(policies []policy.Policy) error {
			if err := pe.ApplyPolicies(watchCtx, policies); err != nil {
				return err
			}
			a.disablePolicies(pe)
			return nil
		}
		if err := loader.Watch(watchCtx, a.cfg.Policy.Paths, reload); err != nil {
			cancel()
			return err
		}
		a.stopWatch = func() {
			cancel()
			_ = loader.Close()
		}
	}

	a.policies = pe
	a.admission = policy.NewAdmission(pe, a.store, a.logger).
		WithReporter(a.tel.Events).
		WithEnvironment(a.cfg.Policy.Environment)
	return nil
}

func (a *app) disablePolicies(pe *policy.Engine) {
	for _, name := range a.cfg.Policy.Disabled {
		if err := pe.SetEnabled(name, false); err != nil {
			a.logger.Warn().Err(err).Str("policy", name).Msg("Cannot disable policy")
		}
	}
}

// Orchestrator opens the catalog and builds the orchestrator on first use.
func (a *app) Orchestrator() (*engine.Orchestrator, error) {
	if a.orchestrator != nil {
		return a.orchestrator, nil
	}

	cat, err := catalog.Open(a.cfg.CatalogDir, a.logger)
	if err != nil {
		return nil, err
	}
	a.catalog = cat

	cfg := engine.OrchestratorConfig{
		Metadata:  cat,
		Installer: a.deployer,
		Installed: a.store,
		Artifacts: artifacts.NewFetcher(filepath.Join(a.cfg.CacheDir, "downloads"), a.client, a.logger),
		Cache:     artifacts.NewCache(filepath.Join(a.cfg.CacheDir, "retained"), a.store, a.logger),
		Recorder:  a.store,
		Observer:  a.tel.Metrics,
		Logger:    a.logger,
	}
	if a.admission != nil {
		cfg.Admission = a.admission
	}

	a.orchestrator, err = engine.NewOrchestrator(cfg)
	if err != nil {
		return nil, err
	}
	return a.orchestrator, nil
}

// Context attaches telemetry so operation scopes pick it up.
func (a *app) Context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

// close releases the store and flushes telemetry. Errors are logged.
func (a *app) close() {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if err := a.tel.Shutdown(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}
