package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

const (
	defaultComposeFile    = "docker-compose.yml"
	defaultComposeTimeout = 5 * time.Minute
)

// Compose runs docker compose up or down for a compose file packaged in
// the artifact.
type Compose struct {
	logger zerolog.Logger
	now    func() time.Time
}

var _ workflow.RollbackExecutor = (*Compose)(nil)

// NewCompose creates the compose-deploy executor.
func NewCompose(logger zerolog.Logger) *Compose {
	return &Compose{
		logger: logger.With().Str("component", "step-compose").Logger(),
		now:    time.Now,
	}
}

func (c *Compose) Type() string { return workflow.StepTypeComposeDeploy }

// composeRun is one docker compose invocation.
type composeRun struct {
	file          string
	project       string
	action        string
	removeVolumes bool
	env           map[string]string
	timeout       time.Duration
}

// Execute brings the compose project up or down.
func (c *Compose) Execute(ctx context.Context, step workflow.Step, ictx *workflow.InstallContext) *workflow.StepResult {
	env := ictx.Environment()
	logger := c.logger.With().Str("step", step.ID).Str("env", env.Identifier()).Logger()

	action := strings.ToLower(step.ConfigString("action", "up"))
	if action != "up" && action != "down" {
		return workflow.Failedf("unsupported action: %s", action)
	}

	if step.HasConfig("wait-for-health") || step.HasConfig("health-check-url") {
		logger.Warn().Msg("wait-for-health and health-check-url are deprecated, add a health-check step instead")
		ictx.Log("warning: wait-for-health is deprecated and ignored, use a health-check step")
	}

	file := step.ConfigString("file", defaultComposeFile)
	composePath, err := materialize(ictx, file)
	if err != nil {
		return workflow.Failed(err.Error())
	}

	content, err := os.ReadFile(composePath)
	if err != nil {
		return workflow.Failedf("failed to read compose file: %v", err)
	}
	defaults, err := ScanDefaults(content)
	if err != nil {
		return workflow.Failed(err.Error())
	}

	run := composeRun{
		file:          composePath,
		project:       ProjectName(step.ConfigString("project-name", ""), ictx.MiddlewareID),
		action:        action,
		removeVolumes: step.ConfigBool("remove-volumes", false),
		env:           BuildEnv(defaults, ictx),
		timeout:       step.ConfigSeconds("timeout", defaultComposeTimeout),
	}

	ictx.Log(fmt.Sprintf("docker compose %s for project %s on %s", action, run.project, env.Identifier()))
	logger.Info().Str("project", run.project).Str("action", action).Msg("running docker compose")

	res, target, err := c.run(ctx, env, run)
	data := map[string]any{
		"projectName":  run.project,
		"composeFile":  target,
		"executionEnv": string(env.Type()),
		"identifier":   env.Identifier(),
	}
	if err != nil {
		return workflow.FailedWithData(data, err.Error())
	}
	if !res.Success() {
		ictx.Log(fmt.Sprintf("docker compose %s failed with exit code %d", action, res.ExitCode))
		return workflow.FailedWithData(data, fmt.Sprintf("docker compose %s failed (exit %d): %s",
			action, res.ExitCode, strings.TrimSpace(res.Output())))
	}

	ictx.Log(fmt.Sprintf("docker compose %s succeeded", action))
	return workflow.Succeeded(data)
}

// Rollback tears the project down, keeping volumes. A step whose compose
// file never reached the work dir has nothing to undo.
func (c *Compose) Rollback(ctx context.Context, step workflow.Step, ictx *workflow.InstallContext) error {
	file := step.ConfigString("file", defaultComposeFile)
	composePath := filepath.Join(ictx.WorkDir, filepath.Clean(file))
	if _, err := os.Stat(composePath); err != nil {
		c.logger.Debug().Str("step", step.ID).Str("file", composePath).Msg("compose file absent, nothing to roll back")
		return nil
	}

	var defaults map[string]string
	if content, err := os.ReadFile(composePath); err == nil {
		defaults, _ = ScanDefaults(content)
	}

	env := ictx.Environment()
	run := composeRun{
		file:    composePath,
		project: ProjectName(step.ConfigString("project-name", ""), ictx.MiddlewareID),
		action:  "down",
		env:     BuildEnv(defaults, ictx),
		timeout: step.ConfigSeconds("timeout", defaultComposeTimeout),
	}

	res, _, err := c.run(ctx, env, run)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("docker compose down failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Output()))
	}
	c.logger.Info().Str("project", run.project).Str("env", env.Identifier()).Msg("compose project rolled back")
	return nil
}

// run stages the compose file and invokes docker compose. It returns the
// command result and the compose file path the command used.
func (c *Compose) run(ctx context.Context, env execenv.Environment, r composeRun) (*execenv.Result, string, error) {
	remote := fmt.Sprintf("/tmp/docker-compose-%d.yml", c.now().UnixMilli())
	target, err := stage(ctx, env, r.file, remote)
	if err != nil {
		if r.action != "down" {
			return nil, "", fmt.Errorf("failed to upload compose file to %s: %w", env.Identifier(), err)
		}
		// Teardown only needs the project name to find containers.
		c.logger.Warn().Err(err).Msg("compose file upload failed, using default remote path")
		target = "/tmp/docker-compose.yml"
	}

	argv := []string{"docker", "compose", "-f", target, "-p", r.project}
	if r.action == "up" {
		argv = append(argv, "up", "-d")
	} else {
		argv = append(argv, "down")
		if r.removeVolumes {
			argv = append(argv, "-v")
		}
	}

	return env.ExecuteCommand(ctx, argv, r.env, r.timeout), target, nil
}
