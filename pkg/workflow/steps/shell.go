package steps

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/execenv"
	"github.com/openfroyo/stevedore/pkg/workflow"
)

// shellLauncher changes into $WORK_DIR and runs $STEVEDORE_SCRIPT, so no
// path is ever spliced into the command line.
const shellLauncher = `cd "$WORK_DIR" && exec sh "$STEVEDORE_SCRIPT"`

// Shell runs a script packaged in the artifact.
type Shell struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewShell creates the shell-script executor.
func NewShell(logger zerolog.Logger) *Shell {
	return &Shell{
		logger: logger.With().Str("component", "step-shell").Logger(),
		now:    time.Now,
	}
}

func (s *Shell) Type() string { return workflow.StepTypeShellScript }

// Execute extracts the script, makes it executable and runs it with sh.
func (s *Shell) Execute(ctx context.Context, step workflow.Step, ictx *workflow.InstallContext) *workflow.StepResult {
	script := step.ConfigString("script", "")
	if script == "" {
		return workflow.Failed("shell-script step requires a script")
	}

	env := ictx.Environment()
	logger := s.logger.With().Str("step", step.ID).Str("script", script).Str("env", env.Identifier()).Logger()

	local, err := materialize(ictx, script)
	if err != nil {
		return workflow.Failed(err.Error())
	}
	if err := os.Chmod(local, 0o755); err != nil {
		return workflow.Failedf("failed to make %s executable: %v", script, err)
	}

	target, err := stage(ctx, env, local, remoteTempPath("stevedore-script", script, s.now()))
	if err != nil {
		return workflow.Failedf("failed to upload %s to %s: %v", script, env.Identifier(), err)
	}

	workDir := step.ConfigString("working-dir", "")
	if workDir == "" {
		workDir = ictx.WorkDir
		if env.Type() == execenv.TypeSSH {
			workDir = "/tmp"
		}
	}

	vars := map[string]string{
		"MIDDLEWARE_ID":      ictx.MiddlewareID,
		"MIDDLEWARE_VERSION": ictx.Version,
		"WORK_DIR":           workDir,
	}
	for k, v := range step.ConfigMap("env") {
		vars[k] = v
	}
	vars["STEVEDORE_SCRIPT"] = target

	ictx.Log(fmt.Sprintf("running script %s on %s", script, env.Identifier()))
	logger.Info().Msg("running shell script")

	res := env.ExecuteCommand(ctx, []string{"sh", "-c", shellLauncher}, vars, step.ConfigSeconds("timeout", execenv.DefaultTimeout))

	output := strings.TrimSpace(res.Stdout)
	data := map[string]any{
		"output":   output,
		"exitCode": res.ExitCode,
	}
	if !res.Success() {
		logger.Error().Int("exit_code", res.ExitCode).Msg("shell script failed")
		return workflow.FailedWithData(data, fmt.Sprintf("script %s exited with code %d\noutput: %s\nerror: %s",
			script, res.ExitCode, output, strings.TrimSpace(res.Stderr)))
	}
	return workflow.Succeeded(data)
}
