package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// StepObserver is notified after every step, typically for metrics.
type StepObserver interface {
	ObserveStep(stepType string, status StepStatus, duration time.Duration)
	ObserveRollback(scope, status string)
}

// Engine runs workflow definitions through a Registry.
type Engine struct {
	registry *Registry
	observer StepObserver
	logger   zerolog.Logger
}

// NewEngine creates an engine bound to registry.
func NewEngine(registry *Registry, logger zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		logger:   logger.With().Str("component", "workflow-engine").Logger(),
	}
}

// WithObserver sets the observer notified of step outcomes.
func (e *Engine) WithObserver(o StepObserver) *Engine {
	e.observer = o
	return e
}

// Registry returns the registry the engine dispatches to.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// run is the bookkeeping of one workflow execution.
type run struct {
	result   *ExecutionResult
	ictx     *InstallContext
	sink     engine.ProgressSink
	logger   zerolog.Logger
	executed []executedStep
}

type executedStep struct {
	step   Step
	result *StepResult
}

func (e *Engine) newRun(def *Definition, steps []Step, sink engine.ProgressSink, logger zerolog.Logger) *run {
	res := &ExecutionResult{
		RunID:     uuid.New().String(),
		Status:    RunStatusNotStarted,
		StartedAt: time.Now(),
		Steps:     make([]*StepResult, len(steps)),
	}
	if def != nil {
		res.Workflow = def.Name
	}
	for i, s := range steps {
		res.Steps[i] = &StepResult{StepID: s.ID, StepType: s.Type, Status: StepStatusPending}
	}
	return &run{
		result: res,
		sink:   engine.SinkOrNop(sink),
		logger: logger.With().Str("run_id", res.RunID).Str("workflow", res.Workflow).Logger(),
	}
}

func (r *run) finish(status RunStatus, message string, err error) *ExecutionResult {
	r.result.Status = status
	r.result.Success = status == RunStatusSucceeded
	r.result.Message = message
	r.result.Err = err
	r.result.FinishedAt = time.Now()
	r.result.Duration = r.result.FinishedAt.Sub(r.result.StartedAt)
	for _, s := range r.result.Steps {
		if s.Status == StepStatusPending {
			s.Status = StepStatusSkipped
		}
	}
	return r.result
}

// ExecuteInstall runs def.Steps in declaration order. The returned result
// is never nil.
func (e *Engine) ExecuteInstall(ctx context.Context, def *Definition, ictx *InstallContext) *ExecutionResult {
	if ictx == nil {
		ictx = &InstallContext{}
	}
	if def == nil {
		r := e.newRun(nil, nil, ictx.Sink, e.logger)
		return r.finish(RunStatusFailed, "workflow definition is nil",
			engine.NewPermanentError("workflow definition is nil", nil).WithCode(engine.ErrCodeValidation))
	}

	r := e.newRun(def, def.Steps, ictx.Sink, e.logger)
	r.ictx = ictx
	if len(def.Steps) == 0 {
		msg := fmt.Sprintf("workflow %s has no install steps", def.Name)
		return r.finish(RunStatusFailed, msg,
			engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeValidation))
	}

	r.result.Status = RunStatusRunning
	r.logger.Info().Str("middleware", ictx.MiddlewareID).Int("steps", len(def.Steps)).Msg("starting install workflow")
	r.sink.Line(fmt.Sprintf("starting workflow %s (%d steps)", def.Name, len(def.Steps)))

	var (
		failures          []string
		continued         bool
		successAfterFault bool
	)

	total := len(def.Steps)
	for i, step := range def.Steps {
		r.sink.Progress(i+1, total, step.DisplayName())

		if err := ctx.Err(); err != nil {
			r.result.Steps[i].Status = StepStatusFailed
			r.result.Steps[i].ErrorMessage = err.Error()
			return e.abort(ctx, r, step, OnErrorStop, err.Error(), engine.NewStepExecutionError(step.ID, err.Error()))
		}

		ex, ok := e.registry.Get(step.Type)
		if !ok {
			uerr := engine.NewUnknownStepTypeError(step.ID, step.Type)
			msg := fmt.Sprintf("unknown step type %q", step.Type)
			r.result.Steps[i].Status = StepStatusFailed
			r.result.Steps[i].ErrorMessage = msg
			r.logger.Error().Str("step", step.ID).Str("type", step.Type).Msg("no executor registered for step type")
			return e.abort(ctx, r, step, OnErrorStop, msg, uerr)
		}

		res := e.executeStep(ctx, r, i, step, ex, ictx)
		r.executed = append(r.executed, executedStep{step: step, result: res})

		if res.Success {
			if continued {
				successAfterFault = true
			}
			continue
		}

		switch step.OnError {
		case OnErrorContinue:
			r.logger.Warn().Str("step", step.ID).Str("error", res.ErrorMessage).Msg("step failed, continuing")
			r.sink.Line(fmt.Sprintf("step %s failed, continuing: %s", step.ID, res.ErrorMessage))
			failures = append(failures, fmt.Sprintf("step %s failed: %s", step.ID, res.ErrorMessage))
			continued = true
		default:
			return e.abort(ctx, r, step, step.OnError, res.ErrorMessage,
				engine.NewStepExecutionError(step.ID, res.ErrorMessage))
		}
	}

	if len(failures) == 0 {
		r.logger.Info().Dur("duration", time.Since(r.result.StartedAt)).Msg("install workflow succeeded")
		r.sink.Line(fmt.Sprintf("workflow %s completed", def.Name))
		return r.finish(RunStatusSucceeded, "", nil)
	}

	msg := strings.Join(failures, "; ")
	status := RunStatusFailed
	if successAfterFault {
		status = RunStatusPartiallySucceeded
	}
	r.logger.Warn().Str("status", string(status)).Int("failed_steps", len(failures)).Msg("install workflow finished with failures")
	return r.finish(status, msg, engine.NewStepExecutionError(def.Name, msg))
}

// executeStep runs one step and fills in its result slot.
func (e *Engine) executeStep(ctx context.Context, r *run, i int, step Step, ex Executor, ictx *InstallContext) *StepResult {
	slot := r.result.Steps[i]
	slot.Status = StepStatusRunning

	logger := r.logger.With().Str("step", step.ID).Str("type", step.Type).Logger()
	logger.Info().Msg("executing step")
	r.sink.Line(fmt.Sprintf("[%d/%d] %s (%s)", i+1, len(r.result.Steps), step.DisplayName(), step.Type))

	start := time.Now()
	res := ex.Execute(ctx, step, ictx)
	if res == nil {
		res = Failedf("executor for %s returned no result", step.Type)
	}
	res.StepID = step.ID
	res.StepType = step.Type
	res.Duration = time.Since(start)
	if res.Success {
		res.Status = StepStatusSuccess
	} else {
		res.Status = StepStatusFailed
	}
	r.result.Steps[i] = res

	if res.Success {
		logger.Info().Dur("duration", res.Duration).Msg("step succeeded")
	} else {
		logger.Error().Dur("duration", res.Duration).Str("error", res.ErrorMessage).Msg("step failed")
	}
	if e.observer != nil {
		e.observer.ObserveStep(step.Type, res.Status, res.Duration)
	}
	return res
}

// abort rolls back executed steps and fails the run.
func (e *Engine) abort(ctx context.Context, r *run, failed Step, policy OnError, message string, cause error) *ExecutionResult {
	e.rollback(ctx, r)

	var msg string
	if policy == OnErrorRollback {
		msg = fmt.Sprintf("step %s failed, rolled back: %s", failed.ID, message)
	} else {
		msg = fmt.Sprintf("step %s failed: %s", failed.ID, message)
	}
	r.sink.Line(msg)
	return r.finish(RunStatusFailed, msg, cause)
}

// rollback compensates executed steps in reverse order. Every step is
// attempted; errors are collected on the result.
func (e *Engine) rollback(ctx context.Context, r *run) {
	if len(r.executed) == 0 {
		return
	}

	// A cancelled run still gets compensated.
	ctx = context.WithoutCancel(ctx)

	r.logger.Warn().Int("steps", len(r.executed)).Msg("rolling back executed steps")
	r.sink.Line(fmt.Sprintf("rolling back %d executed step(s)", len(r.executed)))

	status := "success"
	for i := len(r.executed) - 1; i >= 0; i-- {
		es := r.executed[i]
		logger := r.logger.With().Str("step", es.step.ID).Str("type", es.step.Type).Logger()

		ex, ok := e.registry.Get(es.step.Type)
		if !ok {
			continue
		}
		rb, ok := ex.(RollbackExecutor)
		if !ok {
			logger.Debug().Msg("executor does not support rollback, skipping")
			continue
		}

		if err := rb.Rollback(ctx, es.step, r.ictx); err != nil {
			status = "partial"
			logger.Error().Err(err).Msg("step rollback failed")
			r.result.RollbackErrors = append(r.result.RollbackErrors, fmt.Sprintf("%s: %v", es.step.ID, err))
			r.sink.Line(fmt.Sprintf("rollback of step %s failed: %v", es.step.ID, err))
			continue
		}

		logger.Info().Msg("step rolled back")
		r.sink.Line(fmt.Sprintf("rolled back step %s", es.step.ID))
		if es.result.Success {
			es.result.Status = StepStatusRolledBack
		}
	}

	if e.observer != nil {
		e.observer.ObserveRollback("workflow", status)
	}
}

// ExecuteUninstall runs def.UninstallSteps best effort. Failures are
// logged and skipped, unknown step types are skipped, and compose-deploy
// steps are forced to tear down.
func (e *Engine) ExecuteUninstall(ctx context.Context, def *Definition, uctx *UninstallContext) *ExecutionResult {
	if uctx == nil {
		uctx = &UninstallContext{}
	}
	if def == nil {
		r := e.newRun(nil, nil, uctx.Sink, e.logger)
		return r.finish(RunStatusSucceeded, "", nil)
	}

	r := e.newRun(def, def.UninstallSteps, uctx.Sink, e.logger)
	if len(def.UninstallSteps) == 0 {
		r.logger.Info().Msg("workflow has no uninstall steps")
		return r.finish(RunStatusSucceeded, "", nil)
	}

	r.result.Status = RunStatusRunning
	ictx := uctx.installContext()
	r.ictx = ictx
	r.logger.Info().Str("middleware", uctx.MiddlewareID).Int("steps", len(def.UninstallSteps)).Msg("starting uninstall workflow")

	var failures []string
	succeeded := 0
	total := len(def.UninstallSteps)
	for i, step := range def.UninstallSteps {
		r.sink.Progress(i+1, total, step.DisplayName())

		ex, ok := e.registry.Get(step.Type)
		if !ok {
			r.logger.Warn().Str("step", step.ID).Str("type", step.Type).Msg("unknown step type, skipping")
			r.sink.Line(fmt.Sprintf("skipping step %s: unknown step type %q", step.ID, step.Type))
			r.result.Steps[i].Status = StepStatusSkipped
			continue
		}

		if step.Type == StepTypeComposeDeploy {
			step = step.WithConfig("action", "down")
			if uctx.RemoveVolumes {
				step = step.WithConfig("remove-volumes", true)
			}
		}

		res := e.executeStep(ctx, r, i, step, ex, ictx)
		if !res.Success {
			r.logger.Warn().Str("step", step.ID).Str("error", res.ErrorMessage).Msg("uninstall step failed, continuing")
			failures = append(failures, fmt.Sprintf("step %s failed: %s", step.ID, res.ErrorMessage))
			continue
		}
		succeeded++
	}

	switch {
	case len(failures) == 0:
		return r.finish(RunStatusSucceeded, "", nil)
	case succeeded > 0:
		return r.finish(RunStatusPartiallySucceeded, strings.Join(failures, "; "), nil)
	default:
		msg := strings.Join(failures, "; ")
		return r.finish(RunStatusFailed, msg, engine.NewStepExecutionError(def.Name, msg))
	}
}
