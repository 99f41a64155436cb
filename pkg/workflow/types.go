package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Built-in step types.
const (
	StepTypeComposeDeploy = "compose-deploy"
	StepTypeShellScript   = "shell-script"
	StepTypeWait          = "wait"
	StepTypeHealthCheck   = "health-check"
)

// OnError is the policy applied when a step fails.
type OnError string

const (
	// OnErrorStop rolls back executed steps and fails the run.
	OnErrorStop OnError = "STOP"

	// OnErrorContinue records the failure and runs the next step.
	OnErrorContinue OnError = "CONTINUE"

	// OnErrorRollback rolls back executed steps and fails the run.
	OnErrorRollback OnError = "ROLLBACK"
)

// ParseOnError parses a policy name case-insensitively. An empty string
// is STOP. The second return value is false for unrecognised names, in
// which case STOP is returned.
func ParseOnError(s string) (OnError, bool) {
	switch OnError(strings.ToUpper(strings.TrimSpace(s))) {
	case "", OnErrorStop:
		return OnErrorStop, true
	case OnErrorContinue:
		return OnErrorContinue, true
	case OnErrorRollback:
		return OnErrorRollback, true
	default:
		return OnErrorStop, false
	}
}

// RunStatus is the state of a workflow run.
type RunStatus string

const (
	RunStatusNotStarted         RunStatus = "NOT_STARTED"
	RunStatusRunning            RunStatus = "RUNNING"
	RunStatusSucceeded          RunStatus = "SUCCEEDED"
	RunStatusFailed             RunStatus = "FAILED"
	RunStatusPartiallySucceeded RunStatus = "PARTIALLY_SUCCEEDED"
)

// StepStatus is the state of one step within a run.
type StepStatus string

const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusRunning    StepStatus = "RUNNING"
	StepStatusSuccess    StepStatus = "SUCCESS"
	StepStatusFailed     StepStatus = "FAILED"
	StepStatusSkipped    StepStatus = "SKIPPED"
	StepStatusRolledBack StepStatus = "ROLLED_BACK"
)

// Definition is a parsed workflow manifest. It is not modified after
// loading; the engine copies a step before changing its config.
type Definition struct {
	// Name identifies the workflow, usually after the middleware it deploys.
	Name string `json:"name"`

	// Version is the workflow's own version string.
	Version string `json:"version,omitempty"`

	// Description is free text for operators.
	Description string `json:"description,omitempty"`

	// ConfigClass names the install configuration shape the workflow expects.
	ConfigClass string `json:"config_class,omitempty"`

	// Steps run on install, in order.
	Steps []Step `json:"steps"`

	// UninstallSteps run on uninstall, in order.
	UninstallSteps []Step `json:"uninstall_steps,omitempty"`
}

// Step is one action of a workflow.
type Step struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Name    string         `json:"name,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
	OnError OnError        `json:"on_error"`
}

// DisplayName is the step name, or its ID when unnamed.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// WithConfig returns a copy of the step with key set to value. The
// receiver's config map is not modified.
func (s Step) WithConfig(key string, value any) Step {
	cfg := make(map[string]any, len(s.Config)+1)
	for k, v := range s.Config {
		cfg[k] = v
	}
	cfg[key] = value
	s.Config = cfg
	return s
}

// HasConfig reports whether key is present in the step config.
func (s Step) HasConfig(key string) bool {
	_, ok := s.Config[key]
	return ok
}

// ConfigString returns a config value as a string, or def when absent.
func (s Step) ConfigString(key, def string) string {
	v, ok := s.Config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return def
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}

// ConfigInt returns a config value as an int. Numeric strings are accepted.
// def is returned when the key is absent or not a number.
func (s Step) ConfigInt(key string, def int) int {
	v, ok := s.Config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// ConfigBool returns a config value as a bool. "true", "yes" and "1" are true.
func (s Step) ConfigBool(key string, def bool) bool {
	v, ok := s.Config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
		return def
	case int:
		return t != 0
	default:
		return def
	}
}

// ConfigSeconds returns a config value holding seconds as a duration.
func (s Step) ConfigSeconds(key string, def time.Duration) time.Duration {
	n := s.ConfigInt(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// ConfigMap returns a nested mapping config value with every value
// rendered as a string.
func (s Step) ConfigMap(key string) map[string]string {
	out := make(map[string]string)
	switch t := s.Config[key].(type) {
	case map[string]any:
		for k, v := range t {
			out[k] = fmt.Sprint(v)
		}
	case map[string]string:
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}

// StepResult is the outcome of one step.
type StepResult struct {
	StepID       string         `json:"step_id"`
	StepType     string         `json:"step_type,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Status       StepStatus     `json:"status"`
	Duration     time.Duration  `json:"duration"`
}

// Succeeded builds a successful step result.
func Succeeded(data map[string]any) *StepResult {
	return &StepResult{Success: true, Status: StepStatusSuccess, Data: data}
}

// Failed builds a failed step result.
func Failed(msg string) *StepResult {
	return &StepResult{Success: false, Status: StepStatusFailed, ErrorMessage: msg}
}

// Failedf builds a failed step result with a formatted message.
func Failedf(format string, args ...any) *StepResult {
	return Failed(fmt.Sprintf(format, args...))
}

// FailedWithData builds a failed step result that still carries data.
func FailedWithData(data map[string]any, msg string) *StepResult {
	r := Failed(msg)
	r.Data = data
	return r
}

// ExecutionResult summarises a workflow run.
type ExecutionResult struct {
	// RunID identifies the run in logs and events.
	RunID string `json:"run_id"`

	// Workflow is the definition name.
	Workflow string `json:"workflow"`

	// Status is the final run state.
	Status RunStatus `json:"status"`

	// Success is true only for SUCCEEDED runs.
	Success bool `json:"success"`

	// Message describes the failure, or is empty on success.
	Message string `json:"message,omitempty"`

	// Err is the classified error behind a failed run.
	Err error `json:"-"`

	// Steps holds one result per declared step, in declaration order.
	// Steps that never ran are SKIPPED.
	Steps []*StepResult `json:"steps"`

	// RollbackErrors lists compensation failures. They never replace
	// the failure that triggered the rollback.
	RollbackErrors []string `json:"rollback_errors,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Step returns the result of the step with the given ID.
func (r *ExecutionResult) Step(id string) (*StepResult, bool) {
	for _, s := range r.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return nil, false
}

// Summary counts step results by status.
func (r *ExecutionResult) Summary() map[StepStatus]int {
	out := make(map[StepStatus]int)
	for _, s := range r.Steps {
		out[s.Status]++
	}
	return out
}
