package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells callers whether retrying can help.
type ErrorClass string

const (
	// ErrorClassTransient failures may pass on retry, such as a download
	// mirror that timed out.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict is a clash with what is already installed.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent failures repeat until something changes, such as
	// a bad manifest or a missing dependency.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is the error type returned by every engine operation. The
// CLI maps Code to an exit status and prints Outcome after a rollback.
//
//nolint:revive
type EngineError struct {
	Class ErrorClass `json:"class"`

	Message string `json:"message"`

	// Code is one of the ErrCode constants.
	Code string `json:"code,omitempty"`

	// Resource is the plugin, step or node the error is about.
	Resource string `json:"resource,omitempty"`

	Operation string `json:"operation,omitempty"`

	// Outcome describes the compensation that followed the failure,
	// e.g. "2 of 2 changes rolled back".
	Outcome string `json:"outcome,omitempty"`

	Err error `json:"-"`

	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}
	if msg := e.unwrapMessage(); msg != "" {
		sb.WriteString(": ")
		sb.WriteString(msg)
	}
	if e.Outcome != "" {
		fmt.Fprintf(&sb, " (%s)", e.Outcome)
	}
	return sb.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is matches another EngineError with the same class and code, so
// sentinel values work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithOutcome records the compensation outcome of a failed operation.
func (e *EngineError) WithOutcome(outcome string) *EngineError {
	e.Outcome = outcome
	return e
}

// WithDetail sets one entry of Details.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in err's chain, or ""
// when there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if !errors.As(err, &e) {
		return ""
	}
	return e.Class
}

func IsTransient(err error) bool { return ClassOf(err) == ErrorClassTransient }
func IsConflict(err error) bool  { return ClassOf(err) == ErrorClassConflict }
func IsPermanent(err error) bool { return ClassOf(err) == ErrorClassPermanent }

// IsRetryable reports whether the operation may succeed if run again
// unchanged.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Error codes. ExitCode in the CLI maps them to exit statuses.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodePolicyDenied         = "POLICY_DENIED"
	ErrCodeDependencyResolution = "DEPENDENCY_RESOLUTION"
	ErrCodeCircularDependency   = "CIRCULAR_DEPENDENCY"
	ErrCodeVersionConflict      = "VERSION_CONFLICT"
	ErrCodeDownload             = "DOWNLOAD_FAILED"
	ErrCodeInstall              = "INSTALL_FAILED"
	ErrCodeUpgrade              = "UPGRADE_FAILED"
	ErrCodeUninstall            = "UNINSTALL_FAILED"
	ErrCodeUnknownStepType      = "UNKNOWN_STEP_TYPE"
	ErrCodeStepExecution        = "STEP_EXECUTION_FAILED"
	ErrCodeExecutionEnvironment = "EXECUTION_ENVIRONMENT"
	ErrCodeRollbackPartial      = "ROLLBACK_PARTIAL_FAILURE"
)

// NewDependencyResolutionError reports that pluginID could not be resolved.
func NewDependencyResolutionError(pluginID, constraint string, err error) *EngineError {
	msg := fmt.Sprintf("cannot resolve %s", pluginID)
	if constraint != "" {
		msg = fmt.Sprintf("cannot resolve %s@%s", pluginID, constraint)
	}
	return NewPermanentError(msg, err).
		WithCode(ErrCodeDependencyResolution).
		WithResource(pluginID).
		WithOperation("resolve")
}

// NewCircularDependencyError reports a dependency cycle. cycle lists node
// keys with the first key repeated at the end.
func NewCircularDependencyError(cycle []string) *EngineError {
	return NewPermanentError(fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil).
		WithCode(ErrCodeCircularDependency).
		WithOperation("resolve").
		WithDetail("cycle", cycle)
}

// NewVersionConflictError reports incompatible versions of one plugin.
func NewVersionConflictError(pluginID, message string) *EngineError {
	return NewConflictError(message, nil).
		WithCode(ErrCodeVersionConflict).
		WithResource(pluginID)
}

// NewDownloadError reports an artifact fetch failure. Downloads are retryable.
func NewDownloadError(pluginID, version string, err error) *EngineError {
	return NewTransientError(fmt.Sprintf("download of %s@%s failed", pluginID, version), err).
		WithCode(ErrCodeDownload).
		WithResource(pluginID).
		WithOperation("download")
}

// NewInstallError reports a failed installation.
func NewInstallError(pluginID, version string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("install of %s@%s failed", pluginID, version), err).
		WithCode(ErrCodeInstall).
		WithResource(pluginID).
		WithOperation("install")
}

// NewUpgradeError reports a failed upgrade.
func NewUpgradeError(pluginID, fromVersion, toVersion string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("upgrade of %s from %s to %s failed", pluginID, fromVersion, toVersion), err).
		WithCode(ErrCodeUpgrade).
		WithResource(pluginID).
		WithOperation("upgrade")
}

// NewUninstallError reports a failed or refused uninstall.
func NewUninstallError(pluginID string, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("uninstall of %s failed", pluginID), err).
		WithCode(ErrCodeUninstall).
		WithResource(pluginID).
		WithOperation("uninstall")
}

// NewUnknownStepTypeError reports a workflow step with no registered executor.
func NewUnknownStepTypeError(stepID, stepType string) *EngineError {
	return NewPermanentError(fmt.Sprintf("unknown step type %q", stepType), nil).
		WithCode(ErrCodeUnknownStepType).
		WithResource(stepID)
}

// NewStepExecutionError reports a failed workflow step.
func NewStepExecutionError(stepID, message string) *EngineError {
	return NewPermanentError(message, nil).
		WithCode(ErrCodeStepExecution).
		WithResource(stepID)
}

// NewExecutionEnvironmentError reports a failure of an execution backend.
func NewExecutionEnvironmentError(identifier, message string, err error) *EngineError {
	return NewTransientError(message, err).
		WithCode(ErrCodeExecutionEnvironment).
		WithResource(identifier)
}

// NewRollbackPartialFailureError lists the compensating actions that failed.
func NewRollbackPartialFailureError(failures []string, rolledBack, total int) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("rollback incomplete: %s", strings.Join(failures, "; ")), nil,
	).
		WithCode(ErrCodeRollbackPartial).
		WithOperation("rollback").
		WithOutcome(fmt.Sprintf("%d of %d changes rolled back", rolledBack, total)).
		WithDetail("failures", failures)
}

func hasCode(err error, code string) bool {
	var e *EngineError
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsDependencyResolutionError reports whether err is a resolution failure.
func IsDependencyResolutionError(err error) bool { return hasCode(err, ErrCodeDependencyResolution) }

// IsCircularDependencyError reports whether err is a dependency cycle.
func IsCircularDependencyError(err error) bool { return hasCode(err, ErrCodeCircularDependency) }

// IsVersionConflictError reports whether err is a version conflict.
func IsVersionConflictError(err error) bool { return hasCode(err, ErrCodeVersionConflict) }

// IsDownloadError reports whether err is a download failure.
func IsDownloadError(err error) bool { return hasCode(err, ErrCodeDownload) }

// IsInstallError reports whether err is an install failure.
func IsInstallError(err error) bool { return hasCode(err, ErrCodeInstall) }

// IsUpgradeError reports whether err is an upgrade failure.
func IsUpgradeError(err error) bool { return hasCode(err, ErrCodeUpgrade) }

// IsUninstallError reports whether err is an uninstall failure.
func IsUninstallError(err error) bool { return hasCode(err, ErrCodeUninstall) }

// IsUnknownStepTypeError reports whether err names an unregistered step type.
func IsUnknownStepTypeError(err error) bool { return hasCode(err, ErrCodeUnknownStepType) }

// IsStepExecutionError reports whether err is a workflow step failure.
func IsStepExecutionError(err error) bool { return hasCode(err, ErrCodeStepExecution) }

// IsExecutionEnvironmentError reports whether err came from an execution backend.
func IsExecutionEnvironmentError(err error) bool { return hasCode(err, ErrCodeExecutionEnvironment) }

// IsRollbackPartialFailureError reports whether err is an incomplete rollback.
func IsRollbackPartialFailureError(err error) bool { return hasCode(err, ErrCodeRollbackPartial) }

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
