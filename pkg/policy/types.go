package policy

import (
	"time"
)

// Severity grades a violation. Error and critical deny the install;
// info and warning are reported and let it proceed.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego admission rule.
type Policy struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Rego must define a "deny" set. Each member is a message string or an
	// object with "message" and optionally "severity" and "package".
	Rego string `json:"rego"`

	// Severity applies to deny members that do not set their own.
	Severity Severity `json:"severity"`
	Enabled  bool     `json:"enabled"`
	Tags     []string `json:"tags,omitempty"`

	// Metadata["source"] names the file the policy came from.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Builtin is set for the policies shipped with stevedore.
	Builtin bool `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// PluginID is the package the violation refers to, if any.
	PluginID string `json:"plugin_id,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the request.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// InstallInput is the document policies see as "input".
type InstallInput struct {
	// Request is the top-level request.
	Request RequestInput `json:"request"`

	// Packages lists every resolved package in install order, the
	// requested package last.
	Packages []PackageInput `json:"packages"`

	// Node is the execution target; nil for the local host.
	Node *NodeInput `json:"node,omitempty"`

	Context *Context `json:"context"`
}

// RequestInput describes what the operator asked for.
type RequestInput struct {
	PluginID string `json:"plugin_id"`

	// Constraint is the requested version constraint, empty for latest.
	Constraint string `json:"constraint"`

	// Version is the version the constraint resolved to.
	Version string `json:"version"`

	Operation string `json:"operation"`
}

// PackageInput describes one resolved package.
type PackageInput struct {
	PluginID    string `json:"plugin_id"`
	Version     string `json:"version"`
	Type        string `json:"type,omitempty"`
	DownloadURL string `json:"download_url"`
	Checksum    string `json:"checksum"`

	// Root is set on the requested package.
	Root bool `json:"root"`
}

// NodeInput describes the execution target without its credentials.
type NodeInput struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	User     string `json:"user"`
	AuthType string `json:"auth_type"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operator is the user performing the operation.
	Operator string `json:"operator,omitempty"`

	// Environment is the deployment environment (e.g., "production").
	Environment string `json:"environment,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// DryRun is set by "policy check", which evaluates without installing.
	DryRun bool `json:"dry_run"`
}
