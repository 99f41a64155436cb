package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// ViolationReporter receives every violation found during admission.
// *telemetry.EventPublisher satisfies it.
type ViolationReporter interface {
	PublishPolicyViolation(pluginID, policyName, severity, reason string) error
}

// Admission adapts Engine to engine.Admission.
type Admission struct {
	engine      *Engine
	nodes       engine.NodeDirectory
	reporter    ViolationReporter
	environment string
	logger      zerolog.Logger
}

// NewAdmission returns an admission controller. nodes may be nil when
// every install targets the local host.
func NewAdmission(e *Engine, nodes engine.NodeDirectory, logger zerolog.Logger) *Admission {
	return &Admission{
		engine: e,
		nodes:  nodes,
		logger: logger.With().Str("component", "policy-admission").Logger(),
	}
}

// WithReporter sets the violation reporter.
func (a *Admission) WithReporter(r ViolationReporter) *Admission {
	a.reporter = r
	return a
}

// WithEnvironment sets the environment name exposed to policies.
func (a *Admission) WithEnvironment(env string) *Admission {
	a.environment = env
	return a
}

// AdmitInstall evaluates the resolved chain. Warnings are written to the
// request's sink; blocking violations deny the request with a
// POLICY_DENIED error.
func (a *Admission) AdmitInstall(ctx context.Context, chain *engine.DependencyChain, req engine.InstallRequest) error {
	result, err := a.Check(ctx, chain, req, false)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodePolicyDenied).
			WithResource(req.PluginID)
	}

	sink := engine.SinkOrNop(req.Sink)
	for _, w := range result.Warnings {
		sink.Line(fmt.Sprintf("policy warning [%s]: %s", w.Policy, w.Message))
	}
	if result.Allowed {
		return nil
	}

	msgs := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		msgs[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return engine.NewPermanentError("install denied by policy: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(req.PluginID).
		WithDetail("violations", len(result.Violations))
}

// Check evaluates the chain and reports violations without writing
// anything to the request's sink.
func (a *Admission) Check(ctx context.Context, chain *engine.DependencyChain, req engine.InstallRequest, dryRun bool) (*Result, error) {
	var node *engine.NodeDescriptor
	if req.NodeID != "" && req.NodeID != "local" && a.nodes != nil {
		n, err := a.nodes.GetNode(ctx, req.NodeID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up node %s: %w", req.NodeID, err)
		}
		node = n
	}

	input := BuildInstallInput(chain, req, node)
	input.Context.Environment = a.environment
	input.Context.DryRun = dryRun

	result, err := a.engine.EvaluateInstall(ctx, input)
	if err != nil {
		return nil, err
	}

	all := append(append([]Violation{}, result.Violations...), result.Warnings...)
	for _, v := range all {
		a.logger.Warn().
			Str("policy", v.Policy).
			Str("plugin_id", v.PluginID).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
		if a.reporter != nil {
			_ = a.reporter.PublishPolicyViolation(v.PluginID, v.Policy, string(v.Severity), v.Message)
		}
	}

	return result, nil
}

// BuildInstallInput converts a resolved chain into the policy input
// document. node is nil for local installs; credentials are never copied.
func BuildInstallInput(chain *engine.DependencyChain, req engine.InstallRequest, node *engine.NodeDescriptor) *InstallInput {
	input := &InstallInput{
		Request: RequestInput{
			PluginID:   req.PluginID,
			Constraint: req.Constraint,
			Version:    req.Version,
			Operation:  string(req.Operation),
		},
		Context: &Context{Operator: req.Operator},
	}

	if chain != nil {
		for _, key := range chain.InstallOrder {
			n, ok := chain.AllNodes[key]
			if !ok {
				continue
			}
			input.Packages = append(input.Packages, PackageInput{
				PluginID:    n.PluginID,
				Version:     n.ResolvedVersion,
				Type:        n.Type,
				DownloadURL: n.DownloadURL,
				Checksum:    n.Checksum,
				Root:        key == chain.RootKey,
			})
		}
	}

	if node != nil {
		input.Node = &NodeInput{
			ID:       node.ID,
			Type:     string(node.Type),
			Host:     node.Host,
			User:     node.User,
			AuthType: node.AuthType,
		}
	}

	return input
}
