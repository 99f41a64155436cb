package policy

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego admission policies against install requests.
type Engine struct {
	store  storage.Store
	logger zerolog.Logger

	mu    sync.RWMutex
	rules map[string]*rule
}

// rule is a policy with its deny query prepared.
type rule struct {
	policy *Policy
	deny   rego.PreparedEvalQuery
}

// NewEngine returns an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		store:  inmem.New(),
		logger: logger.With().Str("component", "policy").Logger(),
	}
	if err := e.Reset(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// SetData publishes operator-supplied values to policies as data.config.
func (e *Engine) SetData(ctx context.Context, data map[string]interface{}) error {
	if data == nil {
		data = map[string]interface{}{}
	}
	if err := storage.WriteOne(ctx, e.store, storage.AddOp, storage.MustParsePath("/config"), data); err != nil {
		return fmt.Errorf("write policy data: %w", err)
	}
	return nil
}

// EvaluateInstall runs every enabled policy against an install request.
// A policy that fails to evaluate is reported in Result.Errors and does
// not block the request.
func (e *Engine) EvaluateInstall(ctx context.Context, input *InstallInput) (*Result, error) {
	if input == nil {
		return nil, fmt.Errorf("policy input is required")
	}
	if input.Context == nil {
		input.Context = &Context{}
	}
	if input.Context.Timestamp.IsZero() {
		input.Context.Timestamp = time.Now()
	}

	began := time.Now()
	result := &Result{Allowed: true}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, name := range slices.Sorted(maps.Keys(e.rules)) {
		r := e.rules[name]
		if !r.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := r.eval(ctx, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Str("plugin_id", input.Request.PluginID).Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s: %v", name, err))
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = result.EvaluatedAt.Sub(began)
	e.logger.Debug().
		Str("plugin_id", input.Request.PluginID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("took", result.Duration).
		Msg("Admission evaluated")
	return result, nil
}

// LoadPolicies reads policy files from paths and applies them.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	return e.ApplyPolicies(ctx, policies)
}

// ApplyPolicies replaces every non-builtin policy with policies. It is the
// reload callback for Loader.Watch. Nothing changes if any policy fails to
// compile.
func (e *Engine) ApplyPolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*rule, len(policies))
	for i := range policies {
		r, err := e.prepare(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).Str("policy", policies[i].Name).Msg("Policy rejected")
			return fmt.Errorf("compile policy %s: %w", policies[i].Name, err)
		}
		next[policies[i].Name] = r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	maps.DeleteFunc(e.rules, func(_ string, r *rule) bool { return !r.policy.Builtin })
	for name, r := range next {
		if cur, ok := e.rules[name]; ok && cur.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("Policy file overrides built-in policy")
		}
		e.rules[name] = r
	}
	e.logger.Info().Int("count", len(policies)).Msg("Policies applied")
	return nil
}

// Reset drops every applied policy and restores the built-ins with their
// default enabled state.
func (e *Engine) Reset(ctx context.Context) error {
	builtins := BuiltinPolicies()
	rules := make(map[string]*rule, len(builtins))
	for i := range builtins {
		r, err := e.prepare(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("compile built-in policy %s: %w", builtins[i].Name, err)
		}
		rules[builtins[i].Name] = r
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// Lookup returns the named policy.
func (e *Engine) Lookup(name string) (*Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[name]
	if !ok {
		return nil, false
	}
	return r.policy, true
}

// ListPolicies returns all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.rules))
	for _, name := range slices.Sorted(maps.Keys(e.rules)) {
		out = append(out, *e.rules[name].policy)
	}
	return out
}

// SetEnabled switches a policy on or off until the next Reset.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("unknown policy %q", name)
	}
	r.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// prepare compiles the policy and its data.<package>.deny query. The query
// path comes from the parsed module's package clause.
func (e *Engine) prepare(ctx context.Context, p *Policy) (*rule, error) {
	mod, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, fmt.Errorf("policy %s is empty", p.Name)
	}

	deny, err := rego.New(
		rego.ParsedModule(mod),
		rego.Store(e.store),
		rego.Query(mod.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return &rule{policy: p, deny: deny}, nil
}

// eval returns one violation per member of the policy's deny set.
func (r *rule) eval(ctx context.Context, input *InstallInput) ([]Violation, error) {
	rs, err := r.deny.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, res := range rs {
		if len(res.Expressions) == 0 {
			continue
		}
		set, _ := res.Expressions[0].Value.([]interface{})
		for _, member := range set {
			out = append(out, r.violation(member, input.Request.PluginID))
		}
	}
	return out, nil
}

// violation reads a deny member. Members are either a message string or an
// object with message and optional severity and package keys.
func (r *rule) violation(member interface{}, pluginID string) Violation {
	v := Violation{Policy: r.policy.Name, PluginID: pluginID, Severity: r.policy.Severity}

	obj, ok := member.(map[string]interface{})
	if !ok {
		if s, isString := member.(string); isString {
			v.Message = s
		} else {
			v.Message = fmt.Sprint(member)
		}
		return v
	}
	v.Message, _ = obj["message"].(string)
	if s, _ := obj["severity"].(string); s != "" {
		v.Severity = Severity(s)
	}
	if pkg, _ := obj["package"].(string); pkg != "" {
		v.PluginID = pkg
	}
	return v
}
