package workflow

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry validates step configs against CUE schemas keyed by
// step type. Types without a schema are accepted as they are.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in step schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for stepType, src := range builtinStepSchemas {
		if err := sr.RegisterSchema(stepType, src); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterSchema compiles src and registers it for stepType, replacing
// any earlier schema.
func (sr *SchemaRegistry) RegisterSchema(stepType, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(stepType+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", stepType, err)
	}
	sr.schemas[stepType] = val
	return nil
}

// ValidateStep checks step.Config against the schema of step.Type.
func (sr *SchemaRegistry) ValidateStep(step Step) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[step.Type]
	sr.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg := step.Config
	if cfg == nil {
		cfg = map[string]any{}
	}

	data := sr.ctx.Encode(cfg)
	if err := data.Err(); err != nil {
		return fmt.Errorf("step %s: failed to encode config: %w", step.ID, err)
	}

	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("step %s: invalid %s config: %w", step.ID, step.Type, err)
	}
	return nil
}

// Types lists step types with a registered schema.
func (sr *SchemaRegistry) Types() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	types := make([]string, 0, len(sr.schemas))
	for t := range sr.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Numeric config values may be written as YAML strings.
var builtinStepSchemas = map[string]string{
	StepTypeComposeDeploy: `
close({
	file?:              string & != ""
	"project-name"?:    string & =~"^[a-zA-Z0-9_-]+$"
	action?:            "up" | "down"
	"remove-volumes"?:  bool | "true" | "false"
	timeout?:           (int & >0) | =~"^[0-9]+$"

	// Deprecated, accepted with a warning.
	"wait-for-health"?:  bool | string
	"health-check-url"?: string
})
`,
	StepTypeShellScript: `
close({
	script:         string & != ""
	"working-dir"?: string
	env?:           {[string]: string | number | bool}
	timeout?:       (int & >0) | =~"^[0-9]+$"
})
`,
	StepTypeWait: `
close({
	"duration-seconds"?: (int & >=0) | =~"^[0-9]+$"
	duration?:           (int & >=0) | =~"^[0-9]+$"
})
`,
	StepTypeHealthCheck: `
close({
	url:               string & =~"^https?://"
	method?:           "GET" | "POST" | "HEAD" | "PUT"
	timeout?:          (int & >0) | =~"^[0-9]+$"
	retries?:          (int & >=1) | =~"^[0-9]+$"
	"retry-interval"?: (int & >=0) | =~"^[0-9]+$"
})
`,
}
