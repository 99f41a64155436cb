package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Executor runs one step type.
type Executor interface {
	// Type is the step type string this executor handles.
	Type() string

	// Execute runs the step. Failures are reported in the result, never
	// by panicking or returning nil.
	Execute(ctx context.Context, step Step, ictx *InstallContext) *StepResult
}

// RollbackExecutor is implemented by executors that can undo a step.
type RollbackExecutor interface {
	Executor
	Rollback(ctx context.Context, step Step, ictx *InstallContext) error
}

// Registry maps step types to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry holding executors.
func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{executors: make(map[string]Executor)}
	for _, ex := range executors {
		if err := r.Register(ex); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an executor. Registering a type twice is an error.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return fmt.Errorf("executor is nil")
	}
	stepType := ex.Type()
	if stepType == "" {
		return fmt.Errorf("executor %T has an empty step type", ex)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[stepType]; exists {
		return fmt.Errorf("executor for step type %s already registered", stepType)
	}
	r.executors[stepType] = ex
	return nil
}

// Get returns the executor for stepType.
func (r *Registry) Get(stepType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[stepType]
	return ex, ok
}

// Types lists registered step types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
