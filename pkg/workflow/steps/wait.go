package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/stevedore/pkg/workflow"
)

const defaultWait = 30 * time.Second

// Wait pauses the workflow.
type Wait struct{}

// NewWait creates the wait executor.
func NewWait() *Wait { return &Wait{} }

func (w *Wait) Type() string { return workflow.StepTypeWait }

// Execute sleeps for duration-seconds (alias duration), 30 by default.
// Cancellation fails the step.
func (w *Wait) Execute(ctx context.Context, step workflow.Step, ictx *workflow.InstallContext) *workflow.StepResult {
	d := step.ConfigSeconds("duration-seconds", -1)
	if d < 0 {
		d = step.ConfigSeconds("duration", defaultWait)
	}

	ictx.Log(fmt.Sprintf("waiting %s", d))
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return workflow.Succeeded(map[string]any{"waited": d.String()})
	case <-ctx.Done():
		return workflow.Failedf("wait interrupted: %v", ctx.Err())
	}
}
