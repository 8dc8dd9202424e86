package provision

import (
	"context"
	"fmt"

	"github.com/lakeforge/lakeforge/pkg/telemetry"
)

// WorkflowContext carries values between steps of a workflow run.
type WorkflowContext map[string]interface{}

// WorkflowStep is one unit of a multi-step flow. Compensate, when set,
// undoes the step's effect and runs only if a later step fails.
type WorkflowStep struct {
	Name       string
	Action     func(ctx context.Context, wctx WorkflowContext) error
	Compensate func(ctx context.Context, wctx WorkflowContext) error
}

// WorkflowError wraps a step failure with the name of the failed step.
type WorkflowError struct {
	Step string
	Err  error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow step %q failed: %v", e.Step, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// WorkflowRunner executes ordered steps with reverse compensation on
// failure. It serves simpler two-phase flows that do not need the full
// lifecycle orchestrator; the datasource creation sequence itself
// converges forward without compensation.
type WorkflowRunner struct {
	logger *telemetry.Logger
}

// NewWorkflowRunner builds a runner.
func NewWorkflowRunner(logger *telemetry.Logger) *WorkflowRunner {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &WorkflowRunner{logger: logger.Component("workflow")}
}

// Execute runs the steps in order against a shared context. When a step
// fails, the compensators of every previously completed step run in
// reverse order; compensator failures are logged and swallowed. The
// returned error wraps the failing step's error in a *WorkflowError.
func (r *WorkflowRunner) Execute(ctx context.Context, steps []WorkflowStep) (WorkflowContext, error) {
	wctx := WorkflowContext{}
	completed := make([]WorkflowStep, 0, len(steps))

	for _, step := range steps {
		if err := step.Action(ctx, wctx); err != nil {
			r.logger.WithField("step", step.Name).WithError(err).Error("workflow step failed, compensating")
			r.compensate(ctx, wctx, completed)
			return wctx, &WorkflowError{Step: step.Name, Err: err}
		}
		r.logger.WithField("step", step.Name).Debug("workflow step complete")
		completed = append(completed, step)
	}
	return wctx, nil
}

func (r *WorkflowRunner) compensate(ctx context.Context, wctx WorkflowContext, completed []WorkflowStep) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, wctx); err != nil {
			r.logger.WithField("step", step.Name).WithError(err).Warn("compensator failed")
		}
	}
}
