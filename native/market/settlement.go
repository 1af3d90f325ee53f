package market

import (
	"context"
	"errors"
	"fmt"
)

// compensation undoes one settlement step that has already been applied.
type compensation struct {
	step string
	undo func(context.Context) error
}

// journal records applied steps so a failed operation can be rolled back in
// reverse order. Nothing is recorded for steps that failed.
type journal struct {
	steps []compensation
}

func (j *journal) record(step string, undo func(context.Context) error) {
	j.steps = append(j.steps, compensation{step: step, undo: undo})
}

func (j *journal) len() int { return len(j.steps) }

// unwind runs every compensation, newest first, even when an earlier one
// fails. Cancellation of the caller's context does not stop the rollback.
func (j *journal) unwind(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(j.steps) - 1; i >= 0; i-- {
		step := j.steps[i]
		if err := step.undo(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", step.step, err))
		}
	}
	j.steps = nil
	return errors.Join(errs...)
}
