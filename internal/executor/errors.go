package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harrison/seqbench/internal/models"
)

// RunError aggregates the task failures of a finished run.
// It provides context about how many tasks were affected and where each stopped.
type RunError struct {
	RunID      string
	Status     models.RunStatus
	TotalTasks int
	Failures   []*models.TaskFailure
}

// NewRunError builds a RunError from a summary. It returns nil when the run
// has no failed tasks.
func NewRunError(summary *models.RunSummary) *RunError {
	if summary == nil || len(summary.Failures) == 0 {
		return nil
	}
	e := &RunError{
		RunID:      summary.RunID,
		Status:     summary.Status,
		TotalTasks: summary.TotalTasks,
	}
	for _, f := range summary.Failures {
		e.Failures = append(e.Failures, &models.TaskFailure{
			Task:      f.Task,
			StepIndex: f.FailedStep,
			Err:       errors.New(f.Error),
		})
	}
	return e
}

// Error implements the error interface for RunError.
func (e *RunError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("run %s %s: %d/%d tasks failed", e.RunID, e.Status, len(e.Failures), e.TotalTasks))
	if len(e.Failures) > 0 {
		sb.WriteString(":")
		for _, f := range e.Failures {
			sb.WriteString(fmt.Sprintf("\n  - task %s stopped at step %d: %v", f.Task.Key(), f.StepIndex, f.Err))
		}
	}
	return sb.String()
}

// Unwrap returns the task failures for error unwrapping support.
func (e *RunError) Unwrap() []error {
	if len(e.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// IsRunError checks if the error is or wraps a RunError.
func IsRunError(err error) bool {
	if err == nil {
		return false
	}
	var re *RunError
	return errors.As(err, &re)
}

// isStopped reports whether err comes from a cancelled context rather than
// from the provider.
func isStopped(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, models.ErrCancellationRequested)
}
