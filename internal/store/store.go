// Package store persists run progress so an interrupted run can resume
// without re-executing succeeded steps.
package store

import (
	"context"
	"errors"

	"github.com/harrison/seqbench/internal/models"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RegisteredTask is a task of a run together with its number of steps.
type RegisteredTask struct {
	Task       models.Task
	TotalSteps int
}

// ProgressStore is the durable record of a run. StepResults are upserted by
// (run, model, sequence, run number, step index); writing the same key twice
// replaces the earlier row. Implementations must be safe for concurrent use.
type ProgressStore interface {
	CreateRun(ctx context.Context, run models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus) error
	ListRuns(ctx context.Context) ([]models.Run, error)

	// RegisterTasks records the task matrix of a run. Re-registering a task
	// updates its step count.
	RegisterTasks(ctx context.Context, runID string, tasks []RegisteredTask) error
	ListTasks(ctx context.Context, runID string) ([]RegisteredTask, error)

	// UpsertStepResult writes r, assigning r.ID when empty. An existing row
	// keeps its ID.
	UpsertStepResult(ctx context.Context, r *models.StepResult) error
	// ListStepResults returns a task's results ordered by step index.
	ListStepResults(ctx context.Context, runID string, task models.Task) ([]models.StepResult, error)
	// ListRunResults returns every result of a run ordered by task and step.
	ListRunResults(ctx context.Context, runID string) ([]models.StepResult, error)
	// ListIncompleteTasks returns the registered tasks that do not have a
	// succeeded result for every step, in registration order.
	ListIncompleteTasks(ctx context.Context, runID string) ([]models.Task, error)

	Close() error
}
