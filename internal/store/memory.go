package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harrison/seqbench/internal/models"
)

type stepKey struct {
	runID   string
	taskKey string
	step    int
}

// MemoryStore is an in-process ProgressStore. Data is lost on exit; it
// serves dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]models.Run
	tasks   map[string][]RegisteredTask
	results map[stepKey]models.StepResult
	now     func() time.Time
}

var _ ProgressStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]models.Run),
		tasks:   make(map[string][]RegisteredTask),
		results: make(map[stepKey]models.StepResult),
		now:     time.Now,
	}
}

// CreateRun inserts a run record.
func (m *MemoryStore) CreateRun(ctx context.Context, run models.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("could not create run %s: already exists", run.ID)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = m.now()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	m.runs[run.ID] = run
	return nil
}

// GetRun returns a run or ErrNotFound.
func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return &run, nil
}

// UpdateRunStatus sets a run's status.
func (m *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	run.Status = status
	run.UpdatedAt = m.now()
	m.runs[runID] = run
	return nil
}

// ListRuns returns all runs, newest first.
func (m *MemoryStore) ListRuns(ctx context.Context) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]models.Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// RegisterTasks records the task matrix of a run.
func (m *MemoryStore) RegisterTasks(ctx context.Context, runID string, tasks []RegisteredTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.tasks[runID]
	index := make(map[string]int, len(existing))
	for i, rt := range existing {
		index[rt.Task.Key()] = i
	}
	for _, rt := range tasks {
		if i, ok := index[rt.Task.Key()]; ok {
			existing[i] = rt
			continue
		}
		index[rt.Task.Key()] = len(existing)
		existing = append(existing, rt)
	}
	m.tasks[runID] = existing
	return nil
}

// ListTasks returns the registered tasks of a run in registration order.
func (m *MemoryStore) ListTasks(ctx context.Context, runID string) ([]RegisteredTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RegisteredTask(nil), m.tasks[runID]...), nil
}

// UpsertStepResult writes r keyed by its task and step index.
func (m *MemoryStore) UpsertStepResult(ctx context.Context, r *models.StepResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey{runID: r.RunID, taskKey: r.Task.Key(), step: r.StepIndex}
	if prev, ok := m.results[key]; ok {
		r.ID = prev.ID
	} else if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	m.results[key] = *r
	return nil
}

// ListStepResults returns a task's results ordered by step index.
func (m *MemoryStore) ListStepResults(ctx context.Context, runID string, task models.Task) ([]models.StepResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.StepResult
	taskKey := task.Key()
	for k, r := range m.results {
		if k.runID == runID && k.taskKey == taskKey {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// ListRunResults returns every result of a run.
func (m *MemoryStore) ListRunResults(ctx context.Context, runID string) ([]models.StepResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.StepResult
	for k, r := range m.results {
		if k.runID == runID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Task, out[j].Task
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if a.RunNumber != b.RunNumber {
			return a.RunNumber < b.RunNumber
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out, nil
}

// ListIncompleteTasks returns the tasks lacking a succeeded result for some step.
func (m *MemoryStore) ListIncompleteTasks(ctx context.Context, runID string) ([]models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Task
	for _, rt := range m.tasks[runID] {
		key := rt.Task.Key()
		for step := 0; step < rt.TotalSteps; step++ {
			r, ok := m.results[stepKey{runID: runID, taskKey: key, step: step}]
			if !ok || r.Status != models.StepSucceeded {
				out = append(out, rt.Task)
				break
			}
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
