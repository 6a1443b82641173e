package executor

import (
	"context"
	"sync"

	"github.com/harrison/seqbench/internal/models"
	"github.com/harrison/seqbench/internal/store"
)

// progressTracker maintains the live RunProgress. Everything except
// InProgress mirrors what RebuildProgress derives from the store.
type progressTracker struct {
	mu sync.Mutex
	p  models.RunProgress
}

func newProgressTracker(initial models.RunProgress) *progressTracker {
	if initial.LastByTask == nil {
		initial.LastByTask = make(map[string]models.StepResult)
	}
	return &progressTracker{p: initial}
}

func (t *progressTracker) stepStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.InProgress++
	if t.p.Pending > 0 {
		t.p.Pending--
	}
}

// stepAbandoned undoes stepStarted for a step that produced no result.
func (t *progressTracker) stepAbandoned() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p.InProgress > 0 {
		t.p.InProgress--
	}
	t.p.Pending++
}

// stepRecorded accounts for a persisted terminal result. wasInProgress is
// false for results recorded without a call (context overflow).
func (t *progressTracker) stepRecorded(r models.StepResult, wasInProgress bool) models.RunProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := r.Task.Key()
	if prev, ok := t.p.LastByTask[key]; ok && prev.StepIndex == r.StepIndex && prev.Status == models.StepFailed {
		// A previously failed step is being retried on resume.
		t.p.Failed--
		t.p.Pending++
	}

	if wasInProgress {
		if t.p.InProgress > 0 {
			t.p.InProgress--
		}
	} else if t.p.Pending > 0 {
		t.p.Pending--
	}

	switch r.Status {
	case models.StepSucceeded:
		t.p.Completed++
	case models.StepFailed:
		t.p.Failed++
	}
	t.p.PromptTokens += r.Usage.PromptTokens
	t.p.CompletionTokens += r.Usage.CompletionTokens
	t.p.LastByTask[key] = r
	return t.p.Clone()
}

func (t *progressTracker) snapshot() models.RunProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.Clone()
}

// RebuildProgress derives a run's progress from the store. InProgress is
// always zero since running steps are never persisted.
func RebuildProgress(ctx context.Context, s store.ProgressStore, runID string) (models.RunProgress, error) {
	tasks, err := s.ListTasks(ctx, runID)
	if err != nil {
		return models.RunProgress{}, models.NewPersistenceError("list tasks", err)
	}
	results, err := s.ListRunResults(ctx, runID)
	if err != nil {
		return models.RunProgress{}, models.NewPersistenceError("list run results", err)
	}

	p := models.RunProgress{
		RunID:      runID,
		LastByTask: make(map[string]models.StepResult),
	}
	steps := make(map[string]int, len(tasks))
	for _, rt := range tasks {
		p.TotalSteps += rt.TotalSteps
		steps[rt.Task.Key()] = rt.TotalSteps
	}

	for _, r := range results {
		key := r.Task.Key()
		if total, ok := steps[key]; !ok || r.StepIndex >= total {
			continue
		}
		switch r.Status {
		case models.StepSucceeded:
			p.Completed++
		case models.StepFailed:
			p.Failed++
		}
		p.PromptTokens += r.Usage.PromptTokens
		p.CompletionTokens += r.Usage.CompletionTokens
		if prev, ok := p.LastByTask[key]; !ok || r.StepIndex >= prev.StepIndex {
			p.LastByTask[key] = r
		}
	}

	p.Pending = p.TotalSteps - p.Completed - p.Failed
	if p.Pending < 0 {
		p.Pending = 0
	}
	return p, nil
}
