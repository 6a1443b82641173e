package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/contextwindow"
	"github.com/harrison/seqbench/internal/llm"
	"github.com/harrison/seqbench/internal/log"
	"github.com/harrison/seqbench/internal/models"
	"github.com/harrison/seqbench/internal/retry"
	"github.com/harrison/seqbench/internal/store"
)

// DefaultGlobalConcurrency bounds the number of workers when none is configured.
const DefaultGlobalConcurrency = 4

// RunnerConfig wires a Runner. Store, Sequences, Models and Clients are
// required; the remaining collaborators get permissive defaults.
type RunnerConfig struct {
	GlobalConcurrency int
	CallTimeout       time.Duration // Per provider call, 0 = no timeout

	Sequences map[string]models.Sequence
	Models    []ModelSpec
	Clients   map[string]llm.ModelClient // keyed by model name

	Store    store.ProgressStore
	Limiter  *budget.RateLimiter
	Policy   *retry.Policy
	Budgeter *contextwindow.Budgeter

	Observers      []Observer
	Logger         log.Logger
	ConfigSnapshot string // Stored with newly created runs
}

// Runner executes task matrices with bounded parallelism.
type Runner struct {
	cfg       RunnerConfig
	models    map[string]ModelSpec
	observers []Observer
	deliverMu sync.Mutex
	logger    log.Logger
	now       func() time.Time
}

// NewRunner validates cfg and creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errors.New("runner: store is required")
	}
	if len(cfg.Sequences) == 0 {
		return nil, errors.New("runner: no sequences configured")
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = DefaultGlobalConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Noop
	}
	if cfg.Limiter == nil {
		cfg.Limiter = budget.NewRateLimiter(nil)
	}
	if cfg.Budgeter == nil {
		cfg.Budgeter = contextwindow.NewBudgeter(contextwindow.Options{Logger: cfg.Logger})
	}
	if cfg.Policy == nil {
		p, err := retry.NewPolicy(nil, retry.DefaultSettings(), nil, retry.WithLogger(cfg.Logger))
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	}

	byName := make(map[string]ModelSpec, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.Name == "" || m.Provider == "" {
			return nil, fmt.Errorf("runner: model %q needs a name and a provider", m.Name)
		}
		if _, ok := cfg.Clients[m.Name]; !ok {
			return nil, fmt.Errorf("runner: no client for model %s", m.Name)
		}
		byName[m.Name] = m
	}
	for name, seq := range cfg.Sequences {
		if err := seq.Validate(); err != nil {
			return nil, fmt.Errorf("runner: sequence %s: %w", name, err)
		}
	}

	return &Runner{
		cfg:       cfg,
		models:    byName,
		observers: nonNilObservers(cfg.Observers),
		logger:    cfg.Logger.WithValues(log.Kv{"svc": "executor.Runner"}),
		now:       time.Now,
	}, nil
}

// Start registers a new run and launches its tasks. An empty runID gets a
// generated one. The returned handle is live until Wait returns.
func (r *Runner) Start(ctx context.Context, runID string, tasks []models.Task) (*RunHandle, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if len(tasks) == 0 {
		return nil, errors.New("no tasks to run")
	}

	registered, err := r.resolve(tasks)
	if err != nil {
		return nil, err
	}

	if _, err := r.cfg.Store.GetRun(ctx, runID); err == nil {
		return nil, fmt.Errorf("run %s already exists", runID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, models.NewPersistenceError("get run", err)
	}

	now := r.now().UTC()
	run := models.Run{ID: runID, Status: models.RunRunning, CreatedAt: now, UpdatedAt: now, Config: r.cfg.ConfigSnapshot}
	if err := r.cfg.Store.CreateRun(ctx, run); err != nil {
		return nil, models.NewPersistenceError("create run", err)
	}
	if err := r.cfg.Store.RegisterTasks(ctx, runID, registered); err != nil {
		return nil, models.NewPersistenceError("register tasks", err)
	}

	initial := models.RunProgress{RunID: runID}
	for _, rt := range registered {
		initial.TotalSteps += rt.TotalSteps
	}
	initial.Pending = initial.TotalSteps

	r.logger.Infof("run %s: starting %d tasks (%d steps)", runID, len(tasks), initial.TotalSteps)
	return r.launch(ctx, runID, tasks, initial), nil
}

// Resume restarts the incomplete tasks of an existing run. Succeeded steps
// are never re-executed.
func (r *Runner) Resume(ctx context.Context, runID string) (*RunHandle, error) {
	if _, err := r.cfg.Store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, err)
		}
		return nil, models.NewPersistenceError("get run", err)
	}

	incomplete, err := r.cfg.Store.ListIncompleteTasks(ctx, runID)
	if err != nil {
		return nil, models.NewPersistenceError("list incomplete tasks", err)
	}
	tasks := make([]models.Task, 0, len(incomplete))
	for _, t := range incomplete {
		// The model may have moved providers since the run was created.
		if m, ok := r.models[t.Model]; ok {
			t.Provider = m.Provider
		}
		tasks = append(tasks, t)
	}
	if _, err := r.resolve(tasks); err != nil {
		return nil, err
	}

	initial, err := RebuildProgress(ctx, r.cfg.Store, runID)
	if err != nil {
		return nil, err
	}
	if err := r.cfg.Store.UpdateRunStatus(ctx, runID, models.RunRunning); err != nil {
		return nil, models.NewPersistenceError("update run status", err)
	}

	r.logger.Infof("run %s: resuming %d incomplete tasks (%d/%d steps done)", runID, len(tasks), initial.Completed, initial.TotalSteps)
	return r.launch(ctx, runID, tasks, initial), nil
}

// resolve checks every task against the configuration.
func (r *Runner) resolve(tasks []models.Task) ([]store.RegisteredTask, error) {
	seen := make(map[string]bool, len(tasks))
	out := make([]store.RegisteredTask, 0, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.Key(), err)
		}
		if seen[t.Key()] {
			return nil, fmt.Errorf("duplicate task %s", t.Key())
		}
		seen[t.Key()] = true
		if _, ok := r.models[t.Model]; !ok {
			return nil, fmt.Errorf("task %s: unknown model %s", t.Key(), t.Model)
		}
		seq, ok := r.cfg.Sequences[t.Sequence]
		if !ok {
			return nil, fmt.Errorf("task %s: unknown sequence %s", t.Key(), t.Sequence)
		}
		out = append(out, store.RegisteredTask{Task: t, TotalSteps: len(seq.Steps)})
	}
	return out, nil
}

// launch runs tasks in the background and returns the handle.
func (r *Runner) launch(ctx context.Context, runID string, tasks []models.Task, initial models.RunProgress) *RunHandle {
	hardCtx, hardCancel := context.WithCancel(ctx)
	stopCtx, stop := context.WithCancel(hardCtx)

	h := &RunHandle{
		runID:    runID,
		stop:     stop,
		done:     make(chan struct{}),
		progress: newProgressTracker(initial),
	}
	events := newEmitter(r.observers, &r.deliverMu)

	deps := workerDeps{
		store:       r.cfg.Store,
		limiter:     r.cfg.Limiter,
		policy:      r.cfg.Policy,
		budgeter:    r.cfg.Budgeter,
		callTimeout: r.cfg.CallTimeout,
		emit:        events.emit,
		progress:    h.progress,
		logger:      r.logger,
		now:         r.now,
	}

	started := r.now()
	events.emit(models.ProgressEvent{
		Type:      models.EventRunStarted,
		RunID:     runID,
		Timestamp: started,
		Message:   fmt.Sprintf("%d tasks", len(tasks)),
	})

	go func() {
		defer close(h.done)
		// Observers have seen run_finished by the time Wait returns.
		defer events.close()
		defer hardCancel()

		outcomes := make([]models.TaskOutcome, len(tasks))
		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			persistErr error
		)
		semaphore := make(chan struct{}, r.cfg.GlobalConcurrency)

	launchLoop:
		for i, task := range tasks {
			select {
			case <-stopCtx.Done():
				for j := i; j < len(tasks); j++ {
					outcomes[j] = models.TaskOutcome{Task: tasks[j], Status: models.OutcomeCancelled, FailedStep: -1}
				}
				break launchLoop
			case semaphore <- struct{}{}:
			}

			wg.Add(1)
			go func(idx int, task models.Task) {
				defer wg.Done()
				defer func() { <-semaphore }()

				w := newSequenceWorker(runID, task, r.cfg.Sequences[task.Sequence], r.models[task.Model], r.cfg.Clients[task.Model], deps)
				outcome, err := w.Run(stopCtx, hardCtx)
				if err != nil {
					outcome.Status = models.OutcomeCancelled
					mu.Lock()
					if persistErr == nil {
						persistErr = err
						r.logger.Errorf("run %s: %v; stopping all workers", runID, err)
						hardCancel()
					}
					mu.Unlock()
				}
				outcomes[idx] = outcome
			}(i, task)
		}
		wg.Wait()

		summary := r.summarize(runID, outcomes, persistErr, h.progress.snapshot())
		summary.Duration = r.now().Sub(started)

		if err := r.cfg.Store.UpdateRunStatus(context.WithoutCancel(ctx), runID, summary.Status); err != nil && persistErr == nil {
			persistErr = models.NewPersistenceError("update run status", err)
			summary.Status = models.RunFailed
		}

		r.logger.Infof("run %s finished: %s (%d succeeded, %d failed, %d cancelled) in %s",
			runID, summary.Status, summary.Succeeded, summary.Failed, summary.Cancelled, summary.Duration.Round(time.Millisecond))

		progress := summary.Progress
		events.emit(models.ProgressEvent{
			Type:      models.EventRunFinished,
			RunID:     runID,
			Timestamp: r.now(),
			Message:   string(summary.Status),
			Err:       persistErr,
			Progress:  &progress,
		})

		h.summary = summary
		h.err = persistErr
	}()

	return h
}

func (r *Runner) summarize(runID string, outcomes []models.TaskOutcome, persistErr error, progress models.RunProgress) *models.RunSummary {
	s := &models.RunSummary{
		RunID:      runID,
		TotalTasks: len(outcomes),
		Progress:   progress,
		Outcomes:   outcomes,
	}
	for _, o := range outcomes {
		switch o.Status {
		case models.OutcomeDone:
			s.Succeeded++
		case models.OutcomeAborted:
			s.Failed++
			s.Failures = append(s.Failures, o)
		default:
			s.Cancelled++
		}
	}

	switch {
	case persistErr != nil:
		s.Status = models.RunFailed
	case s.Cancelled > 0:
		s.Status = models.RunCancelled
	case s.Failed > 0:
		s.Status = models.RunCompletedWithErrors
	default:
		s.Status = models.RunCompleted
	}
	return s
}

// RunHandle controls a run started by Start or Resume.
type RunHandle struct {
	runID    string
	stop     context.CancelFunc
	done     chan struct{}
	progress *progressTracker

	summary *models.RunSummary
	err     error
}

// RunID returns the run identifier.
func (h *RunHandle) RunID() string {
	return h.runID
}

// Wait blocks until every worker has exited. The error is a
// *models.PersistenceError when the run failed; task failures are reported
// in the summary only.
func (h *RunHandle) Wait() (*models.RunSummary, error) {
	<-h.done
	return h.summary, h.err
}

// Cancel asks workers to stop after their current step. In-flight provider
// calls are allowed to complete and their results are persisted.
func (h *RunHandle) Cancel() {
	h.stop()
}

// Progress returns a snapshot of the live progress.
func (h *RunHandle) Progress() models.RunProgress {
	return h.progress.snapshot()
}

// Done is closed when the run has finished.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}
