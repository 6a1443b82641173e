package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/contextwindow"
	"github.com/harrison/seqbench/internal/llm"
	"github.com/harrison/seqbench/internal/log"
	"github.com/harrison/seqbench/internal/models"
	"github.com/harrison/seqbench/internal/retry"
	"github.com/harrison/seqbench/internal/store"
)

// historySeparator joins consecutive responses in a task's history.
const historySeparator = "\n\n"

// WorkerState is the lifecycle state of a SequenceWorker.
type WorkerState string

// Worker states
const (
	WorkerIdle      WorkerState = "idle"
	WorkerRunning   WorkerState = "running"
	WorkerDone      WorkerState = "done"
	WorkerAborted   WorkerState = "aborted"
	WorkerCancelled WorkerState = "cancelled"
)

// sequenceState is the accumulated history of one task. Only its worker
// touches it.
type sequenceState struct {
	history string
	next    int
}

func (s *sequenceState) append(response string) {
	if s.history == "" {
		s.history = response
	} else {
		s.history += historySeparator + response
	}
	s.next++
}

// workerDeps are the shared collaborators handed to every worker.
type workerDeps struct {
	store       store.ProgressStore
	limiter     *budget.RateLimiter
	policy      *retry.Policy
	budgeter    *contextwindow.Budgeter
	callTimeout time.Duration
	emit        func(models.ProgressEvent)
	progress    *progressTracker
	logger      log.Logger
	now         func() time.Time
}

// SequenceWorker drives one task through its sequence, one step at a time.
type SequenceWorker struct {
	runID  string
	task   models.Task
	seq    models.Sequence
	model  ModelSpec
	client llm.ModelClient
	deps   workerDeps
	logger log.Logger

	state     WorkerState
	seqState  sequenceState
	succeeded int
}

func newSequenceWorker(runID string, task models.Task, seq models.Sequence, model ModelSpec, client llm.ModelClient, deps workerDeps) *SequenceWorker {
	return &SequenceWorker{
		runID:  runID,
		task:   task,
		seq:    seq,
		model:  model,
		client: client,
		deps:   deps,
		logger: deps.logger.WithValues(log.Kv{"task": task.Key()}),
		state:  WorkerIdle,
	}
}

// State returns the worker's current state.
func (w *SequenceWorker) State() WorkerState {
	return w.state
}

// load rebuilds history from the contiguous prefix of succeeded steps.
func (w *SequenceWorker) load(ctx context.Context) error {
	results, err := w.deps.store.ListStepResults(ctx, w.runID, w.task)
	if err != nil {
		return models.NewPersistenceError("list step results", err)
	}
	byIndex := make(map[int]models.StepResult, len(results))
	for _, r := range results {
		byIndex[r.StepIndex] = r
	}
	for w.seqState.next < len(w.seq.Steps) {
		r, ok := byIndex[w.seqState.next]
		if !ok || r.Status != models.StepSucceeded {
			break
		}
		w.seqState.append(r.Response)
		w.succeeded++
	}
	if w.seqState.next > 0 {
		w.logger.Debugf("resuming at step %d of %d", w.seqState.next, len(w.seq.Steps))
	}
	return nil
}

// Run executes the remaining steps. ctx stops the worker between steps and
// interrupts admission and backoff waits; callCtx bounds in-flight provider
// calls so a cooperative stop lets them finish. The returned error is non-nil
// only for persistence failures; step failures are reported in the outcome.
func (w *SequenceWorker) Run(ctx, callCtx context.Context) (models.TaskOutcome, error) {
	outcome := models.TaskOutcome{Task: w.task, FailedStep: -1}

	if err := w.load(ctx); err != nil {
		return outcome, err
	}

	w.state = WorkerRunning
	w.emit(models.ProgressEvent{Type: models.EventTaskStarted, StepIndex: w.seqState.next})

	finish := func(state WorkerState, status string) (models.TaskOutcome, error) {
		w.state = state
		outcome.Status = status
		outcome.StepsSucceeded = w.succeeded
		w.emit(models.ProgressEvent{Type: models.EventTaskFinished, StepIndex: w.seqState.next, Message: status, Err: errorOrNil(outcome.Error)})
		return outcome, nil
	}

	for w.seqState.next < len(w.seq.Steps) {
		if ctx.Err() != nil {
			return finish(WorkerCancelled, models.OutcomeCancelled)
		}

		step := w.seq.Steps[w.seqState.next]
		result, err := w.runStep(ctx, callCtx, step)
		if err != nil {
			w.state = WorkerAborted
			return outcome, err
		}
		if result == nil {
			return finish(WorkerCancelled, models.OutcomeCancelled)
		}

		if result.Status == models.StepFailed {
			outcome.FailedStep = step.Index
			outcome.ErrorKind = result.ErrorKind
			outcome.Error = result.Error
			w.logger.Warningf("aborted at step %d (%s): %s", step.Index, result.ErrorKind, result.Error)
			return finish(WorkerAborted, models.OutcomeAborted)
		}

		w.seqState.append(result.Response)
		w.succeeded++
	}

	return finish(WorkerDone, models.OutcomeDone)
}

// runStep executes one step. It returns a nil result when the step was
// stopped before producing an outcome; nothing is persisted in that case.
func (w *SequenceWorker) runStep(ctx, callCtx context.Context, step models.PromptStep) (*models.StepResult, error) {
	limits := contextwindow.ModelLimits{
		Model:            w.model.Name,
		MaxContextTokens: w.model.MaxContextTokens,
		MaxOutputTokens:  w.model.MaxOutputTokens,
	}
	composed, err := w.deps.budgeter.Build(w.seqState.history, step.Prompt, limits)
	if err != nil {
		now := w.deps.now()
		result := w.newResult(step)
		result.Status = models.StepFailed
		result.StartedAt = now
		result.CompletedAt = now
		result.Error = err.Error()
		result.ErrorKind = models.ErrorKind(err)
		result.TokenCountExact = w.deps.budgeter.Tokenizers().IsExact(w.model.Name)
		var ctxErr *models.ContextLimitExceededError
		if errors.As(err, &ctxErr) {
			result.ContextTokens = ctxErr.PromptTokens
		}
		return result, w.record(result, false, err)
	}

	if composed.HistoryTruncated {
		w.emit(models.ProgressEvent{
			Type:      models.EventHistoryTruncated,
			StepIndex: step.Index,
			Message:   fmt.Sprintf("history truncated to %d tokens", composed.HistoryTokens),
		})
	}

	w.deps.progress.stepStarted()
	w.emit(models.ProgressEvent{Type: models.EventStepStarted, StepIndex: step.Index, Status: models.StepRunning})

	var (
		resp      llm.Response
		estimated bool
		startedAt time.Time
		endedAt   time.Time
	)
	params := llm.Params{Temperature: w.model.Temperature, MaxOutputTokens: w.model.MaxOutputTokens}
	estimate := composed.PromptTokens + w.model.MaxOutputTokens

	attempt := func(ctx context.Context, _ int) error {
		permit, err := w.deps.limiter.Acquire(ctx, w.task.Provider, estimate)
		if err != nil {
			return err
		}
		startedAt = w.deps.now()

		cctx, cancel := callContext(callCtx, w.deps.callTimeout)
		defer cancel()

		r, err := w.client.Generate(cctx, composed.Text, params)
		endedAt = w.deps.now()
		if err != nil {
			permit.Release(-1)
			return err
		}
		// Providers that report no usage are counted with the model's tokenizer.
		estimated = r.Usage.Total() == 0
		if estimated {
			r.Usage = models.Usage{
				PromptTokens:     composed.PromptTokens,
				CompletionTokens: w.deps.budgeter.Tokenizers().For(w.model.Name).Count(r.Text),
			}
		}
		permit.Release(r.Usage.Total())
		resp = r
		return nil
	}

	onRetry := func(ev retry.RetryEvent) {
		w.emit(models.ProgressEvent{
			Type:      models.EventStepRetry,
			StepIndex: step.Index,
			Status:    models.StepRunning,
			Attempt:   ev.Attempt,
			Delay:     ev.Delay,
			Message:   ev.Decision.Reason,
			Err:       ev.Err,
		})
	}

	attempts, err := w.deps.policy.Execute(ctx, w.task.Provider, attempt, onRetry)
	if err != nil && isStopped(ctx, err) {
		w.deps.progress.stepAbandoned()
		w.logger.Debugf("step %d stopped before completion", step.Index)
		return nil, nil
	}

	result := w.newResult(step)
	result.Attempts = attempts
	result.HistoryTruncated = composed.HistoryTruncated
	result.ContextTokens = composed.PromptTokens
	result.TokenCountExact = composed.Exact
	result.StartedAt = startedAt
	result.CompletedAt = endedAt
	if startedAt.IsZero() {
		// The breaker refused every attempt.
		now := w.deps.now()
		result.StartedAt, result.CompletedAt = now, now
	}

	if err != nil {
		result.Status = models.StepFailed
		result.Error = err.Error()
		result.ErrorKind = models.ErrorKind(err)
	} else {
		result.Status = models.StepSucceeded
		result.Response = resp.Text
		result.Usage = resp.Usage
		result.UsageEstimated = estimated
	}
	return result, w.record(result, true, err)
}

func (w *SequenceWorker) newResult(step models.PromptStep) *models.StepResult {
	return &models.StepResult{
		RunID:     w.runID,
		Task:      w.task,
		StepIndex: step.Index,
		StepName:  step.Name,
	}
}

// record persists a terminal result and publishes it.
func (w *SequenceWorker) record(result *models.StepResult, wasInProgress bool, cause error) error {
	// Terminal results are written even when a stop was requested mid-call.
	if err := w.deps.store.UpsertStepResult(context.Background(), result); err != nil {
		if wasInProgress {
			w.deps.progress.stepAbandoned()
		}
		return models.NewPersistenceError("upsert step result", err)
	}

	snapshot := w.deps.progress.stepRecorded(*result, wasInProgress)
	evType := models.EventStepSucceeded
	if result.Status == models.StepFailed {
		evType = models.EventStepFailed
	}
	w.emit(models.ProgressEvent{
		Type:      evType,
		StepIndex: result.StepIndex,
		Status:    result.Status,
		Attempt:   result.Attempts,
		Message:   result.ErrorKind,
		Err:       cause,
		Progress:  &snapshot,
	})
	return nil
}

func (w *SequenceWorker) emit(ev models.ProgressEvent) {
	ev.RunID = w.runID
	ev.Task = w.task
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.deps.now()
	}
	w.deps.emit(ev)
}

// callContext derives the context for one provider call.
func callContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

func errorOrNil(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
