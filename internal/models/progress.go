package models

import "time"

// RunProgress is a read-only snapshot of aggregate run progress. It is a
// derived view: everything except InProgress can be rebuilt from the
// persisted StepResults of the run.
type RunProgress struct {
	RunID            string
	TotalSteps       int
	Completed        int
	Failed           int
	InProgress       int
	Pending          int
	PromptTokens     int
	CompletionTokens int
	LastByTask       map[string]StepResult // keyed by Task.Key()
}

// Percentage returns completed+failed steps as a percentage of TotalSteps.
func (p RunProgress) Percentage() int {
	if p.TotalSteps == 0 {
		return 0
	}
	perc := ((p.Completed + p.Failed) * 100) / p.TotalSteps
	if perc > 100 {
		perc = 100
	}
	return perc
}

// Clone returns a deep copy so callers can hold on to a snapshot.
func (p RunProgress) Clone() RunProgress {
	out := p
	out.LastByTask = make(map[string]StepResult, len(p.LastByTask))
	for k, v := range p.LastByTask {
		out.LastByTask[k] = v
	}
	return out
}

// EventType identifies a progress event.
type EventType string

// Event types emitted by the engine
const (
	EventRunStarted       EventType = "run_started"
	EventTaskStarted      EventType = "task_started"
	EventStepStarted      EventType = "step_started"
	EventStepRetry        EventType = "step_retry"
	EventHistoryTruncated EventType = "history_truncated"
	EventStepSucceeded    EventType = "step_succeeded"
	EventStepFailed       EventType = "step_failed"
	EventTaskFinished     EventType = "task_finished"
	EventRunFinished      EventType = "run_finished"
)

// ProgressEvent is a structured progress notification. Observers receive
// these in the order each worker produces them; no order holds across tasks.
type ProgressEvent struct {
	Type      EventType
	RunID     string
	Task      Task
	StepIndex int
	Status    StepStatus
	Timestamp time.Time
	Attempt   int
	Delay     time.Duration // Backoff delay for step_retry events
	Message   string
	Err       error
	Progress  *RunProgress // Populated for step_succeeded, step_failed and run_finished
}
