package models

import "time"

// StepStatus is the lifecycle state of a StepResult.
type StepStatus string

// Step status constants
const (
	StepPending   StepStatus = "pending"   // Not started (or never persisted)
	StepRunning   StepStatus = "running"   // A worker is executing the step
	StepSucceeded StepStatus = "succeeded" // Response received and persisted
	StepFailed    StepStatus = "failed"    // Retries exhausted or fatal error
)

// IsTerminal reports whether the status is succeeded or failed.
func (s StepStatus) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// Usage is the token accounting reported by a provider for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt + completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// StepResult records the outcome of one step of one task.
type StepResult struct {
	ID               string     // Row identifier assigned by the store
	RunID            string     // Run the result belongs to
	Task             Task       // Owning task
	StepIndex        int        // Step position within the sequence
	StepName         string     // Step name (for display)
	Status           StepStatus // pending, running, succeeded, failed
	Response         string     // Generated text (succeeded only)
	Usage            Usage      // Provider-reported usage
	UsageEstimated   bool       // Usage was counted locally because the provider reported none
	Attempts         int        // Number of attempts made, including the final one
	StartedAt        time.Time  // Admission time of the final attempt
	CompletedAt      time.Time  // When the final attempt returned
	Error            string     // Error message (failed only)
	ErrorKind        string     // Classified cause, see ErrorKind()
	HistoryTruncated bool       // Accumulated history was truncated to fit the window
	ContextTokens    int        // Token count of the prompt actually sent
	TokenCountExact  bool       // False when ContextTokens is a character-based estimate
}

// Duration returns the wall time of the final attempt.
func (r StepResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunStatus is the aggregate state of a run.
type RunStatus string

// Run status constants
const (
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"             // Every task succeeded
	RunCompletedWithErrors RunStatus = "completed_with_errors" // At least one task failed
	RunCancelled           RunStatus = "cancelled"             // Stopped cooperatively before exhausting the matrix
	RunFailed              RunStatus = "failed"                // Coordination fault (e.g. persistence unavailable)
)

// Run is the persisted record of a run.
type Run struct {
	ID        string
	Status    RunStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	Config    string // Opaque configuration snapshot (JSON)
}

// TaskOutcome is the per-task summary of a finished run.
type TaskOutcome struct {
	Task           Task
	Status         string // done, aborted, cancelled, skipped
	StepsSucceeded int
	FailedStep     int    // -1 unless aborted
	ErrorKind      string // Classified cause when aborted
	Error          string
}

// Task outcome status values
const (
	OutcomeDone      = "done"
	OutcomeAborted   = "aborted"
	OutcomeCancelled = "cancelled"
)

// RunSummary is the aggregate result of a run.
type RunSummary struct {
	RunID      string
	Status     RunStatus
	TotalTasks int
	Succeeded  int
	Failed     int
	Cancelled  int
	Duration   time.Duration
	Progress   RunProgress
	Outcomes   []TaskOutcome
	Failures   []TaskOutcome // Subset of Outcomes whose Status is aborted
}
