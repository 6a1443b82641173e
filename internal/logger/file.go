package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/seqbench/internal/models"
)

// FileLogger logs run events to files in the log directory.
// It creates a timestamped per-run log file, one transcript per task with
// every generated response, and maintains a latest.log symlink pointing to
// the most recent run. It is thread-safe.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	tasksDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger writing under logDir. It creates the
// directory if needed and repoints latest.log at the new run log.
func NewFileLogger(logDir, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log, with a suffix when two runs start in the same second
	stamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", stamp))
	for i := 1; ; i++ {
		if _, err := os.Stat(runFile); os.IsNotExist(err) {
			break
		}
		runFile = filepath.Join(logDir, fmt.Sprintf("run-%s-%d.log", stamp, i))
	}

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		tasksDir: tasksDir,
		logLevel: normalizeLogLevel(logLevel),
	}
	fl.writeRunLog("=== seqbench Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))
	return fl, nil
}

// RunFile returns the path of the run log.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// TaskFile returns the transcript path of a task.
func (fl *FileLogger) TaskFile(task models.Task) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_").Replace(task.Key())
	return filepath.Join(fl.tasksDir, name+".md")
}

func (fl *FileLogger) logWithLevel(level, message string) {
	if !allowed(fl.logLevel, strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// OnEvent records an event in the run log. Succeeded steps are also appended
// to the task transcript.
func (fl *FileLogger) OnEvent(ev models.ProgressEvent) {
	task := ev.Task.Key()
	switch ev.Type {
	case models.EventRunStarted:
		fl.logWithLevel("INFO", fmt.Sprintf("Run %s started: %s", ev.RunID, ev.Message))
	case models.EventTaskStarted:
		fl.logWithLevel("DEBUG", fmt.Sprintf("Task %s started at step %d (provider %s)", task, ev.StepIndex, ev.Task.Provider))
	case models.EventStepStarted:
		fl.logWithLevel("TRACE", fmt.Sprintf("Task %s step %d running", task, ev.StepIndex))
	case models.EventStepRetry:
		fl.logWithLevel("WARN", fmt.Sprintf("Task %s step %d attempt %d: %v (%s, retry in %s)", task, ev.StepIndex, ev.Attempt, ev.Err, ev.Message, ev.Delay))
	case models.EventHistoryTruncated:
		fl.logWithLevel("WARN", fmt.Sprintf("Task %s step %d: %s", task, ev.StepIndex, ev.Message))
	case models.EventStepSucceeded:
		fl.logWithLevel("INFO", fmt.Sprintf("Task %s step %d succeeded after %d attempt(s)", task, ev.StepIndex, ev.Attempt))
		if ev.Progress != nil {
			if r, ok := ev.Progress.LastByTask[task]; ok && r.StepIndex == ev.StepIndex {
				if err := fl.appendTranscript(r); err != nil {
					fl.logWithLevel("ERROR", fmt.Sprintf("Task %s: %v", task, err))
				}
			}
		}
	case models.EventStepFailed:
		fl.logWithLevel("ERROR", fmt.Sprintf("Task %s step %d failed (%s): %v", task, ev.StepIndex, ev.Message, ev.Err))
	case models.EventTaskFinished:
		fl.logWithLevel("INFO", fmt.Sprintf("Task %s finished: %s", task, ev.Message))
	case models.EventRunFinished:
		msg := fmt.Sprintf("Run %s finished: %s", ev.RunID, ev.Message)
		if ev.Progress != nil {
			msg += fmt.Sprintf(" (%d/%d steps, %d failed)", ev.Progress.Completed, ev.Progress.TotalSteps, ev.Progress.Failed)
		}
		if ev.Err != nil {
			msg += fmt.Sprintf(": %v", ev.Err)
		}
		fl.logWithLevel("INFO", msg)
	}
}

func (fl *FileLogger) appendTranscript(r models.StepResult) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	path := fl.TaskFile(r.Task)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open task log file: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Step %d: %s\n\n", r.StepIndex+1, r.StepName)
	fmt.Fprintf(&sb, "<!-- attempts=%d prompt_tokens=%d completion_tokens=%d estimated=%t context_tokens=%d truncated=%t -->\n\n",
		r.Attempts, r.Usage.PromptTokens, r.Usage.CompletionTokens, r.UsageEstimated, r.ContextTokens, r.HistoryTruncated)
	sb.WriteString(strings.TrimSpace(r.Response))
	sb.WriteString("\n\n")

	if _, err := file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to write task log: %w", err)
	}
	return nil
}

// LogSummary writes the run summary.
func (fl *FileLogger) LogSummary(summary *models.RunSummary) {
	if summary == nil || !allowed(fl.logLevel, "info") {
		return
	}
	ts := timestamp()
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n[%s] === RUN SUMMARY ===\n", ts)
	fmt.Fprintf(&sb, "[%s] Run:       %s\n", ts, summary.RunID)
	fmt.Fprintf(&sb, "[%s] Status:    %s\n", ts, summary.Status)
	fmt.Fprintf(&sb, "[%s] Tasks:     %d (%d succeeded, %d failed, %d cancelled)\n", ts, summary.TotalTasks, summary.Succeeded, summary.Failed, summary.Cancelled)
	fmt.Fprintf(&sb, "[%s] Steps:     %d/%d\n", ts, summary.Progress.Completed, summary.Progress.TotalSteps)
	fmt.Fprintf(&sb, "[%s] Duration:  %.1fs\n", ts, summary.Duration.Seconds())
	for _, f := range summary.Failures {
		fmt.Fprintf(&sb, "[%s]   - %s step %d: %s: %s\n", ts, f.Task.Key(), f.FailedStep, f.ErrorKind, f.Error)
	}
	fmt.Fprintf(&sb, "[%s] Completed at: %s\n", ts, time.Now().Format(time.RFC3339))
	fl.writeRunLog(sb.String())
}

// writeRunLog writes a message to the run log file (thread-safe).
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog != nil {
		fl.runLog.WriteString(message)
	}
}

// Close closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog != nil {
		err := fl.runLog.Close()
		fl.runLog = nil
		return err
	}
	return nil
}
