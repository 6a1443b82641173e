package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/seqbench/internal/models"
)

// ConsoleLogger logs run progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps for tracking execution flow.
// It supports log level filtering to control message verbosity.
// Color output is automatically enabled for terminal output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	bar         *ProgressBar
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	useColor := isTerminal(writer)
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: useColor,
		bar:         NewProgressBar(0, 20, useColor),
	}
}

// isTerminal reports whether w is a TTY that should get colors. NO_COLOR
// disables colors through fatih/color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (cl *ConsoleLogger) shouldLog(level string) bool {
	return allowed(cl.logLevel, level)
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) { cl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) { cl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) { cl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) { cl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) { cl.logWithLevel("ERROR", message) }

// logWithLevel is a helper that logs a message at the specified level if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	label := level
	if cl.colorOutput {
		label = levelColor(level).Sprint(level)
	}
	fmt.Fprintf(cl.writer, "[%s] [%s] %s\n", timestamp(), label, message)
}

func levelColor(level string) *color.Color {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack)
	case "DEBUG":
		return color.New(color.FgCyan)
	case "INFO":
		return color.New(color.FgBlue)
	case "WARN":
		return color.New(color.FgYellow)
	case "ERROR":
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func (cl *ConsoleLogger) paint(attr color.Attribute, s string) string {
	if !cl.colorOutput {
		return s
	}
	return color.New(attr).Sprint(s)
}

// OnEvent renders a progress event.
func (cl *ConsoleLogger) OnEvent(ev models.ProgressEvent) {
	task := ev.Task.Key()
	switch ev.Type {
	case models.EventRunStarted:
		cl.LogInfo(fmt.Sprintf("Starting run %s: %s", cl.paint(color.Bold, ev.RunID), ev.Message))

	case models.EventTaskStarted:
		if ev.StepIndex > 0 {
			cl.LogDebug(fmt.Sprintf("Task %s resuming at step %d", task, ev.StepIndex))
		} else {
			cl.LogDebug(fmt.Sprintf("Task %s started", task))
		}

	case models.EventStepStarted:
		cl.LogTrace(fmt.Sprintf("Task %s step %d running", task, ev.StepIndex))

	case models.EventStepRetry:
		cl.LogWarn(fmt.Sprintf("Task %s step %d attempt %d failed (%s), retrying in %s: %v",
			task, ev.StepIndex, ev.Attempt, ev.Message, formatDuration(ev.Delay), ev.Err))

	case models.EventHistoryTruncated:
		cl.LogWarn(fmt.Sprintf("Task %s step %d: %s", task, ev.StepIndex, ev.Message))

	case models.EventStepSucceeded:
		if ev.Progress != nil {
			cl.bar.Update(*ev.Progress)
		}
		cl.LogDebug(fmt.Sprintf("Task %s step %d: %s (%d attempt(s))", task, ev.StepIndex, cl.paint(color.FgGreen, "SUCCEEDED"), ev.Attempt))

	case models.EventStepFailed:
		if ev.Progress != nil {
			cl.bar.Update(*ev.Progress)
		}
		cl.LogError(fmt.Sprintf("Task %s step %d: %s (%s): %v", task, ev.StepIndex, cl.paint(color.FgRed, "FAILED"), ev.Message, ev.Err))

	case models.EventTaskFinished:
		status := strings.ToUpper(ev.Message)
		switch ev.Message {
		case models.OutcomeDone:
			status = cl.paint(color.FgGreen, status)
		case models.OutcomeAborted:
			status = cl.paint(color.FgRed, status)
		default:
			status = cl.paint(color.FgYellow, status)
		}
		cl.LogInfo(fmt.Sprintf("Task %s: %s  Progress: %s", task, status, cl.bar.Render()))

	case models.EventRunFinished:
		if ev.Progress != nil {
			cl.bar.Update(*ev.Progress)
		}
		if ev.Err != nil {
			cl.LogError(fmt.Sprintf("Run %s %s: %v", ev.RunID, ev.Message, ev.Err))
		} else {
			cl.LogInfo(fmt.Sprintf("Run %s %s  Progress: %s", ev.RunID, ev.Message, cl.bar.Render()))
		}
	}
}

// LogWaitCountdown announces a long backoff wait.
func (cl *ConsoleLogger) LogWaitCountdown(remaining, total time.Duration) {
	cl.LogInfo(fmt.Sprintf("Waiting for provider: %s remaining of %s", formatDuration(remaining), formatDuration(total)))
}

// LogSummary logs the run summary with completion statistics at INFO level.
func (cl *ConsoleLogger) LogSummary(summary *models.RunSummary) {
	if cl.writer == nil || summary == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	p := summary.Progress
	var sb strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&sb, "[%s] %s\n", ts, fmt.Sprintf(format, args...))
	}

	line("%s", cl.paint(color.Bold, "=== Run Summary ==="))
	line("Run: %s", summary.RunID)
	line("Status: %s", cl.statusText(summary.Status))
	line("Tasks: %d total, %s, %s, %d cancelled", summary.TotalTasks,
		cl.paint(color.FgGreen, fmt.Sprintf("%d succeeded", summary.Succeeded)),
		cl.failedText(summary.Failed), summary.Cancelled)
	line("Steps: %d/%d completed, %d failed, %d pending", p.Completed, p.TotalSteps, p.Failed, p.Pending)
	line("Tokens: %d prompt, %d completion", p.PromptTokens, p.CompletionTokens)
	line("Duration: %s", formatDuration(summary.Duration))

	if len(summary.Failures) > 0 {
		line("%s", cl.paint(color.FgRed, "Failed tasks:"))
		for _, f := range summary.Failures {
			line("  - %s at step %d (%s): %s", f.Task.Key(), f.FailedStep, f.ErrorKind, f.Error)
		}
	}

	io.WriteString(cl.writer, sb.String())
}

// LogProgress prints a progress snapshot, used by the status command.
func (cl *ConsoleLogger) LogProgress(p models.RunProgress) {
	bar := NewProgressBar(p.TotalSteps, 20, cl.colorOutput)
	bar.Update(p)
	cl.LogInfo(fmt.Sprintf("Progress: %s  (%d failed, %d pending)", bar.Render(), p.Failed, p.Pending))
}

func (cl *ConsoleLogger) statusText(s models.RunStatus) string {
	switch s {
	case models.RunCompleted:
		return cl.paint(color.FgGreen, string(s))
	case models.RunCompletedWithErrors, models.RunCancelled:
		return cl.paint(color.FgYellow, string(s))
	default:
		return cl.paint(color.FgRed, string(s))
	}
}

func (cl *ConsoleLogger) failedText(n int) string {
	text := fmt.Sprintf("%d failed", n)
	if n > 0 {
		return cl.paint(color.FgRed, text)
	}
	return text
}
