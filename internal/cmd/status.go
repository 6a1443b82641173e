package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/seqbench/internal/config"
	"github.com/harrison/seqbench/internal/executor"
	"github.com/harrison/seqbench/internal/filelock"
	"github.com/harrison/seqbench/internal/logger"
	"github.com/harrison/seqbench/internal/models"
	"github.com/harrison/seqbench/internal/store"
)

// Task states shown by status
const (
	taskDone       = "done"
	taskFailed     = "failed"
	taskIncomplete = "incomplete"
	taskPending    = "pending"
)

// NewStatusCommand creates the status command
func NewStatusCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the progress of a run, or list runs",
		Long: `Show the persisted progress of a run.

Without a run ID, every run in the progress database is listed. With one,
progress is rebuilt from the stored step results and printed per task.
--export writes the full report, including every generated response, as JSON.

This command only reads the database and can be used while a run is active.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCommand(cmd, opts, args)
		},
	}

	cmd.Flags().String("db", "", "Progress database path (overrides config)")
	cmd.Flags().String("export", "", "Write the run report as JSON to this file")

	return cmd
}

func statusCommand(cmd *cobra.Command, opts *Options, args []string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("db") {
		v, _ := cmd.Flags().GetString("db")
		cfg.MergeWithFlags(nil, nil, nil, &v, nil, nil)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) == 0 {
		return listRuns(ctx, opts.Stdout, s)
	}

	report, err := buildReport(ctx, s, args[0])
	if err != nil {
		return err
	}
	printReport(opts.Stdout, logger.NewConsoleLogger(opts.Stdout, cfg.LogLevel), report)

	if exportPath, _ := cmd.Flags().GetString("export"); exportPath != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		if err := filelock.LockAndWrite(exportPath, append(data, '\n')); err != nil {
			return fmt.Errorf("failed to export report: %w", err)
		}
		fmt.Fprintf(opts.Stdout, "Report written to %s\n", exportPath)
	}
	return nil
}

// openStore opens the configured progress database without taking the run
// lock.
func openStore(cfg *config.Config) (store.ProgressStore, error) {
	s, err := store.NewSQLiteStore(cfg.ResolvePath(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open progress database: %w", err)
	}
	return s, nil
}

func listRuns(ctx context.Context, w io.Writer, s store.ProgressStore) error {
	runs, err := s.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tCREATED\tUPDATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Status,
			r.CreatedAt.Local().Format(time.DateTime), r.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

type statusReport struct {
	RunID            string           `json:"run_id"`
	Status           models.RunStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	TotalSteps       int              `json:"total_steps"`
	Completed        int              `json:"completed"`
	Failed           int              `json:"failed"`
	Pending          int              `json:"pending"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	Tasks            []taskReport     `json:"tasks"`

	progress models.RunProgress
}

type taskReport struct {
	Task       string       `json:"task"`
	Model      string       `json:"model"`
	Provider   string       `json:"provider"`
	Sequence   string       `json:"sequence"`
	RunNumber  int          `json:"run_number"`
	Status     string       `json:"status"`
	TotalSteps int          `json:"total_steps"`
	Succeeded  int          `json:"succeeded"`
	LastError  string       `json:"last_error,omitempty"`
	Steps      []stepReport `json:"steps"`
}

type stepReport struct {
	Index            int    `json:"index"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	Attempts         int    `json:"attempts"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	UsageEstimated   bool   `json:"usage_estimated,omitempty"`
	HistoryTruncated bool   `json:"history_truncated,omitempty"`
	ErrorKind        string `json:"error_kind,omitempty"`
	Error            string `json:"error,omitempty"`
	Response         string `json:"response,omitempty"`
}

// buildReport assembles a run report from the store.
func buildReport(ctx context.Context, s store.ProgressStore, runID string) (*statusReport, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	progress, err := executor.RebuildProgress(ctx, s, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.ListTasks(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	results, err := s.ListRunResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}

	byTask := make(map[string][]models.StepResult, len(tasks))
	for _, r := range results {
		byTask[r.Task.Key()] = append(byTask[r.Task.Key()], r)
	}

	report := &statusReport{
		RunID:            run.ID,
		Status:           run.Status,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
		TotalSteps:       progress.TotalSteps,
		Completed:        progress.Completed,
		Failed:           progress.Failed,
		Pending:          progress.Pending,
		PromptTokens:     progress.PromptTokens,
		CompletionTokens: progress.CompletionTokens,
		progress:         progress,
	}
	for _, rt := range tasks {
		report.Tasks = append(report.Tasks, summarizeTask(rt, byTask[rt.Task.Key()]))
	}
	return report, nil
}

func summarizeTask(rt store.RegisteredTask, results []models.StepResult) taskReport {
	tr := taskReport{
		Task:       rt.Task.Key(),
		Model:      rt.Task.Model,
		Provider:   rt.Task.Provider,
		Sequence:   rt.Task.Sequence,
		RunNumber:  rt.Task.RunNumber,
		TotalSteps: rt.TotalSteps,
		Steps:      make([]stepReport, 0, len(results)),
	}

	var lastFailed bool
	for _, r := range results {
		tr.Steps = append(tr.Steps, stepReport{
			Index:            r.StepIndex,
			Name:             r.StepName,
			Status:           string(r.Status),
			Attempts:         r.Attempts,
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			UsageEstimated:   r.UsageEstimated,
			HistoryTruncated: r.HistoryTruncated,
			ErrorKind:        r.ErrorKind,
			Error:            r.Error,
			Response:         r.Response,
		})
		lastFailed = r.Status == models.StepFailed
		switch r.Status {
		case models.StepSucceeded:
			tr.Succeeded++
		case models.StepFailed:
			tr.LastError = r.Error
		}
	}

	switch {
	case tr.Succeeded >= tr.TotalSteps:
		tr.Status = taskDone
	case lastFailed:
		tr.Status = taskFailed
	case len(results) == 0:
		tr.Status = taskPending
	default:
		tr.Status = taskIncomplete
	}
	return tr
}

func printReport(w io.Writer, console *logger.ConsoleLogger, report *statusReport) {
	fmt.Fprintf(w, "Run:     %s\n", report.RunID)
	fmt.Fprintf(w, "Status:  %s\n", report.Status)
	fmt.Fprintf(w, "Created: %s\n", report.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Tokens:  %d prompt, %d completion\n", report.PromptTokens, report.CompletionTokens)
	console.LogProgress(report.progress)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tPROVIDER\tSTEPS\tSTATUS\tLAST ERROR")
	for _, t := range report.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", t.Task, t.Provider, t.Succeeded, t.TotalSteps, t.Status, truncate(t.LastError, 60))
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
