package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/seqbench/internal/executor"
)

// NewRunCommand creates the run command
func NewRunCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the configured model x sequence x run matrix",
		Long: `Execute every (model, sequence, run) task of the configured matrix.

Tasks run in parallel up to the global concurrency limit. Steps within a
task run strictly in order, each prompt preceded by the task's accumulated
responses. Every finished step is written to the progress database before
the next one starts; an interrupted run can be continued with
"seqbench resume <run-id>".

Examples:
  seqbench run                          # Use .seqbench/config.yaml
  seqbench run --runs 3 --concurrency 8
  seqbench run --timeout 5m --db ./bench.db
  seqbench run --run-id nightly-2024-05-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, opts)
		},
	}

	cmd.Flags().Int("runs", 0, "Runs per (model, sequence) pair (overrides config)")
	cmd.Flags().Int("concurrency", 0, "Maximum concurrent tasks (overrides config)")
	cmd.Flags().Duration("timeout", 0, "Per-call provider timeout, e.g. 90s, 2m (overrides config)")
	cmd.Flags().String("db", "", "Progress database path (overrides config)")
	cmd.Flags().String("log-dir", "", "Directory for log files (overrides config)")
	cmd.Flags().String("run-id", "", "Identifier for the new run (default: generated)")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, opts *Options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	var (
		numRuns, concurrency *int
		callTimeout          *time.Duration
		dbPath, logDir       *string
	)
	flags := cmd.Flags()
	if flags.Changed("runs") {
		v, _ := flags.GetInt("runs")
		numRuns = &v
	}
	if flags.Changed("concurrency") {
		v, _ := flags.GetInt("concurrency")
		concurrency = &v
	}
	if flags.Changed("timeout") {
		v, _ := flags.GetDuration("timeout")
		callTimeout = &v
	}
	if flags.Changed("db") {
		v, _ := flags.GetString("db")
		dbPath = &v
	}
	if flags.Changed("log-dir") {
		v, _ := flags.GetString("log-dir")
		logDir = &v
	}
	cfg.MergeWithFlags(numRuns, concurrency, callTimeout, dbPath, logDir, nil)

	eng, err := newEngine(cfg, opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	tasks, err := executor.BuildMatrix(eng.specs, cfg.SequenceNames(), cfg.NumRuns)
	if err != nil {
		return err
	}

	runID, _ := flags.GetString("run-id")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// The run outlives ctx: cancellation is handled cooperatively by wait.
	handle, err := eng.runner.Start(context.WithoutCancel(ctx), runID, tasks)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	eng.console.LogInfo(fmt.Sprintf("Run %s: %d models x %d sequences x %d runs = %d tasks",
		handle.RunID(), len(eng.specs), len(cfg.Sequences), cfg.NumRuns, len(tasks)))

	return eng.wait(ctx, handle)
}
