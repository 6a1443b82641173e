package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewResumeCommand creates the resume command
func NewResumeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue the incomplete tasks of an earlier run",
		Long: `Resume an interrupted or partially failed run.

Tasks whose steps all succeeded are skipped. Every other task restarts at its
first step that has no succeeded result, with the history rebuilt from the
stored responses, so no succeeded step is ever sent to a provider twice.

The current configuration supplies models, providers and sequences; a task
whose model or sequence is no longer configured makes the resume fail.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeCommand(cmd, opts, args[0])
		},
	}
}

func resumeCommand(cmd *cobra.Command, opts *Options, runID string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	eng, err := newEngine(cfg, opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	handle, err := eng.runner.Resume(context.WithoutCancel(ctx), runID)
	if err != nil {
		return fmt.Errorf("failed to resume run: %w", err)
	}
	p := handle.Progress()
	eng.console.LogInfo(fmt.Sprintf("Resuming run %s: %d/%d steps already completed", runID, p.Completed, p.TotalSteps))

	return eng.wait(ctx, handle)
}
