package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/seqbench/internal/config"
	"github.com/harrison/seqbench/internal/executor"
	"github.com/harrison/seqbench/internal/models"
	"github.com/harrison/seqbench/internal/parser"
)

// NewValidateCommand creates the validate command
func NewValidateCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and sequences without calling any provider",
		Long: `Validate loads the configuration and every sequence file, builds a client
for each model and prints the task matrix a run would execute.

Missing API key environment variables, unknown providers, malformed
sequence files and out-of-range limits are all reported here.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validateCommand(cmd, opts)
		},
	}
}

func validateCommand(cmd *cobra.Command, opts *Options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sequences, err := parser.LoadSequences(cfg)
	if err != nil {
		return fmt.Errorf("failed to load sequences: %w", err)
	}
	if _, err := buildClients(cfg, tokenizers(cfg)); err != nil {
		return err
	}

	specs := modelSpecs(cfg)
	tasks, err := executor.BuildMatrix(specs, cfg.SequenceNames(), cfg.NumRuns)
	if err != nil {
		return err
	}

	printMatrix(opts.Stdout, cfg, sequences, len(tasks))
	return nil
}

func printMatrix(w io.Writer, cfg *config.Config, sequences map[string]models.Sequence, numTasks int) {
	fmt.Fprintln(w, "Models:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range cfg.Models {
		p := cfg.Providers[m.Provider]
		fmt.Fprintf(tw, "  %s\t%s (%s)\tcontext %d\toutput %d\n", m.Name, m.Provider, p.Type, m.MaxContextTokens, m.MaxOutputTokens)
	}
	tw.Flush()

	totalSteps := 0
	fmt.Fprintln(w, "Sequences:")
	for _, name := range cfg.SequenceNames() {
		seq := sequences[name]
		fmt.Fprintf(w, "  %s: %d steps\n", name, len(seq.Steps))
		totalSteps += len(seq.Steps)
	}

	fmt.Fprintf(w, "Matrix: %d models x %d sequences x %d runs = %d tasks, %d steps\n",
		len(cfg.Models), len(sequences), cfg.NumRuns, numTasks, totalSteps*len(cfg.Models)*cfg.NumRuns)
	fmt.Fprintln(w, "Configuration is valid.")
}
