package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// Options carries the process IO and the global flags shared by every
// subcommand.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer

	ConfigPath string
	LogLevel   string
	LogFormat  string
}

func (o *Options) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// NewRootCommand creates and returns the root cobra command for seqbench
func NewRootCommand(opts *Options) *cobra.Command {
	if opts == nil {
		opts = &Options{}
	}
	opts.defaults()

	cmd := &cobra.Command{
		Use:   "seqbench",
		Short: "Parallel prompt-sequence evaluation for LLM benchmarking",
		Long: `seqbench drives a matrix of models through multi-step prompt sequences.

Each (model, sequence, run) task feeds every response back as history for
the next prompt. Tasks run in parallel under per-provider concurrency and
rate limits, transient provider failures are retried with backoff, and every
step is persisted so an interrupted run resumes where it stopped.

Configuration is loaded from .seqbench/config.yaml if present.
CLI flags override configuration file settings.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(opts.Stdout)
	cmd.SetErr(opts.Stderr)

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to config file (default: .seqbench/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "Engine log format: text or json (overrides config)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}
