package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/config"
	"github.com/harrison/seqbench/internal/contextwindow"
	"github.com/harrison/seqbench/internal/executor"
	"github.com/harrison/seqbench/internal/filelock"
	"github.com/harrison/seqbench/internal/llm"
	"github.com/harrison/seqbench/internal/log"
	loglogrus "github.com/harrison/seqbench/internal/log/logrus"
	"github.com/harrison/seqbench/internal/logger"
	"github.com/harrison/seqbench/internal/models"
	"github.com/harrison/seqbench/internal/parser"
	"github.com/harrison/seqbench/internal/retry"
	"github.com/harrison/seqbench/internal/store"
)

// countdownInterval is how often long backoff waits are announced.
const countdownInterval = 10 * time.Second

// loadConfig reads the configuration file named by --config, or the default
// one, and applies the global flags.
func loadConfig(cmd *cobra.Command, opts *Options) (*config.Config, error) {
	path := opts.ConfigPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	if cmd.Flags().Changed("log-level") {
		cfg.MergeWithFlags(nil, nil, nil, nil, nil, &opts.LogLevel)
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = opts.LogFormat
	}
	return cfg, nil
}

// newLogger builds the engine logger. Engine internals only surface at debug
// and trace; the console observer covers regular progress output.
func newLogger(w io.Writer, level, format string) log.Logger {
	l := logrus.New()
	l.Out = w

	switch strings.ToLower(level) {
	case "trace":
		l.SetLevel(logrus.TraceLevel)
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.WarnLevel)
	}

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{})
	}

	return loglogrus.NewLogrus(logrus.NewEntry(l)).WithValues(log.Kv{
		"version": Version,
	})
}

// modelSpecs converts the configured models.
func modelSpecs(cfg *config.Config) []executor.ModelSpec {
	specs := make([]executor.ModelSpec, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		specs = append(specs, executor.ModelSpec{
			Name:             m.Name,
			Provider:         m.Provider,
			MaxContextTokens: m.MaxContextTokens,
			MaxOutputTokens:  m.MaxOutputTokens,
			Temperature:      m.Temperature,
		})
	}
	return specs
}

// buildClients creates one client per configured model.
func buildClients(cfg *config.Config, reg *contextwindow.Registry) (map[string]llm.ModelClient, error) {
	clients := make(map[string]llm.ModelClient, len(cfg.Models))
	for _, m := range cfg.Models {
		spec, err := cfg.ClientSpec(m)
		if err != nil {
			return nil, err
		}
		spec.Tokenizer = reg.For(m.Name)
		client, err := llm.New(spec)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m.Name, err)
		}
		clients[m.Name] = client
	}
	return clients, nil
}

// tokenizers registers an approximate tokenizer per model at its configured
// characters-per-token ratio.
func tokenizers(cfg *config.Config) *contextwindow.Registry {
	reg := contextwindow.NewRegistry(nil)
	for _, m := range cfg.Models {
		reg.Register(m.Name, contextwindow.NewApproxTokenizer(m.CharsPerToken))
	}
	return reg
}

// engine is everything a run or resume needs, wired from configuration.
type engine struct {
	cfg     *config.Config
	specs   []executor.ModelSpec
	store   store.ProgressStore
	lock    *filelock.Lock
	runner  *executor.Runner
	console *logger.ConsoleLogger
	file    *logger.FileLogger
	logger  log.Logger
}

// newEngine validates cfg, takes the database lock and builds the runner.
func newEngine(cfg *config.Config, opts *Options) (_ *engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &engine{
		cfg:     cfg,
		specs:   modelSpecs(cfg),
		console: logger.NewConsoleLogger(opts.Stdout, cfg.LogLevel),
		logger:  newLogger(opts.Stderr, cfg.LogLevel, cfg.LogFormat),
	}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	sequences, err := parser.LoadSequences(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load sequences: %w", err)
	}
	reg := tokenizers(cfg)
	clients, err := buildClients(cfg, reg)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.ResolvePath(cfg.DBPath)
	if dbPath != ":memory:" {
		e.lock = filelock.For(dbPath)
		if err := e.lock.TryLock(); err != nil {
			if errors.Is(err, filelock.ErrLocked) {
				return nil, fmt.Errorf("database %s is in use by another seqbench process", dbPath)
			}
			return nil, err
		}
	}
	sqlStore, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open progress database: %w", err)
	}
	e.store = sqlStore

	if e.file, err = logger.NewFileLogger(cfg.ResolvePath(cfg.LogDir), cfg.LogLevel); err != nil {
		return nil, err
	}

	breakers := budget.NewBreakerSet(cfg.BreakerConfigs(), budget.DefaultBreakerConfig())
	policy, err := retry.NewPolicy(cfg.RetrySettings(), retry.DefaultSettings(), breakers,
		retry.WithSleeper(budget.NewWaiter(countdownInterval, e.console)),
		retry.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}

	e.runner, err = executor.NewRunner(executor.RunnerConfig{
		GlobalConcurrency: cfg.GlobalConcurrencyLimit,
		CallTimeout:       cfg.CallTimeout,
		Sequences:         sequences,
		Models:            e.specs,
		Clients:           clients,
		Store:             e.store,
		Limiter:           budget.NewRateLimiter(cfg.ProviderLimits()),
		Policy:            policy,
		Budgeter: contextwindow.NewBudgeter(contextwindow.Options{
			SafetyMargin: cfg.SafetyMargin,
			Lookahead:    cfg.Lookahead,
			Tokenizers:   reg,
			Logger:       e.logger,
		}),
		Observers:      []executor.Observer{e.console, e.file},
		Logger:         e.logger,
		ConfigSnapshot: cfg.Snapshot(),
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// wait blocks until the run finishes. Cancelling ctx requests a cooperative
// stop: in-flight steps complete and are persisted, nothing new starts.
func (e *engine) wait(ctx context.Context, h *executor.RunHandle) error {
	select {
	case <-h.Done():
	case <-ctx.Done():
		e.console.LogWarn("Interrupt received, waiting for in-flight steps to finish")
		h.Cancel()
	}

	summary, err := h.Wait()
	if summary != nil {
		e.console.LogSummary(summary)
		e.file.LogSummary(summary)
		e.console.LogInfo(fmt.Sprintf("Run log: %s", e.file.RunFile()))
		if summary.Status == models.RunCancelled || summary.Status == models.RunFailed {
			e.console.LogInfo(fmt.Sprintf("Resume with: seqbench resume %s", summary.RunID))
		}
	}
	if err != nil {
		return err
	}
	if runErr := executor.NewRunError(summary); runErr != nil {
		return runErr
	}
	return nil
}

// Close releases the store, the log file and the database lock.
func (e *engine) Close() error {
	var errs []error
	if e.file != nil {
		errs = append(errs, e.file.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.lock != nil {
		errs = append(errs, e.lock.Unlock())
	}
	return errors.Join(errs...)
}
