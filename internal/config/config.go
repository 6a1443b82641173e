package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/llm"
	"github.com/harrison/seqbench/internal/retry"
)

// RetryConfig is the retry and circuit breaker configuration of a provider.
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            float64
	UnknownMaxRetries int
	BreakerThreshold  int
	BreakerWindow     time.Duration
	BreakerCooldown   time.Duration
	RetryableStatus   []int
	FatalStatus       []int
	RetryablePatterns []string
	FatalPatterns     []string
}

// ProviderConfig describes how to reach a provider and how hard to push it.
type ProviderConfig struct {
	// Type selects the client: openai, command or mock
	Type string

	BaseURL   string
	APIKeyEnv string // Environment variable holding the API key
	Command   string
	Args      []string
	Latency   time.Duration // mock only

	MaxConcurrent     int
	RequestsPerMinute int
	TokensPerMinute   int
	Window            time.Duration

	Retry RetryConfig
}

// ModelConfig is one model of the matrix.
type ModelConfig struct {
	Name             string  `yaml:"name"`
	Provider         string  `yaml:"provider"`
	MaxContextTokens int     `yaml:"max_context_tokens"`
	MaxOutputTokens  int     `yaml:"max_output_tokens"`
	Temperature      float64 `yaml:"temperature"`
	CharsPerToken    int     `yaml:"chars_per_token"`
}

// StepConfig is an inline sequence step.
type StepConfig struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// SequenceConfig points at a sequence file or lists its steps inline.
type SequenceConfig struct {
	File  string       `yaml:"file"`
	Steps []StepConfig `yaml:"steps"`
}

// Config represents seqbench configuration options
type Config struct {
	// NumRuns is how many times each (model, sequence) pair is executed
	NumRuns int

	// GlobalConcurrencyLimit bounds the number of concurrent workers
	GlobalConcurrencyLimit int

	// CallTimeout bounds each provider call (0 = no timeout)
	CallTimeout time.Duration

	// DBPath is the progress database, relative to the config directory
	DBPath string

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string

	// LogFormat is text or json
	LogFormat string

	// LogDir is the directory where run logs will be written
	LogDir string

	// SafetyMargin and Lookahead tune context budgeting
	SafetyMargin int
	Lookahead    int

	Providers map[string]ProviderConfig
	Models    []ModelConfig
	Sequences map[string]SequenceConfig

	// dir is the directory relative paths are resolved against
	dir string
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		NumRuns:                1,
		GlobalConcurrencyLimit: 4,
		CallTimeout:            2 * time.Minute,
		DBPath:                 "progress.db",
		LogLevel:               "info",
		LogFormat:              "text",
		LogDir:                 "logs",
		Providers:              map[string]ProviderConfig{},
		Sequences:              map[string]SequenceConfig{},
	}
}

// DefaultRetryConfig returns the retry settings for providers that do not
// configure their own.
func DefaultRetryConfig() RetryConfig {
	settings := retry.DefaultSettings()
	breaker := budget.DefaultBreakerConfig()
	return RetryConfig{
		MaxRetries:        settings.MaxRetries,
		BaseDelay:         settings.Backoff.BaseDelay,
		MaxDelay:          settings.Backoff.MaxDelay,
		Jitter:            settings.Backoff.Jitter,
		UnknownMaxRetries: retry.DefaultUnknownMaxRetries,
		BreakerThreshold:  breaker.Threshold,
		BreakerWindow:     breaker.Window,
		BreakerCooldown:   breaker.Cooldown,
	}
}

type yamlRetry struct {
	MaxRetries        *int     `yaml:"max_retries"`
	BaseDelay         string   `yaml:"base_delay"`
	MaxDelay          string   `yaml:"max_delay"`
	Jitter            *float64 `yaml:"jitter"`
	UnknownMaxRetries *int     `yaml:"unknown_max_retries"`
	BreakerThreshold  *int     `yaml:"breaker_threshold"`
	BreakerWindow     string   `yaml:"breaker_window"`
	BreakerCooldown   string   `yaml:"breaker_cooldown"`
	RetryableStatus   []int    `yaml:"retryable_status"`
	FatalStatus       []int    `yaml:"fatal_status"`
	RetryablePatterns []string `yaml:"retryable_patterns"`
	FatalPatterns     []string `yaml:"fatal_patterns"`
}

type yamlProvider struct {
	Type              string    `yaml:"type"`
	BaseURL           string    `yaml:"base_url"`
	APIKeyEnv         string    `yaml:"api_key_env"`
	Command           string    `yaml:"command"`
	Args              []string  `yaml:"args"`
	Latency           string    `yaml:"latency"`
	MaxConcurrent     int       `yaml:"max_concurrent"`
	RequestsPerMinute int       `yaml:"requests_per_minute"`
	TokensPerMinute   int       `yaml:"tokens_per_minute"`
	Window            string    `yaml:"window"`
	Retry             yamlRetry `yaml:"retry"`
}

// Use a temporary struct to handle duration parsing
type yamlConfig struct {
	NumRuns                int                       `yaml:"num_runs"`
	GlobalConcurrencyLimit int                       `yaml:"global_concurrency_limit"`
	CallTimeout            string                    `yaml:"call_timeout"`
	DBPath                 string                    `yaml:"db_path"`
	LogLevel               string                    `yaml:"log_level"`
	LogFormat              string                    `yaml:"log_format"`
	LogDir                 string                    `yaml:"log_dir"`
	SafetyMargin           int                       `yaml:"safety_margin"`
	Lookahead              int                       `yaml:"lookahead"`
	Providers              map[string]yamlProvider   `yaml:"providers"`
	Models                 []ModelConfig             `yaml:"models"`
	Sequences              map[string]SequenceConfig `yaml:"sequences"`
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.dir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.parse(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from YAML, resolving relative paths against dir.
func Parse(data []byte, dir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.dir = dir
	if err := cfg.parse(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply non-zero values from file (merging with defaults)
	if yamlCfg.NumRuns != 0 {
		c.NumRuns = yamlCfg.NumRuns
	}
	if yamlCfg.GlobalConcurrencyLimit != 0 {
		c.GlobalConcurrencyLimit = yamlCfg.GlobalConcurrencyLimit
	}
	if err := parseDuration("call_timeout", yamlCfg.CallTimeout, &c.CallTimeout); err != nil {
		return err
	}
	if yamlCfg.DBPath != "" {
		c.DBPath = yamlCfg.DBPath
	}
	if yamlCfg.LogLevel != "" {
		c.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.LogFormat != "" {
		c.LogFormat = yamlCfg.LogFormat
	}
	if yamlCfg.LogDir != "" {
		c.LogDir = yamlCfg.LogDir
	}
	c.SafetyMargin = yamlCfg.SafetyMargin
	c.Lookahead = yamlCfg.Lookahead

	for name, yp := range yamlCfg.Providers {
		p, err := convertProvider(name, yp)
		if err != nil {
			return err
		}
		c.Providers[name] = p
	}
	c.Models = append(c.Models, yamlCfg.Models...)
	for name, s := range yamlCfg.Sequences {
		c.Sequences[name] = s
	}
	return nil
}

func convertProvider(name string, yp yamlProvider) (ProviderConfig, error) {
	p := ProviderConfig{
		Type:              yp.Type,
		BaseURL:           yp.BaseURL,
		APIKeyEnv:         yp.APIKeyEnv,
		Command:           yp.Command,
		Args:              yp.Args,
		MaxConcurrent:     yp.MaxConcurrent,
		RequestsPerMinute: yp.RequestsPerMinute,
		TokensPerMinute:   yp.TokensPerMinute,
		Retry:             DefaultRetryConfig(),
	}
	if p.Type == "" {
		p.Type = llm.TypeMock
	}

	prefix := "providers." + name + "."
	if err := parseDuration(prefix+"latency", yp.Latency, &p.Latency); err != nil {
		return p, err
	}
	if err := parseDuration(prefix+"window", yp.Window, &p.Window); err != nil {
		return p, err
	}

	r := &p.Retry
	yr := yp.Retry
	if yr.MaxRetries != nil {
		r.MaxRetries = *yr.MaxRetries
	}
	if yr.Jitter != nil {
		r.Jitter = *yr.Jitter
	}
	if yr.UnknownMaxRetries != nil {
		r.UnknownMaxRetries = *yr.UnknownMaxRetries
	}
	if yr.BreakerThreshold != nil {
		r.BreakerThreshold = *yr.BreakerThreshold
	}
	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"retry.base_delay", yr.BaseDelay, &r.BaseDelay},
		{"retry.max_delay", yr.MaxDelay, &r.MaxDelay},
		{"retry.breaker_window", yr.BreakerWindow, &r.BreakerWindow},
		{"retry.breaker_cooldown", yr.BreakerCooldown, &r.BreakerCooldown},
	}
	for _, d := range durations {
		if err := parseDuration(prefix+d.key, d.value, d.dst); err != nil {
			return p, err
		}
	}
	r.RetryableStatus = yr.RetryableStatus
	r.FatalStatus = yr.FatalStatus
	r.RetryablePatterns = yr.RetryablePatterns
	r.FatalPatterns = yr.FatalPatterns
	return p, nil
}

func parseDuration(key, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s format %q: %w", key, value, err)
	}
	*dst = d
	return nil
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over config file settings.
// Flag paths are relative to the working directory.
func (c *Config) MergeWithFlags(numRuns, concurrency *int, callTimeout *time.Duration, dbPath, logDir, logLevel *string) {
	if numRuns != nil {
		c.NumRuns = *numRuns
	}
	if concurrency != nil {
		c.GlobalConcurrencyLimit = *concurrency
	}
	if callTimeout != nil {
		c.CallTimeout = *callTimeout
	}
	if dbPath != nil {
		c.DBPath = absPath(*dbPath)
	}
	if logDir != nil {
		c.LogDir = absPath(*logDir)
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
}

var validLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if c.NumRuns < 1 {
		return fmt.Errorf("num_runs must be >= 1, got %d", c.NumRuns)
	}
	if c.GlobalConcurrencyLimit < 1 {
		return fmt.Errorf("global_concurrency_limit must be >= 1, got %d", c.GlobalConcurrencyLimit)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must be >= 0, got %v", c.CallTimeout)
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log_format %q, must be text or json", c.LogFormat)
	}
	if c.DBPath == "" {
		return errors.New("db_path cannot be empty")
	}

	for _, name := range sortedKeys(c.Providers) {
		p := c.Providers[name]
		switch p.Type {
		case llm.TypeOpenAI, llm.TypeMock:
		case llm.TypeCommand:
			if p.Command == "" {
				return fmt.Errorf("providers.%s: command is required for type command", name)
			}
		default:
			return fmt.Errorf("providers.%s: unknown type %q", name, p.Type)
		}
		if err := p.Limits().Validate(); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
		if p.Retry.MaxRetries < 0 {
			return fmt.Errorf("providers.%s: retry.max_retries must be >= 0, got %d", name, p.Retry.MaxRetries)
		}
		if p.Retry.Jitter < 0 || p.Retry.Jitter > 1 {
			return fmt.Errorf("providers.%s: retry.jitter must be within [0,1], got %v", name, p.Retry.Jitter)
		}
	}

	if len(c.Models) == 0 {
		return errors.New("at least one model is required")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("models[%d]: duplicate model %s", i, m.Name)
		}
		seen[m.Name] = true
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider)
		}
		if m.MaxContextTokens <= 0 {
			return fmt.Errorf("model %s: max_context_tokens must be > 0", m.Name)
		}
		if m.MaxOutputTokens < 0 || m.MaxOutputTokens >= m.MaxContextTokens {
			return fmt.Errorf("model %s: max_output_tokens must be within [0, max_context_tokens)", m.Name)
		}
		if m.Temperature < 0 {
			return fmt.Errorf("model %s: temperature must be >= 0", m.Name)
		}
	}

	if len(c.Sequences) == 0 {
		return errors.New("at least one sequence is required")
	}
	for _, name := range sortedKeys(c.Sequences) {
		s := c.Sequences[name]
		if s.File == "" && len(s.Steps) == 0 {
			return fmt.Errorf("sequences.%s: file or steps is required", name)
		}
		if s.File != "" && len(s.Steps) > 0 {
			return fmt.Errorf("sequences.%s: file and steps are mutually exclusive", name)
		}
	}
	return nil
}

// Limits returns the admission limits of the provider.
func (p ProviderConfig) Limits() budget.ProviderLimits {
	return budget.ProviderLimits{
		MaxConcurrent:     p.MaxConcurrent,
		RequestsPerMinute: p.RequestsPerMinute,
		TokensPerMinute:   p.TokensPerMinute,
		Window:            p.Window,
	}
}

// ProviderLimits returns the admission limits keyed by provider.
func (c *Config) ProviderLimits() map[string]budget.ProviderLimits {
	out := make(map[string]budget.ProviderLimits, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = p.Limits()
	}
	return out
}

// BreakerConfigs returns the circuit breaker settings keyed by provider.
func (c *Config) BreakerConfigs() map[string]budget.BreakerConfig {
	out := make(map[string]budget.BreakerConfig, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = budget.BreakerConfig{
			Threshold: p.Retry.BreakerThreshold,
			Window:    p.Retry.BreakerWindow,
			Cooldown:  p.Retry.BreakerCooldown,
		}
	}
	return out
}

// RetrySettings returns the retry policy settings keyed by provider. Empty
// rule lists fall back to the defaults.
func (c *Config) RetrySettings() map[string]retry.Settings {
	out := make(map[string]retry.Settings, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = p.Retry.Settings()
	}
	return out
}

// Settings converts the configuration into retry.Settings. A status list
// that is configured takes its codes away from the other list's defaults;
// overriding both lists keeps them as given.
func (r RetryConfig) Settings() retry.Settings {
	rules := retry.DefaultRules()
	retryable, fatal := len(r.RetryableStatus) > 0, len(r.FatalStatus) > 0
	if retryable {
		rules.RetryableStatus = r.RetryableStatus
	}
	if fatal {
		rules.FatalStatus = r.FatalStatus
	}
	switch {
	case retryable && !fatal:
		rules.FatalStatus = withoutStatus(rules.FatalStatus, r.RetryableStatus)
	case fatal && !retryable:
		rules.RetryableStatus = withoutStatus(rules.RetryableStatus, r.FatalStatus)
	}
	rules.RetryablePatterns = append(rules.RetryablePatterns, r.RetryablePatterns...)
	rules.FatalPatterns = append(rules.FatalPatterns, r.FatalPatterns...)
	rules.UnknownMaxRetries = r.UnknownMaxRetries

	return retry.Settings{
		MaxRetries: r.MaxRetries,
		Backoff: retry.Backoff{
			BaseDelay: r.BaseDelay,
			MaxDelay:  r.MaxDelay,
			Jitter:    r.Jitter,
		},
		Rules: rules,
	}
}

func withoutStatus(codes, drop []int) []int {
	out := make([]int, 0, len(codes))
	for _, c := range codes {
		if !slices.Contains(drop, c) {
			out = append(out, c)
		}
	}
	return out
}

// MaxContextTokensByModel returns each model's context window.
func (c *Config) MaxContextTokensByModel() map[string]int {
	out := make(map[string]int, len(c.Models))
	for _, m := range c.Models {
		out[m.Name] = m.MaxContextTokens
	}
	return out
}

// ClientSpec describes the client for a model. API keys are read from the
// environment variable named by the provider.
func (c *Config) ClientSpec(m ModelConfig) (llm.Spec, error) {
	p, ok := c.Providers[m.Provider]
	if !ok {
		return llm.Spec{}, fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider)
	}
	spec := llm.Spec{
		Provider: m.Provider,
		Type:     p.Type,
		Model:    m.Name,
		BaseURL:  p.BaseURL,
		Command:  p.Command,
		Args:     p.Args,
		Latency:  p.Latency,
	}
	if p.APIKeyEnv != "" {
		spec.APIKey = os.Getenv(p.APIKeyEnv)
		if spec.APIKey == "" && p.Type == llm.TypeOpenAI {
			return spec, fmt.Errorf("provider %s: environment variable %s is not set", m.Provider, p.APIKeyEnv)
		}
	}
	return spec, nil
}

// SequenceNames returns the configured sequence names in sorted order.
func (c *Config) SequenceNames() []string {
	return sortedKeys(c.Sequences)
}

// ResolvePath resolves p against the config file's directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

func absPath(p string) string {
	if p == "" || p == ":memory:" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Snapshot renders the configuration for storage with a run. Secrets are
// never part of it since only environment variable names are configured.
func (c *Config) Snapshot() string {
	type snapshot struct {
		NumRuns   int                       `yaml:"num_runs"`
		Models    []ModelConfig             `yaml:"models"`
		Sequences map[string]SequenceConfig `yaml:"sequences"`
		Providers []string                  `yaml:"providers"`
	}
	data, err := yaml.Marshal(snapshot{
		NumRuns:   c.NumRuns,
		Models:    c.Models,
		Sequences: c.Sequences,
		Providers: sortedKeys(c.Providers),
	})
	if err != nil {
		return ""
	}
	return string(data)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
