package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/harrison/seqbench/internal/llm"
	"github.com/harrison/seqbench/internal/retry"
)

const sampleConfig = `num_runs: 3
global_concurrency_limit: 6
call_timeout: 45s
log_level: debug
providers:
  openai:
    type: openai
    base_url: https://api.example.com/v1
    api_key_env: SEQBENCH_TEST_KEY
    max_concurrent: 2
    requests_per_minute: 60
    tokens_per_minute: 90000
    window: 30s
    retry:
      max_retries: 5
      base_delay: 500ms
      max_delay: 20s
      jitter: 0.1
      breaker_threshold: 3
      breaker_cooldown: 10s
      fatal_status: [400, 401]
      retryable_patterns: ["try later"]
  local:
    type: mock
    latency: 10ms
models:
  - name: gpt-4o
    provider: openai
    max_context_tokens: 128000
    max_output_tokens: 1024
    temperature: 0.8
  - name: echo
    provider: local
    max_context_tokens: 4096
    max_output_tokens: 256
sequences:
  story:
    file: sequences/story.md
  haiku:
    steps:
      - name: draft
        prompt: Write a haiku about rain.
      - name: revise
        prompt: Make it sadder.
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NumRuns != 1 {
		t.Errorf("NumRuns = %d, want 1", cfg.NumRuns)
	}
	if cfg.GlobalConcurrencyLimit != 4 {
		t.Errorf("GlobalConcurrencyLimit = %d, want 4", cfg.GlobalConcurrencyLimit)
	}
	if cfg.CallTimeout != 2*time.Minute {
		t.Errorf("CallTimeout = %v, want 2m", cfg.CallTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DBPath != "progress.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "progress.db")
	}
}

// TestLoadConfigValidFile tests loading a valid YAML config file
func TestLoadConfigValidFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.NumRuns != 3 {
		t.Errorf("NumRuns = %d, want 3", cfg.NumRuns)
	}
	if cfg.GlobalConcurrencyLimit != 6 {
		t.Errorf("GlobalConcurrencyLimit = %d, want 6", cfg.GlobalConcurrencyLimit)
	}
	if cfg.CallTimeout != 45*time.Second {
		t.Errorf("CallTimeout = %v, want 45s", cfg.CallTimeout)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want default text", cfg.LogFormat)
	}

	openai := cfg.Providers["openai"]
	if openai.Type != llm.TypeOpenAI {
		t.Errorf("openai.Type = %q", openai.Type)
	}
	if openai.Window != 30*time.Second {
		t.Errorf("openai.Window = %v, want 30s", openai.Window)
	}
	if openai.Retry.MaxRetries != 5 {
		t.Errorf("openai.Retry.MaxRetries = %d, want 5", openai.Retry.MaxRetries)
	}
	if openai.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("openai.Retry.BaseDelay = %v, want 500ms", openai.Retry.BaseDelay)
	}
	// Unset retry fields keep their defaults.
	if openai.Retry.BreakerWindow != DefaultRetryConfig().BreakerWindow {
		t.Errorf("openai.Retry.BreakerWindow = %v, want default", openai.Retry.BreakerWindow)
	}

	local := cfg.Providers["local"]
	if local.Latency != 10*time.Millisecond {
		t.Errorf("local.Latency = %v, want 10ms", local.Latency)
	}
	if len(cfg.Models) != 2 || cfg.Models[0].Temperature != 0.8 {
		t.Errorf("Models = %+v", cfg.Models)
	}
	if got := cfg.Sequences["haiku"].Steps; len(got) != 2 || got[1].Name != "revise" {
		t.Errorf("haiku steps = %+v", got)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

// TestLoadConfigMissingFile returns defaults without error
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.NumRuns != 1 {
		t.Errorf("NumRuns = %d, want default", cfg.NumRuns)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"malformed yaml", "num_runs: [", "failed to parse"},
		{"bad timeout", "call_timeout: soon", "call_timeout"},
		{"bad provider duration", "providers:\n  p:\n    retry:\n      base_delay: fast\n", "providers.p.retry.base_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Parse([]byte(sampleConfig), t.TempDir())
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"num runs", func(c *Config) { c.NumRuns = 0 }, "num_runs"},
		{"concurrency", func(c *Config) { c.GlobalConcurrencyLimit = 0 }, "global_concurrency_limit"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"unknown provider", func(c *Config) { c.Models[0].Provider = "nope" }, "unknown provider"},
		{"no window", func(c *Config) { c.Models[1].MaxContextTokens = 0 }, "max_context_tokens"},
		{"output exceeds window", func(c *Config) { c.Models[1].MaxOutputTokens = 4096 }, "max_output_tokens"},
		{"duplicate model", func(c *Config) { c.Models[1].Name = "gpt-4o" }, "duplicate"},
		{"command without path", func(c *Config) {
			c.Providers["cli"] = ProviderConfig{Type: llm.TypeCommand}
		}, "command is required"},
		{"negative limit", func(c *Config) {
			p := c.Providers["local"]
			p.MaxConcurrent = -1
			c.Providers["local"] = p
		}, "max_concurrent"},
		{"empty sequence", func(c *Config) { c.Sequences["empty"] = SequenceConfig{} }, "file or steps"},
		{"no models", func(c *Config) { c.Models = nil }, "at least one model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	runs := 7
	timeout := 5 * time.Second
	level := "warn"
	cfg.MergeWithFlags(&runs, nil, &timeout, nil, nil, &level)

	if cfg.NumRuns != 7 {
		t.Errorf("NumRuns = %d, want 7", cfg.NumRuns)
	}
	if cfg.GlobalConcurrencyLimit != 4 {
		t.Errorf("GlobalConcurrencyLimit changed to %d", cfg.GlobalConcurrencyLimit)
	}
	if cfg.CallTimeout != timeout {
		t.Errorf("CallTimeout = %v, want %v", cfg.CallTimeout, timeout)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}

	db := "other.db"
	cfg.MergeWithFlags(nil, nil, nil, &db, nil, nil)
	if !filepath.IsAbs(cfg.DBPath) {
		t.Errorf("DBPath = %q, want absolute", cfg.DBPath)
	}
}

func TestAccessors(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Parse([]byte(sampleConfig), dir)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	limits := cfg.ProviderLimits()
	if limits["openai"].MaxConcurrent != 2 || limits["openai"].TokensPerMinute != 90000 {
		t.Errorf("openai limits = %+v", limits["openai"])
	}

	breakers := cfg.BreakerConfigs()
	if breakers["openai"].Threshold != 3 || breakers["openai"].Cooldown != 10*time.Second {
		t.Errorf("openai breaker = %+v", breakers["openai"])
	}

	settings := cfg.RetrySettings()["openai"]
	if settings.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", settings.MaxRetries)
	}
	if len(settings.Rules.FatalStatus) != 2 {
		t.Errorf("FatalStatus = %v, want override", settings.Rules.FatalStatus)
	}
	if len(settings.Rules.RetryableStatus) != len(retry.DefaultRules().RetryableStatus) {
		t.Errorf("RetryableStatus = %v, want defaults", settings.Rules.RetryableStatus)
	}
	if _, err := retry.NewClassifier(settings.Rules); err != nil {
		t.Errorf("NewClassifier() error = %v", err)
	}

	windows := cfg.MaxContextTokensByModel()
	if windows["gpt-4o"] != 128000 || windows["echo"] != 4096 {
		t.Errorf("MaxContextTokensByModel = %v", windows)
	}

	if got := cfg.SequenceNames(); len(got) != 2 || got[0] != "haiku" || got[1] != "story" {
		t.Errorf("SequenceNames = %v", got)
	}
	if got := cfg.ResolvePath("sequences/story.md"); got != filepath.Join(dir, "sequences/story.md") {
		t.Errorf("ResolvePath = %q", got)
	}
	if got := cfg.ResolvePath("/abs/file.md"); got != "/abs/file.md" {
		t.Errorf("ResolvePath(abs) = %q", got)
	}
	if !strings.Contains(cfg.Snapshot(), "gpt-4o") {
		t.Errorf("Snapshot missing model: %s", cfg.Snapshot())
	}
}

func TestClientSpec(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig), t.TempDir())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	t.Setenv("SEQBENCH_TEST_KEY", "")
	if _, err := cfg.ClientSpec(cfg.Models[0]); err == nil {
		t.Error("ClientSpec() expected error for missing API key")
	}

	t.Setenv("SEQBENCH_TEST_KEY", "sk-test")
	spec, err := cfg.ClientSpec(cfg.Models[0])
	if err != nil {
		t.Fatalf("ClientSpec() error = %v", err)
	}
	if spec.APIKey != "sk-test" || spec.BaseURL != "https://api.example.com/v1" || spec.Model != "gpt-4o" {
		t.Errorf("spec = %+v", spec)
	}

	mock, err := cfg.ClientSpec(cfg.Models[1])
	if err != nil {
		t.Fatalf("ClientSpec() error = %v", err)
	}
	if mock.Type != llm.TypeMock || mock.Latency != 10*time.Millisecond {
		t.Errorf("mock spec = %+v", mock)
	}
}

func TestGetHome(t *testing.T) {
	t.Setenv(HomeEnv, "/custom/home")
	home, err := GetHome()
	if err != nil {
		t.Fatalf("GetHome() error = %v", err)
	}
	if home != "/custom/home" {
		t.Errorf("GetHome() = %q", home)
	}

	t.Setenv(HomeEnv, "")
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath() error = %v", err)
	}
	if filepath.Base(path) != "config.yaml" || filepath.Base(filepath.Dir(path)) != DirName {
		t.Errorf("DefaultConfigPath() = %q", path)
	}
}

func TestRetrySettingsStatusOverrides(t *testing.T) {
	tests := []struct {
		name          string
		retry         string
		wantRetryable []int
		wantFatal     []int
	}{
		{
			name:          "retryable override takes codes from fatal defaults",
			retry:         "retryable_status: [404, 429, 500, 503]",
			wantRetryable: []int{404, 429, 500, 503},
			wantFatal:     []int{400, 401, 403, 413, 422},
		},
		{
			name:          "fatal override takes codes from retryable defaults",
			retry:         "fatal_status: [400, 401, 429]",
			wantRetryable: []int{408, 409, 425, 500, 502, 503, 504, 529},
			wantFatal:     []int{400, 401, 429},
		},
		{
			name:          "both overridden are kept as given",
			retry:         "retryable_status: [503]\n      fatal_status: [404]",
			wantRetryable: []int{503},
			wantFatal:     []int{404},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "providers:\n  p:\n    retry:\n      " + tt.retry + "\n"
			cfg, err := Parse([]byte(data), t.TempDir())
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			rules := cfg.RetrySettings()["p"].Rules
			if !slices.Equal(rules.RetryableStatus, tt.wantRetryable) {
				t.Errorf("RetryableStatus = %v, want %v", rules.RetryableStatus, tt.wantRetryable)
			}
			if !slices.Equal(rules.FatalStatus, tt.wantFatal) {
				t.Errorf("FatalStatus = %v, want %v", rules.FatalStatus, tt.wantFatal)
			}
			if _, err := retry.NewClassifier(rules); err != nil {
				t.Errorf("NewClassifier() error = %v", err)
			}
		})
	}
}

func TestRetrySettingsUnknownMaxRetries(t *testing.T) {
	tests := []struct {
		name  string
		retry string
		want  int
	}{
		{"omitted uses default", "max_retries: 3", retry.DefaultUnknownMaxRetries},
		{"explicit zero disables retries", "unknown_max_retries: 0", 0},
		{"explicit value", "unknown_max_retries: 4", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := "providers:\n  p:\n    retry:\n      " + tt.retry + "\n"
			cfg, err := Parse([]byte(data), t.TempDir())
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			c, err := retry.NewClassifier(cfg.RetrySettings()["p"].Rules)
			if err != nil {
				t.Fatalf("NewClassifier() error = %v", err)
			}
			if got := c.UnknownMaxRetries(); got != tt.want {
				t.Errorf("UnknownMaxRetries() = %d, want %d", got, tt.want)
			}
		})
	}
}
