package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/models"
)

// Placeholders expanded in CommandClient arguments.
const (
	PlaceholderPrompt      = "{prompt}"
	PlaceholderModel       = "{model}"
	PlaceholderTemperature = "{temperature}"
	PlaceholderMaxTokens   = "{max_tokens}"
)

// CommandClient runs a CLI once per prompt, e.g. `claude -p {prompt}`.
// When no argument contains {prompt}, the prompt is written to stdin.
// Thread-safe for concurrent use.
type CommandClient struct {
	Provider string
	Model    string
	Path     string
	Args     []string
	Env      []string // Extra KEY=VALUE pairs appended to the environment
}

// NewCommandClient creates a command client.
func NewCommandClient(provider, model, path string, args []string) (*CommandClient, error) {
	if path == "" {
		return nil, fmt.Errorf("provider %s: command is required", provider)
	}
	return &CommandClient{
		Provider: provider,
		Model:    model,
		Path:     path,
		Args:     append([]string(nil), args...),
	}, nil
}

// BuildArgs expands placeholders and reports whether the prompt was passed
// as an argument.
func (c *CommandClient) BuildArgs(prompt string, params Params) ([]string, bool) {
	replacer := strings.NewReplacer(
		PlaceholderModel, c.Model,
		PlaceholderTemperature, strconv.FormatFloat(params.Temperature, 'f', -1, 64),
		PlaceholderMaxTokens, strconv.Itoa(params.MaxOutputTokens),
	)

	args := make([]string, 0, len(c.Args))
	inline := false
	for _, a := range c.Args {
		if strings.Contains(a, PlaceholderPrompt) {
			inline = true
			a = strings.ReplaceAll(a, PlaceholderPrompt, prompt)
		}
		args = append(args, replacer.Replace(a))
	}
	return args, inline
}

// Generate runs the command and returns its trimmed stdout. JSON output with
// a "result" or "content" field is unwrapped.
func (c *CommandClient) Generate(ctx context.Context, prompt string, params Params) (Response, error) {
	if prompt == "" {
		return Response{}, &models.FatalProviderError{Provider: c.Provider, Message: "prompt is required"}
	}

	args, inline := c.BuildArgs(prompt, params)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if !inline {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, fmt.Errorf("provider %s: %w", c.Provider, ctxErr)
		}
		output := strings.TrimSpace(stderr.String() + "\n" + stdout.String())

		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return Response{}, &models.FatalProviderError{Provider: c.Provider, Message: "command not runnable", Err: err}
		}
		if budget.IsRateLimitMessage(output) {
			te := &models.TransientProviderError{Provider: c.Provider, Message: truncate(output, 500), Err: err}
			if hint := budget.ParseRetryHint(output); hint != nil {
				te.RetryAfter = hint.Wait
			}
			return Response{}, te
		}
		return Response{}, fmt.Errorf("%s invocation failed: %w (output: %s)", c.Path, err, truncate(output, 500))
	}

	text := extractText(stdout.Bytes())
	return Response{Text: text}, nil
}

// extractText unwraps {"result": "..."} or {"content": "..."} envelopes and
// otherwise returns the trimmed output.
func extractText(out []byte) string {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope struct {
			Result  *string `json:"result"`
			Content *string `json:"content"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err == nil {
			if envelope.Result != nil {
				return *envelope.Result
			}
			if envelope.Content != nil {
				return *envelope.Content
			}
		}
	}
	return string(trimmed)
}

// truncate returns s truncated to maxLen bytes with "..." suffix if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
