package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/models"
)

// DefaultOpenAIBaseURL is used when a provider sets no base_url.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// HTTPClient calls an OpenAI-compatible chat completions endpoint.
// Safe for concurrent use.
type HTTPClient struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string

	// HTTP is the underlying client. Per-call timeouts come from the context.
	HTTP *http.Client
}

// NewHTTPClient creates a chat completions client.
func NewHTTPClient(provider, model, baseURL, apiKey string) (*HTTPClient, error) {
	if model == "" {
		return nil, fmt.Errorf("provider %s: model is required", provider)
	}
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &HTTPClient{
		Provider: provider,
		Model:    model,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		HTTP:     &http.Client{},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Generate sends prompt as a single user message.
func (c *HTTPClient) Generate(ctx context.Context, prompt string, params Params) (Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: params.Temperature,
		MaxTokens:   params.MaxOutputTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("could not marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, &models.FatalProviderError{Provider: c.Provider, Message: "invalid request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, fmt.Errorf("provider %s: %w", c.Provider, ctxErr)
		}
		return Response{}, &models.TransientProviderError{Provider: c.Provider, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, fmt.Errorf("provider %s: %w", c.Provider, ctxErr)
		}
		return Response{}, &models.TransientProviderError{Provider: c.Provider, StatusCode: resp.StatusCode, Message: "reading response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, c.statusError(resp, data)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, &models.TransientProviderError{Provider: c.Provider, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	if len(out.Choices) == 0 {
		return Response{}, &models.TransientProviderError{Provider: c.Provider, StatusCode: resp.StatusCode, Message: "response has no choices"}
	}

	text := out.Choices[0].Message.Content
	usage := models.Usage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens}
	return Response{Text: text, Usage: usage}, nil
}

// statusError maps a non-2xx response to the provider error taxonomy.
// 408, 409, 429 and 5xx are transient; other statuses are fatal.
func (c *HTTPClient) statusError(resp *http.Response, data []byte) error {
	msg := strings.TrimSpace(string(data))
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Error.Message != "" {
		msg = eb.Error.Message
	}
	msg = truncate(msg, 500)

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout,
		status == http.StatusConflict, status >= 500:
		var wait time.Duration
		if d, ok := budget.ParseRetryAfterHeader(resp.Header.Get("Retry-After")); ok {
			wait = d
		} else if hint := budget.ParseRetryHint(string(data)); hint != nil {
			wait = hint.Wait
		}
		return &models.TransientProviderError{Provider: c.Provider, StatusCode: status, Message: msg, RetryAfter: wait}
	default:
		return &models.FatalProviderError{Provider: c.Provider, StatusCode: status, Message: msg}
	}
}
