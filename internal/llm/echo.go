package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/harrison/seqbench/internal/contextwindow"
	"github.com/harrison/seqbench/internal/models"
)

// EchoClient is a deterministic client for dry runs and tests. The same
// prompt always produces the same text.
type EchoClient struct {
	Provider string
	Model    string
	Latency  time.Duration

	// Tokenizer caps the output at MaxOutputTokens. Nil uses the default
	// approximate ratio.
	Tokenizer contextwindow.Tokenizer
}

// NewEchoClient creates an echo client.
func NewEchoClient(provider, model string, latency time.Duration) *EchoClient {
	return &EchoClient{Provider: provider, Model: model, Latency: latency}
}

// Generate returns a short text derived from the last line of prompt.
func (c *EchoClient) Generate(ctx context.Context, prompt string, params Params) (Response, error) {
	if c.Latency > 0 {
		t := time.NewTimer(c.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("provider %s: %w", c.Provider, ctx.Err())
		case <-t.C:
		}
	}

	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	last := truncate(strings.TrimSpace(lines[len(lines)-1]), 80)

	h := fnv.New32a()
	h.Write([]byte(prompt))

	text := fmt.Sprintf("[%s #%08x] %s", c.Model, h.Sum32(), last)

	tok := c.Tokenizer
	if tok == nil {
		tok = contextwindow.NewApproxTokenizer(0)
	}
	if params.MaxOutputTokens > 0 && tok.Count(text) > params.MaxOutputTokens {
		if ids := tok.Encode(text); len(ids) > params.MaxOutputTokens {
			text = tok.Decode(ids[:params.MaxOutputTokens])
		}
	}
	return Response{
		Text:  text,
		Usage: models.Usage{PromptTokens: tok.Count(prompt), CompletionTokens: tok.Count(text)},
	}, nil
}
