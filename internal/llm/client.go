// Package llm defines the capability the engine uses to talk to models and
// ships a few concrete clients behind it.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/seqbench/internal/contextwindow"
	"github.com/harrison/seqbench/internal/models"
)

// Params are the generation parameters sent with every prompt.
type Params struct {
	Temperature     float64
	MaxOutputTokens int
}

// Response is a generated completion. Usage is zero when the backend
// does not report it.
type Response struct {
	Text  string
	Usage models.Usage
}

// ModelClient generates text for one model. Implementations return
// *models.TransientProviderError or *models.FatalProviderError where they
// can tell the difference; anything else is left to the retry classifier.
type ModelClient interface {
	Generate(ctx context.Context, prompt string, params Params) (Response, error)
}

// ClientFunc adapts a function to ModelClient.
type ClientFunc func(ctx context.Context, prompt string, params Params) (Response, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, prompt string, params Params) (Response, error) {
	return f(ctx, prompt, params)
}

// Client types accepted by New.
const (
	TypeOpenAI  = "openai"
	TypeCommand = "command"
	TypeMock    = "mock"
)

// Spec describes the client for one model on one provider.
type Spec struct {
	Provider string
	Type     string
	Model    string

	// openai
	BaseURL string
	APIKey  string

	// command
	Command string
	Args    []string

	// mock
	Latency   time.Duration
	Tokenizer contextwindow.Tokenizer
}

// New builds the client described by spec.
func New(spec Spec) (ModelClient, error) {
	switch strings.ToLower(spec.Type) {
	case TypeOpenAI:
		return NewHTTPClient(spec.Provider, spec.Model, spec.BaseURL, spec.APIKey)
	case TypeCommand:
		return NewCommandClient(spec.Provider, spec.Model, spec.Command, spec.Args)
	case TypeMock, "":
		c := NewEchoClient(spec.Provider, spec.Model, spec.Latency)
		c.Tokenizer = spec.Tokenizer
		return c, nil
	default:
		return nil, fmt.Errorf("provider %s: unknown client type %q", spec.Provider, spec.Type)
	}
}
