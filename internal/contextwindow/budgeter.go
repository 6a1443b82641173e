// Package contextwindow decides how much accumulated history fits next to a
// prompt in a model's context window. Every truncation in the engine goes
// through Budgeter.
package contextwindow

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/harrison/seqbench/internal/log"
	"github.com/harrison/seqbench/internal/models"
)

const (
	// DefaultSafetyMargin is subtracted from every history budget.
	DefaultSafetyMargin = 64
	// DefaultLookahead bounds how far FitHistory searches for a boundary, in runes.
	DefaultLookahead = 256
	// DefaultSeparator joins history and prompt.
	DefaultSeparator = "\n\n"
)

// Options configures a Budgeter.
type Options struct {
	SafetyMargin int    // < 0 means no margin
	Lookahead    int    // 0 uses DefaultLookahead; < 0 disables boundary trimming
	Separator    string // Empty uses DefaultSeparator
	Tokenizers   *Registry
	Logger       log.Logger
}

func (o *Options) defaults() {
	if o.SafetyMargin == 0 {
		o.SafetyMargin = DefaultSafetyMargin
	}
	if o.SafetyMargin < 0 {
		o.SafetyMargin = 0
	}
	if o.Lookahead == 0 {
		o.Lookahead = DefaultLookahead
	}
	if o.Separator == "" {
		o.Separator = DefaultSeparator
	}
	if o.Tokenizers == nil {
		o.Tokenizers = NewRegistry(nil)
	}
	if o.Logger == nil {
		o.Logger = log.Noop
	}
}

// Budgeter computes history budgets and composes prompts.
type Budgeter struct {
	safetyMargin int
	lookahead    int
	separator    string
	tokenizers   *Registry
	logger       log.Logger
}

// NewBudgeter creates a Budgeter.
func NewBudgeter(opts Options) *Budgeter {
	opts.defaults()
	return &Budgeter{
		safetyMargin: opts.SafetyMargin,
		lookahead:    opts.Lookahead,
		separator:    opts.Separator,
		tokenizers:   opts.Tokenizers,
		logger:       opts.Logger.WithValues(log.Kv{"svc": "contextwindow.Budgeter"}),
	}
}

// Tokenizers returns the registry used to count tokens.
func (b *Budgeter) Tokenizers() *Registry {
	return b.tokenizers
}

// AvailableHistoryTokens returns the history budget left once the prompt,
// the reserved output and the safety margin are accounted for. A result
// <= 0 is reported as *models.ContextLimitExceededError.
func (b *Budgeter) AvailableHistoryTokens(maxContextTokens, reservedOutputTokens, promptTokens int) (int, error) {
	available := maxContextTokens - reservedOutputTokens - promptTokens - b.safetyMargin
	if available <= 0 {
		return 0, &models.ContextLimitExceededError{
			MaxContextTokens:     maxContextTokens,
			ReservedOutputTokens: reservedOutputTokens,
			PromptTokens:         promptTokens,
			SafetyMargin:         b.safetyMargin,
		}
	}
	return available, nil
}

// FitResult is the outcome of FitHistory.
type FitResult struct {
	Text      string
	Truncated bool
	Tokens    int  // Count of Text by the same tokenizer
	Exact     bool // Whether Tokens is a real count
}

// FitHistory returns history unchanged when it fits in budget tokens.
// Otherwise it keeps the most recent budget tokens and trims forward to a
// paragraph or sentence boundary within the lookahead. The result never
// counts more than budget tokens.
func (b *Budgeter) FitHistory(history string, budget int, tok Tokenizer) FitResult {
	exact := tok.Exact()
	if history == "" {
		return FitResult{Exact: exact}
	}

	if n := tok.Count(history); n <= budget {
		return FitResult{Text: history, Tokens: n, Exact: exact}
	}
	if budget <= 0 {
		return FitResult{Truncated: true, Exact: exact}
	}

	text := tail(tok, history, budget)
	if prefix, ok := strings.CutSuffix(history, text); !ok || !startsAtBoundary(prefix, text) {
		text = trimToBoundary(text, b.lookahead)
	}

	// Re-tokenizing a suffix can change the count for subword tokenizers.
	for target := budget; tok.Count(text) > budget; target-- {
		if target <= 0 {
			text = ""
			break
		}
		text = tail(tok, text, target)
	}

	return FitResult{Text: text, Truncated: true, Tokens: tok.Count(text), Exact: exact}
}

// tail keeps the last n tokens of text.
func tail(tok Tokenizer, text string, n int) string {
	if tt, ok := tok.(TailTokenizer); ok {
		return tt.Tail(text, n)
	}
	enc := tok.Encode(text)
	if len(enc) > n {
		enc = enc[len(enc)-n:]
	}
	return tok.Decode(enc)
}

// startsAtBoundary reports whether text, the tail of a longer history
// following prefix, already begins at a paragraph or sentence start.
func startsAtBoundary(prefix, text string) bool {
	if prefix == "" || strings.HasSuffix(prefix, "\n\n") {
		return true
	}
	trimmed := strings.TrimRightFunc(prefix, unicode.IsSpace)
	if trimmed == "" {
		return true
	}
	first, _ := utf8.DecodeRuneInString(text)
	if len(trimmed) == len(prefix) && !unicode.IsSpace(first) {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return isSentenceEnd(last)
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

// trimToBoundary drops the leading partial sentence of text. A paragraph
// break within lookahead runes wins over a sentence end; when neither is
// found text is returned unchanged.
func trimToBoundary(text string, lookahead int) string {
	if lookahead < 0 {
		return text
	}

	window := text
	if utf8.RuneCountInString(window) > lookahead {
		cut, n := 0, 0
		for i := range window {
			if n == lookahead {
				cut = i
				break
			}
			n++
		}
		window = window[:cut]
	}

	if i := strings.Index(window, "\n\n"); i >= 0 {
		if rest := strings.TrimLeftFunc(text[i:], unicode.IsSpace); rest != "" {
			return rest
		}
	}

	prev := rune(0)
	for i, r := range window {
		if unicode.IsSpace(r) && isSentenceEnd(prev) {
			if rest := strings.TrimLeftFunc(text[i:], unicode.IsSpace); rest != "" {
				return rest
			}
		}
		prev = r
	}
	return text
}

// ModelLimits are the context parameters of one model.
type ModelLimits struct {
	Model            string
	MaxContextTokens int
	MaxOutputTokens  int
}

// Composed is a prompt ready to send.
type Composed struct {
	Text             string // History, separator and prompt
	PromptTokens     int    // Count of Text
	HistoryTokens    int
	HistoryTruncated bool
	Exact            bool
}

// Build fits history next to prompt for the given model. The prompt alone
// not fitting is fatal; history that does not fit is truncated and reported.
func (b *Budgeter) Build(history, prompt string, limits ModelLimits) (Composed, error) {
	if limits.MaxContextTokens <= 0 {
		return Composed{}, fmt.Errorf("model %s: max_context_tokens must be > 0", limits.Model)
	}

	tok := b.tokenizers.For(limits.Model)
	exact := tok.Exact()
	promptTokens := tok.Count(prompt)

	available, err := b.AvailableHistoryTokens(limits.MaxContextTokens, limits.MaxOutputTokens, promptTokens)
	if err != nil {
		var ctxErr *models.ContextLimitExceededError
		if errors.As(err, &ctxErr) {
			ctxErr.Model = limits.Model
			ctxErr.Exact = exact
		}
		return Composed{}, err
	}

	if history == "" {
		return Composed{Text: prompt, PromptTokens: promptTokens, Exact: exact}, nil
	}

	budget := available - tok.Count(b.separator)
	fit := b.FitHistory(history, budget, tok)
	if fit.Truncated {
		b.logger.Warningf("history truncated for model %s: %d tokens available, kept %d", limits.Model, budget, fit.Tokens)
	}

	text := prompt
	if fit.Text != "" {
		text = fit.Text + b.separator + prompt
	}
	return Composed{
		Text:             text,
		PromptTokens:     tok.Count(text),
		HistoryTokens:    fit.Tokens,
		HistoryTruncated: fit.Truncated,
		Exact:            exact,
	}, nil
}
