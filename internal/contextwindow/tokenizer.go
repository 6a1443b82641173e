package contextwindow

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Tokenizer converts text to model tokens and back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
	// Exact reports whether counts match the model's real tokenizer.
	Exact() bool
}

// DefaultCharsPerToken is the ratio used by the approximate tokenizer.
const DefaultCharsPerToken = 4

// TailTokenizer is implemented by tokenizers that can cut the most recent
// tokens of a text directly, without a round trip through Encode/Decode.
type TailTokenizer interface {
	Tokenizer
	// Tail returns the longest suffix of text that counts at most n tokens.
	Tail(text string, n int) string
}

// maxVocabulary bounds the chunks an ApproxTokenizer remembers for Decode.
const maxVocabulary = 1 << 16

// ApproxTokenizer splits text into fixed-size rune chunks. Counts are
// estimates and are reported as such through Exact. Decode(Encode(s)) == s
// as long as the vocabulary has not been recycled in between; ids from an
// older generation decode to nothing.
type ApproxTokenizer struct {
	charsPerToken int

	mu         sync.Mutex
	maxVocab   int
	generation int
	ids        map[string]int
	vocab      []string
}

var _ TailTokenizer = (*ApproxTokenizer)(nil)

// NewApproxTokenizer creates an approximate tokenizer. charsPerToken <= 0
// uses DefaultCharsPerToken.
func NewApproxTokenizer(charsPerToken int) *ApproxTokenizer {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &ApproxTokenizer{
		charsPerToken: charsPerToken,
		maxVocab:      maxVocabulary,
		ids:           make(map[string]int),
	}
}

// CharsPerToken returns the chunk size in runes.
func (t *ApproxTokenizer) CharsPerToken() int {
	return t.charsPerToken
}

// Encode returns one token per chunk of CharsPerToken runes.
func (t *ApproxTokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}

	tokens := make([]int, 0, t.Count(text))
	t.mu.Lock()
	defer t.mu.Unlock()

	// Recycle up front so the ids of one call always share a generation.
	if len(t.vocab) > 0 && len(t.vocab)+cap(tokens) > t.maxVocab {
		t.generation = (t.generation + 1) & generationMask
		t.vocab = nil
		t.ids = make(map[string]int)
	}

	start, runes := 0, 0
	for i := range text {
		if runes == t.charsPerToken {
			tokens = append(tokens, t.internLocked(text[start:i]))
			start, runes = i, 0
		}
		runes++
	}
	tokens = append(tokens, t.internLocked(text[start:]))
	return tokens
}

// Token ids carry the vocabulary generation above the index bits.
const (
	generationShift = 24
	generationMask  = 1<<7 - 1
)

func (t *ApproxTokenizer) internLocked(chunk string) int {
	if idx, ok := t.ids[chunk]; ok {
		return t.generation<<generationShift | idx
	}
	idx := len(t.vocab)
	t.vocab = append(t.vocab, chunk)
	t.ids[chunk] = idx
	return t.generation<<generationShift | idx
}

func (t *ApproxTokenizer) lookupLocked(id int) (string, bool) {
	if id < 0 || id>>generationShift != t.generation {
		return "", false
	}
	idx := id & (1<<generationShift - 1)
	if idx >= len(t.vocab) {
		return "", false
	}
	return t.vocab[idx], true
}

// Decode joins the chunks for tokens. Unknown ids are skipped.
func (t *ApproxTokenizer) Decode(tokens []int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sb strings.Builder
	for _, id := range tokens {
		if chunk, ok := t.lookupLocked(id); ok {
			sb.WriteString(chunk)
		}
	}
	return sb.String()
}

// Tail returns the last n*CharsPerToken runes of text. It does not touch
// the vocabulary.
func (t *ApproxTokenizer) Tail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	keep := n * t.charsPerToken
	total := utf8.RuneCountInString(text)
	if total <= keep {
		return text
	}
	skip := total - keep
	for i := range text {
		if skip == 0 {
			return text[i:]
		}
		skip--
	}
	return ""
}

// vocabularySize returns the number of remembered chunks.
func (t *ApproxTokenizer) vocabularySize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.vocab)
}

// Count returns ceil(runes / CharsPerToken) without touching the vocabulary.
func (t *ApproxTokenizer) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + t.charsPerToken - 1) / t.charsPerToken
}

// Exact is always false.
func (t *ApproxTokenizer) Exact() bool {
	return false
}

// Registry resolves the tokenizer for a model.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]Tokenizer
	fallback Tokenizer
}

// NewRegistry creates a registry. A nil fallback uses an ApproxTokenizer
// with DefaultCharsPerToken.
func NewRegistry(fallback Tokenizer) *Registry {
	if fallback == nil {
		fallback = NewApproxTokenizer(DefaultCharsPerToken)
	}
	return &Registry{
		models:   make(map[string]Tokenizer),
		fallback: fallback,
	}
}

// Register sets the tokenizer used for model.
func (r *Registry) Register(model string, t Tokenizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[model] = t
}

// For returns the tokenizer for model, or the fallback.
func (r *Registry) For(model string) Tokenizer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.models[model]; ok {
		return t
	}
	return r.fallback
}

// IsExact reports whether counts for model come from a real tokenizer.
func (r *Registry) IsExact(model string) bool {
	return r.For(model).Exact()
}
