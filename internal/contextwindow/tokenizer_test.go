package contextwindow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApproxTokenizer_RoundTrip(t *testing.T) {
	tok := NewApproxTokenizer(3)

	for _, text := range []string{"", "a", "abc", "abcd", "héllo wörld", "日本語のテキスト", strings.Repeat("xyz ", 50)} {
		ids := tok.Encode(text)
		assert.Equal(t, text, tok.Decode(ids))
		assert.Equal(t, len(ids), tok.Count(text), "count must match encoded length for %q", text)
	}
}

func TestApproxTokenizer_Count(t *testing.T) {
	tok := NewApproxTokenizer(4)

	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 1, tok.Count("abc"))
	assert.Equal(t, 1, tok.Count("abcd"))
	assert.Equal(t, 2, tok.Count("abcde"))
	assert.Equal(t, 1, tok.Count("日本語"), "counts runes, not bytes")
	assert.False(t, tok.Exact())
}

func TestApproxTokenizer_DefaultRatio(t *testing.T) {
	assert.Equal(t, DefaultCharsPerToken, NewApproxTokenizer(0).CharsPerToken())
	assert.Equal(t, 7, NewApproxTokenizer(7).CharsPerToken())
}

func TestApproxTokenizer_DecodeSkipsUnknownIDs(t *testing.T) {
	tok := NewApproxTokenizer(2)
	ids := tok.Encode("abcd")
	assert.Equal(t, "abcd", tok.Decode(append(ids, 999, -1)))
}

type exactStub struct{ *ApproxTokenizer }

func (exactStub) Exact() bool { return true }

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.IsExact("gpt-4o"))

	r.Register("gpt-4o", exactStub{NewApproxTokenizer(4)})
	assert.True(t, r.IsExact("gpt-4o"))
	assert.False(t, r.IsExact("other"))
}

func TestApproxTokenizer_Tail(t *testing.T) {
	tok := NewApproxTokenizer(2)

	assert.Equal(t, "", tok.Tail("abcdef", 0))
	assert.Equal(t, "ef", tok.Tail("abcdef", 1))
	assert.Equal(t, "本語のテ", tok.Tail("日本語のテ", 2))
	assert.Equal(t, "abc", tok.Tail("abc", 5))
	assert.Zero(t, tok.vocabularySize())
}

func TestApproxTokenizer_VocabularyIsBounded(t *testing.T) {
	tok := NewApproxTokenizer(1)
	tok.maxVocab = 8

	first := tok.Encode("abcdefgh")
	assert.Equal(t, "abcdefgh", tok.Decode(first))
	assert.Equal(t, 8, tok.vocabularySize())

	second := tok.Encode("ijkl")
	assert.Equal(t, 4, tok.vocabularySize())
	assert.Equal(t, "ijkl", tok.Decode(second))
	assert.Empty(t, tok.Decode(first), "ids from a recycled vocabulary decode to nothing")

	long := "mnopqrstuvwxyz"
	assert.Equal(t, long, tok.Decode(tok.Encode(long)), "one call never spans a recycle")
}
