package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/seqbench/internal/config"
)

func TestDetectFormat(t *testing.T) {
	tests := map[string]Format{
		"story.md":       FormatMarkdown,
		"STORY.Markdown": FormatMarkdown,
		"seq.yaml":       FormatYAML,
		"seq.yml":        FormatYAML,
		"seq.txt":        FormatUnknown,
	}
	for name, want := range tests {
		assert.Equal(t, want, DetectFormat(name), name)
	}
	assert.Equal(t, "markdown", FormatMarkdown.String())
	assert.Equal(t, "unknown", FormatUnknown.String())

	_, err := NewParser(FormatUnknown)
	assert.Error(t, err)
}

func TestYAMLParser(t *testing.T) {
	content := `name: poem
steps:
  - name: draft
    prompt: |
      Write a poem about the sea.
  - prompt: Shorten it.
`
	seq, err := NewYAMLParser().Parse(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, "poem", seq.Name)
	require.Len(t, seq.Steps, 2)
	assert.Equal(t, "Write a poem about the sea.", seq.Steps[0].Prompt)
	assert.Equal(t, "Step 2", seq.Steps[1].Name)
	assert.Equal(t, 1, seq.Steps[1].Index)

	_, err = NewYAMLParser().Parse(strings.NewReader("name: x\n"))
	assert.ErrorContains(t, err, "no steps")
	_, err = NewYAMLParser().Parse(strings.NewReader("steps:\n  - name: a\n"))
	assert.ErrorContains(t, err, "empty prompt")
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "story.md")
	require.NoError(t, os.WriteFile(path, []byte("## Step 1: Open\n\nOnce upon a time.\n"), 0644))

	seq, err := ParseFile(path, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", seq.Name)

	_, err = ParseFile(filepath.Join(dir, "story.txt"), "x")
	assert.ErrorContains(t, err, "unknown file format")
	_, err = ParseFile(filepath.Join(dir, "missing.md"), "x")
	assert.Error(t, err)
}

func TestLoadSequences(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sequences"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sequences", "story.md"),
		[]byte("---\nname: other\n---\n## Step 1: Open\n\nBegin.\n\n## Step 2: Close\n\nEnd.\n"), 0644))

	cfg, err := config.Parse([]byte(`sequences:
  story:
    file: sequences/story.md
  haiku:
    steps:
      - name: draft
        prompt: "  Write a haiku.  "
`), dir)
	require.NoError(t, err)

	seqs, err := LoadSequences(cfg)
	require.NoError(t, err)
	require.Len(t, seqs, 2)

	story := seqs["story"]
	assert.Equal(t, "story", story.Name, "configured name wins")
	assert.Len(t, story.Steps, 2)

	haiku := seqs["haiku"]
	require.Len(t, haiku.Steps, 1)
	assert.Equal(t, "Write a haiku.", haiku.Steps[0].Prompt)
}

func TestLoadSequences_MissingFile(t *testing.T) {
	cfg, err := config.Parse([]byte("sequences:\n  gone:\n    file: nope.md\n"), t.TempDir())
	require.NoError(t, err)
	_, err = LoadSequences(cfg)
	assert.ErrorContains(t, err, "sequence gone")
}
