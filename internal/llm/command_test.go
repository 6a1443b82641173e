package llm

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/seqbench/internal/models"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandClient_BuildArgs(t *testing.T) {
	c, err := NewCommandClient("cli", "sonnet", "claude", []string{"-p", "{prompt}", "--model", "{model}", "--temp={temperature}", "--max={max_tokens}"})
	require.NoError(t, err)

	args, inline := c.BuildArgs("hello", Params{Temperature: 0.5, MaxOutputTokens: 100})
	assert.True(t, inline)
	assert.Equal(t, []string{"-p", "hello", "--model", "sonnet", "--temp=0.5", "--max=100"}, args)

	c.Args = []string{"--model", "{model}"}
	_, inline = c.BuildArgs("hello", Params{})
	assert.False(t, inline)
}

func TestCommandClient_PromptViaArgument(t *testing.T) {
	requireShell(t)
	c, err := NewCommandClient("cli", "m", "sh", []string{"-c", `printf 'got: %s' "$1"`, "sh", "{prompt}"})
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), "a prompt", Params{})
	require.NoError(t, err)
	assert.Equal(t, "got: a prompt", resp.Text)
	assert.Zero(t, resp.Usage.Total(), "command output carries no usage")
}

func TestCommandClient_PromptViaStdin(t *testing.T) {
	requireShell(t)
	c, err := NewCommandClient("cli", "m", "sh", []string{"-c", "cat"})
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), "from stdin", Params{})
	require.NoError(t, err)
	assert.Equal(t, "from stdin", resp.Text)
}

func TestCommandClient_UnwrapsJSON(t *testing.T) {
	requireShell(t)
	c, err := NewCommandClient("cli", "m", "sh", []string{"-c", `echo '{"type":"result","result":"unwrapped"}'`})
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), "p", Params{})
	require.NoError(t, err)
	assert.Equal(t, "unwrapped", resp.Text)
}

func TestCommandClient_RateLimitIsTransient(t *testing.T) {
	requireShell(t)
	c, err := NewCommandClient("cli", "m", "sh", []string{"-c", `echo "rate limit exceeded, retry in 30 seconds" >&2; exit 1`})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "p", Params{})
	var te *models.TransientProviderError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 30.0, te.RetryAfter.Seconds())
}

func TestCommandClient_FailureIncludesOutput(t *testing.T) {
	requireShell(t)
	c, err := NewCommandClient("cli", "m", "sh", []string{"-c", `echo boom; exit 3`})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "p", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, models.KindUnknown, models.ErrorKind(err))
}

func TestCommandClient_MissingBinaryIsFatal(t *testing.T) {
	c, err := NewCommandClient("cli", "m", "definitely-not-a-real-binary-xyz", nil)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "p", Params{})
	var fe *models.FatalProviderError
	assert.ErrorAs(t, err, &fe)
}

func TestNewCommandClient_RequiresPath(t *testing.T) {
	_, err := NewCommandClient("cli", "m", "", nil)
	assert.Error(t, err)
}
