package budget

import (
	"fmt"
	"testing"
	"time"
)

func TestParseRetryHint_Seconds(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Duration
	}{
		{"retry in seconds", "rate limited, retry in 30 seconds", 30 * time.Second},
		{"retry after short", "429: retry after 12s", 12 * time.Second},
		{"fractional", "Retry after 1.5 sec", 1500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hint := ParseRetryHint(tt.input)
			if hint == nil {
				t.Fatal("expected hint")
			}
			if hint.Wait != tt.want {
				t.Errorf("expected %v, got %v", tt.want, hint.Wait)
			}
			if hint.Source != "seconds" {
				t.Errorf("expected source seconds, got %s", hint.Source)
			}
		})
	}
}

func TestParseRetryHint_TryAgainDuration(t *testing.T) {
	hint := ParseRetryHint("Rate limit reached for gpt-4o. Please try again in 2m30s.")
	if hint == nil {
		t.Fatal("expected hint")
	}
	if hint.Wait != 150*time.Second {
		t.Errorf("expected 2m30s, got %v", hint.Wait)
	}

	hint = ParseRetryHint("Please try again in 250ms")
	if hint == nil || hint.Wait != 250*time.Millisecond {
		t.Errorf("expected 250ms hint, got %+v", hint)
	}
}

func TestParseRetryHint_UnixTimestamp(t *testing.T) {
	future := time.Now().Add(2 * time.Hour).Unix()
	hint := ParseRetryHint(fmt.Sprintf("usage limit reached|%d", future))

	if hint == nil {
		t.Fatal("expected hint")
	}
	if hint.ResetAt.Unix() != future {
		t.Errorf("expected reset at %d, got %d", future, hint.ResetAt.Unix())
	}
	if hint.Wait < time.Hour {
		t.Errorf("expected ~2h wait, got %v", hint.Wait)
	}
}

func TestParseRetryHint_JSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Duration
	}{
		{"top level number", `{"error": "rate_limit", "retry_after": 7}`, 7 * time.Second},
		{"nested string", `{"error": {"type": "overloaded", "retry_after": "3"}}`, 3 * time.Second},
		{"jsonl", "{\"event\":\"start\"}\n{\"retry_after\": 4}", 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hint := ParseRetryHint(tt.input)
			if hint == nil {
				t.Fatal("expected hint")
			}
			if hint.Wait != tt.want {
				t.Errorf("expected %v, got %v", tt.want, hint.Wait)
			}
		})
	}
}

func TestParseRetryHint_None(t *testing.T) {
	for _, input := range []string{"", "invalid api key", `{"retry_after": 0}`, "server error"} {
		if hint := ParseRetryHint(input); hint != nil {
			t.Errorf("expected no hint for %q, got %+v", input, hint)
		}
	}
}

func TestIsRateLimitMessage(t *testing.T) {
	positives := []string{"Rate limit exceeded", "HTTP 429", "Too Many Requests", "model is overloaded", "quota exceeded"}
	for _, msg := range positives {
		if !IsRateLimitMessage(msg) {
			t.Errorf("expected %q to be a rate limit message", msg)
		}
	}
	negatives := []string{"", "invalid request", "code 4290"}
	for _, msg := range negatives {
		if IsRateLimitMessage(msg) {
			t.Errorf("expected %q not to be a rate limit message", msg)
		}
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	if d, ok := ParseRetryAfterHeader("20"); !ok || d != 20*time.Second {
		t.Errorf("expected 20s, got %v %v", d, ok)
	}
	date := time.Now().Add(time.Minute).UTC().Format(time.RFC1123)
	if d, ok := ParseRetryAfterHeader(date); !ok || d <= 0 || d > time.Minute {
		t.Errorf("expected positive duration up to 1m, got %v %v", d, ok)
	}
	if _, ok := ParseRetryAfterHeader("soon"); ok {
		t.Error("expected garbage header to be rejected")
	}
	if _, ok := ParseRetryAfterHeader(""); ok {
		t.Error("expected empty header to be rejected")
	}
}
