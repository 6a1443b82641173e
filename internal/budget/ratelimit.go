package budget

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryHint is a provider-supplied indication of how long to wait before
// retrying, extracted from an error message or response body.
type RetryHint struct {
	Wait       time.Duration // How long the provider asked us to wait
	ResetAt    time.Time     // Absolute reset time when the provider gave one
	RawMessage string
	Source     string // "seconds", "timestamp", "json", "duration"
}

var (
	// Pattern 1: usage limit reached|<unix_timestamp>
	unixTimestampPattern = regexp.MustCompile(`limit reached\|(\d{9,})`)

	// Pattern 2: retry in 30 seconds / retry after 30s
	retrySecondsPattern = regexp.MustCompile(`(?i)retry (?:in|after)\s+(\d+(?:\.\d+)?)\s*(?:seconds?|secs?|s)\b`)

	// Pattern 3: Please try again in 1.5s / try again in 20ms / try again in 2m30s
	tryAgainPattern = regexp.MustCompile(`(?i)try again in\s+((?:\d+(?:\.\d+)?(?:ms|h|m|s))+)`)

	// Pattern 4: generic rate limit indicators
	rateLimitIndicator = regexp.MustCompile(`(?i)(rate.?limit|usage.?limit|\b429\b|too.?many.?requests|overloaded|quota exceeded)`)
)

// IsRateLimitMessage reports whether text looks like a provider rate-limit
// or overload message.
func IsRateLimitMessage(text string) bool {
	return text != "" && rateLimitIndicator.MatchString(text)
}

// ParseRetryHint extracts a wait hint from a provider message. It returns
// nil when the message carries no usable hint.
func ParseRetryHint(msg string) *RetryHint {
	if msg == "" {
		return nil
	}

	if matches := unixTimestampPattern.FindStringSubmatch(msg); len(matches) > 1 {
		if ts, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			resetAt := time.Unix(ts, 0)
			wait := time.Until(resetAt)
			if wait < 0 {
				wait = 0
			}
			return &RetryHint{Wait: wait, ResetAt: resetAt, RawMessage: msg, Source: "timestamp"}
		}
	}

	if matches := retrySecondsPattern.FindStringSubmatch(msg); len(matches) > 1 {
		if secs, err := strconv.ParseFloat(matches[1], 64); err == nil {
			return &RetryHint{Wait: time.Duration(secs * float64(time.Second)), RawMessage: msg, Source: "seconds"}
		}
	}

	if matches := tryAgainPattern.FindStringSubmatch(msg); len(matches) > 1 {
		if d, err := time.ParseDuration(matches[1]); err == nil {
			return &RetryHint{Wait: d, RawMessage: msg, Source: "duration"}
		}
	}

	if hint := tryParseJSON(msg); hint != nil {
		hint.RawMessage = msg
		return hint
	}

	return nil
}

// ParseRetryAfterHeader parses an HTTP Retry-After header value, either
// delta-seconds or an HTTP date.
func ParseRetryAfterHeader(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := time.Parse(time.RFC1123, value); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// tryParseJSON looks for a retry_after field in a JSON or JSONL payload.
func tryParseJSON(data string) *RetryHint {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(data), &obj); err == nil {
		return extractFromJSONObject(obj)
	}

	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			if hint := extractFromJSONObject(obj); hint != nil {
				return hint
			}
		}
	}

	return nil
}

// extractFromJSONObject reads retry_after either at the top level or under
// an "error" object.
func extractFromJSONObject(obj map[string]interface{}) *RetryHint {
	retryAfter, ok := obj["retry_after"]
	if !ok {
		if nested, isMap := obj["error"].(map[string]interface{}); isMap {
			retryAfter, ok = nested["retry_after"]
		}
	}
	if !ok {
		return nil
	}

	var secs float64
	switch v := retryAfter.(type) {
	case float64:
		secs = v
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		secs = parsed
	default:
		return nil
	}

	if secs <= 0 {
		return nil
	}
	return &RetryHint{Wait: time.Duration(secs * float64(time.Second)), Source: "json"}
}
