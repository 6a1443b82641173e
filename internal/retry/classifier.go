package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/models"
)

// Class is the retry decision for a failed attempt.
type Class int

const (
	// ClassRetryable failures are retried with backoff and count toward the breaker.
	ClassRetryable Class = iota
	// ClassFatal failures stop immediately and are neutral to the breaker.
	ClassFatal
	// ClassUnknown failures are retried, but only UnknownMaxRetries times.
	ClassUnknown
	// ClassCancelled means the caller's context ended; nothing is retried.
	ClassCancelled
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassUnknown:
		return "unknown"
	case ClassCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// DefaultUnknownMaxRetries caps retries of errors no rule recognizes.
const DefaultUnknownMaxRetries = 2

// Rules is the data-driven classification for one provider. Patterns are
// case-insensitive regular expressions matched against the error text.
type Rules struct {
	RetryableStatus   []int
	FatalStatus       []int
	RetryablePatterns []string
	FatalPatterns     []string
	UnknownMaxRetries int // 0 or less never retries unknown errors
}

// DefaultRules returns the rules applied when a provider configures none.
func DefaultRules() Rules {
	return Rules{
		RetryableStatus: []int{408, 409, 425, 429, 500, 502, 503, 504, 529},
		FatalStatus:     []int{400, 401, 403, 404, 413, 422},
		RetryablePatterns: []string{
			`connection (reset|refused)`,
			`temporar(y|ily) unavailable`,
			`timed? ?out`,
			`overloaded`,
			`unexpected eof`,
		},
		FatalPatterns: []string{
			`invalid[ _-]?api[ _-]?key`,
			`unauthori[sz]ed`,
			`model .*(not found|does not exist)`,
			`permission denied`,
		},
		UnknownMaxRetries: DefaultUnknownMaxRetries,
	}
}

// Decision is the classification of one error.
type Decision struct {
	Class      Class
	RetryAfter time.Duration // Provider wait hint, 0 if none
	Reason     string
}

// Classifier decides whether a failed attempt may be retried.
type Classifier struct {
	retryableStatus   map[int]bool
	fatalStatus       map[int]bool
	retryablePatterns []*regexp.Regexp
	fatalPatterns     []*regexp.Regexp
	unknownMaxRetries int
}

// NewClassifier compiles rules into a Classifier.
func NewClassifier(rules Rules) (*Classifier, error) {
	c := &Classifier{
		retryableStatus:   make(map[int]bool, len(rules.RetryableStatus)),
		fatalStatus:       make(map[int]bool, len(rules.FatalStatus)),
		unknownMaxRetries: rules.UnknownMaxRetries,
	}
	if c.unknownMaxRetries < 0 {
		c.unknownMaxRetries = 0
	}

	for _, s := range rules.RetryableStatus {
		c.retryableStatus[s] = true
	}
	for _, s := range rules.FatalStatus {
		if c.retryableStatus[s] {
			return nil, fmt.Errorf("status %d listed as both retryable and fatal", s)
		}
		c.fatalStatus[s] = true
	}

	var err error
	if c.retryablePatterns, err = compilePatterns(rules.RetryablePatterns); err != nil {
		return nil, fmt.Errorf("retryable_patterns: %w", err)
	}
	if c.fatalPatterns, err = compilePatterns(rules.FatalPatterns); err != nil {
		return nil, fmt.Errorf("fatal_patterns: %w", err)
	}
	return c, nil
}

// MustClassifier is NewClassifier that panics on invalid rules.
func MustClassifier(rules Rules) *Classifier {
	c, err := NewClassifier(rules)
	if err != nil {
		panic(err)
	}
	return c
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// UnknownMaxRetries returns how many times an unrecognized error is retried.
func (c *Classifier) UnknownMaxRetries() int {
	return c.unknownMaxRetries
}

// Classify maps err to a Decision. Typed provider errors win over text
// patterns; configured status codes win over the error's own type.
func (c *Classifier) Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassRetryable}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, models.ErrCancellationRequested) {
		return Decision{Class: ClassCancelled, Reason: "cancelled"}
	}
	if models.IsContextLimitExceeded(err) {
		return Decision{Class: ClassFatal, Reason: "context limit"}
	}
	var unavailable *models.ProviderUnavailableError
	if errors.As(err, &unavailable) {
		return Decision{Class: ClassFatal, Reason: "provider unavailable"}
	}

	var transient *models.TransientProviderError
	var fatal *models.FatalProviderError
	switch {
	case errors.As(err, &transient):
		if c.fatalStatus[transient.StatusCode] {
			return Decision{Class: ClassFatal, Reason: fmt.Sprintf("status %d", transient.StatusCode)}
		}
		return Decision{Class: ClassRetryable, RetryAfter: retryAfter(transient.RetryAfter, err), Reason: "transient"}
	case errors.As(err, &fatal):
		if c.retryableStatus[fatal.StatusCode] {
			return Decision{Class: ClassRetryable, RetryAfter: retryAfter(0, err), Reason: fmt.Sprintf("status %d", fatal.StatusCode)}
		}
		return Decision{Class: ClassFatal, Reason: "fatal"}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassRetryable, Reason: "call timeout"}
	}

	msg := err.Error()
	for _, re := range c.fatalPatterns {
		if re.MatchString(msg) {
			return Decision{Class: ClassFatal, Reason: "pattern " + re.String()}
		}
	}
	for _, re := range c.retryablePatterns {
		if re.MatchString(msg) {
			return Decision{Class: ClassRetryable, RetryAfter: retryAfter(0, err), Reason: "pattern " + re.String()}
		}
	}
	if budget.IsRateLimitMessage(msg) {
		return Decision{Class: ClassRetryable, RetryAfter: retryAfter(0, err), Reason: "rate limit"}
	}

	return Decision{Class: ClassUnknown, Reason: "unrecognized"}
}

// retryAfter prefers an explicit hint and falls back to parsing the message.
func retryAfter(explicit time.Duration, err error) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if hint := budget.ParseRetryHint(err.Error()); hint != nil {
		return hint.Wait
	}
	return 0
}
