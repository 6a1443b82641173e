// Package retry wraps provider calls with classification, exponential
// backoff and the per-provider circuit breaker.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/log"
	"github.com/harrison/seqbench/internal/models"
)

// DefaultMaxRetries is the retry count used when a provider sets none.
const DefaultMaxRetries = 3

// Settings is the retry configuration for one provider.
type Settings struct {
	MaxRetries int // Retries after the first attempt; < 0 disables retrying
	Backoff    Backoff
	Rules      Rules
}

// DefaultSettings returns the settings used for unconfigured providers.
func DefaultSettings() Settings {
	return Settings{
		MaxRetries: DefaultMaxRetries,
		Backoff:    DefaultBackoff(),
		Rules:      DefaultRules(),
	}
}

// Sleeper waits between attempts. *budget.Waiter satisfies it.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// AttemptFunc performs one attempt. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

// RetryEvent describes a failed attempt that is about to be retried.
type RetryEvent struct {
	Provider string
	Attempt  int           // Attempt that failed
	Delay    time.Duration // Sleep before the next attempt
	Decision Decision
	Err      error
}

type providerPolicy struct {
	maxRetries int
	backoff    Backoff
	classifier *Classifier
}

func newProviderPolicy(s Settings) (*providerPolicy, error) {
	c, err := NewClassifier(s.Rules)
	if err != nil {
		return nil, err
	}
	maxRetries := s.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &providerPolicy{maxRetries: maxRetries, backoff: s.Backoff, classifier: c}, nil
}

// Policy executes attempts against providers. Safe for concurrent use.
type Policy struct {
	providers map[string]*providerPolicy
	fallback  *providerPolicy
	breakers  *budget.BreakerSet
	sleeper   Sleeper
	logger    log.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithSleeper replaces the default cancellable sleeper.
func WithSleeper(s Sleeper) Option {
	return func(p *Policy) { p.sleeper = s }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// NewPolicy creates a Policy from per-provider settings. Providers without
// an entry use fallback. breakers may be nil to disable circuit breaking.
func NewPolicy(settings map[string]Settings, fallback Settings, breakers *budget.BreakerSet, opts ...Option) (*Policy, error) {
	p := &Policy{
		providers: make(map[string]*providerPolicy, len(settings)),
		breakers:  breakers,
		sleeper:   budget.NewWaiter(0, nil),
		logger:    log.Noop,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.WithValues(log.Kv{"svc": "retry.Policy"})

	var err error
	if p.fallback, err = newProviderPolicy(fallback); err != nil {
		return nil, fmt.Errorf("default retry rules: %w", err)
	}
	for name, s := range settings {
		pp, err := newProviderPolicy(s)
		if err != nil {
			return nil, fmt.Errorf("provider %s retry rules: %w", name, err)
		}
		p.providers[name] = pp
	}
	return p, nil
}

func (p *Policy) forProvider(provider string) *providerPolicy {
	if pp, ok := p.providers[provider]; ok {
		return pp
	}
	return p.fallback
}

// Breakers returns the breaker set, possibly nil.
func (p *Policy) Breakers() *budget.BreakerSet {
	return p.breakers
}

// Execute runs fn until it succeeds, fails fatally, or retries run out.
// The breaker is consulted before every attempt; while it is open fn is
// not called and a *models.ProviderUnavailableError is returned. Exhausted
// and fatal failures are returned as *models.RequestFailedError wrapping
// the last cause. onRetry may be nil. The returned count is the number of
// times fn was called.
func (p *Policy) Execute(ctx context.Context, provider string, fn AttemptFunc, onRetry func(RetryEvent)) (int, error) {
	pp := p.forProvider(provider)
	var breaker *budget.Breaker
	if p.breakers != nil {
		breaker = p.breakers.For(provider)
	}
	logger := p.logger.WithValues(log.Kv{"provider": provider})

	unknownFailures := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		trial := false
		if breaker != nil {
			var err error
			if trial, err = breaker.Allow(); err != nil {
				return attempt - 1, err
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			record(breaker, trial, budget.OutcomeSuccess, nil)
			return attempt, nil
		}

		// Caller cancellation is neutral to the breaker.
		if ctx.Err() != nil {
			record(breaker, trial, budget.OutcomeNeutral, nil)
			return attempt, ctx.Err()
		}

		decision := pp.classifier.Classify(err)
		switch decision.Class {
		case ClassCancelled:
			record(breaker, trial, budget.OutcomeNeutral, nil)
			return attempt, err
		case ClassFatal:
			record(breaker, trial, budget.OutcomeNeutral, nil)
			logger.Debugf("attempt %d failed fatally: %v", attempt, err)
			return attempt, &models.RequestFailedError{Provider: provider, Attempts: attempt, Fatal: true, Cause: err}
		}

		record(breaker, trial, budget.OutcomeFailure, err)

		exhausted := attempt > pp.maxRetries
		if decision.Class == ClassUnknown {
			unknownFailures++
			if unknownFailures > pp.classifier.UnknownMaxRetries() {
				exhausted = true
			}
		}
		if exhausted {
			logger.Warningf("giving up after %d attempt(s): %v", attempt, err)
			return attempt, &models.RequestFailedError{Provider: provider, Attempts: attempt, Cause: err}
		}

		delay := pp.backoff.NextDelay(attempt, decision.RetryAfter)
		logger.Debugf("attempt %d failed (%s), retrying in %s: %v", attempt, decision.Class, delay, err)
		if onRetry != nil {
			onRetry(RetryEvent{Provider: provider, Attempt: attempt, Delay: delay, Decision: decision, Err: err})
		}

		if err := p.sleeper.Sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
}

func record(b *budget.Breaker, trial bool, outcome budget.Outcome, cause error) {
	if b != nil {
		b.Record(trial, outcome, cause)
	}
}
