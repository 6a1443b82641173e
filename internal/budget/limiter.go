// Package budget provides per-provider admission control and circuit
// breaking. All state shared between workers targeting the same provider
// lives here and is only mutated under a per-provider lock.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is the rolling window for request/token rate limits.
const DefaultWindow = time.Minute

// ProviderLimits configures admission for one provider.
// Zero values mean "unlimited" for that dimension.
type ProviderLimits struct {
	MaxConcurrent     int           // Max outstanding permits
	RequestsPerMinute int           // Max admissions per Window
	TokensPerMinute   int           // Max estimated/actual tokens per Window
	Window            time.Duration // Rolling window (default: 1m)
}

func (l ProviderLimits) window() time.Duration {
	if l.Window <= 0 {
		return DefaultWindow
	}
	return l.Window
}

// Validate checks the limits are non-negative.
func (l ProviderLimits) Validate() error {
	if l.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be >= 0, got %d", l.MaxConcurrent)
	}
	if l.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must be >= 0, got %d", l.RequestsPerMinute)
	}
	if l.TokensPerMinute < 0 {
		return fmt.Errorf("tokens_per_minute must be >= 0, got %d", l.TokensPerMinute)
	}
	if l.Window < 0 {
		return fmt.Errorf("window must be >= 0, got %v", l.Window)
	}
	return nil
}

// admission is one request recorded in the rolling window.
type admission struct {
	at     time.Time
	tokens int
}

// providerState holds the mutable counters for one provider.
type providerState struct {
	mu       sync.Mutex
	limits   ProviderLimits
	inFlight int
	window   []*admission // ordered by admission time
	wake     chan struct{}
}

// RateLimiter bounds in-flight requests and the rolling request/token rate
// per provider. Providers without configured limits are unlimited.
type RateLimiter struct {
	mu        sync.Mutex
	limits    map[string]ProviderLimits
	providers map[string]*providerState
	now       func() time.Time
}

// NewRateLimiter creates a RateLimiter with the given per-provider limits.
func NewRateLimiter(limits map[string]ProviderLimits) *RateLimiter {
	copied := make(map[string]ProviderLimits, len(limits))
	for name, l := range limits {
		copied[name] = l
	}
	return &RateLimiter{
		limits:    copied,
		providers: make(map[string]*providerState),
		now:       time.Now,
	}
}

func (rl *RateLimiter) state(provider string) *providerState {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s, ok := rl.providers[provider]
	if !ok {
		s = &providerState{
			limits: rl.limits[provider],
			wake:   make(chan struct{}),
		}
		rl.providers[provider] = s
	}
	return s
}

// Permit is a scoped admission. It must be released on every exit path.
type Permit struct {
	Provider   string
	AcquiredAt time.Time

	state *providerState
	entry *admission
	once  sync.Once
}

// Release returns the permit. actualTokens replaces the estimate recorded at
// admission; pass a negative value to keep the estimate. Safe to call more
// than once and on a nil permit.
func (p *Permit) Release(actualTokens int) {
	if p == nil {
		return
	}
	p.once.Do(func() {
		s := p.state
		s.mu.Lock()
		s.inFlight--
		if actualTokens >= 0 && p.entry != nil {
			p.entry.tokens = actualTokens
		}
		s.broadcastLocked()
		s.mu.Unlock()
	})
}

// Acquire blocks until the provider admits one more request. It only fails
// when ctx is cancelled, in which case ctx.Err() is returned.
func (rl *RateLimiter) Acquire(ctx context.Context, provider string, estimatedTokens int) (*Permit, error) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	s := rl.state(provider)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		now := rl.now()
		s.pruneLocked(now)
		wait, ok := s.admitWaitLocked(now, estimatedTokens)
		if ok {
			entry := &admission{at: now, tokens: estimatedTokens}
			s.window = append(s.window, entry)
			s.inFlight++
			s.mu.Unlock()
			return &Permit{Provider: provider, AcquiredAt: now, state: s, entry: entry}, nil
		}
		wake := s.wake
		s.mu.Unlock()

		if err := waitForChange(ctx, wake, wait); err != nil {
			return nil, err
		}
	}
}

// waitForChange suspends until a permit is released, the window advances by
// wait (if > 0), or ctx is cancelled.
func waitForChange(ctx context.Context, wake <-chan struct{}, wait time.Duration) error {
	var timerC <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-timerC:
	}
	return nil
}

// pruneLocked drops admissions that fell out of the rolling window.
func (s *providerState) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.limits.window())
	i := 0
	for i < len(s.window) && !s.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// admitWaitLocked reports whether a request may be admitted now. When it may
// not, the returned duration is how long until the window frees up (0 means
// wait for a release).
func (s *providerState) admitWaitLocked(now time.Time, estimatedTokens int) (time.Duration, bool) {
	l := s.limits

	if l.MaxConcurrent > 0 && s.inFlight >= l.MaxConcurrent {
		return 0, false
	}

	untilOldestExpires := func() time.Duration {
		if len(s.window) == 0 {
			return 0
		}
		d := s.window[0].at.Add(l.window()).Sub(now)
		if d <= 0 {
			d = time.Millisecond
		}
		return d
	}

	if l.RequestsPerMinute > 0 && len(s.window) >= l.RequestsPerMinute {
		return untilOldestExpires(), false
	}

	if l.TokensPerMinute > 0 && len(s.window) > 0 {
		used := 0
		for _, a := range s.window {
			used += a.tokens
		}
		// An estimate larger than the whole budget is admitted once the window drains.
		if used+estimatedTokens > l.TokensPerMinute {
			return untilOldestExpires(), false
		}
	}

	return 0, true
}

func (s *providerState) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// LimiterSnapshot is the admission part of a ProviderBudget.
type LimiterSnapshot struct {
	InFlight       int
	WindowRequests int
	WindowTokens   int
	Limits         ProviderLimits
}

// Snapshot returns the current admission counters for a provider.
func (rl *RateLimiter) Snapshot(provider string) LimiterSnapshot {
	s := rl.state(provider)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(rl.now())
	tokens := 0
	for _, a := range s.window {
		tokens += a.tokens
	}
	return LimiterSnapshot{
		InFlight:       s.inFlight,
		WindowRequests: len(s.window),
		WindowTokens:   tokens,
		Limits:         s.limits,
	}
}
