package budget

import (
	"sync"
	"time"

	"github.com/harrison/seqbench/internal/models"
)

// BreakerState is the circuit breaker state for a provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Outcome is the result of a guarded call as seen by the breaker.
type Outcome int

const (
	// OutcomeSuccess closes the breaker and resets the failure streak.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure counts toward opening the breaker.
	OutcomeFailure
	// OutcomeNeutral neither trips nor closes the breaker (fatal request errors).
	OutcomeNeutral
)

// BreakerConfig configures a circuit breaker. A Threshold <= 0 disables it.
type BreakerConfig struct {
	Threshold int           // Consecutive failures that open the breaker
	Window    time.Duration // Failures older than this do not count (0 = no expiry)
	Cooldown  time.Duration // Time spent open before a half-open trial
}

// DefaultBreakerConfig returns the breaker settings used when a provider
// does not configure its own.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Window:    time.Minute,
		Cooldown:  30 * time.Second,
	}
}

// Breaker is a per-provider circuit breaker. Safe for concurrent use.
type Breaker struct {
	provider string
	cfg      BreakerConfig
	now      func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      []time.Time
	openUntil     time.Time
	trialInFlight bool
	lastCause     error
}

// NewBreaker creates a closed breaker for a provider.
func NewBreaker(provider string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		state:    BreakerClosed,
	}
}

// Allow reports whether a call may proceed. trial is true when the caller
// holds the single half-open trial slot and must report its outcome with
// Record(true, ...). While open, a *models.ProviderUnavailableError is returned.
func (b *Breaker) Allow() (trial bool, err error) {
	if b.cfg.Threshold <= 0 {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return false, nil
	case BreakerOpen:
		if b.now().Before(b.openUntil) {
			return false, b.unavailableLocked()
		}
		b.state = BreakerHalfOpen
	}

	// Half-open: exactly one trial at a time.
	if b.trialInFlight {
		return false, b.unavailableLocked()
	}
	b.trialInFlight = true
	return true, nil
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(trial bool, outcome Outcome, cause error) {
	if b.cfg.Threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}
	now := b.now()

	switch outcome {
	case OutcomeSuccess:
		if b.state == BreakerOpen && !trial {
			// A call admitted before the breaker opened; ignore.
			return
		}
		b.state = BreakerClosed
		b.failures = b.failures[:0]
		b.lastCause = nil

	case OutcomeFailure:
		b.lastCause = cause
		switch b.state {
		case BreakerHalfOpen:
			if trial {
				b.openLocked(now)
			}
		case BreakerClosed:
			b.pruneLocked(now)
			b.failures = append(b.failures, now)
			if len(b.failures) >= b.cfg.Threshold {
				b.openLocked(now)
			}
		}

	case OutcomeNeutral:
		// Trial slot (if any) was released above.
	}
}

// State returns the current state. An open breaker whose cooldown elapsed
// reports half_open.
func (b *Breaker) State() (BreakerState, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && !b.now().Before(b.openUntil) {
		return BreakerHalfOpen, b.openUntil
	}
	return b.state, b.openUntil
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = BreakerOpen
	b.openUntil = now.Add(b.cfg.Cooldown)
	b.failures = b.failures[:0]
}

func (b *Breaker) pruneLocked(now time.Time) {
	if b.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) unavailableLocked() error {
	return &models.ProviderUnavailableError{
		Provider:  b.provider,
		OpenUntil: b.openUntil,
		LastCause: b.lastCause,
	}
}

// BreakerSet holds one breaker per provider.
type BreakerSet struct {
	mu       sync.Mutex
	configs  map[string]BreakerConfig
	fallback BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates a set using per-provider configs, falling back to
// fallback for unlisted providers.
func NewBreakerSet(configs map[string]BreakerConfig, fallback BreakerConfig) *BreakerSet {
	copied := make(map[string]BreakerConfig, len(configs))
	for name, c := range configs {
		copied[name] = c
	}
	return &BreakerSet{
		configs:  copied,
		fallback: fallback,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a provider, creating it on first use.
func (bs *BreakerSet) For(provider string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	b, ok := bs.breakers[provider]
	if !ok {
		cfg, ok := bs.configs[provider]
		if !ok {
			cfg = bs.fallback
		}
		b = NewBreaker(provider, cfg)
		bs.breakers[provider] = b
	}
	return b
}

// ProviderBudget is a point-in-time view of all shared state for a provider.
type ProviderBudget struct {
	Provider string
	LimiterSnapshot
	Breaker   BreakerState
	OpenUntil time.Time
}

// Snapshot combines limiter and breaker state for a provider. Either
// argument may be nil.
func Snapshot(provider string, limiter *RateLimiter, breakers *BreakerSet) ProviderBudget {
	pb := ProviderBudget{Provider: provider, Breaker: BreakerClosed}
	if limiter != nil {
		pb.LimiterSnapshot = limiter.Snapshot(provider)
	}
	if breakers != nil {
		pb.Breaker, pb.OpenUntil = breakers.For(provider).State()
	}
	return pb
}
