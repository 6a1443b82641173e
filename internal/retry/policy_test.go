package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/seqbench/internal/budget"
	"github.com/harrison/seqbench/internal/models"
)

// recordingSleeper records requested delays without sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testSettings(maxRetries int) Settings {
	return Settings{
		MaxRetries: maxRetries,
		Backoff:    Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		Rules:      DefaultRules(),
	}
}

func newTestPolicy(t *testing.T, maxRetries int, breakers *budget.BreakerSet) (*Policy, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	p, err := NewPolicy(nil, testSettings(maxRetries), breakers, WithSleeper(sleeper))
	require.NoError(t, err)
	return p, sleeper
}

func transient() error {
	return &models.TransientProviderError{Provider: "p", StatusCode: 503, Message: "unavailable"}
}

func TestPolicy_SucceedsFirstTry(t *testing.T) {
	p, sleeper := newTestPolicy(t, 3, nil)

	attempts, err := p.Execute(context.Background(), "p", func(ctx context.Context, attempt int) error {
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeper.Delays())
}

func TestPolicy_TransientThenSuccess(t *testing.T) {
	p, sleeper := newTestPolicy(t, 3, nil)

	var events []RetryEvent
	attempts, err := p.Execute(context.Background(), "p", func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			return transient()
		}
		return nil
	}, func(ev RetryEvent) { events = append(events, ev) })

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, sleeper.Delays())
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Attempt)
	assert.Equal(t, ClassRetryable, events[0].Decision.Class)
}

func TestPolicy_ExhaustsRetries(t *testing.T) {
	p, sleeper := newTestPolicy(t, 2, nil)

	calls := 0
	attempts, err := p.Execute(context.Background(), "p", func(ctx context.Context, attempt int) error {
		calls++
		return transient()
	}, nil)

	var failed *models.RequestFailedError
	require.ErrorAs(t, err, &failed)
	assert.False(t, failed.Fatal)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, models.KindTransient, models.ErrorKind(err))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeper.Delays())
}

func TestPolicy_FatalStopsImmediately(t *testing.T) {
	p, sleeper := newTestPolicy(t, 5, nil)

	attempts, err := p.Execute(context.Background(), "p", func(ctx context.Context, attempt int) error {
		return &models.FatalProviderError{Provider: "p", StatusCode: 401, Message: "bad key"}
	}, nil)

	var failed *models.RequestFailedError
	require.ErrorAs(t, err, &failed)
	assert.True(t, failed.Fatal)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeper.Delays())
	assert.Equal(t, models.KindFatal, models.ErrorKind(err))
}

func TestPolicy_UnknownErrorsCapped(t *testing.T) {
	p, _ := newTestPolicy(t, 10, nil)

	attempts, err := p.Execute(context.Background(), "p", func(ctx context.Context, attempt int) error {
		return errors.New("mystery")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, DefaultUnknownMaxRetries+1, attempts)
}

func TestPolicy_BreakerOpenSkipsCall(t *testing.T) {
	breakers := budget.NewBreakerSet(nil, budget.BreakerConfig{Threshold: 2, Window: time.Minute, Cooldown: time.Hour})
	p, _ := newTestPolicy(t, 5, breakers)

	calls := 0
	_, err := p.Execute(context.Background(), "p", func(ctx context.Context, attempt int) error {
		calls++
		return transient()
	}, nil)

	var unavailable *models.ProviderUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 2, calls, "breaker opens after two failures and blocks the third attempt")

	calls = 0
	attempts, err := p.Execute(context.Background(), "p", func(ctx context.Context, attempt int) error {
		calls++
		return nil
	}, nil)
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, attempts)
	assert.Equal(t, models.KindProviderUnavailable, models.ErrorKind(err))
}

func TestPolicy_FatalIsNeutralToBreaker(t *testing.T) {
	breakers := budget.NewBreakerSet(nil, budget.BreakerConfig{Threshold: 1, Cooldown: time.Hour})
	p, _ := newTestPolicy(t, 0, breakers)

	for i := 0; i < 3; i++ {
		_, err := p.Execute(context.Background(), "p", func(ctx context.Context, attempt int) error {
			return &models.FatalProviderError{Provider: "p", StatusCode: 400}
		}, nil)
		require.Error(t, err)
	}

	state, _ := breakers.For("p").State()
	assert.Equal(t, budget.BreakerClosed, state)
}

func TestPolicy_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := SleeperFunc(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})
	p, err := NewPolicy(nil, testSettings(5), nil, WithSleeper(sleeper))
	require.NoError(t, err)

	calls := 0
	_, err = p.Execute(ctx, "p", func(ctx context.Context, attempt int) error {
		calls++
		return transient()
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_PerProviderSettings(t *testing.T) {
	sleeper := &recordingSleeper{}
	p, err := NewPolicy(map[string]Settings{"strict": testSettings(0)}, testSettings(3), nil, WithSleeper(sleeper))
	require.NoError(t, err)

	attempts, err := p.Execute(context.Background(), "strict", func(ctx context.Context, attempt int) error {
		return transient()
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	attempts, err = p.Execute(context.Background(), "lenient", func(ctx context.Context, attempt int) error {
		return transient()
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestNewPolicy_InvalidRules(t *testing.T) {
	bad := testSettings(1)
	bad.Rules.FatalPatterns = []string{"[unclosed"}

	_, err := NewPolicy(map[string]Settings{"p": bad}, DefaultSettings(), nil)
	assert.Error(t, err)
}
