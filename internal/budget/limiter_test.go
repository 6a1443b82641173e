package budget

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_UnknownProviderIsUnlimited(t *testing.T) {
	rl := NewRateLimiter(nil)

	var permits []*Permit
	for i := 0; i < 50; i++ {
		p, err := rl.Acquire(context.Background(), "anything", 10)
		require.NoError(t, err)
		permits = append(permits, p)
	}
	assert.Equal(t, 50, rl.Snapshot("anything").InFlight)

	for _, p := range permits {
		p.Release(-1)
	}
	assert.Equal(t, 0, rl.Snapshot("anything").InFlight)
}

func TestRateLimiter_ConcurrencyNeverExceedsLimit(t *testing.T) {
	limits := map[string]ProviderLimits{
		"a": {MaxConcurrent: 1},
		"b": {MaxConcurrent: 3},
		"c": {MaxConcurrent: 5},
	}
	rl := NewRateLimiter(limits)

	var mu sync.Mutex
	current := map[string]int{}
	maxSeen := map[string]int{}

	var wg sync.WaitGroup
	rng := rand.New(rand.NewSource(42))
	providers := []string{"a", "b", "c"}

	for i := 0; i < 120; i++ {
		provider := providers[rng.Intn(len(providers))]
		hold := time.Duration(rng.Intn(300)) * time.Microsecond

		wg.Add(1)
		go func(provider string, hold time.Duration) {
			defer wg.Done()

			p, err := rl.Acquire(context.Background(), provider, 0)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer p.Release(0)

			mu.Lock()
			current[provider]++
			if current[provider] > maxSeen[provider] {
				maxSeen[provider] = current[provider]
			}
			mu.Unlock()

			time.Sleep(hold)

			mu.Lock()
			current[provider]--
			mu.Unlock()
		}(provider, hold)
	}
	wg.Wait()

	for name, l := range limits {
		assert.LessOrEqual(t, maxSeen[name], l.MaxConcurrent, "provider %s exceeded max_concurrent", name)
		assert.Equal(t, 0, rl.Snapshot(name).InFlight, "provider %s leaked permits", name)
	}
}

func TestRateLimiter_AcquireUnblocksOnCancel(t *testing.T) {
	rl := NewRateLimiter(map[string]ProviderLimits{"p": {MaxConcurrent: 1}})

	held, err := rl.Acquire(context.Background(), "p", 0)
	require.NoError(t, err)
	defer held.Release(0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rl.Acquire(ctx, "p", 0)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after cancellation")
	}
	assert.Equal(t, 1, rl.Snapshot("p").InFlight)
}

func TestRateLimiter_ReleaseWakesWaiter(t *testing.T) {
	rl := NewRateLimiter(map[string]ProviderLimits{"p": {MaxConcurrent: 1}})

	first, err := rl.Acquire(context.Background(), "p", 0)
	require.NoError(t, err)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		p, err := rl.Acquire(context.Background(), "p", 0)
		if err == nil {
			acquired.Store(true)
			p.Release(0)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load(), "second acquire must wait for the slot")

	first.Release(0)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
	assert.True(t, acquired.Load())
}

func TestRateLimiter_RequestsPerWindow(t *testing.T) {
	window := 80 * time.Millisecond
	rl := NewRateLimiter(map[string]ProviderLimits{"p": {RequestsPerMinute: 2, Window: window}})

	start := time.Now()
	for i := 0; i < 3; i++ {
		p, err := rl.Acquire(context.Background(), "p", 0)
		require.NoError(t, err)
		p.Release(0)
	}
	elapsed := time.Since(start)

	// The third admission must wait for the first to leave the window.
	assert.GreaterOrEqual(t, elapsed, window-5*time.Millisecond)
}

func TestRateLimiter_TokensPerWindow(t *testing.T) {
	window := 80 * time.Millisecond
	rl := NewRateLimiter(map[string]ProviderLimits{"p": {TokensPerMinute: 100, Window: window}})

	p1, err := rl.Acquire(context.Background(), "p", 60)
	require.NoError(t, err)
	p1.Release(-1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = rl.Acquire(ctx, "p", 60)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "60+60 exceeds the token budget")

	// Actual usage lower than the estimate frees budget.
	p2, err := rl.Acquire(context.Background(), "p", 30)
	require.NoError(t, err)
	p2.Release(5)
	snap := rl.Snapshot("p")
	assert.Equal(t, 65, snap.WindowTokens)
}

func TestRateLimiter_OversizedEstimateAdmittedWhenWindowEmpty(t *testing.T) {
	rl := NewRateLimiter(map[string]ProviderLimits{"p": {TokensPerMinute: 10, Window: time.Minute}})

	p, err := rl.Acquire(context.Background(), "p", 500)
	require.NoError(t, err)
	p.Release(-1)
}

func TestPermit_ReleaseIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(map[string]ProviderLimits{"p": {MaxConcurrent: 2}})

	p, err := rl.Acquire(context.Background(), "p", 0)
	require.NoError(t, err)
	p.Release(0)
	p.Release(0)

	assert.Equal(t, 0, rl.Snapshot("p").InFlight)

	var nilPermit *Permit
	nilPermit.Release(0)
}

func TestProviderLimits_Validate(t *testing.T) {
	assert.NoError(t, ProviderLimits{}.Validate())
	assert.NoError(t, ProviderLimits{MaxConcurrent: 2, RequestsPerMinute: 60}.Validate())
	assert.Error(t, ProviderLimits{MaxConcurrent: -1}.Validate())
	assert.Error(t, ProviderLimits{RequestsPerMinute: -1}.Validate())
	assert.Error(t, ProviderLimits{TokensPerMinute: -1}.Validate())
	assert.Error(t, ProviderLimits{Window: -time.Second}.Validate())
}
