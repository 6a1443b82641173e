package budget

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockWaiterLogger captures countdown calls for testing
type mockWaiterLogger struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (m *mockWaiterLogger) LogWaitCountdown(remaining, total time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, remaining)
}

func (m *mockWaiterLogger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestWaiter_SleepsForDuration(t *testing.T) {
	w := NewWaiter(0, nil)

	start := time.Now()
	if err := w.Sleep(context.Background(), 30*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected at least 30ms, got %v", elapsed)
	}
}

func TestWaiter_ZeroDuration(t *testing.T) {
	w := NewWaiter(0, nil)
	if err := w.Sleep(context.Background(), 0); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Sleep(ctx, 0); err == nil {
		t.Error("expected context error for cancelled context")
	}
}

func TestWaiter_Cancellation(t *testing.T) {
	w := NewWaiter(0, nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := w.Sleep(ctx, 5*time.Second)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly after cancellation")
	}
}

func TestWaiter_AnnouncesCountdown(t *testing.T) {
	logger := &mockWaiterLogger{}
	w := NewWaiter(10*time.Millisecond, logger)

	if err := w.Sleep(context.Background(), 55*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.count() < 2 {
		t.Errorf("expected initial announcement plus ticks, got %d calls", logger.count())
	}
}

func TestWaiter_NoCountdownForShortWaits(t *testing.T) {
	logger := &mockWaiterLogger{}
	w := NewWaiter(time.Second, logger)

	if err := w.Sleep(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.count() != 0 {
		t.Errorf("expected no announcements, got %d", logger.count())
	}
}
