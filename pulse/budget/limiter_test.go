package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Given: Limiter configured for 10 calls/minute
// When: Making 5 calls within 1 minute
// Then: All calls should be allowed
func TestLimiter_UnderLimit(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(10, clock.Now)

	for i := 0; i < 5; i++ {
		if err := limiter.Allow(); err != nil {
			t.Errorf("Call %d: expected no error, got %v", i+1, err)
		}
		clock.Advance(1 * time.Second)
	}
}

// Given: Limiter configured for 10 calls/minute
// When: Making exactly 10 calls within one second
// Then: All calls should be allowed, 11th should be rejected
func TestLimiter_AtLimit(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(10, clock.Now)

	for i := 0; i < 10; i++ {
		if err := limiter.Allow(); err != nil {
			t.Errorf("Call %d: expected no error, got %v", i+1, err)
		}
		clock.Advance(100 * time.Millisecond)
	}

	if err := limiter.Allow(); err == nil {
		t.Error("Call 11: expected rate limit error, got nil")
	}
}

// Given: Limiter configured for 10 calls/minute
// When: Making 15 calls within 150ms
// Then: First 10 allowed, last 5 rejected
func TestLimiter_OverLimit(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(10, clock.Now)

	successCount := 0
	failureCount := 0
	for i := 0; i < 15; i++ {
		if err := limiter.Allow(); err == nil {
			successCount++
		} else {
			failureCount++
		}
		clock.Advance(10 * time.Millisecond)
	}

	assert.Equal(t, 10, successCount)
	assert.Equal(t, 5, failureCount)
}

// Given: Limiter drained (10/10 calls used)
// When: A full minute passes
// Then: The full burst is available again
func TestLimiter_FullRefillAfterMinute(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(10, clock.Now)

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Allow(), "setup call %d", i+1)
	}
	require.Error(t, limiter.Allow())

	clock.Advance(61 * time.Second)

	for i := 0; i < 10; i++ {
		assert.NoError(t, limiter.Allow(), "post-refill call %d", i+1)
	}
}

// Given: Limiter drained at 10 calls/minute
// When: Six seconds pass
// Then: Exactly one more call fits (steady refill, no window cliff)
func TestLimiter_SteadyRefill(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(10, clock.Now)

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Allow())
	}

	clock.Advance(6 * time.Second)
	assert.NoError(t, limiter.Allow(), "one slot refills every 6s")
	assert.Error(t, limiter.Allow(), "second slot needs another 6s")
}

// Given: Limiter configured for 100 calls/minute
// When: 10 goroutines each making 20 calls at the same instant
// Then: Exactly 100 succeed
func TestLimiter_Concurrent(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(100, clock.Now)

	var wg sync.WaitGroup
	results := make(chan bool, 200)

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				results <- limiter.Allow() == nil
			}
		}()
	}

	wg.Wait()
	close(results)

	successCount := 0
	for ok := range results {
		if ok {
			successCount++
		}
	}
	assert.Equal(t, 100, successCount)
}

func TestLimiter_Reset(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(10, clock.Now)

	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Allow())
	}
	require.Error(t, limiter.Allow())

	limiter.Reset()

	for i := 0; i < 10; i++ {
		assert.NoError(t, limiter.Allow(), "post-reset call %d", i+1)
	}
}

func TestLimiter_Stats(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(10, clock.Now)

	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.Allow())
	}

	used, remaining := limiter.Stats()
	assert.Equal(t, 4, used)
	assert.Equal(t, 6, remaining)
}

func TestLimiter_Unlimited(t *testing.T) {
	limiter := NewLimiter(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, limiter.Allow())
	}
	require.NoError(t, limiter.Wait(context.Background()))
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Allow())

	// Next slot is a minute away; the context gives up first
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_ErrorMessage(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock(10, clock.Now)

	for i := 0; i < 10; i++ {
		_ = limiter.Allow()
	}

	err := limiter.Allow()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
	t.Logf("Rate limit error message: %s", err.Error())
}
