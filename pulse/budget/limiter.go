package budget

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/codeload/errors"
)

// Limiter caps calls per minute across all workers. It is a token bucket
// refilled at maxCallsPerMinute per minute with a burst of the same size.
type Limiter struct {
	maxCallsPerMinute int
	mu                sync.Mutex
	bucket            *rate.Limiter
	timeNow           func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter with real time
func NewLimiter(maxCallsPerMinute int) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, time.Now)
}

// NewLimiterWithClock creates a rate limiter with injectable clock (for testing).
// maxCallsPerMinute <= 0 means unlimited.
func NewLimiterWithClock(maxCallsPerMinute int, timeNow func() time.Time) *Limiter {
	return &Limiter{
		maxCallsPerMinute: maxCallsPerMinute,
		bucket:            newBucket(maxCallsPerMinute),
		timeNow:           timeNow,
	}
}

func newBucket(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// Allow takes one call slot or returns an error when none is free
func (r *Limiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bucket.AllowN(r.timeNow(), 1) {
		return nil
	}

	err := errors.Newf("rate limit exceeded: %d calls per minute", r.maxCallsPerMinute)
	err = errors.WithDetail(err, fmt.Sprintf("Max calls per minute: %d", r.maxCallsPerMinute))
	return err
}

// Wait blocks until a call slot is free or ctx is done
func (r *Limiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := r.timeNow()
	res := r.bucket.ReserveN(now, 1)
	r.mu.Unlock()

	if !res.OK() {
		return errors.Newf("rate limiter cannot grant a call (limit %d/min)", r.maxCallsPerMinute)
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.CancelAt(r.timeNow())
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset refills the bucket
func (r *Limiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucket = newBucket(r.maxCallsPerMinute)
}

// SetLimit changes the per-minute cap, keeping the current fill level
func (r *Limiter) SetLimit(maxCallsPerMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxCallsPerMinute = maxCallsPerMinute
	now := r.timeNow()
	if maxCallsPerMinute <= 0 {
		r.bucket.SetLimitAt(now, rate.Inf)
		return
	}
	r.bucket.SetLimitAt(now, rate.Every(time.Minute/time.Duration(maxCallsPerMinute)))
	r.bucket.SetBurstAt(now, maxCallsPerMinute)
}

// Stats returns calls used in the current window and calls still available
func (r *Limiter) Stats() (callsInWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxCallsPerMinute <= 0 {
		return 0, math.MaxInt32
	}

	tokens := r.bucket.TokensAt(r.timeNow())
	remaining = int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}
	callsInWindow = r.maxCallsPerMinute - remaining
	return callsInWindow, remaining
}
