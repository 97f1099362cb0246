package sources

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/codeload/errors"
)

// Limiters hands out one token bucket per source, sized from the source's
// hourly limit. A limit of 0 means unlimited.
type Limiters struct {
	mu      sync.Mutex
	buckets map[int64]*bucket
}

type bucket struct {
	perHour int
	lim     *rate.Limiter
}

// NewLimiters creates an empty limiter set
func NewLimiters() *Limiters {
	return &Limiters{buckets: make(map[int64]*bucket)}
}

// For returns the limiter for a source, rebuilding it when the configured
// hourly limit has changed.
func (l *Limiters) For(src Source) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[src.ID]; ok && b.perHour == src.RateLimitPerHour {
		return b.lim
	}
	b := &bucket{perHour: src.RateLimitPerHour, lim: newSourceLimiter(src.RateLimitPerHour)}
	l.buckets[src.ID] = b
	return b.lim
}

// Wait blocks until the source may be fetched or ctx is done
func (l *Limiters) Wait(ctx context.Context, src Source) error {
	if err := l.For(src).Wait(ctx); err != nil {
		err = errors.Wrap(err, "rate limit wait interrupted")
		return errors.WithDetailf(err, "Source: %s", src.Name)
	}
	return nil
}

func newSourceLimiter(perHour int) *rate.Limiter {
	if perHour <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	// burst is one minute of allowance
	burst := perHour / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), burst)
}
