package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiters_PerSourceBuckets(t *testing.T) {
	l := NewLimiters()
	a := Source{ID: 1, Name: "a", RateLimitPerHour: 60}
	b := Source{ID: 2, Name: "b", RateLimitPerHour: 60}

	assert.True(t, l.For(a).Allow())
	assert.False(t, l.For(a).Allow(), "one per minute")
	assert.True(t, l.For(b).Allow(), "buckets are independent")
}

func TestLimiters_UnlimitedAndResize(t *testing.T) {
	l := NewLimiters()
	free := Source{ID: 1, Name: "free"}
	for i := 0; i < 100; i++ {
		require.True(t, l.For(free).Allow())
	}

	limited := Source{ID: 1, Name: "free", RateLimitPerHour: 600}
	lim := l.For(limited)
	assert.Equal(t, 10, lim.Burst())
	assert.Same(t, lim, l.For(limited), "unchanged limit reuses the bucket")
}

func TestLimiters_WaitHonorsContext(t *testing.T) {
	l := NewLimiters()
	src := Source{ID: 7, Name: "slow", RateLimitPerHour: 1}
	require.NoError(t, l.Wait(context.Background(), src))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, src))
}
