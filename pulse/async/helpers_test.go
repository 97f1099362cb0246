package async

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	codeloadtest "github.com/teranos/codeload/internal/testing"
)

// testClock is a settable clock shared by a queue and its test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, opts ...QueueOption) (*Queue, *testClock, *sql.DB) {
	t.Helper()
	db := codeloadtest.CreateTestDB(t)
	clock := newTestClock()
	opts = append([]QueueOption{WithClock(clock.Now)}, opts...)
	return NewQueue(db, opts...), clock, db
}

// insertJob bypasses Enqueue to place a job with an exact priority
func insertJob(t *testing.T, q *Queue, clock *testClock, key string, priority int) *Job {
	t.Helper()
	job, err := NewJob(key, "load_codes", priority, CategoryFor(false, priority), DefaultRetries, clock.Now())
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	inserted, err := q.store.InsertIfNoActive(context.Background(), job)
	if err != nil {
		t.Fatalf("InsertIfNoActive: %v", err)
	}
	if !inserted {
		t.Fatalf("expected insert for %s", key)
	}
	return job
}

// fakeDemand serves fixed counts per key
type fakeDemand struct {
	counts map[string][2]int
	err    error
}

func (f *fakeDemand) DemandCounts(_ context.Context, key string) (int, int, bool, error) {
	if f.err != nil {
		return 0, 0, false, f.err
	}
	c, ok := f.counts[key]
	return c[0], c[1], ok, nil
}
