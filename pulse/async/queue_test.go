package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
)

func TestQueue_EnqueueCreatesPendingJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	id, created, err := q.Enqueue(ctx, EnqueueRequest{
		ResourceKey: "us-tx-austin",
		JobType:     "load_codes",
		Tier:        "pro",
		RequesterID: "user-1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStatePending, job.State)
	assert.Equal(t, "us-tx-austin", job.ResourceKey)
	assert.Equal(t, "user-1", job.RequesterID)
	assert.Equal(t, 0, job.ProgressPercent)
	assert.Equal(t, DefaultRetries, job.MaxRetries)
	// base 5 + pro 2 + first request 1
	assert.Equal(t, 8, job.Priority)
	assert.Equal(t, CategoryNormal, job.Category)
}

func TestQueue_EnqueueIsIdempotentWhileActive(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	t.Log("Kirby asks for Austin's codes")
	first, created, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "us-tx-austin", JobType: "load_codes"})
	require.NoError(t, err)
	require.True(t, created)

	t.Log("Yugi asks for the same jurisdiction before Kirby's job starts")
	second, created, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "us-tx-austin", JobType: "load_codes", Urgent: true})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second, "both requesters share one job")

	t.Log("The job starts running; a third request still lands on it")
	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, first, claimed.ID)

	third, created, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "us-tx-austin", JobType: "load_codes"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, third)

	t.Log("Once it completes, a new request creates a fresh job")
	require.NoError(t, q.Complete(ctx, first, map[string]int{"items": 12}, 0))

	fourth, created, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "us-tx-austin", JobType: "load_codes"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first, fourth)
}

func TestQueue_ConcurrentEnqueueCreatesOneJob(t *testing.T) {
	q, _, db := newTestQueue(t)
	ctx := context.Background()

	const callers = 20
	ids := make([]string, callers)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, created, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "us-wa-seattle", JobType: "load_codes"})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[i] = id
			if created {
				createdCount++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE resource_key = 'us-wa-seattle'`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestQueue_EnqueueValidates(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, _, err := q.Enqueue(context.Background(), EnqueueRequest{JobType: "load_codes"})
	assert.True(t, errors.IsInvalidInputError(err))

	_, _, err = q.Enqueue(context.Background(), EnqueueRequest{ResourceKey: "k"})
	assert.True(t, errors.IsInvalidInputError(err))
}

func TestQueue_EnqueueUsesDemand(t *testing.T) {
	demand := &fakeDemand{counts: map[string][2]int{
		"hot":  {12, 40},
		"cold": {0, 0},
	}}
	q, _, _ := newTestQueue(t, WithDemandSource(demand))
	ctx := context.Background()

	hotID, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "hot", JobType: "load_codes"})
	require.NoError(t, err)
	coldID, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "cold", JobType: "load_codes"})
	require.NoError(t, err)
	newID, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "never-seen", JobType: "load_codes"})
	require.NoError(t, err)

	hot, _ := q.GetJob(ctx, hotID)
	cold, _ := q.GetJob(ctx, coldID)
	fresh, _ := q.GetJob(ctx, newID)

	assert.Equal(t, 8, hot.Priority, "demand bonus capped at 3")
	assert.Equal(t, 5, cold.Priority, "summarized with zero demand")
	assert.Equal(t, 6, fresh.Priority, "first-request bonus")
}

func TestQueue_DemandFailureDoesNotBlockEnqueue(t *testing.T) {
	q, _, _ := newTestQueue(t, WithDemandSource(&fakeDemand{err: errors.New("summary table locked")}))

	id, created, err := q.Enqueue(context.Background(), EnqueueRequest{ResourceKey: "k", JobType: "load_codes"})
	require.NoError(t, err)
	assert.True(t, created)

	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, BasePriority, job.Priority)
}

func TestQueue_ClaimNextHonorsPriorityThenAge(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	t.Log("TAS Bot queues three jurisdictions at priorities 3, 7 and 5")
	low := insertJob(t, q, clock, "low", 3)
	clock.Advance(time.Second)
	high := insertJob(t, q, clock, "high", 7)
	clock.Advance(time.Second)
	mid := insertJob(t, q, clock, "mid", 5)
	clock.Advance(time.Second)
	midLater := insertJob(t, q, clock, "mid-later", 5)

	var order []string
	for {
		job, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.Equal(t, JobStateRunning, job.State)
		require.NotNil(t, job.StartedAt)
		order = append(order, job.ID)
	}

	assert.Equal(t, []string{high.ID, mid.ID, midLater.ID, low.ID}, order)
}

func TestQueue_ClaimNextSkipsScheduledFuture(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	job := insertJob(t, q, clock, "k", 5)
	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	require.NoError(t, q.Defer(ctx, job.ID, clock.Now().Add(10*time.Minute), "deferred: budget exceeded"))

	next, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "deferred job is not yet eligible")

	clock.Advance(11 * time.Minute)
	next, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.ID, next.ID)
	assert.Equal(t, 0, next.RetryCount, "deferral does not consume a retry")
}

func TestQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		insertJob(t, q, clock, "key-"+string(rune('a'+i)), 5)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.ClaimNext(ctx)
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestQueue_ProgressIsMonotonic(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	job := insertJob(t, q, clock, "k", 5)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.ReportProgress(ctx, job.ID, 33, "fetched"))
	require.NoError(t, q.ReportProgress(ctx, job.ID, 20, "late tick"))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 33, got.ProgressPercent)
	assert.Equal(t, "late tick", got.ProgressMessage)

	require.NoError(t, q.ReportProgress(ctx, job.ID, 250, "overshoot"))
	got, _ = q.GetJob(ctx, job.ID)
	assert.Equal(t, MaxProgress, got.ProgressPercent)
}

func TestQueue_ProgressRequiresRunningJob(t *testing.T) {
	q, clock, _ := newTestQueue(t)

	job := insertJob(t, q, clock, "k", 5)
	err := q.ReportProgress(context.Background(), job.ID, 10, "too early")
	assert.True(t, errors.Is(err, ErrJobNotRunning))
}

func TestQueue_CompleteStoresResult(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	job := insertJob(t, q, clock, "k", 5)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job.ID, map[string]interface{}{"items_loaded": 42}, 0.12))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCompleted, got.State)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.InDelta(t, 0.12, got.ActualCost, 0.0001)
	require.NotNil(t, got.CompletedAt)

	var result struct {
		ItemsLoaded int `json:"items_loaded"`
	}
	require.NoError(t, got.DecodeResult(&result))
	assert.Equal(t, 42, result.ItemsLoaded)

	err = q.Complete(ctx, job.ID, nil, 0)
	assert.True(t, errors.Is(err, ErrJobNotRunning), "completing twice is rejected")
}

func TestQueue_RetriesAreBoundedWithBackoff(t *testing.T) {
	q, clock, _ := newTestQueue(t,
		WithMaxRetries(2),
		WithRetryPolicy(RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: time.Hour}))
	ctx := context.Background()

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "us-or-portland", JobType: "load_codes"})
	require.NoError(t, err)

	t.Log("Cronos watches the same job fail three times")
	attempts := 0
	expectedDelays := []time.Duration{30 * time.Second, 60 * time.Second}
	for {
		job, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		attempts++

		retried, err := q.Fail(ctx, job.ID, errors.New("source returned 503"))
		require.NoError(t, err)

		got, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "source returned 503", got.Error)

		if !retried {
			assert.Equal(t, JobStateFailed, got.State)
			break
		}

		assert.Equal(t, JobStatePending, got.State)
		assert.Equal(t, 0, got.ProgressPercent)
		require.NotNil(t, got.ScheduledAt)
		assert.Equal(t, expectedDelays[attempts-1], got.ScheduledAt.Sub(clock.Now()))

		none, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, none, "retry is not claimable before its delay")

		clock.Advance(expectedDelays[attempts-1])
	}

	assert.Equal(t, 3, attempts, "maxRetries+1 attempts in total")

	final, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, final.State)
	assert.Equal(t, 2, final.RetryCount)
}

func TestQueue_PermanentFailureSkipsRetries(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	job := insertJob(t, q, clock, "k", 5)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	retried, err := q.Fail(ctx, job.ID, Permanent(errors.New("no handler")))
	require.NoError(t, err)
	assert.False(t, retried)

	got, _ := q.GetJob(ctx, job.ID)
	assert.Equal(t, JobStateFailed, got.State)
}

func TestQueue_FailRequiresRunning(t *testing.T) {
	q, clock, _ := newTestQueue(t)

	job := insertJob(t, q, clock, "k", 5)
	_, err := q.Fail(context.Background(), job.ID, errors.New("boom"))
	assert.True(t, errors.Is(err, ErrJobNotRunning))

	_, err = q.Fail(context.Background(), "missing", errors.New("boom"))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestQueue_ReapStuck(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	stuck := insertJob(t, q, clock, "stuck", 5)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)

	fresh := insertJob(t, q, clock, "fresh", 5)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)

	reaped, err := q.ReapStuck(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, _ := q.GetJob(ctx, stuck.ID)
	assert.Equal(t, JobStatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.Error, "exceeded timeout")

	other, _ := q.GetJob(ctx, fresh.ID)
	assert.Equal(t, JobStateRunning, other.State)

	// A late completion from the reaped worker is rejected
	err = q.Complete(ctx, stuck.ID, nil, 0)
	assert.True(t, errors.Is(err, ErrJobNotRunning))
}

func TestQueue_TerminalFailureHookRunsOncePerJob(t *testing.T) {
	q, clock, _ := newTestQueue(t, WithMaxRetries(1))
	ctx := context.Background()

	var failed []string
	q.OnTerminalFailure(func(_ context.Context, job *Job, message string) {
		assert.Equal(t, JobStateFailed, job.State)
		failed = append(failed, job.ResourceKey+": "+message)
	})

	_, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "us-tx-austin", JobType: "load_codes", RequesterID: "yugi"})
	require.NoError(t, err)

	t.Log("Yugi's first attempt fails and is retried; the hook stays quiet")
	job, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	retried, err := q.Fail(ctx, job.ID, errors.New("source returned 503"))
	require.NoError(t, err)
	require.True(t, retried)
	assert.Empty(t, failed)

	t.Log("The reaper ends the second attempt for good")
	clock.Advance(time.Hour)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	reaped, err := q.ReapStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	require.Len(t, failed, 1)
	assert.Contains(t, failed[0], "us-tx-austin: job exceeded timeout")
}

func TestQueue_RecoverOrphans(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	job := insertJob(t, q, clock, "k", 5)
	_, err := q.ClaimNext(ctx)
	require.NoError(t, err)

	n, err := q.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := q.GetJob(ctx, job.ID)
	assert.Equal(t, JobStatePending, got.State)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.StartedAt)
}

func TestQueue_CleanupRemovesOldTerminalJobs(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	old := insertJob(t, q, clock, "old", 5)
	_, _ = q.ClaimNext(ctx)
	require.NoError(t, q.Complete(ctx, old.ID, nil, 0))

	clock.Advance(40 * 24 * time.Hour)

	recent := insertJob(t, q, clock, "recent", 5)
	_, _ = q.ClaimNext(ctx)
	require.NoError(t, q.Complete(ctx, recent.ID, nil, 0))
	pending := insertJob(t, q, clock, "pending", 5)

	removed, err := q.Cleanup(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = q.GetJob(ctx, old.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = q.GetJob(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = q.GetJob(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestQueue_StatsAndLatest(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	a := insertJob(t, q, clock, "a", 5)
	clock.Advance(time.Second)
	insertJob(t, q, clock, "b", 4)
	_, _ = q.ClaimNext(ctx) // claims a
	require.NoError(t, q.Complete(ctx, a.ID, nil, 0))
	clock.Advance(time.Second)
	a2 := insertJob(t, q, clock, "a", 5)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 3, stats.Total)

	latest, err := q.LatestForResource(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, a2.ID, latest.ID)

	none, err := q.LatestForResource(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestQueue_SubscribersSeeTransitions(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "k", JobType: "load_codes"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, q.ReportProgress(ctx, id, 50, "halfway"))
	require.NoError(t, q.Complete(ctx, id, nil, 0))

	var states []JobState
	for i := 0; i < 4; i++ {
		select {
		case job := <-ch:
			states = append(states, job.State)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d", i+1)
		}
	}
	assert.Equal(t, []JobState{JobStatePending, JobStateRunning, JobStateRunning, JobStateCompleted}, states)
}

func TestQueueOptionsFromAM(t *testing.T) {
	cfg := &am.Config{
		Pulse:     am.PulseConfig{MaxRetries: 1, RetryBaseSeconds: 10, RetryMaxSeconds: 60},
		Scheduler: am.SchedulerConfig{
			UrgentBonus: 7,
			DailyBands:  []am.DemandBand{{MinCount: 5, Bonus: 2}},
		},
	}
	q := NewQueue(nil, QueueOptionsFromAM(cfg)...)

	assert.Equal(t, 1, q.maxRetries)
	assert.Equal(t, 10*time.Second, q.retry.BaseDelay)
	assert.Equal(t, time.Minute, q.retry.MaxDelay)
	assert.Equal(t, 7, q.weights.UrgentBonus)
	assert.Equal(t, DefaultPriorityWeights().TierBonus, q.weights.TierBonus)
	assert.Equal(t, []DemandBand{{MinCount: 5, Bonus: 2}}, q.weights.DailyBands)
	assert.Equal(t, DefaultPriorityWeights().WeeklyBands, q.weights.WeeklyBands)
}
