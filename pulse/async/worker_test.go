package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/pulse"
	"github.com/teranos/codeload/pulse/budget"
)

// scriptedHandler runs a test-provided function for each job
type scriptedHandler struct {
	mu    sync.Mutex
	calls []string
	run   func(ctx context.Context, job *Job) (*Outcome, error)
}

func (h *scriptedHandler) JobType() string { return "load_codes" }

func (h *scriptedHandler) Execute(ctx context.Context, job *Job) (*Outcome, error) {
	h.mu.Lock()
	h.calls = append(h.calls, job.ID)
	h.mu.Unlock()
	return h.run(ctx, job)
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type stubBudget struct {
	err error
}

func (b *stubBudget) CheckBudget(context.Context, float64) error { return b.err }

func (b *stubBudget) GetStatus(context.Context) (*budget.Status, error) {
	return &budget.Status{DailySpend: 5, DailyRemaining: 0}, nil
}

func newTestPool(t *testing.T, q *Queue, h JobHandler, bt BudgetTracker) *WorkerPool {
	t.Helper()
	cfg := DefaultWorkerPoolConfig()
	cfg.Workers = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RecoverOrphans = false
	cfg.StopTimeout = 2 * time.Second

	registry := NewHandlerRegistry()
	if h != nil {
		registry.Register(h)
	}
	return NewWorkerPoolWithRegistry(context.Background(), q, cfg, zap.NewNop().Sugar(), registry, bt)
}

func TestWorkerPool_CompletesJobWithProgress(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	handler := &scriptedHandler{run: func(ctx context.Context, job *Job) (*Outcome, error) {
		progress := pulse.ProgressFromContext(ctx)
		_ = progress.Report(ctx, 5, "discovering sources")
		_ = progress.Report(ctx, 66, "extracted")
		return &Outcome{Result: map[string]int{"items_loaded": 7}, ActualCost: 0.03}, nil
	}}
	pool := newTestPool(t, q, handler, nil)

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "us-co-denver", JobType: "load_codes"})
	require.NoError(t, err)

	processed, err := pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStateCompleted, job.State)
	assert.Equal(t, 100, job.ProgressPercent)
	assert.InDelta(t, 0.03, job.ActualCost, 0.0001)

	processed, err = pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "queue is empty")
}

func TestWorkerPool_FailureSchedulesRetry(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	handler := &scriptedHandler{run: func(context.Context, *Job) (*Outcome, error) {
		return nil, errors.Wrap(errors.ErrNoSources, "discovery found nothing")
	}}
	pool := newTestPool(t, q, handler, nil)

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "k", JobType: "load_codes"})
	require.NoError(t, err)

	_, err = pool.ProcessOne(ctx)
	require.NoError(t, err)

	job, _ := q.GetJob(ctx, id)
	assert.Equal(t, JobStatePending, job.State)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.Error, "discovery found nothing")
}

func TestWorkerPool_PanicFailsJobNotWorker(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	handler := &scriptedHandler{run: func(context.Context, *Job) (*Outcome, error) {
		panic("nil map in extractor")
	}}
	pool := newTestPool(t, q, handler, nil)

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "k", JobType: "load_codes"})
	require.NoError(t, err)

	processed, err := pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	job, _ := q.GetJob(ctx, id)
	assert.Equal(t, JobStatePending, job.State, "panic counts as a failed attempt")
	assert.Contains(t, job.Error, "handler panic")
}

func TestWorkerPool_UnknownJobTypeFailsPermanently(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	pool := newTestPool(t, q, nil, nil)

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "k", JobType: "index_permits"})
	require.NoError(t, err)

	_, err = pool.ProcessOne(ctx)
	require.NoError(t, err)

	job, _ := q.GetJob(ctx, id)
	assert.Equal(t, JobStateFailed, job.State)
	assert.Contains(t, job.Error, "no handler registered")
}

func TestWorkerPool_BudgetExceededDefersWithoutRetry(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	handler := &scriptedHandler{run: func(context.Context, *Job) (*Outcome, error) {
		return &Outcome{}, nil
	}}
	over := &stubBudget{err: errors.Mark(errors.New("daily budget would be exceeded"), errors.ErrBudgetExceeded)}
	pool := newTestPool(t, q, handler, over)

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "k", JobType: "load_codes", EstimatedCost: 0.5})
	require.NoError(t, err)

	_, err = pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, handler.callCount(), "handler never ran")

	job, _ := q.GetJob(ctx, id)
	assert.Equal(t, JobStatePending, job.State)
	assert.Equal(t, 0, job.RetryCount)
	require.NotNil(t, job.ScheduledAt)
	assert.True(t, job.ScheduledAt.After(clock.Now()))
	assert.Contains(t, job.ProgressMessage, "budget")

	t.Log("Budget frees up and the deferral window passes")
	over.err = nil
	clock.Advance(16 * time.Minute)

	_, err = pool.ProcessOne(ctx)
	require.NoError(t, err)
	job, _ = q.GetJob(ctx, id)
	assert.Equal(t, JobStateCompleted, job.State)
}

func TestWorkerPool_BudgetExceededMidRunDefers(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	handler := &scriptedHandler{run: func(context.Context, *Job) (*Outcome, error) {
		return nil, errors.Wrap(errors.Mark(errors.New("daily budget would be exceeded"), errors.ErrBudgetExceeded), "extract section R311")
	}}
	pool := newTestPool(t, q, handler, nil)

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "k", JobType: "load_codes"})
	require.NoError(t, err)

	_, err = pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handler.callCount())

	job, _ := q.GetJob(ctx, id)
	assert.Equal(t, JobStatePending, job.State)
	assert.Equal(t, 0, job.RetryCount, "a spend cap is not a failed attempt")
	require.NotNil(t, job.ScheduledAt)
	assert.True(t, job.ScheduledAt.After(clock.Now()))
}

func TestWorkerPool_JobTimeoutCountsAsFailure(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	handler := &scriptedHandler{run: func(ctx context.Context, _ *Job) (*Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	pool := newTestPool(t, q, handler, nil)
	pool.poolConfig.JobTimeout = 20 * time.Millisecond

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "k", JobType: "load_codes"})
	require.NoError(t, err)

	_, err = pool.ProcessOne(ctx)
	require.NoError(t, err)

	job, _ := q.GetJob(ctx, id)
	assert.Equal(t, JobStatePending, job.State)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.Error, "deadline exceeded")
}

func TestWorkerPool_StartStop(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	handler := &scriptedHandler{run: func(context.Context, *Job) (*Outcome, error) {
		return &Outcome{Result: "ok"}, nil
	}}
	pool := newTestPool(t, q, handler, nil)

	t.Log("TAS Bot enqueues three jurisdictions and lets the pool drain them")
	var ids []string
	for _, key := range []string{"a", "b", "c"} {
		id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: key, JobType: "load_codes"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	pool.Start()
	require.Eventually(t, func() bool {
		stats, err := q.GetStats(ctx)
		return err == nil && stats.Completed == 3
	}, 3*time.Second, 10*time.Millisecond)
	pool.Stop()

	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, JobStateCompleted, job.State)
	}
}

func TestWorkerPool_ShutdownRequeuesInterruptedJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	started := make(chan struct{})
	handler := &scriptedHandler{run: func(ctx context.Context, _ *Job) (*Outcome, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	pool := newTestPool(t, q, handler, nil)

	id, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "k", JobType: "load_codes"})
	require.NoError(t, err)

	pool.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	pool.Stop()

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStatePending, job.State)
	assert.Equal(t, 0, job.RetryCount, "shutdown is not a failed attempt")
}

func TestWorkerPool_MemoryGate(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	orig := memoryStats
	defer func() { memoryStats = orig }()
	memoryStats = func() (uint64, uint64, error) { return 100, 5, nil } // 95% used

	handler := &scriptedHandler{run: func(context.Context, *Job) (*Outcome, error) { return &Outcome{}, nil }}
	pool := newTestPool(t, q, handler, nil)
	pool.poolConfig.MaxMemoryPercent = 90

	_, _, err := q.Enqueue(ctx, EnqueueRequest{ResourceKey: "k", JobType: "load_codes"})
	require.NoError(t, err)

	processed, err := pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 0, handler.callCount())
	assert.NotEmpty(t, pool.checkMemoryPressure())

	memoryStats = func() (uint64, uint64, error) { return 100, 50, nil }
	processed, err = pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	metrics := pool.GetSystemMetrics(ctx)
	assert.InDelta(t, 50, metrics.MemoryPercent, 0.01)
	assert.Equal(t, 1, metrics.WorkersTotal)
}

func TestPoolConfigFromAM(t *testing.T) {
	cfg := PoolConfigFromAM(nil)
	assert.Equal(t, DefaultWorkerPoolConfig(), cfg)

	t.Log("Cronos shares one database between two hosts and turns orphan recovery off")
	off := false
	amCfg := &am.Config{}
	amCfg.Pulse.Workers = 4
	amCfg.Pulse.PollIntervalMS = 250
	amCfg.Pulse.RecoverOrphans = &off
	cfg = PoolConfigFromAM(amCfg)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.False(t, cfg.RecoverOrphans)

	amCfg.Pulse.RecoverOrphans = nil
	assert.True(t, PoolConfigFromAM(amCfg).RecoverOrphans)
}
