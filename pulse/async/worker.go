package async

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse"
	"github.com/teranos/codeload/pulse/budget"
)

// BudgetTracker interface defines budget tracking operations
type BudgetTracker interface {
	CheckBudget(ctx context.Context, estimatedCostUSD float64) error
	GetStatus(ctx context.Context) (*budget.Status, error)
}

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Infow(logger.SymPulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow(logger.SymPulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(logger.SymPulse+" "+msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers          int           `json:"workers"`            // Number of concurrent workers
	PollInterval     time.Duration `json:"poll_interval"`      // How often an idle worker checks for jobs
	JobTimeout       time.Duration `json:"job_timeout"`        // Per-attempt execution deadline (0 = none)
	RecoverOrphans   bool          `json:"recover_orphans"`    // Requeue running jobs on Start (single-host deployments)
	MaxMemoryPercent float64       `json:"max_memory_percent"` // Hold off claiming above this (0 = disabled)
	BudgetDeferral   time.Duration `json:"budget_deferral"`    // How long a budget-blocked job waits
	StopTimeout      time.Duration `json:"stop_timeout"`       // How long Stop waits for running jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:        2,
		PollInterval:   time.Second,
		JobTimeout:     15 * time.Minute,
		RecoverOrphans: true,
		BudgetDeferral: 15 * time.Minute,
		StopTimeout:    30 * time.Second,
	}
}

// PoolConfigFromAM builds the pool configuration from the [pulse] section
func PoolConfigFromAM(cfg *am.Config) WorkerPoolConfig {
	pc := DefaultWorkerPoolConfig()
	if cfg == nil {
		return pc
	}
	pc.Workers = cfg.Pulse.Workers
	if cfg.Pulse.PollIntervalMS > 0 {
		pc.PollInterval = time.Duration(cfg.Pulse.PollIntervalMS) * time.Millisecond
	}
	if cfg.Pulse.JobTimeoutSeconds > 0 {
		pc.JobTimeout = time.Duration(cfg.Pulse.JobTimeoutSeconds) * time.Second
	}
	pc.MaxMemoryPercent = cfg.Pulse.MaxMemoryPercent
	if cfg.Pulse.RecoverOrphans != nil {
		pc.RecoverOrphans = *cfg.Pulse.RecoverOrphans
	}
	return pc
}

// WorkerPool manages a pool of workers that claim and execute jobs
type WorkerPool struct {
	queue         *Queue
	budgetTracker BudgetTracker // optional, nil in tests
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	executor      JobExecutor
	registry      *HandlerRegistry
	jobsProcessed int
	activeWorkers int
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool with an empty handler registry.
// Callers must register handlers before calling Start().
func NewWorkerPool(ctx context.Context, queue *Queue, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithRegistry(ctx, queue, poolCfg, log, NewHandlerRegistry(), nil)
}

// NewWorkerPoolWithRegistry creates a worker pool with a custom handler registry
// and an optional budget tracker.
func NewWorkerPoolWithRegistry(ctx context.Context, queue *Queue, poolCfg WorkerPoolConfig, log *zap.SugaredLogger, registry *HandlerRegistry, budgetTracker BudgetTracker) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = time.Second
	}
	if poolCfg.StopTimeout <= 0 {
		poolCfg.StopTimeout = 30 * time.Second
	}
	if poolCfg.BudgetDeferral <= 0 {
		poolCfg.BudgetDeferral = 15 * time.Minute
	}

	return &WorkerPool{
		queue:         queue,
		budgetTracker: budgetTracker,
		poolConfig:    poolCfg,
		workers:       poolCfg.Workers,
		parentCtx:     ctx,
		ctx:           workerCtx,
		cancel:        cancel,
		executor:      NewRegistryExecutor(registry),
		registry:      registry,
		logger:        pulseLogger{log.Named("pulse")},
	}
}

// Start begins processing jobs with the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if wp.poolConfig.RecoverOrphans {
		n, err := wp.queue.RecoverOrphans(ctx)
		if err != nil {
			wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
		} else if n > 0 {
			wp.logger.Starting("Requeued jobs orphaned by previous shutdown", logger.FieldCount, n)
		}
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Starting("Worker pool started",
		"workers", wp.workers,
		"job_types", wp.registry.JobTypes(),
	)

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop cancels workers and waits for in-flight jobs to hand back
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Closing("Worker pool stopped, all workers exited cleanly")
	case <-time.After(wp.poolConfig.StopTimeout):
		wp.logger.Closing("Worker pool stop timed out, workers may still be exiting", "timeout", wp.poolConfig.StopTimeout)
	}
}

// worker claims and runs jobs until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain: keep claiming while work is available, then wait for the next tick
		for {
			processed, err := wp.processNextJob(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			if !processed || ctx.Err() != nil {
				break
			}
		}
	}
}

// ProcessOne claims and runs at most one job. Returns false when nothing was
// eligible. Used by the CLI's one-shot worker and by tests.
func (wp *WorkerPool) ProcessOne(ctx context.Context) (bool, error) {
	return wp.processNextJob(ctx)
}

// processNextJob gates, claims and executes a single job
func (wp *WorkerPool) processNextJob(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	// Gate 1: host memory
	if closed, pct := wp.memoryGateClosed(); closed {
		wp.logger.Debugw("Memory gate closed, not claiming",
			"memory_percent", pct,
			"max_memory_percent", wp.poolConfig.MaxMemoryPercent)
		return false, nil
	}

	job, err := wp.queue.ClaimNext(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return false, nil
	}

	log := wp.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldResourceKey, job.ResourceKey,
		logger.FieldJobType, job.JobType,
	)

	// Gate 2: spend
	if deferred, err := wp.checkBudget(ctx, job, log); deferred || err != nil {
		return deferred, err
	}

	wp.mu.Lock()
	wp.jobsProcessed++
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log.Infow(logger.SymPulse+" Job started",
		logger.FieldPriority, job.Priority,
		logger.FieldAttempt, job.Attempts(),
	)
	started := time.Now()

	outcome, execErr := wp.execute(ctx, job, log)

	if execErr != nil {
		// Shutdown, not failure: put the job back without spending a retry
		if ctx.Err() != nil {
			log.Infow(logger.SymPulseClose + " Job interrupted by shutdown, requeueing")
			requeueCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := wp.queue.Defer(requeueCtx, job.ID, wp.queue.clock(), "interrupted by shutdown"); err != nil {
				log.Errorw("Failed to requeue interrupted job", logger.FieldError, err)
			}
			return true, nil
		}

		// Spend cap hit mid-run: same deferral as the pre-claim gate
		if errors.Is(execErr, errors.ErrBudgetExceeded) {
			until := wp.queue.clock().Add(wp.poolConfig.BudgetDeferral)
			if err := wp.queue.Defer(ctx, job.ID, until, "deferred: budget exceeded"); err != nil {
				return true, errors.Wrapf(err, "failed to defer job %s", job.ID)
			}
			log.Infow(logger.SymPulse+" Budget exceeded during run, job deferred",
				"deferred_until", until.Format(time.RFC3339))
			return true, nil
		}

		ec := ClassifyError("execute", execErr)
		retried, err := wp.queue.Fail(ctx, job.ID, execErr)
		if err != nil {
			if errors.Is(err, ErrJobNotRunning) {
				log.Warnw("Job was reaped before it could be marked failed")
				return true, nil
			}
			return true, err
		}
		log.Warnw(logger.SymPulse+" Job attempt failed",
			logger.FieldErrorCode, ec.Code,
			logger.FieldError, ec.Message,
			"retried", retried,
			logger.FieldDurationMS, time.Since(started).Milliseconds(),
		)
		return true, nil
	}

	var result interface{}
	var cost float64
	if outcome != nil {
		result, cost = outcome.Result, outcome.ActualCost
	}
	if err := wp.queue.Complete(ctx, job.ID, result, cost); err != nil {
		if errors.Is(err, ErrJobNotRunning) {
			log.Warnw("Job finished after it was reaped; result discarded")
			return true, nil
		}
		return true, err
	}

	log.Infow(logger.SymPulse+" Job completed",
		logger.FieldCostUSD, cost,
		logger.FieldDurationMS, time.Since(started).Milliseconds(),
	)
	return true, nil
}

// execute runs the handler with progress reporting, an optional deadline and
// panic recovery. A panicking handler fails its job, never the worker.
func (wp *WorkerPool) execute(ctx context.Context, job *Job, log *zap.SugaredLogger) (outcome *Outcome, err error) {
	execCtx := ctx
	if wp.poolConfig.JobTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, wp.poolConfig.JobTimeout)
		defer cancel()
	}
	execCtx = pulse.WithProgress(execCtx, NewJobProgressReporter(job, wp.queue, log))
	execCtx = logger.WithJobID(execCtx, job.ID)
	execCtx = logger.WithResourceKey(execCtx, job.ResourceKey)

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Job handler panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			outcome = nil
			err = errors.Mark(errors.Newf("handler panic: %v", r), ErrHandlerPanic)
		}
	}()

	return wp.executor.Execute(execCtx, job)
}

// checkBudget defers the job when its estimated cost would exceed a spend cap.
// Deferral does not consume a retry.
func (wp *WorkerPool) checkBudget(ctx context.Context, job *Job, log *zap.SugaredLogger) (bool, error) {
	if wp.budgetTracker == nil {
		return false, nil
	}

	budgetErr := wp.budgetTracker.CheckBudget(ctx, job.EstimatedCost)
	if budgetErr == nil {
		return false, nil
	}
	if !errors.Is(budgetErr, errors.ErrBudgetExceeded) {
		// Could not read spend; release the job rather than run blind
		if err := wp.queue.Defer(ctx, job.ID, wp.queue.clock().Add(wp.poolConfig.PollInterval), "budget status unavailable"); err != nil {
			return true, err
		}
		return true, errors.Wrap(budgetErr, "budget check failed")
	}

	until := wp.queue.clock().Add(wp.poolConfig.BudgetDeferral)
	if err := wp.queue.Defer(ctx, job.ID, until, "deferred: budget exceeded"); err != nil {
		return true, errors.Wrapf(err, "failed to defer job %s", job.ID)
	}

	fields := []interface{}{
		logger.FieldCostUSD, job.EstimatedCost,
		"deferred_until", until.UTC().Format(time.RFC3339),
	}
	if status, err := wp.budgetTracker.GetStatus(ctx); err == nil {
		fields = append(fields,
			"daily_spend", status.DailySpend,
			"daily_remaining", status.DailyRemaining,
			"monthly_spend", status.MonthlySpend,
			"monthly_remaining", status.MonthlyRemaining,
		)
	}
	log.Infow(logger.SymPulse+" Budget exceeded, job deferred", fields...)
	return true, nil
}

// GetQueue returns the job queue
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry. Register handlers before Start():
//
//	pool := async.NewWorkerPool(ctx, queue, poolCfg, log)
//	pool.Registry().Register(pipeline.New(...))
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
