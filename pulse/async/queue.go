package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
	// reapBatchSize bounds how many stuck jobs one reaper pass handles
	reapBatchSize = 100
	// enqueueAttempts bounds the insert/lookup race loop in Enqueue
	enqueueAttempts = 3
)

// ErrPermanent marks a job error that must not be retried
var ErrPermanent = errors.New("permanent job failure")

// Permanent marks err so Fail moves the job straight to failed
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// DemandSource supplies rolled-up request counts for a resource key.
// found is false when no summary exists yet.
type DemandSource interface {
	DemandCounts(ctx context.Context, resourceKey string) (count24h, count7d int, found bool, err error)
}

// EnqueueRequest describes one request for acquisition work
type EnqueueRequest struct {
	ResourceKey   string
	JobType       string
	Urgent        bool
	Tier          string
	RequesterID   string
	EstimatedCost float64
}

// TerminalFailureFunc is told when a job fails for good, whether the
// failure came from a worker or from the reaper
type TerminalFailureFunc func(ctx context.Context, job *Job, message string)

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithDemandSource feeds demand counts into the priority blend
func WithDemandSource(d DemandSource) QueueOption {
	return func(q *Queue) { q.demand = d }
}

// WithPriorityWeights overrides the priority blend
func WithPriorityWeights(w PriorityWeights) QueueOption {
	return func(q *Queue) { q.weights = w }
}

// WithRetryPolicy overrides the retry backoff
func WithRetryPolicy(p RetryPolicy) QueueOption {
	return func(q *Queue) { q.retry = p }
}

// WithMaxRetries sets the retry budget for new jobs
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) { q.maxRetries = n }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithQueueLogger sets the queue logger
func WithQueueLogger(log *zap.SugaredLogger) QueueOption {
	return func(q *Queue) { q.log = log }
}

// QueueOptionsFromAM maps the [pulse] and [scheduler] sections onto queue options
func QueueOptionsFromAM(cfg *am.Config) []QueueOption {
	weights := DefaultPriorityWeights()
	sc := cfg.Scheduler
	if sc.UrgentBonus > 0 {
		weights.UrgentBonus = sc.UrgentBonus
	}
	if len(sc.TierBonus) > 0 {
		weights.TierBonus = sc.TierBonus
	}
	if sc.MaxTierBonus > 0 {
		weights.MaxTierBonus = sc.MaxTierBonus
	}
	if sc.MaxDemandBonus > 0 {
		weights.MaxDemandBonus = sc.MaxDemandBonus
	}
	if sc.FirstRequestBonus > 0 {
		weights.FirstRequestBonus = sc.FirstRequestBonus
	}
	if len(sc.DailyBands) > 0 {
		weights.DailyBands = demandBands(sc.DailyBands)
	}
	if len(sc.WeeklyBands) > 0 {
		weights.WeeklyBands = demandBands(sc.WeeklyBands)
	}

	retry := DefaultRetryPolicy()
	if cfg.Pulse.RetryBaseSeconds > 0 {
		retry.BaseDelay = time.Duration(cfg.Pulse.RetryBaseSeconds) * time.Second
	}
	if cfg.Pulse.RetryMaxSeconds > 0 {
		retry.MaxDelay = time.Duration(cfg.Pulse.RetryMaxSeconds) * time.Second
	}

	return []QueueOption{
		WithPriorityWeights(weights),
		WithRetryPolicy(retry),
		WithMaxRetries(cfg.Pulse.MaxRetries),
	}
}

func demandBands(in []am.DemandBand) []DemandBand {
	out := make([]DemandBand, len(in))
	for i, b := range in {
		out[i] = DemandBand{MinCount: b.MinCount, Bonus: b.Bonus}
	}
	return out
}

// Queue is the durable job scheduler. All state lives in the jobs table, so
// any number of Queue values (in one or many processes) can share a database.
type Queue struct {
	store      *Store
	demand     DemandSource
	weights    PriorityWeights
	retry      RetryPolicy
	maxRetries int
	now        func() time.Time
	log        *zap.SugaredLogger

	mu          sync.RWMutex
	subscribers []chan *Job // Channels to notify of job updates
	onTerminal  []TerminalFailureFunc
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB, opts ...QueueOption) *Queue {
	q := &Queue{
		store:       NewStore(db),
		weights:     DefaultPriorityWeights(),
		retry:       DefaultRetryPolicy(),
		maxRetries:  DefaultRetries,
		now:         time.Now,
		log:         logger.Logger,
		subscribers: make([]chan *Job, 0),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store exposes the underlying job store
func (q *Queue) Store() *Store {
	return q.store
}

func (q *Queue) clock() time.Time {
	return q.now().UTC()
}

// Enqueue creates a pending job unless one is already pending or running for
// the same (resource key, job type). In that case the existing job's ID is
// returned with created=false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, bool, error) {
	if req.ResourceKey == "" {
		return "", false, errors.NewInvalidInputError("resource key cannot be empty")
	}
	if req.JobType == "" {
		return "", false, errors.NewInvalidInputError("job type cannot be empty")
	}

	priority := ComputePriority(PriorityInput{
		Urgent: req.Urgent,
		Tier:   req.Tier,
		Demand: q.demandSignal(ctx, req.ResourceKey),
	}, q.weights)

	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		job, err := NewJob(req.ResourceKey, req.JobType, priority, CategoryFor(req.Urgent, priority), q.maxRetries, q.clock())
		if err != nil {
			return "", false, err
		}
		job.RequesterID = req.RequesterID
		job.EstimatedCost = req.EstimatedCost

		inserted, err := q.store.InsertIfNoActive(ctx, job)
		if err != nil {
			err = errors.Wrap(err, "failed to enqueue job")
			err = errors.WithDetail(err, fmt.Sprintf("Resource: %s", req.ResourceKey))
			err = errors.WithDetail(err, fmt.Sprintf("Job type: %s", req.JobType))
			return "", false, err
		}
		if inserted {
			q.notify(job)
			return job.ID, true, nil
		}

		existing, err := q.store.FindActive(ctx, req.ResourceKey, req.JobType)
		if err != nil {
			err = errors.Wrap(err, "failed to look up active job")
			err = errors.WithDetail(err, fmt.Sprintf("Resource: %s", req.ResourceKey))
			return "", false, err
		}
		if existing != nil {
			return existing.ID, false, nil
		}
		// The active job finished between our insert and lookup; try again.
	}

	err := errors.Newf("could not enqueue %s after %d attempts", req.ResourceKey, enqueueAttempts)
	return "", false, errors.WithDetail(err, fmt.Sprintf("Job type: %s", req.JobType))
}

// demandSignal returns nil when the key has never been summarized. A demand
// lookup failure counts as zero demand rather than blocking the enqueue.
func (q *Queue) demandSignal(ctx context.Context, resourceKey string) *DemandSignal {
	if q.demand == nil {
		return nil
	}
	c24, c7, found, err := q.demand.DemandCounts(ctx, resourceKey)
	if err != nil {
		q.log.Warnw("Demand lookup failed, using zero demand",
			logger.FieldResourceKey, resourceKey,
			logger.FieldError, err,
		)
		return &DemandSignal{}
	}
	if !found {
		return nil
	}
	return &DemandSignal{Count24h: c24, Count7d: c7}
}

// ClaimNext atomically takes the highest-priority eligible pending job and
// marks it running. Returns nil when nothing is eligible.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	id, err := q.store.Claim(ctx, q.clock())
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}

	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		err = errors.Wrap(err, "failed to load claimed job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}

	q.notify(job)
	return job, nil
}

// ReportProgress raises a running job's progress. Lower values are ignored.
func (q *Queue) ReportProgress(ctx context.Context, jobID string, percent int, message string) error {
	percent = clamp(percent, 0, MaxProgress)

	if err := q.store.UpdateProgress(ctx, jobID, percent, message, q.clock()); err != nil {
		err = errors.Wrap(err, "failed to report progress")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
		err = errors.WithDetail(err, fmt.Sprintf("Progress: %d%%", percent))
		return err
	}

	q.notifyByID(ctx, jobID)
	return nil
}

// Complete stores the job result and moves it to completed
func (q *Queue) Complete(ctx context.Context, jobID string, result interface{}, actualCost float64) error {
	var payload []byte
	if result != nil {
		var err error
		payload, err = json.Marshal(result)
		if err != nil {
			err = errors.Wrap(err, "failed to encode job result")
			return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
		}
	}

	if err := q.store.MarkCompleted(ctx, jobID, payload, actualCost, q.clock()); err != nil {
		err = errors.Wrap(err, "failed to complete job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}

	q.notifyByID(ctx, jobID)
	return nil
}

// Fail records a failed attempt. The job goes back to pending with an
// exponential delay while retries remain, otherwise it becomes failed.
// Errors marked Permanent skip the retry budget.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) (bool, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		err = errors.Wrapf(err, "failed to mark job %s as failed", jobID)
		return false, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	if job.State != JobStateRunning {
		err := errors.Wrapf(ErrJobNotRunning, "job %s is %s", jobID, job.State)
		return false, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}

	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	now := q.clock()

	if job.CanRetry() && !errors.Is(jobErr, ErrPermanent) {
		delay := q.retry.Delay(job.RetryCount)
		if err := q.store.MarkRetry(ctx, jobID, job.RetryCount, msg, now.Add(delay), now); err != nil {
			err = errors.Wrap(err, "failed to schedule retry")
			err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
			err = errors.WithDetail(err, fmt.Sprintf("Retry: %d/%d", job.RetryCount+1, job.MaxRetries))
			return false, err
		}
		q.log.Infow("Retry scheduled",
			logger.FieldSymbol, logger.SymPulse,
			logger.FieldJobID, jobID,
			logger.FieldAttempt, job.RetryCount+1,
			"max_retries", job.MaxRetries,
			"delay", delay.String(),
			logger.FieldError, msg,
		)
		q.notifyByID(ctx, jobID)
		return true, nil
	}

	if err := q.store.MarkFailed(ctx, jobID, job.RetryCount, msg, now); err != nil {
		err = errors.Wrap(err, "failed to mark job as failed")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
		err = errors.WithDetail(err, fmt.Sprintf("Job error: %s", msg))
		return false, err
	}
	job.State = JobStateFailed
	job.Error = msg
	q.runTerminalHooks(ctx, job, msg)
	q.notifyByID(ctx, jobID)
	return false, nil
}

// OnTerminalFailure registers fn to run after a job exhausts its retries or
// fails permanently
func (q *Queue) OnTerminalFailure(fn TerminalFailureFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTerminal = append(q.onTerminal, fn)
}

func (q *Queue) runTerminalHooks(ctx context.Context, job *Job, msg string) {
	q.mu.RLock()
	hooks := make([]TerminalFailureFunc, len(q.onTerminal))
	copy(hooks, q.onTerminal)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, msg)
	}
}

// Defer puts a running job back to pending until the given time without
// consuming a retry. Used when a budget or rate gate refuses the work.
func (q *Queue) Defer(ctx context.Context, jobID string, until time.Time, reason string) error {
	if err := q.store.MarkDeferred(ctx, jobID, until.UTC(), reason, q.clock()); err != nil {
		err = errors.Wrap(err, "failed to defer job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
		err = errors.WithDetail(err, fmt.Sprintf("Reason: %s", reason))
		return err
	}
	q.notifyByID(ctx, jobID)
	return nil
}

// AddCost accumulates spend on a job while it runs
func (q *Queue) AddCost(ctx context.Context, jobID string, cost float64) error {
	if cost == 0 {
		return nil
	}
	return q.store.AddCost(ctx, jobID, cost, q.clock())
}

// ReapStuck fails running jobs that started more than timeout ago, applying
// the normal retry policy. Returns how many jobs were reaped.
func (q *Queue) ReapStuck(ctx context.Context, timeout time.Duration) (int, error) {
	stuck, err := q.store.ListStuck(ctx, q.clock().Add(-timeout), reapBatchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range stuck {
		_, err := q.Fail(ctx, job.ID, errors.Newf("job exceeded timeout of %s", timeout))
		if errors.Is(err, ErrJobNotRunning) {
			// Finished or reaped elsewhere since the listing
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// RecoverOrphans returns every running job to pending. Call only when this
// process is the sole worker host and is starting up.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	return q.store.RequeueRunning(ctx, q.clock())
}

// Cleanup removes completed/failed jobs finished more than olderThan ago
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.store.CleanupOldJobs(ctx, q.clock().Add(-olderThan))
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// FindActive returns the pending/running job for a key, or nil
func (q *Queue) FindActive(ctx context.Context, resourceKey, jobType string) (*Job, error) {
	return q.store.FindActive(ctx, resourceKey, jobType)
}

// LatestForResource returns the newest job for a resource key, or nil
func (q *Queue) LatestForResource(ctx context.Context, resourceKey string) (*Job, error) {
	return q.store.LatestForResource(ctx, resourceKey)
}

// ListJobs returns jobs, optionally filtered by state
func (q *Queue) ListJobs(ctx context.Context, state *JobState, limit int) ([]*Job, error) {
	return q.store.ListJobs(ctx, state, limit)
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Pending:   counts[JobStatePending],
		Running:   counts[JobStateRunning],
		Completed: counts[JobStateCompleted],
		Failed:    counts[JobStateFailed],
	}
	stats.Total = stats.Pending + stats.Running + stats.Completed + stats.Failed
	return stats, nil
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method; callers close it after
// unsubscribing if needed.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

func (q *Queue) hasSubscribers() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.subscribers) > 0
}

// notifyByID reloads the job and notifies subscribers, if any are listening
func (q *Queue) notifyByID(ctx context.Context, jobID string) {
	if !q.hasSubscribers() {
		return
	}
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		q.log.Debugw("Skipping job notification", logger.FieldJobID, jobID, logger.FieldError, err)
		return
	}
	q.notify(job)
}

// notify sends job updates to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notify(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
			// Channel full, skip
		}
	}
}
