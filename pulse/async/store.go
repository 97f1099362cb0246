package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/codeload/errors"
)

// ErrJobNotRunning is returned when a state transition expects a running job
// but the row was already moved on (by the reaper or another worker).
var ErrJobNotRunning = errors.New("job is not running")

// Store handles persistence of acquisition jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertIfNoActive inserts job unless another pending/running job exists for
// the same (resource_key, job_type). Returns false when the insert was skipped.
// The partial unique index idx_jobs_one_active makes this a single atomic check.
func (s *Store) InsertIfNoActive(ctx context.Context, job *Job) (bool, error) {
	query := `
		INSERT INTO jobs (
			id, resource_key, job_type, state,
			priority, category,
			progress_percent, retry_count, max_retries, requester_id,
			scheduled_at, created_at, updated_at,
			estimated_cost, actual_cost
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT DO NOTHING
	`

	requester := sql.NullString{String: job.RequesterID, Valid: job.RequesterID != ""}

	result, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.ResourceKey,
		job.JobType,
		job.State,
		job.Priority,
		job.Category,
		job.MaxRetries,
		requester,
		nullTime(job.ScheduledAt),
		job.CreatedAt,
		job.UpdatedAt,
		job.EstimatedCost,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert job")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n == 1, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// FindActive returns the pending/running job for (resourceKey, jobType), or nil
func (s *Store) FindActive(ctx context.Context, resourceKey, jobType string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE resource_key = ? AND job_type = ?
		  AND state IN ('pending', 'running')
		LIMIT 1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, resourceKey, jobType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active job")
	}
	return job, nil
}

// LatestForResource returns the most recently created job for a resource key, or nil
func (s *Store) LatestForResource(ctx context.Context, resourceKey string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE resource_key = ?
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, resourceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest job")
	}
	return job, nil
}

// Claim atomically moves the best eligible pending job to running and returns
// its ID. Returns "" when nothing is eligible. The subquery and the update run
// as one statement, so two connections can never claim the same row.
func (s *Store) Claim(ctx context.Context, now time.Time) (string, error) {
	query := `
		UPDATE jobs
		SET state = 'running',
		    started_at = ?,
		    progress_percent = 0,
		    progress_message = NULL,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = 'pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= ?)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		AND state = 'pending'
		RETURNING id
	`

	var id string
	err := s.db.QueryRowContext(ctx, query, now, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to claim job")
	}
	return id, nil
}

// UpdateProgress raises progress (never lowers it) on a running job
func (s *Store) UpdateProgress(ctx context.Context, id string, percent int, message string, now time.Time) error {
	query := `
		UPDATE jobs
		SET progress_percent = MAX(progress_percent, ?),
		    progress_message = ?,
		    updated_at = ?
		WHERE id = ? AND state = 'running'
	`
	return s.execRunning(ctx, "failed to update progress", query, percent, message, now, id)
}

// MarkCompleted records the result and moves a running job to completed
func (s *Store) MarkCompleted(ctx context.Context, id string, result []byte, actualCost float64, now time.Time) error {
	query := `
		UPDATE jobs
		SET state = 'completed',
		    progress_percent = 100,
		    progress_message = 'completed',
		    result = ?,
		    error_message = NULL,
		    actual_cost = actual_cost + ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND state = 'running'
	`
	res := sql.NullString{String: string(result), Valid: len(result) > 0}
	return s.execRunning(ctx, "failed to complete job", query, res, actualCost, now, now, id)
}

// MarkRetry returns a running job to pending with a bumped retry count.
// expectedRetries guards against double-failing the same attempt.
func (s *Store) MarkRetry(ctx context.Context, id string, expectedRetries int, errMsg string, scheduledAt, now time.Time) error {
	query := `
		UPDATE jobs
		SET state = 'pending',
		    retry_count = retry_count + 1,
		    scheduled_at = ?,
		    progress_percent = 0,
		    progress_message = 'retry scheduled',
		    error_message = ?,
		    started_at = NULL,
		    updated_at = ?
		WHERE id = ? AND state = 'running' AND retry_count = ?
	`
	return s.execRunning(ctx, "failed to schedule retry", query, scheduledAt, errMsg, now, id, expectedRetries)
}

// MarkFailed moves a running job to the terminal failed state
func (s *Store) MarkFailed(ctx context.Context, id string, expectedRetries int, errMsg string, now time.Time) error {
	query := `
		UPDATE jobs
		SET state = 'failed',
		    error_message = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND state = 'running' AND retry_count = ?
	`
	return s.execRunning(ctx, "failed to mark job failed", query, errMsg, now, now, id, expectedRetries)
}

// MarkDeferred returns a running job to pending without consuming a retry
func (s *Store) MarkDeferred(ctx context.Context, id string, until time.Time, reason string, now time.Time) error {
	query := `
		UPDATE jobs
		SET state = 'pending',
		    scheduled_at = ?,
		    progress_percent = 0,
		    progress_message = ?,
		    started_at = NULL,
		    updated_at = ?
		WHERE id = ? AND state = 'running'
	`
	return s.execRunning(ctx, "failed to defer job", query, until, reason, now, id)
}

// AddCost accumulates actual cost on a job
func (s *Store) AddCost(ctx context.Context, id string, cost float64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET actual_cost = actual_cost + ?, updated_at = ? WHERE id = ?`,
		cost, now, id)
	if err != nil {
		return errors.Wrap(err, "failed to add job cost")
	}
	return nil
}

// RequeueRunning returns every running job to pending. Used on startup to
// recover jobs orphaned by a crash of this process.
func (s *Store) RequeueRunning(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE jobs
		SET state = 'pending',
		    started_at = NULL,
		    progress_percent = 0,
		    progress_message = 'recovered after restart',
		    updated_at = ?
		WHERE state = 'running'
	`
	result, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue running jobs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// ListStuck returns running jobs started before cutoff
func (s *Store) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE state = 'running' AND started_at < ?
		ORDER BY started_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stuck jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "stuck jobs")
}

// ListJobs returns jobs newest first, optionally filtered by state
func (s *Store) ListJobs(ctx context.Context, state *JobState, limit int) ([]*Job, error) {
	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`

	var rows *sql.Rows
	var err error
	if state != nil {
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE state = ? ORDER BY created_at DESC LIMIT ?`, *state, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, baseQuery+` ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// CountByState returns the number of jobs in each state
func (s *Store) CountByState(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[JobState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// CleanupOldJobs removes completed/failed jobs finished before cutoff
func (s *Store) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed')
		  AND completed_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return n, nil
}

// execRunning runs a transition that requires a running job and maps
// "no rows touched" to ErrJobNotRunning
func (s *Store) execRunning(ctx context.Context, msg, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, msg)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Wrap(ErrJobNotRunning, msg)
	}
	return nil
}

// scanJobs scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
