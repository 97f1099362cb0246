package async

import (
	"database/sql"
)

// JobScanArgs holds the nullable columns scanned alongside a job row
type JobScanArgs struct {
	ProgressMessage sql.NullString
	Result          sql.NullString
	ErrorMsg        sql.NullString
	RequesterID     sql.NullString
	ScheduledAt     sql.NullTime
	StartedAt       sql.NullTime
	CompletedAt     sql.NullTime
	State           string
	Category        string
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.ResourceKey,
		&job.JobType,
		&args.State,
		&job.Priority,
		&args.Category,
		&job.ProgressPercent,
		&args.ProgressMessage,
		&args.Result,
		&args.ErrorMsg,
		&job.RetryCount,
		&job.MaxRetries,
		&args.RequesterID,
		&args.ScheduledAt,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
		&job.EstimatedCost,
		&job.ActualCost,
	}
}

// ProcessJobScanArgs copies scanned nullable values onto the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	job.State = JobState(args.State)
	job.Category = Category(args.Category)

	if args.ProgressMessage.Valid {
		job.ProgressMessage = args.ProgressMessage.String
	}
	if args.Result.Valid && args.Result.String != "" {
		job.Result = []byte(args.Result.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.RequesterID.Valid {
		job.RequesterID = args.RequesterID.String
	}
	if args.ScheduledAt.Valid {
		t := args.ScheduledAt.Time
		job.ScheduledAt = &t
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one job from a row
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args JobScanArgs
	if err := row.Scan(GetJobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(&job, &args)
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, resource_key, job_type, state,
		priority, category,
		progress_percent, progress_message,
		result, error_message,
		retry_count, max_retries, requester_id,
		scheduled_at, created_at, started_at, completed_at, updated_at,
		estimated_cost, actual_cost`
}
