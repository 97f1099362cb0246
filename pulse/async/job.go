// Package async provides the durable acquisition job queue and its worker pool.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/codeload/errors"
)

// JobState represents the current state of a job
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// IsValidState returns true if the string is a valid JobState
func IsValidState(s string) bool {
	switch JobState(s) {
	case JobStatePending, JobStateRunning, JobStateCompleted, JobStateFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the state participates in the one-active-job rule
func (s JobState) IsActive() bool {
	return s == JobStatePending || s == JobStateRunning
}

// IsTerminal reports whether the state is final
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Category is a coarse label derived from priority, used for reporting
type Category string

const (
	CategoryUrgent     Category = "urgent"
	CategoryNormal     Category = "normal"
	CategoryBackground Category = "background"
	CategoryBatch      Category = "batch"
)

// Priority bounds
const (
	MinPriority    = 1
	MaxPriority    = 10
	BasePriority   = 5
	DefaultRetries = 3
	MaxProgress    = 100
)

// Job is one attempt-series of acquisition work for a resource key.
// A job is retried in place: retries reuse the row, bump RetryCount and
// reset progress.
type Job struct {
	ID              string          `json:"id"`
	ResourceKey     string          `json:"resource_key"`
	JobType         string          `json:"job_type"`
	State           JobState        `json:"state"`
	Priority        int             `json:"priority"`
	Category        Category        `json:"category"`
	ProgressPercent int             `json:"progress_percent"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	RequesterID     string          `json:"requester_id,omitempty"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	EstimatedCost   float64         `json:"estimated_cost"`
	ActualCost      float64         `json:"actual_cost"`
}

// NewJob creates a pending job with a fresh ID
func NewJob(resourceKey, jobType string, priority int, category Category, maxRetries int, now time.Time) (*Job, error) {
	if resourceKey == "" {
		return nil, errors.NewInvalidInputError("resource key cannot be empty")
	}
	if jobType == "" {
		return nil, errors.NewInvalidInputError("job type cannot be empty")
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, errors.NewInvalidInputError("priority %d outside [%d,%d]", priority, MinPriority, MaxPriority)
	}
	if maxRetries < 0 {
		maxRetries = DefaultRetries
	}

	return &Job{
		ID:          uuid.NewString(),
		ResourceKey: resourceKey,
		JobType:     jobType,
		State:       JobStatePending,
		Priority:    priority,
		Category:    category,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Attempts returns how many times the job has been started, counting the current run
func (j *Job) Attempts() int {
	if j.State == JobStatePending {
		return j.RetryCount
	}
	return j.RetryCount + 1
}

// CanRetry reports whether another failure would be retried
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// DecodeResult unmarshals the job result into v
func (j *Job) DecodeResult(v interface{}) error {
	if len(j.Result) == 0 {
		return errors.NewNotFoundError("job %s has no result", j.ID)
	}
	if err := json.Unmarshal(j.Result, v); err != nil {
		return errors.Wrapf(err, "failed to decode result of job %s", j.ID)
	}
	return nil
}
