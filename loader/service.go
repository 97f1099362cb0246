// Package loader is the consumer-facing surface: it answers status queries,
// turns load requests into deduplicated jobs, and reports job progress.
// Every call records a demand event that feeds scheduling priority.
package loader

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/codeload/demand"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse/async"
	"github.com/teranos/codeload/resource"
)

// Load outcomes
const (
	LoadAlreadyLoaded = "already_loaded"
	LoadLoading       = "loading"
	LoadInitiated     = "initiated"
)

// StatusView is what a caller sees for one resource key
type StatusView struct {
	ResourceKey     string         `json:"resource_key"`
	State           resource.State `json:"state"`
	ItemCount       int            `json:"item_count"`
	IsLoading       bool           `json:"is_loading"`
	ActiveJobID     string         `json:"active_job_id,omitempty"`
	ProgressPercent *int           `json:"progress_percent,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	LastSuccessAt   *time.Time     `json:"last_success_at,omitempty"`
}

// LoadRequest asks for a resource to be acquired
type LoadRequest struct {
	ResourceKey string `json:"resource_key"`
	Urgent      bool   `json:"urgent"`
	Tier        string `json:"tier"`
	RequesterID string `json:"requester_id,omitempty"`
}

// LoadResponse reports what a load request did
type LoadResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
}

// JobView is the caller-facing projection of a job
type JobView struct {
	ID              string          `json:"id"`
	ResourceKey     string          `json:"resource_key"`
	State           async.JobState  `json:"state"`
	ProgressPercent int             `json:"progress_percent"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	Attempts        int             `json:"attempts"`
	MaxRetries      int             `json:"max_retries"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
}

// NewJobView projects a job for callers
func NewJobView(job *async.Job) *JobView {
	return &JobView{
		ID:              job.ID,
		ResourceKey:     job.ResourceKey,
		State:           job.State,
		ProgressPercent: job.ProgressPercent,
		ProgressMessage: job.ProgressMessage,
		Result:          job.Result,
		Error:           job.Error,
		Attempts:        job.Attempts(),
		MaxRetries:      job.MaxRetries,
		ScheduledAt:     job.ScheduledAt,
	}
}

// Service implements status, requestLoad and job
type Service struct {
	queue   *async.Queue
	status  *resource.StatusStore
	demand  *demand.Tracker
	jobType string
	log     *zap.SugaredLogger
}

// NewService wires the service. jobType is the job enqueued for loads.
// The service marks a resource failed whenever its load job fails for good,
// including jobs the reaper gives up on.
func NewService(queue *async.Queue, status *resource.StatusStore, tracker *demand.Tracker, jobType string) *Service {
	s := &Service{
		queue:   queue,
		status:  status,
		demand:  tracker,
		jobType: jobType,
		log:     logger.ComponentLogger("loader"),
	}
	queue.OnTerminalFailure(s.markFailed)
	return s
}

// NormalizeKey trims and lowercases a resource key
func NormalizeKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", errors.NewInvalidInputError("resource key cannot be empty")
	}
	if strings.ContainsAny(key, " \t\n") {
		return "", errors.NewInvalidInputError("resource key %q contains whitespace", key)
	}
	return key, nil
}

// Status reports the last known state of key plus any active job.
// Unknown keys report pending and not loading.
func (s *Service) Status(ctx context.Context, key string) (*StatusView, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	s.recordDemand(ctx, key, "", demand.EventStatus)

	st, err := s.status.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		ResourceKey:   key,
		State:         st.State,
		ItemCount:     st.ItemCount,
		LastError:     st.ErrorMessage,
		LastSuccessAt: st.LastSuccessAt,
	}

	job, err := s.queue.FindActive(ctx, key, s.jobType)
	if err != nil {
		return nil, err
	}
	if job != nil {
		progress := job.ProgressPercent
		view.IsLoading = true
		view.ActiveJobID = job.ID
		view.ProgressPercent = &progress
		if view.LastError == "" {
			view.LastError = job.Error
		}
	}
	return view, nil
}

// RequestLoad enqueues acquisition for key unless it is already loaded or a
// job is already active, in which case the existing job id is returned.
func (s *Service) RequestLoad(ctx context.Context, req LoadRequest) (*LoadResponse, error) {
	key, err := NormalizeKey(req.ResourceKey)
	if err != nil {
		return nil, err
	}
	s.recordDemand(ctx, key, req.RequesterID, demand.EventLoadRequest)

	st, err := s.status.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if st.State == resource.StateComplete {
		return &LoadResponse{Status: LoadAlreadyLoaded}, nil
	}

	jobID, created, err := s.queue.Enqueue(ctx, async.EnqueueRequest{
		ResourceKey: key,
		JobType:     s.jobType,
		Urgent:      req.Urgent,
		Tier:        req.Tier,
		RequesterID: req.RequesterID,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return &LoadResponse{Status: LoadLoading, JobID: jobID}, nil
	}

	if err := s.status.MarkLoading(ctx, key); err != nil {
		s.log.Warnw("Failed to mark resource loading",
			logger.FieldResourceKey, key,
			logger.FieldJobID, jobID,
			logger.FieldError, err)
	}
	s.log.Infow("Load initiated",
		logger.FieldResourceKey, key,
		logger.FieldJobID, jobID,
		"urgent", req.Urgent,
		"tier", req.Tier)
	return &LoadResponse{Status: LoadInitiated, JobID: jobID}, nil
}

// Job returns a job's progress and, once finished, its result or error
func (s *Service) Job(ctx context.Context, id string) (*JobView, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.NewInvalidInputError("job id cannot be empty")
	}
	job, err := s.queue.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewJobView(job), nil
}

// markFailed moves the job's resource to failed with the job's last error
func (s *Service) markFailed(ctx context.Context, job *async.Job, message string) {
	if job.JobType != s.jobType {
		return
	}
	if err := s.status.MarkFailed(context.WithoutCancel(ctx), job.ResourceKey, message); err != nil {
		s.log.Warnw("Failed to mark resource failed",
			logger.FieldResourceKey, job.ResourceKey,
			logger.FieldJobID, job.ID,
			logger.FieldError, err)
	}
}

// recordDemand never fails the caller; demand is a scheduling hint
func (s *Service) recordDemand(ctx context.Context, key, requesterID, eventType string) {
	if s.demand == nil {
		return
	}
	if err := s.demand.Record(ctx, key, requesterID, eventType); err != nil {
		s.log.Warnw("Failed to record demand event",
			logger.FieldResourceKey, key,
			logger.FieldError, err)
	}
}
