package async

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse"
)

// JobProgressReporter implements pulse.ProgressReporter for one running job.
// Progress write failures are logged, never returned to the handler: losing a
// progress tick must not fail the acquisition.
type JobProgressReporter struct {
	jobID string
	queue *Queue
	log   *zap.SugaredLogger
}

var _ pulse.ProgressReporter = (*JobProgressReporter)(nil)

// NewJobProgressReporter creates a reporter bound to job
func NewJobProgressReporter(job *Job, queue *Queue, baseLogger *zap.SugaredLogger) *JobProgressReporter {
	return &JobProgressReporter{
		jobID: job.ID,
		queue: queue,
		log:   baseLogger.With(logger.FieldJobID, job.ID),
	}
}

// Report stores the new progress value
func (r *JobProgressReporter) Report(ctx context.Context, percent int, message string) error {
	if err := r.queue.ReportProgress(ctx, r.jobID, percent, message); err != nil {
		r.log.Warnw("Failed to update job progress",
			logger.FieldProgress, percent,
			logger.FieldError, err,
		)
	}
	return nil
}
