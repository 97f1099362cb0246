package schedule

import (
	"context"
	"time"
)

// Task is a periodic maintenance routine run by the Ticker
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (summary string, err error)
	// RunAtStart runs the task on the first tick instead of after one interval
	RunAtStart bool
}

// TaskStatus is a snapshot of one task's schedule
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt time.Time     `json:"next_run_at"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
}

type taskState struct {
	task      Task
	nextRunAt time.Time
	lastRunAt *time.Time
	lastError string
	runs      int64
	failures  int64
}

func (s *taskState) status() TaskStatus {
	st := TaskStatus{
		Name:      s.task.Name,
		Interval:  s.task.Interval,
		NextRunAt: s.nextRunAt,
		LastError: s.lastError,
		Runs:      s.runs,
		Failures:  s.failures,
	}
	if s.lastRunAt != nil {
		t := *s.lastRunAt
		st.LastRunAt = &t
	}
	return st
}
