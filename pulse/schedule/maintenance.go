package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/pulse/async"
)

// DemandMaintainer is the part of the demand tracker the ticker drives
type DemandMaintainer interface {
	RefreshSummaries(ctx context.Context) (int, error)
	PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Standard task names
const (
	TaskReaper        = "job-reaper"
	TaskJobCleanup    = "job-cleanup"
	TaskDemandRefresh = "demand-refresh"
	TaskDemandPrune   = "demand-prune"
)

// MaintenanceTasks builds the standard periodic tasks from configuration.
// demand may be nil, in which case the demand tasks are omitted.
func MaintenanceTasks(cfg *am.Config, queue *async.Queue, demand DemandMaintainer) []Task {
	jobTimeout := seconds(cfg.Pulse.JobTimeoutSeconds)
	retention := days(cfg.Pulse.JobRetentionDays)

	tasks := []Task{
		{
			Name:     TaskReaper,
			Interval: seconds(cfg.Pulse.ReaperIntervalSecs),
			Run: func(ctx context.Context) (string, error) {
				if jobTimeout <= 0 {
					return "", nil
				}
				n, err := queue.ReapStuck(ctx, jobTimeout)
				if err != nil || n == 0 {
					return "", err
				}
				return fmt.Sprintf("reaped %d stuck jobs", n), nil
			},
		},
		{
			Name:     TaskJobCleanup,
			Interval: seconds(cfg.Pulse.CleanupIntervalSecs),
			Run: func(ctx context.Context) (string, error) {
				if retention <= 0 {
					return "", nil
				}
				n, err := queue.Cleanup(ctx, retention)
				if err != nil || n == 0 {
					return "", err
				}
				return fmt.Sprintf("removed %d finished jobs", n), nil
			},
		},
	}

	if demand == nil {
		return tasks
	}

	eventRetention := days(cfg.Demand.EventRetentionDays)
	refresh := seconds(cfg.Demand.RefreshIntervalSeconds)

	tasks = append(tasks,
		Task{
			Name:       TaskDemandRefresh,
			Interval:   refresh,
			RunAtStart: true,
			Run: func(ctx context.Context) (string, error) {
				n, err := demand.RefreshSummaries(ctx)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("refreshed %d demand summaries", n), nil
			},
		},
		Task{
			Name:     TaskDemandPrune,
			Interval: 24 * time.Hour,
			Run: func(ctx context.Context) (string, error) {
				if eventRetention <= 0 {
					return "", nil
				}
				n, err := demand.PruneEvents(ctx, eventRetention)
				if err != nil || n == 0 {
					return "", err
				}
				return fmt.Sprintf("pruned %d demand events", n), nil
			},
		},
	)
	return tasks
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
