// Package schedule runs the periodic maintenance loops: the stuck-job reaper,
// job retention, demand rollups and demand event pruning.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse/async"
)

// Ticker wakes on a fixed interval and runs every task that is due.
// Tasks run sequentially on the ticker goroutine; a slow task delays the
// others rather than overlapping with itself.
type Ticker struct {
	queue      *async.Queue      // optional, for the activity line
	workerPool *async.WorkerPool // optional, for system metrics in the activity line
	interval   time.Duration
	now        func() time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	pulseLog   *zap.SugaredLogger

	mu              sync.Mutex
	tasks           []*taskState
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
}

// TickerConfig contains configuration for the ticker
type TickerConfig struct {
	Interval time.Duration // How often to check for due tasks (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// NewTicker creates a ticker bound to ctx. queue and pool may be nil.
func NewTicker(ctx context.Context, queue *async.Queue, pool *async.WorkerPool, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		queue:          queue,
		workerPool:     pool,
		interval:       cfg.Interval,
		now:            time.Now,
		ctx:            tickerCtx,
		cancel:         cancel,
		pulseLog:       logger.AddPulseSymbol(log),
		lastActiveWork: -1,
	}
}

// Register adds a task. Tasks with a non-positive interval are ignored.
func (t *Ticker) Register(task Task) error {
	if task.Name == "" {
		return errors.NewInvalidInputError("task name cannot be empty")
	}
	if task.Run == nil {
		return errors.NewInvalidInputError("task %s has no run function", task.Name)
	}
	if task.Interval <= 0 {
		t.pulseLog.Infow("Task disabled", "task", task.Name)
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.tasks {
		if s.task.Name == task.Name {
			return errors.Newf("task already registered: %s", task.Name)
		}
	}

	next := t.now().Add(task.Interval)
	if task.RunAtStart {
		next = t.now()
	}
	t.tasks = append(t.tasks, &taskState{task: task, nextRunAt: next})
	return nil
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval, "tasks", t.taskNames())
}

// Stop gracefully stops the ticker, waiting for a running task to return
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			now := t.now()
			t.mu.Lock()
			t.lastTickAt = now
			t.ticksSinceStart++
			t.mu.Unlock()

			t.logActivity()
			t.RunDue(t.ctx, now)
		}
	}
}

// RunDue runs every task whose next run time is at or before now.
// Exposed so tests and the CLI can drive a tick without the loop.
func (t *Ticker) RunDue(ctx context.Context, now time.Time) int {
	t.mu.Lock()
	var due []*taskState
	for _, s := range t.tasks {
		if !now.Before(s.nextRunAt) {
			due = append(due, s)
		}
	}
	t.mu.Unlock()

	ran := 0
	for _, s := range due {
		if ctx.Err() != nil {
			return ran
		}
		t.runTask(ctx, s, now)
		ran++
	}
	return ran
}

func (t *Ticker) runTask(ctx context.Context, s *taskState, now time.Time) {
	started := time.Now()
	summary, err := s.task.Run(ctx)
	durationMS := time.Since(started).Milliseconds()

	t.mu.Lock()
	ranAt := now
	s.lastRunAt = &ranAt
	s.nextRunAt = now.Add(s.task.Interval)
	s.runs++
	if err != nil {
		s.failures++
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	t.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.pulseLog.Warnw("Pulse task failed",
			"task", s.task.Name,
			logger.FieldDurationMS, durationMS,
			logger.FieldError, err)
		return
	}
	if summary != "" {
		t.pulseLog.Infow("Pulse task OK",
			"task", s.task.Name,
			"summary", summary,
			logger.FieldDurationMS, durationMS)
	}
}

// logActivity logs queue load when the active job count changes
func (t *Ticker) logActivity() {
	if t.queue == nil {
		return
	}

	stats, err := t.queue.GetStats(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get queue stats", logger.FieldError, err)
		return
	}
	activeWork := stats.Pending + stats.Running

	t.mu.Lock()
	changed := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()
	if !changed {
		return
	}

	// One pulse symbol per 5 active jobs, capped at 60
	indicator := ""
	if activeWork > 0 {
		n := min(activeWork/5+1, 60)
		indicator = strings.Repeat(logger.SymPulse+" ", n)
	}

	msg := fmt.Sprintf("%sPulse - %d pending, %d running", indicator, stats.Pending, stats.Running)
	if t.workerPool != nil {
		m := t.workerPool.GetSystemMetrics(t.ctx)
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			m.WorkersActive, m.WorkersTotal, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}
	t.pulseLog.Infow(msg)
}

// Status returns a snapshot of every task, ordered by name
func (t *Ticker) Status() []TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TaskStatus, 0, len(t.tasks))
	for _, s := range t.tasks {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Ticker) taskNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.tasks))
	for _, s := range t.tasks {
		names = append(names, s.task.Name)
	}
	return names
}
