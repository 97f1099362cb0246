package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured workers
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsPending   int     `json:"jobs_pending"`
	JobsRunning   int     `json:"jobs_running"`
}

const bytesPerGB = 1024 * 1024 * 1024

// memoryStats is swapped in tests
var memoryStats = func() (total, available uint64, err error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

// memoryPercent returns used memory as a percentage, ok=false when unknown
func memoryPercent() (float64, bool) {
	total, available, err := memoryStats()
	if err != nil || total == 0 {
		return 0, false
	}
	return float64(total-available) / float64(total) * 100, true
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := memoryStats()

	var memUsedGB, memTotalGB, memPct float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / bytesPerGB
		memUsedGB = float64(total-available) / bytesPerGB
		memPct = (memUsedGB / memTotalGB) * 100
	}

	var pending, running int
	if stats, err := wp.queue.GetStats(ctx); err == nil {
		pending, running = stats.Pending, stats.Running
	}

	wp.mu.Lock()
	activeWorkers := wp.activeWorkers
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: activeWorkers,
		WorkersTotal:  wp.workers,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPct,
		JobsPending:   pending,
		JobsRunning:   running,
	}
}

// memoryGateClosed reports whether memory use is above the configured ceiling.
// Unknown memory never closes the gate.
func (wp *WorkerPool) memoryGateClosed() (bool, float64) {
	if wp.poolConfig.MaxMemoryPercent <= 0 {
		return false, 0
	}
	pct, ok := memoryPercent()
	if !ok {
		return false, 0
	}
	return pct > wp.poolConfig.MaxMemoryPercent, pct
}

// checkMemoryPressure warns when memory is already near the ceiling at startup
func (wp *WorkerPool) checkMemoryPressure() string {
	closed, pct := wp.memoryGateClosed()
	if !closed {
		return ""
	}
	return fmt.Sprintf(
		"Memory at %.1f%% exceeds max_memory_percent %.1f%%; workers will hold off claiming jobs until it drops",
		pct, wp.poolConfig.MaxMemoryPercent)
}
