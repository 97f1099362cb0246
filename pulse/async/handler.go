package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/codeload/errors"
)

// JobHandler executes one job type.
// Domain packages implement this interface; the worker pool routes jobs to
// handlers by Job.JobType without knowing what the work is.
type JobHandler interface {
	// Execute runs the job. Progress goes through pulse.ProgressFromContext.
	// Handlers must check ctx.Done() between stages and return ctx.Err()
	// when cancelled so the worker can put the job back.
	Execute(ctx context.Context, job *Job) (*Outcome, error)

	// JobType returns the job type this handler serves (e.g. "load_codes")
	JobType() string
}

// Outcome is what a successful handler run leaves behind
type Outcome struct {
	Result     interface{} // stored as JSON on the job
	ActualCost float64
}

// JobExecutor runs a claimed job
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) (*Outcome, error)
}

// HandlerRegistry manages job handlers by job type.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler for its job type.
// Panics if a handler is already registered for that type.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := handler.JobType()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", jobType))
	}
	r.handlers[jobType] = handler
}

// Get retrieves the handler for a job type, or nil.
func (r *HandlerRegistry) Get(jobType string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type.
func (r *HandlerRegistry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// JobTypes returns all registered job types, sorted.
func (r *HandlerRegistry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegistryExecutor adapts a HandlerRegistry to the JobExecutor interface.
type RegistryExecutor struct {
	registry *HandlerRegistry
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// Execute implements JobExecutor by dispatching to the registered handler.
// An unknown job type is a permanent failure: retrying cannot fix it.
func (e *RegistryExecutor) Execute(ctx context.Context, job *Job) (*Outcome, error) {
	handler := e.registry.Get(job.JobType)
	if handler == nil {
		return nil, Permanent(errors.Newf("no handler registered for job type: %s", job.JobType))
	}
	return handler.Execute(ctx, job)
}
