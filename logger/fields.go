package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity and context
	FieldJobID       = "job_id"
	FieldRequestID   = "request_id"
	FieldRequesterID = "requester_id"

	// Domain
	FieldResourceKey = "resource_key"
	FieldJobType     = "job_type"
	FieldSourceID    = "source_id"
	FieldSourceName  = "source"
	FieldFingerprint = "fingerprint"
	FieldPriority    = "priority"
	FieldStage       = "stage"
	FieldProgress    = "progress"
	FieldAttempt     = "attempt"
	FieldCostUSD     = "cost_usd"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldURL       = "url"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Network
	FieldAddress = "address"

	FieldSymbol = "symbol" // segment symbol (꩜, ✿, ❀, ⊔)
)

type contextKey string

const (
	jobIDKey       contextKey = "logger_job_id"
	requestIDKey   contextKey = "logger_request_id"
	resourceKeyKey contextKey = "logger_resource_key"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithResourceKey adds a resource key to the context for logging
func WithResourceKey(ctx context.Context, resourceKey string) context.Context {
	return context.WithValue(ctx, resourceKeyKey, resourceKey)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if key, ok := ctx.Value(resourceKeyKey).(string); ok && key != "" {
		fields = append(fields, FieldResourceKey, key)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type WorkerPool struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewWorkerPool() *WorkerPool {
//	    return &WorkerPool{
//	        logger: logger.ComponentLogger("pulse.worker"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
