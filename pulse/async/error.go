package async

import (
	"context"
	"strings"

	"github.com/teranos/codeload/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeNotFound        ErrorCode = "not_found"
	ErrorCodeNoSources       ErrorCode = "no_sources"
	ErrorCodeBudget          ErrorCode = "budget_exceeded"
	ErrorCodeExtraction      ErrorCode = "extraction_error"
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeCancelled       ErrorCode = "cancelled"
	ErrorCodePanic           ErrorCode = "panic"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Would another attempt plausibly succeed?
}

// ErrHandlerPanic marks an error recovered from a handler panic
var ErrHandlerPanic = errors.New("handler panicked")

// ClassifyError categorizes an error for logging and job error codes.
// Sentinel matches win over message heuristics.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
		}
	}

	ctx := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
	}

	switch {
	case errors.Is(err, ErrHandlerPanic):
		ctx.Code = ErrorCodePanic
		ctx.Retryable = true
	case errors.Is(err, context.Canceled):
		ctx.Code = ErrorCodeCancelled
		ctx.Retryable = true
	case errors.Is(err, context.DeadlineExceeded):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
	case errors.Is(err, errors.ErrBudgetExceeded):
		ctx.Code = ErrorCodeBudget
		ctx.Retryable = true
	case errors.Is(err, errors.ErrNoSources):
		ctx.Code = ErrorCodeNoSources
		ctx.Retryable = true
	case errors.Is(err, errors.ErrExtraction):
		ctx.Code = ErrorCodeExtraction
		ctx.Retryable = true
	case errors.Is(err, errors.ErrNotFound):
		ctx.Code = ErrorCodeNotFound
	case errors.Is(err, errors.ErrInvalidInput):
		ctx.Code = ErrorCodeValidationError
	default:
		ctx.Code, ctx.Retryable = classifyMessage(strings.ToLower(ctx.Message))
	}

	if errors.Is(err, ErrPermanent) {
		ctx.Retryable = false
	}
	return ctx
}

func classifyMessage(msg string) (ErrorCode, bool) {
	switch {
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "status 5"):
		return ErrorCodeNetworkError, true
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return ErrorCodeTimeout, true
	case strings.Contains(msg, "database") || strings.Contains(msg, "sql"):
		return ErrorCodeDatabaseError, true
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return ErrorCodeValidationError, false
	default:
		return ErrorCodeUnknown, true
	}
}
