// Package errors provides error handling for codeload.
//
// This package re-exports github.com/cockroachdb/errors so every layer gets
// stack traces, wrapping with context, hints and details from one import.
//
// Usage:
//
//	if err := store.Save(ctx, job); err != nil {
//	    return errors.Wrap(err, "failed to save job")
//	}
//
//	return errors.WithHint(err, "check the source catalog path")
//
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	FlattenHints   = crdb.FlattenHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors shared by the stores and the pipeline.
// Wrap them with errors.Wrap or errors.Mark to add context while keeping
// errors.Is checks working.
var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = New("not found")

	// ErrInvalidInput indicates a caller passed a malformed argument
	ErrInvalidInput = New("invalid input")

	// ErrBudgetExceeded indicates extraction spend hit a configured cap
	ErrBudgetExceeded = New("budget exceeded")

	// ErrNoSources indicates no fetchable source produced content
	ErrNoSources = New("no sources available")

	// ErrExtraction indicates the extraction capability failed
	ErrExtraction = New("extraction failed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidInputError checks if an error is or wraps ErrInvalidInput
func IsInvalidInputError(err error) bool {
	return err != nil && Is(err, ErrInvalidInput)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidInputError creates an invalid-input error with a formatted message
func NewInvalidInputError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidInput)
}
