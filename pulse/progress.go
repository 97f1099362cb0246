// Package pulse holds the shared progress contract between the job
// infrastructure and the work it runs.
package pulse

import "context"

// ProgressReporter receives percent-complete updates from long-running work.
// Implementations must tolerate out-of-order or repeated values; stored
// progress only moves forward.
type ProgressReporter interface {
	Report(ctx context.Context, percent int, message string) error
}

// ProgressFunc adapts a function to ProgressReporter
type ProgressFunc func(ctx context.Context, percent int, message string) error

// Report implements ProgressReporter
func (f ProgressFunc) Report(ctx context.Context, percent int, message string) error {
	return f(ctx, percent, message)
}

type progressKey struct{}

// WithProgress attaches a reporter to ctx
func WithProgress(ctx context.Context, r ProgressReporter) context.Context {
	return context.WithValue(ctx, progressKey{}, r)
}

// ProgressFromContext returns the reporter attached to ctx, or a no-op
func ProgressFromContext(ctx context.Context) ProgressReporter {
	if r, ok := ctx.Value(progressKey{}).(ProgressReporter); ok && r != nil {
		return r
	}
	return nopReporter{}
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, int, string) error { return nil }
