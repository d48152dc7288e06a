package widget

import "context"

// ProgressFunc records a human-readable progress line for the running job.
type ProgressFunc func(ctx context.Context, message string)

type progressKey struct{}

// WithProgress attaches fn to ctx; the scheduler does this before Execute.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress updates the running job's progress_message. It is a no-op
// outside a scheduled execution.
func ReportProgress(ctx context.Context, message string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(ctx, message)
	}
}
