package schemas

import "context"

// ProgressFunc reports intermediate progress for the executing job.
// Implementations must tolerate being called from the job's goroutine only.
type ProgressFunc func(percent int, message string)

// AutomationSession is one automated browsing context, owned by a single job
// for its full duration. Close must be safe to call on every exit path and
// must be idempotent.
type AutomationSession interface {
	// Navigate loads the target context.
	Navigate(ctx context.Context, url string) error
	// WaitReady blocks until the context signals readiness or ctx expires.
	WaitReady(ctx context.Context) error
	// PerformStep runs one opaque unit of automation work for a single item.
	// A returned error marks that item failed; it never aborts the batch.
	PerformStep(ctx context.Context, itemID string) error
	// Close releases the browsing context.
	Close(ctx context.Context) error
}

// SessionFactory acquires a fresh AutomationSession scoped to one job.
type SessionFactory func(ctx context.Context) (AutomationSession, error)

// TaskEngine executes the unit of automation work behind one accepted task.
// Execute always returns a terminal TaskResult; faults are folded into it.
type TaskEngine interface {
	// Supports reports whether the engine has a workflow for the task type.
	Supports(t TaskType) bool
	// Validate checks that the task payload is well formed for its type.
	Validate(task Task) error
	// Execute runs the matching workflow to completion, cancellation, or
	// failure. It must honor ctx at every suspension point.
	Execute(ctx context.Context, task Task, report ProgressFunc) TaskResult
}
