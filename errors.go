package groupqueue

import (
	"github.com/fluxqueue/groupqueue/store"
	"github.com/fluxqueue/groupqueue/worker"
)

// Re-exported sentinel errors (spec §7 error taxonomy), so callers of this
// package never need to import store or worker directly to check for them.
var (
	ErrDuplicateTaskID = store.ErrDuplicateTaskID
	ErrQueueFull       = store.ErrQueueFull
	ErrFatalConfig     = store.ErrFatalConfig
	ErrNotFound        = store.ErrNotFound
	ErrConflict        = store.ErrConflict

	// ErrNoHandler is recorded on a task (as lastError) when a claimed
	// task's method has no registered handler; it is not fatal to the
	// worker pool, only to that task (spec §7 propagation policy).
	ErrNoHandler = worker.ErrNoHandler
)
