// Package events implements the pub/sub event bus overlaying task lifecycle
// transitions (spec §4.6).
package events

import (
	"context"
	"time"
)

// Kind enumerates the event bus's event kinds. These are the stable wire
// names published on the events:{kind} pub/sub channels (spec §4.6, §6) —
// they must not change without a coordinated consumer migration.
type Kind string

const (
	// KindStatusChange fires whenever a task's State field transitions.
	KindStatusChange Kind = "status_change"
	// KindTaskAdded fires on every AddTask call, including a repeated add
	// of an id that is already a member of the group.
	KindTaskAdded Kind = "task_added"
	// KindTaskCompleted fires once, when a task reaches StateCompleted.
	KindTaskCompleted Kind = "task_completed"
	// KindTaskFailed fires once, when a task reaches StateFailed.
	KindTaskFailed Kind = "task_failed"
	// KindGroupChange fires on membership or bulk-state changes to a group
	// as a whole (add, pause, resume).
	KindGroupChange Kind = "group_change"
	// KindProgressUpdate fires when a running handler reports progress via
	// its per-task context hook (spec §4.5 step 6).
	KindProgressUpdate Kind = "progress_update"
	// KindRetryAttempt fires each time a failed task is requeued for retry.
	KindRetryAttempt Kind = "retry_attempt"
)

// Event is a single lifecycle notification delivered on the bus. Field
// names follow the wire contract's {taskId, groupName?, state?, data?}
// payload shape (spec §4.6) plus bookkeeping fields used only locally.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"taskId"`
	GroupName string    `json:"groupName,omitempty"`
	State     string    `json:"state,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher emits events onto the bus. Publish failures are non-fatal to
// the caller's own operation (spec §4.6 "publish failures must not affect
// task state") and are only ever logged and counted.
type Publisher interface {
	Publish(ctx context.Context, kind Kind, evt Event) error
	Close() error
}

// Subscriber lets a caller receive events of a given kind as they occur.
// Delivery is best-effort; a subscriber that needs exactness must
// reconcile from the Registry (spec §4.6).
type Subscriber interface {
	Subscribe(ctx context.Context, kind Kind, handler func(Event)) (Subscription, error)
}

// Subscription is a live registration returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}
