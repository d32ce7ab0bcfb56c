// Package groupqueue is the public entry point for the distributed,
// group-aware task queue: producers call Enqueue/EnqueueBatch, application
// code registers handlers by method name, and an Engine wires the Store
// Adapter, Task Registry, Group Manager, Scheduler, Worker Pool, and Event
// Bus together into one running system (spec §2 "data flow").
//
// The HTTP surface, browser dashboard, documentation site, and declarative
// handler-registration sugar described by the source project are external
// collaborators and are not part of this package (spec §1 "out of scope").
package groupqueue

import (
	"time"

	"github.com/fluxqueue/groupqueue/store"
)

// Priority re-exports store.Priority so callers never need to import the
// store package directly just to submit a task.
type Priority = store.Priority

const (
	PriorityLow      = store.PriorityLow
	PriorityNormal   = store.PriorityNormal
	PriorityHigh     = store.PriorityHigh
	PriorityCritical = store.PriorityCritical
)

// Options is the Submit API's options parameter (spec §6 "enqueue(name,
// payload, options)"). It is a superset of the internal store.Options:
// Queue and Group route the task to its worker pool and group before any
// of the scheduling fields come into play.
type Options struct {
	// ID fixes the task's id. Left empty, Enqueue generates one. Callers
	// that want producer-side deduplication (so a retried Enqueue call
	// after an ambiguous network failure is detected as a duplicate
	// rather than double-submitted) should set this explicitly.
	ID string

	// Queue names the logical queue a worker pool must be configured
	// for in order to ever see this task (spec §3 Task.queue).
	Queue string

	// Group is optional; an empty Group puts the task in the synthetic
	// per-queue group instead (spec §4.4 "Ungrouped tasks").
	Group string

	Priority     Priority
	MaxRetries   int
	RetryDelayMs int64
	NotBefore    time.Time
	Timeout      time.Duration
}

func (o Options) toStoreOptions() store.Options {
	return store.Options{
		Priority:     o.Priority,
		MaxRetries:   o.MaxRetries,
		RetryDelayMs: o.RetryDelayMs,
		NotBefore:    o.NotBefore,
		Timeout:      o.Timeout,
	}
}

// QueueConfig describes one worker pool the Engine should run (spec §6
// "Operator configuration": concurrency, queues, policy, pollingInterval).
type QueueConfig struct {
	Name                string
	Concurrency         int
	PollingInterval     time.Duration
	ShutdownTimeout     time.Duration
	MaxRetryBackoff     time.Duration
	DefaultRetryDelayMs int64

	// MaxBacklog caps this queue's outstanding (non-terminal) task count.
	// Once the count reaches the cap, Enqueue rejects anything below PriorityCritical with
	// ErrQueueFull, leaving headroom for the highest-priority producers
	// (spec §7 error taxonomy "ErrQueueFull"). Zero disables the cap.
	MaxBacklog int
}

// GroupConfig overrides a single group's concurrency cap or priority
// weight away from the Engine-wide defaults (spec §3 Group.groupConcurrencyCap,
// Group.priority).
type GroupConfig struct {
	Name           string
	ConcurrencyCap int
	PriorityWeight int
}

// LeaseConfig turns on the optional dispatcher lease, used when more than
// one process runs workers against the same queues and only one should
// own the round-robin cursor / priority ledger at a time (spec §4.4
// supplemental feature).
type LeaseConfig struct {
	Enabled bool
	NodeID  string
	TTL     time.Duration
}

// Config is the Engine's full configuration.
type Config struct {
	Queues              []QueueConfig
	Groups              []GroupConfig
	DefaultGroupCap     int
	DefaultGroupWeight  int
	Lease               LeaseConfig
	IdempotencyGuardTTL time.Duration
	TimelineCapacity    int
	EventSource         string
}
