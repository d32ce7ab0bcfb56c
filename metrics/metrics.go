// Package metrics defines the Prometheus series emitted by the scheduler,
// worker pool, and group manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of waiting tasks per group.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupqueue_queue_depth",
		Help: "Current number of waiting tasks in a group",
	}, []string{"group"})

	// SchedulerDecisions tracks dispatch decisions by policy and outcome.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupqueue_scheduler_decisions_total",
		Help: "Total number of scheduling decisions made",
	}, []string{"policy", "outcome"})

	// GroupHealth tracks the failure rate observed per group.
	GroupHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupqueue_group_health",
		Help: "Recent failure rate of a group (0-1)",
	}, []string{"group"})

	// SchedulerLoopDuration tracks the duration of one dispatch-loop iteration.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupqueue_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler dispatch loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	// QueueOldestTaskAge tracks the age of the oldest waiting task per group.
	QueueOldestTaskAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupqueue_queue_oldest_task_age_seconds",
		Help: "Age in seconds of the oldest waiting task in a group",
	}, []string{"group"})

	// DispatcherLeaderEpoch tracks the current fencing epoch of the dispatcher lease.
	DispatcherLeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "groupqueue_dispatcher_leader_epoch",
		Help: "Current fencing epoch of the dispatcher lease holder",
	}, []string{"node_id"})

	// DispatcherLeadershipTransitions tracks lease acquisition/loss events.
	DispatcherLeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupqueue_dispatcher_leader_transitions_total",
		Help: "Total number of dispatcher leadership transitions",
	}, []string{"node_id", "event"})

	// TaskTimeouts tracks tasks forcibly failed due to handler timeout.
	TaskTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupqueue_task_timeouts_total",
		Help: "Tasks forcibly terminated due to handler timeout",
	}, []string{"queue", "reason"})

	// TaskRuntimeSeconds tracks handler execution time.
	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupqueue_task_runtime_seconds",
		Help:    "Task handler execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// WorkerSaturation tracks the ratio of active workers to pool capacity.
	WorkerSaturation = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupqueue_worker_saturation",
		Help: "Ratio of busy worker slots to pool capacity (0.0-1.0)",
	})

	// SchedulerRejections tracks tasks rejected by admission control.
	SchedulerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupqueue_scheduler_rejections_total",
		Help: "Tasks rejected by scheduler admission control",
	}, []string{"reason"})

	// StoreCircuitState tracks the store circuit breaker state.
	StoreCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupqueue_store_circuit_state",
		Help: "Store circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// EventPublishFailures tracks failed event-bus publish attempts.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupqueue_event_publish_failures_total",
		Help: "Failed event publish attempts (best-effort, non-blocking)",
	}, []string{"kind", "reason"})

	// TaskRetries tracks total retry attempts across all tasks.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupqueue_task_retries_total",
		Help: "Total number of task retry attempts",
	})

	// TaskCompletions tracks successfully completed tasks.
	TaskCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupqueue_task_completions_total",
		Help: "Total number of tasks completed successfully",
	})

	// TaskFailures tracks tasks that exhausted retries.
	TaskFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupqueue_task_failures_total",
		Help: "Total number of tasks that exhausted retries and failed permanently",
	})

	// AdmissionWaitSeconds tracks time a task waits between submit and first claim.
	AdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "groupqueue_admission_wait_seconds",
		Help:    "Time a task waits between Submit and its first claim by a worker",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// StoreLatency tracks backing-store round-trip latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "groupqueue_store_roundtrip_latency_seconds",
		Help:    "Backing store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"op"})

	// OptimisticConflicts tracks RunOptimistic retries caused by ErrConflict.
	OptimisticConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupqueue_optimistic_conflicts_total",
		Help: "Total number of optimistic transaction conflicts observed",
	}, []string{"op"})

	// IdempotencyGuardHits tracks completion guard decisions.
	IdempotencyGuardHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groupqueue_idempotency_guard_total",
		Help: "Completion guard decisions by outcome",
	}, []string{"outcome"}) // first, duplicate, lookup_error, corrupt
)
