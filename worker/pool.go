// Package worker implements the Worker Pool (spec §4.5): a bounded set of
// execution slots per queue that repeatedly ask the Dispatcher for the
// next claimable task and run its handler to completion, retry, or
// failure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fluxqueue/groupqueue/events"
	"github.com/fluxqueue/groupqueue/group"
	"github.com/fluxqueue/groupqueue/idempotency"
	"github.com/fluxqueue/groupqueue/metrics"
	"github.com/fluxqueue/groupqueue/scheduler"
	"github.com/fluxqueue/groupqueue/store"
)

// Config holds one Pool's tunables (spec §6 "Operator config").
type Config struct {
	Queue               string
	Concurrency         int
	PollingInterval     time.Duration
	ShutdownTimeout     time.Duration
	MaxRetryBackoff     time.Duration
	DefaultRetryDelayMs int64
}

// DefaultConfig returns the defaults spec §3/§4.5 name explicitly.
func DefaultConfig(queue string, concurrency int) Config {
	return Config{
		Queue:               queue,
		Concurrency:         concurrency,
		PollingInterval:     250 * time.Millisecond,
		ShutdownTimeout:     30 * time.Second,
		MaxRetryBackoff:     30 * time.Second,
		DefaultRetryDelayMs: 1000,
	}
}

// Pool runs Config.Concurrency execution slots against a single queue.
type Pool struct {
	cfg        Config
	dispatcher *scheduler.Dispatcher
	mgr        *group.Manager
	handlers   *Registry
	guard      *idempotency.Guard
	bus        events.Publisher
	limiter    *DispatchLimiter
	breaker    *StoreCircuitBreaker

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	draining bool
	inFlight map[string]*inflightTask

	// onSettle, if set, fires exactly once per task when it reaches a
	// terminal state (COMPLETED or FAILED) — not on a retry requeue. It
	// lets callers maintain bookkeeping (e.g. a backlog counter) keyed to
	// "this task will never be claimed again" without duplicating the
	// entry.final dance above.
	onSettle func(*store.Task)
}

// SetOnSettle installs a callback invoked once a task leaves the pool for
// good, either COMPLETED or FAILED. Safe to call before Run; not safe to
// change concurrently with Run.
func (p *Pool) SetOnSettle(f func(*store.Task)) {
	p.onSettle = f
}

type inflightTask struct {
	task   *store.Task
	cancel context.CancelFunc

	// final guards against a task being finalized twice: once by its own
	// handler goroutine reacting to execCtx cancellation, and once by
	// shutdown's forced-timeout path, which race each other once a slot
	// is force-cancelled (spec §4.5 "Graceful shutdown": a task must end
	// COMPLETED or WAITING, never left in whatever order two concurrent
	// writers happened to commit).
	final sync.Once
}

// New returns a Pool. guard, bus, limiter and breaker may be nil; nil
// guard disables completion dedup, nil bus disables event publication,
// nil limiter disables re-poll throttling, and a nil breaker is replaced
// by a default one (5 consecutive failures, 10s cooldown).
func New(cfg Config, dispatcher *scheduler.Dispatcher, mgr *group.Manager, handlers *Registry, guard *idempotency.Guard, bus events.Publisher, limiter *DispatchLimiter, breaker *StoreCircuitBreaker) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 250 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = 30 * time.Second
	}
	if cfg.DefaultRetryDelayMs <= 0 {
		cfg.DefaultRetryDelayMs = 1000
	}
	if breaker == nil {
		breaker = NewStoreCircuitBreaker(5, 10*time.Second)
	}
	return &Pool{
		cfg:        cfg,
		dispatcher: dispatcher,
		mgr:        mgr,
		handlers:   handlers,
		guard:      guard,
		bus:        bus,
		limiter:    limiter,
		breaker:    breaker,
		slots:      make(chan struct{}, cfg.Concurrency),
		inFlight:   make(map[string]*inflightTask),
	}
}

// Run drives the slot loop until ctx is cancelled, then performs the
// graceful shutdown sequence (spec §4.5 "Graceful shutdown").
func (p *Pool) Run(ctx context.Context) {
	lastEmpty := false
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case p.slots <- struct{}{}:
		}

		if p.isDraining() {
			<-p.slots
			p.sleep(ctx, p.cfg.PollingInterval)
			continue
		}

		if !p.breaker.Allow() {
			<-p.slots
			p.sleep(ctx, p.cfg.PollingInterval)
			continue
		}
		if lastEmpty && p.limiter != nil && !p.limiter.Allow(p.cfg.Queue) {
			<-p.slots
			continue
		}

		task, err := p.dispatcher.NextClaim(ctx, p.cfg.Queue)
		if err != nil {
			p.breaker.RecordFailure()
			metrics.SchedulerDecisions.WithLabelValues(string(p.dispatcherPolicy()), "error").Inc()
			log.Printf("worker: claim attempt on %s failed: %v", p.cfg.Queue, err)
			<-p.slots
			p.sleep(ctx, p.cfg.PollingInterval)
			continue
		}
		p.breaker.RecordSuccess()

		if task == nil {
			lastEmpty = true
			metrics.SchedulerDecisions.WithLabelValues(string(p.dispatcherPolicy()), "empty").Inc()
			<-p.slots
			p.sleep(ctx, p.cfg.PollingInterval)
			continue
		}
		lastEmpty = false
		metrics.SchedulerDecisions.WithLabelValues(string(p.dispatcherPolicy()), "claimed").Inc()

		p.wg.Add(1)
		go p.execute(task)
	}
}

func (p *Pool) dispatcherPolicy() scheduler.Policy {
	return p.dispatcher.Policy()
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pool) isDraining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// execute runs one claimed task's handler to completion, retry, or
// failure, then releases its slot (spec §4.5 steps 5-9).
func (p *Pool) execute(task *store.Task) {
	defer p.wg.Done()
	defer func() { <-p.slots }()

	execCtx, cancel := context.WithCancel(context.Background())
	entry := &inflightTask{task: task, cancel: cancel}
	p.mu.Lock()
	p.inFlight[task.ID] = entry
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, task.ID)
		p.mu.Unlock()
		cancel()
	}()

	if p.guard != nil {
		if out, done := p.guard.Check(execCtx, task.ID, task.Attempts); done {
			p.finalize(execCtx, entry, out)
			return
		}
	}

	handler, ok := p.handlers.Lookup(task.Method)
	if !ok {
		p.fail(execCtx, entry, ErrNoHandler, false)
		return
	}

	timeout := task.Options.Timeout
	runCtx := execCtx
	var timeoutCancel context.CancelFunc
	if timeout > 0 {
		runCtx, timeoutCancel = context.WithTimeout(execCtx, timeout)
		defer timeoutCancel()
	}

	info := TaskInfo{
		ID:      task.ID,
		Queue:   task.Queue,
		Group:   task.EffectiveGroup(),
		Attempt: task.Attempts,
		Progress: func(data []byte) {
			if p.bus == nil {
				return
			}
			_ = p.bus.Publish(execCtx, events.KindProgressUpdate, events.Event{
				TaskID:    task.ID,
				GroupName: task.EffectiveGroup(),
				Data:      data,
			})
		},
	}

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("worker: handler panic: %v", r)
			}
		}()
		errCh <- handler(runCtx, task.Payload, info)
	}()

	var handlerErr error
	select {
	case handlerErr = <-errCh:
	case <-runCtx.Done():
		if timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			handlerErr = store.NewTimeoutError(runCtx.Err())
			metrics.TaskTimeouts.WithLabelValues(task.Queue, "handler_timeout").Inc()
		} else {
			handlerErr = runCtx.Err()
		}
	}
	metrics.TaskRuntimeSeconds.Observe(time.Since(start).Seconds())

	if handlerErr == nil {
		p.succeed(execCtx, entry)
		return
	}
	p.fail(execCtx, entry, handlerErr, true)
}

// succeed and fail both run under entry.final so a handler racing
// shutdown's forced-timeout requeue (which also fires under the same
// entry.final) can never commit a second, conflicting state transition
// for the same task (spec §4.5 "Graceful shutdown").
func (p *Pool) succeed(ctx context.Context, entry *inflightTask) {
	entry.final.Do(func() {
		task := entry.task
		if err := p.mgr.CompleteTask(ctx, task, store.StateCompleted); err != nil {
			log.Printf("worker: completing task %s failed: %v", task.ID, err)
		}
		if p.guard != nil {
			p.guard.Record(ctx, task.ID, task.Attempts, idempotency.Outcome{Failed: false})
		}
		if p.onSettle != nil {
			p.onSettle(task)
		}
	})
}

// fail applies the spec §4.5 step 8 retry formula. shouldRetry is false
// only for the no-handler case, which is a configuration error the task
// cannot recover from by retrying.
func (p *Pool) fail(ctx context.Context, entry *inflightTask, handlerErr error, shouldRetry bool) {
	entry.final.Do(func() {
		task := entry.task
		task.LastError = handlerErr.Error()

		if shouldRetry && task.Attempts <= task.Options.MaxRetries {
			backoff := p.retryBackoff(task)
			if err := p.mgr.RequeueTask(ctx, task, backoff); err != nil {
				log.Printf("worker: requeuing task %s failed: %v", task.ID, err)
			}
			return
		}

		if err := p.mgr.CompleteTask(ctx, task, store.StateFailed); err != nil {
			log.Printf("worker: failing task %s failed: %v", task.ID, err)
		}
		if p.guard != nil {
			p.guard.Record(ctx, task.ID, task.Attempts, idempotency.Outcome{Failed: true, Error: task.LastError})
		}
		if p.onSettle != nil {
			p.onSettle(task)
		}
	})
}

// retryBackoff computes retryDelayMs×2^(attempts-1), capped at
// MaxRetryBackoff (spec §4.5 step 8).
func (p *Pool) retryBackoff(task *store.Task) time.Duration {
	delayMs := task.Options.RetryDelayMs
	if delayMs <= 0 {
		delayMs = p.cfg.DefaultRetryDelayMs
	}
	shift := task.Attempts - 1
	if shift > 20 {
		shift = 20 // guards against overflow for pathological maxRetries values
	}
	backoff := time.Duration(delayMs) * time.Millisecond * time.Duration(int64(1)<<uint(shift))
	if backoff > p.cfg.MaxRetryBackoff || backoff <= 0 {
		backoff = p.cfg.MaxRetryBackoff
	}
	return backoff
}

// finalize re-applies a previously recorded outcome without re-running
// the handler, for a task the idempotency guard already saw complete.
func (p *Pool) finalize(ctx context.Context, entry *inflightTask, out idempotency.Outcome) {
	entry.final.Do(func() {
		task := entry.task
		if out.Failed {
			task.LastError = out.Error
			if err := p.mgr.CompleteTask(ctx, task, store.StateFailed); err != nil {
				log.Printf("worker: re-finalizing failed task %s: %v", task.ID, err)
			}
			if p.onSettle != nil {
				p.onSettle(task)
			}
			return
		}
		if err := p.mgr.CompleteTask(ctx, task, store.StateCompleted); err != nil {
			log.Printf("worker: re-finalizing completed task %s: %v", task.ID, err)
		}
		if p.onSettle != nil {
			p.onSettle(task)
		}
	})
}

// shutdown stops claiming new tasks and waits up to ShutdownTimeout for
// in-flight handlers to finish; anything still running past the deadline
// is requeued to WAITING rather than left UNKNOWN, preserving at-least-
// once delivery (spec §4.5 "Graceful shutdown").
func (p *Pool) shutdown() {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(p.cfg.ShutdownTimeout):
	}

	p.mu.Lock()
	remaining := make([]*inflightTask, 0, len(p.inFlight))
	for _, t := range p.inFlight {
		remaining = append(remaining, t)
	}
	p.mu.Unlock()

	bg := context.Background()
	for _, t := range remaining {
		// t.final also guards execute's own completion path: whichever of
		// the two reaches here first wins, the other is a no-op. The handler
		// is cancelled only after the requeue has taken t.final, so its
		// cancellation error cannot be recorded as a failure instead.
		t.final.Do(func() {
			if err := p.mgr.RequeueTask(bg, t.task, 0); err != nil {
				log.Printf("worker: requeuing in-flight task %s on shutdown failed: %v", t.task.ID, err)
			}
		})
		t.cancel()
	}
}
