package groupqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxqueue/groupqueue/coordination"
	"github.com/fluxqueue/groupqueue/events"
	"github.com/fluxqueue/groupqueue/group"
	"github.com/fluxqueue/groupqueue/idempotency"
	"github.com/fluxqueue/groupqueue/registry"
	"github.com/fluxqueue/groupqueue/scheduler"
	"github.com/fluxqueue/groupqueue/store"
	"github.com/fluxqueue/groupqueue/timeline"
	"github.com/fluxqueue/groupqueue/worker"
)

// Engine wires the five core components and the event bus into one
// runnable system (spec §2 data flow: producer -> Registry -> Group
// Manager -> Scheduler -> Worker Pool -> Registry + Group Manager -> Event
// Bus). One Engine owns one backing Store and runs one Pool per
// configured queue.
type Engine struct {
	st    store.Store
	reg   *registry.Registry
	mgr   *group.Manager
	bus   events.Publisher
	tl    *timeline.Store
	hdlr  *worker.Registry
	lease *coordination.LeaderElector

	rebalanceEvery time.Duration

	pools map[string]*worker.Pool
	disp  map[string]*scheduler.Dispatcher

	// backlog and maxBacklog back the queue-level admission check (spec
	// §7 error taxonomy "ErrQueueFull", grounded on the source project's
	// "Self-Protection" queue-length guard). backlog counts tasks added
	// via Enqueue but not yet COMPLETED/FAILED; maxBacklog holds each
	// queue's configured cap, omitted entirely when QueueConfig.MaxBacklog
	// is zero so the hot path skips the check altogether.
	backlog    map[string]*int64
	maxBacklog map[string]int

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	admission scheduler.AdmissionMode
}

// NewEngine builds an Engine over st, with one worker pool per entry in
// cfg.Queues, each running its own Dispatcher under the given policy.
// policyFor lets callers give different queues different policies; pass
// nil to use scheduler.DefaultConfig().Policy for every queue.
func NewEngine(st store.Store, cfg Config, policyFor func(queue string) scheduler.Policy) (*Engine, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("groupqueue: %w: at least one queue must be configured", store.ErrFatalConfig)
	}

	source := cfg.EventSource
	if source == "" {
		source = "groupqueue"
	}
	bus := events.NewBus(st, source)
	reg := registry.New(st)
	mgr := group.New(st, reg, bus, cfg.DefaultGroupCap)

	for _, g := range cfg.Groups {
		if g.ConcurrencyCap > 0 {
			mgr.SetGroupCap(g.Name, g.ConcurrencyCap)
		}
	}

	guard := idempotency.NewGuard(st, cfg.IdempotencyGuardTTL)
	tl := timeline.NewStore(cfg.TimelineCapacity)
	hdlr := worker.NewRegistry()

	e := &Engine{
		st:    st,
		reg:   reg,
		mgr:   mgr,
		bus:   bus,
		tl:    tl,
		hdlr:  hdlr,
		pools:      make(map[string]*worker.Pool),
		disp:       make(map[string]*scheduler.Dispatcher),
		backlog:    make(map[string]*int64),
		maxBacklog: make(map[string]int),
	}

	if cfg.Lease.Enabled {
		nodeID := cfg.Lease.NodeID
		if nodeID == "" {
			nodeID = newNodeID()
		}
		ttl := cfg.Lease.TTL
		if ttl <= 0 {
			ttl = 10 * time.Second
		}
		coord, ok := st.(store.Coordinator)
		if !ok {
			return nil, fmt.Errorf("groupqueue: %w: configured store does not implement store.Coordinator, required for a dispatcher lease", store.ErrFatalConfig)
		}
		e.lease = coordination.NewLeaderElector(coord, nodeID, "groupqueue:dispatcher_lease", ttl)
	}

	for _, qc := range cfg.Queues {
		schedCfg := scheduler.DefaultConfig()
		if policyFor != nil {
			schedCfg.Policy = policyFor(qc.Name)
		}
		schedCfg.DefaultGroupWeight = cfg.DefaultGroupWeight
		if e.rebalanceEvery == 0 || schedCfg.RebalanceEvery < e.rebalanceEvery {
			e.rebalanceEvery = schedCfg.RebalanceEvery
		}

		disp := scheduler.New(mgr, reg, schedCfg)
		for _, g := range cfg.Groups {
			if g.PriorityWeight > 0 {
				disp.SetGroupWeight(g.Name, g.PriorityWeight)
			}
		}
		if e.lease != nil {
			disp.SetLease(e.lease)
		}

		poolCfg := worker.DefaultConfig(qc.Name, qc.Concurrency)
		if qc.PollingInterval > 0 {
			poolCfg.PollingInterval = qc.PollingInterval
		}
		if qc.ShutdownTimeout > 0 {
			poolCfg.ShutdownTimeout = qc.ShutdownTimeout
		}
		if qc.MaxRetryBackoff > 0 {
			poolCfg.MaxRetryBackoff = qc.MaxRetryBackoff
		}
		if qc.DefaultRetryDelayMs > 0 {
			poolCfg.DefaultRetryDelayMs = qc.DefaultRetryDelayMs
		}

		limiter := worker.NewDispatchLimiter(20, 5)
		breaker := worker.NewStoreCircuitBreaker(5, 10*time.Second)
		pool := worker.New(poolCfg, disp, mgr, hdlr, guard, bus, limiter, breaker)

		if qc.MaxBacklog > 0 {
			var counter int64
			e.backlog[qc.Name] = &counter
			e.maxBacklog[qc.Name] = qc.MaxBacklog
			queue := qc.Name
			pool.SetOnSettle(func(task *store.Task) {
				atomic.AddInt64(e.backlog[queue], -1)
			})
		}

		e.disp[qc.Name] = disp
		e.pools[qc.Name] = pool
	}

	return e, nil
}

// SetAdmission sets the Engine-wide admission mode (SPEC_FULL.md §5
// "Admission control", generalizing spec §4.5's graceful shutdown to the
// producer side). AdmissionDrain and AdmissionFreeze both reject new
// Enqueue calls; AdmissionDrain exists as a distinct mode so callers can
// tell a deliberate drain-before-deploy apart from an outage-driven freeze
// in logs and metrics.
func (e *Engine) SetAdmission(mode scheduler.AdmissionMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.admission = mode
}

// Admission returns the Engine's current admission mode.
func (e *Engine) Admission() scheduler.AdmissionMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.admission
}

// RegisterHandler associates method with h across every queue this Engine
// runs (spec §6 "Handler registry: method name -> callable").
func (e *Engine) RegisterHandler(method string, h worker.Handler) {
	e.hdlr.Register(method, func(ctx context.Context, payload []byte, info worker.TaskInfo) error {
		e.tl.Record(timeline.Event{TaskID: info.ID, Stage: timeline.StageExecuting, Group: info.Group})
		err := h(ctx, payload, info)
		if err != nil {
			e.tl.Record(timeline.Event{TaskID: info.ID, Stage: timeline.StageFailed, Group: info.Group})
		} else {
			e.tl.Record(timeline.Event{TaskID: info.ID, Stage: timeline.StageCompleted, Group: info.Group})
		}
		return err
	})
}

// Enqueue submits one task and returns its id (spec §6 "enqueue(name,
// payload, options)"). name is the method: the handler this task invokes,
// looked up in the registry RegisterHandler populates. options.Queue
// selects which running worker pool may ever claim it; options.Group
// places it under group-aware scheduling, or the synthetic per-queue
// group if left empty.
func (e *Engine) Enqueue(ctx context.Context, name string, payload []byte, opts Options) (string, error) {
	if opts.Queue == "" {
		return "", fmt.Errorf("groupqueue: enqueue %s: %w: options.Queue is required", name, store.ErrFatalConfig)
	}
	if e.Admission() != scheduler.AdmissionNormal {
		return "", fmt.Errorf("groupqueue: enqueue %s: rejected: admission is %s", name, e.Admission())
	}
	disp, ok := e.disp[opts.Queue]
	if !ok {
		return "", fmt.Errorf("groupqueue: enqueue %s: %w: queue %q is not configured on this engine", name, store.ErrFatalConfig, opts.Queue)
	}

	// Self-protection: a queue with MaxBacklog configured rejects anything
	// below PriorityCritical once its outstanding count reaches the cap,
	// leaving headroom for the producers that can least afford backpressure.
	if max, capped := e.maxBacklog[opts.Queue]; capped && opts.Priority < PriorityCritical {
		if atomic.LoadInt64(e.backlog[opts.Queue]) >= int64(max) {
			return "", fmt.Errorf("groupqueue: enqueue %s: %w: queue %q has %d outstanding tasks", name, store.ErrQueueFull, opts.Queue, max)
		}
	}

	id := opts.ID
	if id == "" {
		id = newTaskID()
	}
	if _, err := e.reg.Get(ctx, id, ""); err == nil {
		return "", fmt.Errorf("groupqueue: enqueue %s: %w: %s", name, store.ErrDuplicateTaskID, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	now := time.Now()
	task := &store.Task{
		ID:        id,
		Queue:     opts.Queue,
		Group:     opts.Group,
		Payload:   payload,
		Method:    name,
		Options:   opts.toStoreOptions(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.mgr.AddTask(ctx, task); err != nil {
		return "", err
	}
	if ctr, capped := e.backlog[opts.Queue]; capped {
		atomic.AddInt64(ctr, 1)
	}
	disp.Track(opts.Queue, task.EffectiveGroup())
	e.tl.Record(timeline.Event{TaskID: id, Stage: timeline.StageSubmitted, Group: task.EffectiveGroup()})
	e.tl.Record(timeline.Event{TaskID: id, Stage: timeline.StageEnqueued, Group: task.EffectiveGroup()})
	return id, nil
}

// EnqueueItem is one element of an EnqueueBatch call.
type EnqueueItem struct {
	Method  string
	Payload []byte
	Options Options
}

// EnqueueBatch submits every item and returns their ids in order (spec §6
// "enqueueBatch(list)"). It is not atomic across items: a failure partway
// through leaves earlier items submitted: callers that need all-or-nothing
// semantics must accept that this core, like the store it runs on, only
// promises per-task atomicity (spec §1 non-goals).
func (e *Engine) EnqueueBatch(ctx context.Context, items []EnqueueItem) ([]string, error) {
	ids := make([]string, 0, len(items))
	for i, item := range items {
		id, err := e.Enqueue(ctx, item.Method, item.Payload, item.Options)
		if err != nil {
			return ids, fmt.Errorf("groupqueue: enqueueBatch: item %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Subscribe registers handler for every event of the given kind (spec §6
// "Observer API").
func (e *Engine) Subscribe(ctx context.Context, kind events.Kind, handler func(events.Event)) (events.Subscription, error) {
	sub, ok := e.bus.(events.Subscriber)
	if !ok {
		return nil, fmt.Errorf("groupqueue: configured event publisher does not support subscription")
	}
	return sub.Subscribe(ctx, kind, handler)
}

// PauseGroup and ResumeGroup expose the Group Manager's bulk admin
// operations (spec §4.3 "pauseAll/resumeAll").
func (e *Engine) PauseGroup(ctx context.Context, group string) error  { return e.mgr.PauseAll(ctx, group) }
func (e *Engine) ResumeGroup(ctx context.Context, group string) error { return e.mgr.ResumeAll(ctx, group) }

// GroupStats returns group's cached aggregate counters (spec §4.3 "getStats").
func (e *Engine) GroupStats(ctx context.Context, group string) (store.GroupStats, error) {
	return e.mgr.GetStats(ctx, group)
}

// GetTask returns a task's current record from the Registry.
func (e *Engine) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return e.reg.Get(ctx, id, "")
}

// Timeline returns the Engine's bounded in-memory lifecycle trail, mainly
// useful for tests and debugging (spec §4.8 supplemental feature).
func (e *Engine) Timeline() *timeline.Store {
	return e.tl
}

// Store returns the backing store.Store, for callers and tests that need
// direct access (e.g. asserting on a MemoryStore's contents).
func (e *Engine) Store() store.Store {
	return e.st
}

// Run starts every configured worker pool and, if a dispatcher lease is
// configured, the leader-election loop, blocking until ctx is cancelled,
// at which point every pool drains gracefully (spec §4.5 "Graceful
// shutdown").
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("groupqueue: engine is already running")
	}
	e.running = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	for _, disp := range e.disp {
		if err := disp.Discover(runCtx); err != nil {
			log.Printf("groupqueue: dispatcher discovery failed, starting with an empty group/queue map: %v", err)
		}
	}

	if e.lease != nil {
		e.lease.Start(runCtx)
	}

	if e.rebalanceEvery > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.rediscoverLoop(runCtx)
		}()
	}

	for queue, pool := range e.pools {
		e.wg.Add(1)
		go func(queue string, pool *worker.Pool) {
			defer e.wg.Done()
			pool.Run(runCtx)
		}(queue, pool)
	}

	<-runCtx.Done()
	e.wg.Wait()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return nil
}

// Stop cancels the Engine's run context, triggering graceful shutdown of
// every worker pool. It returns immediately; callers that need to know
// when shutdown has finished should block on Run returning instead.
func (e *Engine) Stop() {
	e.mu.RLock()
	cancel := e.cancel
	lease := e.lease
	e.mu.RUnlock()
	if lease != nil {
		lease.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// rediscoverLoop periodically rebuilds every Dispatcher's group/queue map
// from the Registry, catching groups added by tasks enqueued on another
// process's Engine instance, which never called this process's Track. Its
// period is the smallest scheduler.Config.RebalanceEvery among the queues.
func (e *Engine) rediscoverLoop(ctx context.Context) {
	t := time.NewTicker(e.rebalanceEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, disp := range e.disp {
				if err := disp.Discover(ctx); err != nil {
					log.Printf("groupqueue: periodic dispatcher discovery failed: %v", err)
				}
			}
		}
	}
}

func newTaskID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func newNodeID() string {
	var buf [6]byte
	_, _ = rand.Read(buf[:])
	return "node-" + hex.EncodeToString(buf[:])
}
