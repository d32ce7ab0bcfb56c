package groupqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxqueue/groupqueue/scheduler"
	"github.com/fluxqueue/groupqueue/store"
	"github.com/fluxqueue/groupqueue/worker"
)

func newTestEngine(t *testing.T, concurrency int) *Engine {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := Config{
		Queues: []QueueConfig{
			{Name: "q", Concurrency: concurrency, PollingInterval: 5 * time.Millisecond, ShutdownTimeout: 200 * time.Millisecond},
		},
		DefaultGroupCap:     1,
		IdempotencyGuardTTL: time.Minute,
		TimelineCapacity:    256,
	}
	e, err := NewEngine(st, cfg, nil)
	require.NoError(t, err)
	return e
}

func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	go e.Run(context.Background())
	t.Cleanup(e.Stop)
}

// TestEndToEndGroupFIFO covers spec scenario S1 through the public Engine
// API: three tasks in one group with cap 1 are handled in arrival order.
func TestEndToEndGroupFIFO(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	e.RegisterHandler("noop", func(ctx context.Context, payload []byte, info worker.TaskInfo) error {
		mu.Lock()
		order = append(order, info.ID)
		mu.Unlock()
		return nil
	})

	idA, err := e.Enqueue(ctx, "noop", nil, Options{ID: "a", Queue: "q", Group: "g"})
	require.NoError(t, err)
	idB, err := e.Enqueue(ctx, "noop", nil, Options{ID: "b", Queue: "q", Group: "g"})
	require.NoError(t, err)
	idC, err := e.Enqueue(ctx, "noop", nil, Options{ID: "c", Queue: "q", Group: "g"})
	require.NoError(t, err)

	runEngine(t, e)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{idA, idB, idC}, order)
}

// TestEndToEndRoundRobinAcrossGroups covers spec scenario S2.
func TestEndToEndRoundRobinAcrossGroups(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	e.RegisterHandler("noop", func(ctx context.Context, payload []byte, info worker.TaskInfo) error {
		mu.Lock()
		order = append(order, info.ID)
		mu.Unlock()
		return nil
	})

	_, err := e.Enqueue(ctx, "noop", nil, Options{ID: "x1", Queue: "q", Group: "X"})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, "noop", nil, Options{ID: "x2", Queue: "q", Group: "X"})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, "noop", nil, Options{ID: "y1", Queue: "q", Group: "Y"})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, "noop", nil, Options{ID: "y2", Queue: "q", Group: "Y"})
	require.NoError(t, err)

	runEngine(t, e)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"x1", "y1", "x2", "y2"}, order)
}

// TestEndToEndRetryThenSuccess covers spec scenario S4.
func TestEndToEndRetryThenSuccess(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()

	var failures int32
	e.RegisterHandler("flaky", func(ctx context.Context, payload []byte, info worker.TaskInfo) error {
		if atomic.AddInt32(&failures, 1) <= 2 {
			return errors.New("simulated failure")
		}
		return nil
	})

	id, err := e.Enqueue(ctx, "flaky", nil, Options{Queue: "q", MaxRetries: 3, RetryDelayMs: 10})
	require.NoError(t, err)

	runEngine(t, e)

	require.Eventually(t, func() bool {
		task, err := e.GetTask(ctx, id)
		return err == nil && task.State == store.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	task, err := e.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 3, task.Attempts)
}

// TestEndToEndRetryExhaustion covers spec scenario S5.
func TestEndToEndRetryExhaustion(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()

	e.RegisterHandler("alwaysfails", func(ctx context.Context, payload []byte, info worker.TaskInfo) error {
		return errors.New("boom")
	})

	id, err := e.Enqueue(ctx, "alwaysfails", nil, Options{Queue: "q", MaxRetries: 1, RetryDelayMs: 5})
	require.NoError(t, err)

	runEngine(t, e)

	require.Eventually(t, func() bool {
		task, err := e.GetTask(ctx, id)
		return err == nil && task.State.Terminal()
	}, 3*time.Second, 10*time.Millisecond)

	task, err := e.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, task.State)
	require.Equal(t, "boom", task.LastError)
}

// TestEndToEndConcurrentClaimHasExactlyOneWinner covers spec scenario S6:
// many workers racing to claim a single task must produce exactly one
// handler invocation.
func TestEndToEndConcurrentClaimHasExactlyOneWinner(t *testing.T) {
	e := newTestEngine(t, 50)
	ctx := context.Background()

	var invocations int32
	started := make(chan struct{})
	e.RegisterHandler("once", func(ctx context.Context, payload []byte, info worker.TaskInfo) error {
		atomic.AddInt32(&invocations, 1)
		close(started)
		return nil
	})

	id, err := e.Enqueue(ctx, "once", nil, Options{Queue: "q"})
	require.NoError(t, err)

	runEngine(t, e)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never claimed")
	}

	require.Eventually(t, func() bool {
		task, terr := e.GetTask(ctx, id)
		return terr == nil && task.State == store.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	require.EqualValues(t, 1, atomic.LoadInt32(&invocations))
}

// TestEndToEndGracefulShutdownNeverLeavesUnknown covers spec scenario S7
// driven through the full Engine, not just the worker pool in isolation.
func TestEndToEndGracefulShutdownNeverLeavesUnknown(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	e.RegisterHandler("slow", func(ctx context.Context, payload []byte, info worker.TaskInfo) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	id, err := e.Enqueue(ctx, "slow", nil, Options{Queue: "q"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	<-started
	e.Stop()
	<-done
	close(release)

	task, err := e.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotEqual(t, store.StateUnknown, task.State)
	require.Contains(t, []store.State{store.StateCompleted, store.StateWaiting}, task.State)
}

// TestAdmissionFreezeRejectsEnqueue covers the admission-control supplement.
func TestAdmissionFreezeRejectsEnqueue(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()
	e.RegisterHandler("noop", func(ctx context.Context, payload []byte, info worker.TaskInfo) error { return nil })

	e.SetAdmission(scheduler.AdmissionFreeze)
	_, err := e.Enqueue(ctx, "noop", nil, Options{Queue: "q"})
	require.Error(t, err)

	e.SetAdmission(scheduler.AdmissionNormal)
	_, err = e.Enqueue(ctx, "noop", nil, Options{Queue: "q"})
	require.NoError(t, err)
}

// TestPauseGroupBlocksNewClaimsResumeAllowsThem covers the group manager's
// admin pause/resume surface exposed through the Engine.
func TestPauseGroupBlocksNewClaimsResumeAllowsThem(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()

	var mu sync.Mutex
	var ran []string
	e.RegisterHandler("noop", func(ctx context.Context, payload []byte, info worker.TaskInfo) error {
		mu.Lock()
		ran = append(ran, info.ID)
		mu.Unlock()
		return nil
	})

	id, err := e.Enqueue(ctx, "noop", nil, Options{ID: "a", Queue: "q", Group: "g"})
	require.NoError(t, err)
	require.NoError(t, e.PauseGroup(ctx, "g"))

	runEngine(t, e)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	require.Empty(t, ran)
	mu.Unlock()

	require.NoError(t, e.ResumeGroup(ctx, "g"))

	require.Eventually(t, func() bool {
		task, terr := e.GetTask(ctx, id)
		return terr == nil && task.State == store.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

// TestMaxBacklogRejectsNormalPriorityButAdmitsCritical covers the queue
// self-protection admission check: once a capped queue's outstanding count
// reaches MaxBacklog, further enqueues below PriorityCritical are rejected
// with store.ErrQueueFull, while a critical task still gets in.
func TestMaxBacklogRejectsNormalPriorityButAdmitsCritical(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := Config{
		Queues: []QueueConfig{
			{Name: "q", Concurrency: 1, MaxBacklog: 2},
		},
		DefaultGroupCap:     10,
		IdempotencyGuardTTL: time.Minute,
		TimelineCapacity:    256,
	}
	e, err := NewEngine(st, cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Enqueue(ctx, "noop", nil, Options{Queue: "q"})
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, "noop", nil, Options{Queue: "q"})
	require.NoError(t, err)

	_, err = e.Enqueue(ctx, "noop", nil, Options{Queue: "q"})
	require.Error(t, err)
	require.ErrorIs(t, err, store.ErrQueueFull)

	_, err = e.Enqueue(ctx, "noop", nil, Options{Queue: "q", Priority: PriorityCritical})
	require.NoError(t, err)
}

// TestMaxBacklogDrainsAsTasksSettle covers that a completed task frees its
// backlog slot for a later enqueue.
func TestMaxBacklogDrainsAsTasksSettle(t *testing.T) {
	e := newTestEngineWithBacklog(t, 1)
	ctx := context.Background()

	e.RegisterHandler("noop", func(ctx context.Context, payload []byte, info worker.TaskInfo) error { return nil })

	id, err := e.Enqueue(ctx, "noop", nil, Options{Queue: "q"})
	require.NoError(t, err)

	_, err = e.Enqueue(ctx, "noop", nil, Options{Queue: "q"})
	require.ErrorIs(t, err, store.ErrQueueFull)

	runEngine(t, e)

	require.Eventually(t, func() bool {
		task, terr := e.GetTask(ctx, id)
		return terr == nil && task.State == store.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := e.Enqueue(ctx, "noop", nil, Options{Queue: "q"})
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func newTestEngineWithBacklog(t *testing.T, cap int) *Engine {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := Config{
		Queues: []QueueConfig{
			{Name: "q", Concurrency: 1, PollingInterval: 5 * time.Millisecond, ShutdownTimeout: 200 * time.Millisecond, MaxBacklog: cap},
		},
		DefaultGroupCap:     1,
		IdempotencyGuardTTL: time.Minute,
		TimelineCapacity:    256,
	}
	e, err := NewEngine(st, cfg, nil)
	require.NoError(t, err)
	return e
}
