package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxqueue/groupqueue/registry"
	"github.com/fluxqueue/groupqueue/store"
)

func newHarness(t *testing.T, cap int) (*Manager, *registry.Registry, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(st)
	mgr := New(st, reg, nil, cap)
	return mgr, reg, st
}

func addTask(t *testing.T, mgr *Manager, reg *registry.Registry, id, group string) *store.Task {
	t.Helper()
	task := &store.Task{
		ID:      id,
		Queue:   "q",
		Group:   group,
		Method:  "noop",
		Payload: []byte("p"),
	}
	require.NoError(t, mgr.AddTask(context.Background(), task))
	return task
}

// TestFIFOOrderingWithinGroup covers spec scenario S1: enqueue a, b, c into
// one group with cap=1 and expect them claimed in that order.
func TestFIFOOrderingWithinGroup(t *testing.T) {
	mgr, reg, _ := newHarness(t, 1)
	ctx := context.Background()

	addTask(t, mgr, reg, "a", "g")
	addTask(t, mgr, reg, "b", "g")
	addTask(t, mgr, reg, "c", "g")

	first, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "a", first.ID)

	// cap=1 and "a" is still ACTIVE: nothing else should be claimable yet.
	second, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.Nil(t, second)

	require.NoError(t, mgr.CompleteTask(ctx, first, store.StateCompleted))

	second, err = mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, "b", second.ID)
}

func TestClaimNextRespectsGroupCap(t *testing.T) {
	mgr, reg, _ := newHarness(t, 2)
	ctx := context.Background()

	addTask(t, mgr, reg, "a", "g")
	addTask(t, mgr, reg, "b", "g")
	addTask(t, mgr, reg, "c", "g")

	first, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, "a", first.ID)

	second, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, "b", second.ID)

	// cap reached: "c" stays unclaimed.
	third, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestAddTaskIsIdempotent(t *testing.T) {
	mgr, reg, st := newHarness(t, 1)
	ctx := context.Background()

	task := addTask(t, mgr, reg, "a", "g")
	require.NoError(t, mgr.AddTask(ctx, task))

	members, err := st.SMembers(ctx, store.GroupTasksKey("g"))
	require.NoError(t, err)
	require.Len(t, members, 1)

	order, err := st.ZRangeByScore(ctx, store.GroupOrderKey("g"), store.NegInf, store.PosInf, 0)
	require.NoError(t, err)
	require.Len(t, order, 1)
}

func TestNotBeforeDelaysEligibility(t *testing.T) {
	mgr, reg, _ := newHarness(t, 1)
	ctx := context.Background()

	task := &store.Task{
		ID:      "a",
		Queue:   "q",
		Group:   "g",
		Method:  "noop",
		Payload: []byte("p"),
		Options: store.Options{NotBefore: time.Now().Add(time.Hour)},
	}
	require.NoError(t, mgr.AddTask(ctx, task))
	require.Equal(t, store.StateDelayed, task.State)

	claimed, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.Nil(t, claimed)

	eligible, err := mgr.HeadEligible(ctx, "g")
	require.NoError(t, err)
	require.False(t, eligible)
}

func TestRequeueTaskReturnsToWaitingWithZeroDelay(t *testing.T) {
	mgr, reg, _ := newHarness(t, 1)
	ctx := context.Background()

	addTask(t, mgr, reg, "a", "g")
	task, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, mgr.RequeueTask(ctx, task, 0))
	require.Equal(t, store.StateWaiting, task.State)

	again, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, "a", again.ID)
	require.Equal(t, 2, again.Attempts)
}

func TestCompleteTaskRemovesFromProcessing(t *testing.T) {
	mgr, reg, st := newHarness(t, 1)
	ctx := context.Background()

	addTask(t, mgr, reg, "a", "g")
	task, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)

	require.NoError(t, mgr.CompleteTask(ctx, task, store.StateCompleted))

	processing, err := st.SCard(ctx, store.GroupProcessingKey("g"))
	require.NoError(t, err)
	require.EqualValues(t, 0, processing)

	stats, err := mgr.GetStats(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1, stats.Total)
}

func TestPauseAllSkipsActiveAndTerminal(t *testing.T) {
	mgr, reg, _ := newHarness(t, 2)
	ctx := context.Background()

	addTask(t, mgr, reg, "a", "g")
	addTask(t, mgr, reg, "b", "g")
	active, err := mgr.ClaimNext(ctx, "g") // "a" becomes ACTIVE
	require.NoError(t, err)
	require.Equal(t, "a", active.ID)

	require.NoError(t, mgr.PauseAll(ctx, "g"))

	updatedActive, err := reg.Get(ctx, "a", "")
	require.NoError(t, err)
	require.Equal(t, store.StateActive, updatedActive.State) // untouched

	updatedB, err := reg.Get(ctx, "b", "")
	require.NoError(t, err)
	require.Equal(t, store.StatePaused, updatedB.State)

	require.NoError(t, mgr.ResumeAll(ctx, "g"))
	resumedB, err := reg.Get(ctx, "b", "")
	require.NoError(t, err)
	require.Equal(t, store.StateWaiting, resumedB.State)
}

// TestPauseAllBlocksClaimNextUntilResumed asserts that a paused group's head
// is not claimable even though PauseAll leaves it in the order zset.
func TestPauseAllBlocksClaimNextUntilResumed(t *testing.T) {
	mgr, reg, _ := newHarness(t, 1)
	ctx := context.Background()

	addTask(t, mgr, reg, "a", "g")
	require.NoError(t, mgr.PauseAll(ctx, "g"))

	claimed, err := mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.Nil(t, claimed)

	eligible, err := mgr.HeadEligible(ctx, "g")
	require.NoError(t, err)
	require.False(t, eligible)

	require.NoError(t, mgr.ResumeAll(ctx, "g"))

	claimed, err = mgr.ClaimNext(ctx, "g")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "a", claimed.ID)
}
