package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxqueue/groupqueue/group"
	"github.com/fluxqueue/groupqueue/registry"
	"github.com/fluxqueue/groupqueue/store"
)

func newDispatcherHarness(t *testing.T, policy Policy) (*Dispatcher, *group.Manager, *registry.Registry) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(st)
	mgr := group.New(st, reg, nil, 1)
	cfg := DefaultConfig()
	cfg.Policy = policy
	disp := New(mgr, reg, cfg)
	return disp, mgr, reg
}

func addAndTrack(t *testing.T, disp *Dispatcher, mgr *group.Manager, id, queue, grp string) {
	t.Helper()
	task := &store.Task{ID: id, Queue: queue, Group: grp, Method: "noop", Payload: []byte("p")}
	require.NoError(t, mgr.AddTask(context.Background(), task))
	disp.Track(queue, grp)
}

// TestRoundRobinInterleaving covers spec scenario S2: groups X, Y,
// enqueue x1, x2, y1, y2, expect claim order x1, y1, x2, y2.
func TestRoundRobinInterleaving(t *testing.T) {
	disp, mgr, _ := newDispatcherHarness(t, RoundRobin)
	ctx := context.Background()

	addAndTrack(t, disp, mgr, "x1", "q", "X")
	addAndTrack(t, disp, mgr, "x2", "q", "X")
	addAndTrack(t, disp, mgr, "y1", "q", "Y")
	addAndTrack(t, disp, mgr, "y2", "q", "Y")

	var got []string
	for i := 0; i < 4; i++ {
		task, err := disp.NextClaim(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, task)
		got = append(got, task.ID)
		require.NoError(t, mgr.CompleteTask(ctx, task, store.StateCompleted))
	}

	require.Equal(t, []string{"x1", "y1", "x2", "y2"}, got)
}

func TestFIFOAcrossGroupsPicksEarliestArrival(t *testing.T) {
	disp, mgr, _ := newDispatcherHarness(t, FIFO)
	ctx := context.Background()

	addAndTrack(t, disp, mgr, "y1", "q", "Y")
	addAndTrack(t, disp, mgr, "x1", "q", "X")

	task, err := disp.NextClaim(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "y1", task.ID) // enqueued first, across groups
}

// TestPriorityWeighting covers spec scenario S3: vip weight 10, reg weight
// 1, ten tasks each; over the first 11 completions vip produces 10.
func TestPriorityWeighting(t *testing.T) {
	disp, mgr, _ := newDispatcherHarness(t, Priority)
	disp.SetGroupWeight("vip", 10)
	disp.SetGroupWeight("reg", 1)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		addAndTrack(t, disp, mgr, "vip-"+itoa(i), "q", "vip")
		addAndTrack(t, disp, mgr, "reg-"+itoa(i), "q", "reg")
	}

	counts := map[string]int{}
	for i := 0; i < 11; i++ {
		task, err := disp.NextClaim(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, task)
		counts[task.Group]++
		require.NoError(t, mgr.CompleteTask(ctx, task, store.StateCompleted))
	}

	require.Equal(t, 10, counts["vip"])
	require.Equal(t, 1, counts["reg"])
}

func TestNextClaimReturnsNilWhenNothingEligible(t *testing.T) {
	disp, _, _ := newDispatcherHarness(t, RoundRobin)
	task, err := disp.NextClaim(context.Background(), "empty-queue")
	require.NoError(t, err)
	require.Nil(t, task)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
