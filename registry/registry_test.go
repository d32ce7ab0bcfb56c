package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxqueue/groupqueue/store"
)

func newTestTask(id string) *store.Task {
	return &store.Task{
		ID:      id,
		Queue:   "default",
		Method:  "noop",
		Payload: []byte("payload"),
		State:   store.StateWaiting,
	}
}

func TestPutInsertRejectsDuplicate(t *testing.T) {
	reg := New(store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, newTestTask("a"), PutInsert))
	err := reg.Put(ctx, newTestTask("a"), PutInsert)
	require.ErrorIs(t, err, store.ErrDuplicateTaskID)
}

func TestPutReplaceOverwrites(t *testing.T) {
	reg := New(store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, newTestTask("a"), PutInsert))

	updated := newTestTask("a")
	updated.State = store.StateActive
	require.NoError(t, reg.Put(ctx, updated, PutReplace))

	got, err := reg.Get(ctx, "a", "")
	require.NoError(t, err)
	require.Equal(t, store.StateActive, got.State)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	reg := New(store.NewMemoryStore())
	_, err := reg.Get(context.Background(), "missing", "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListFiltersByQueueAndPredicate(t *testing.T) {
	reg := New(store.NewMemoryStore())
	ctx := context.Background()

	a := newTestTask("a")
	a.Queue = "q1"
	b := newTestTask("b")
	b.Queue = "q2"
	c := newTestTask("c")
	c.Queue = "q1"
	c.State = store.StateCompleted

	require.NoError(t, reg.Put(ctx, a, PutInsert))
	require.NoError(t, reg.Put(ctx, b, PutInsert))
	require.NoError(t, reg.Put(ctx, c, PutInsert))

	q1Tasks, err := reg.List(ctx, "q1", nil)
	require.NoError(t, err)
	require.Len(t, q1Tasks, 2)

	notTerminal, err := reg.List(ctx, "q1", func(task *store.Task) bool {
		return !task.State.Terminal()
	})
	require.NoError(t, err)
	require.Len(t, notTerminal, 1)
	require.Equal(t, "a", notTerminal[0].ID)
}
