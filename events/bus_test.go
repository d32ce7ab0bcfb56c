package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxqueue/groupqueue/store"
)

func TestBusPublishDeliversToSubscriber(t *testing.T) {
	st := store.NewMemoryStore()
	bus := NewBus(st, "test-node")
	ctx := context.Background()

	received := make(chan Event, 1)
	sub, err := bus.Subscribe(ctx, KindTaskCompleted, func(evt Event) {
		received <- evt
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, KindTaskCompleted, Event{TaskID: "t1", GroupName: "g"}))

	select {
	case evt := <-received:
		require.Equal(t, "t1", evt.TaskID)
		require.Equal(t, "g", evt.GroupName)
		require.Equal(t, KindTaskCompleted, evt.Kind)
		require.Equal(t, "test-node", evt.Source)
		require.NotEmpty(t, evt.ID)
		require.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusSubscribersOnlySeeTheirOwnKind(t *testing.T) {
	st := store.NewMemoryStore()
	bus := NewBus(st, "node")
	ctx := context.Background()

	completed := make(chan Event, 1)
	failed := make(chan Event, 1)
	sub1, err := bus.Subscribe(ctx, KindTaskCompleted, func(evt Event) { completed <- evt })
	require.NoError(t, err)
	defer sub1.Unsubscribe()
	sub2, err := bus.Subscribe(ctx, KindTaskFailed, func(evt Event) { failed <- evt })
	require.NoError(t, err)
	defer sub2.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, KindTaskCompleted, Event{TaskID: "t1"}))

	select {
	case evt := <-completed:
		require.Equal(t, "t1", evt.TaskID)
	case <-time.After(time.Second):
		t.Fatal("completed event not delivered")
	}

	select {
	case <-failed:
		t.Fatal("failed subscriber should not have received a completed event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	st := store.NewMemoryStore()
	bus := NewBus(st, "node")
	ctx := context.Background()

	received := make(chan Event, 4)
	sub, err := bus.Subscribe(ctx, KindStatusChange, func(evt Event) { received <- evt })
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe()) // idempotent

	require.NoError(t, bus.Publish(ctx, KindStatusChange, Event{TaskID: "t1"}))

	select {
	case <-received:
		t.Fatal("unsubscribed handler should not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusCloseUnsubscribesAll(t *testing.T) {
	st := store.NewMemoryStore()
	bus := NewBus(st, "node")
	ctx := context.Background()

	received := make(chan Event, 1)
	_, err := bus.Subscribe(ctx, KindTaskAdded, func(evt Event) { received <- evt })
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Publish(ctx, KindTaskAdded, Event{TaskID: "t1"}))

	select {
	case <-received:
		t.Fatal("closed bus should not deliver further events")
	case <-time.After(50 * time.Millisecond):
	}
}
