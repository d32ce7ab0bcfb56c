package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreZRangeByScoreOrdering(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.ZAdd(ctx, "z", "c", 3))
	require.NoError(t, st.ZAdd(ctx, "z", "a", 1))
	require.NoError(t, st.ZAdd(ctx, "z", "b", 2))

	members, err := st.ZRangeByScore(ctx, "z", NegInf, PosInf, 0)
	require.NoError(t, err)
	require.Len(t, members, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{members[0].Member, members[1].Member, members[2].Member})
}

func TestMemoryStoreRunOptimisticCommitsAtomically(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	err := st.RunOptimistic(ctx, []string{"s"}, func(ctx context.Context, tx Tx) error {
		return tx.Pipeline(ctx, func(p Pipeline) error {
			p.SAdd("s", "x", "y")
			return nil
		})
	})
	require.NoError(t, err)

	card, err := st.SCard(ctx, "s")
	require.NoError(t, err)
	require.EqualValues(t, 2, card)
}

func TestMemoryStoreGetSetRoundTrip(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "k", "v", 0))
	val, ok, err := st.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", val)

	_, ok, err = st.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStorePublishSubscribe(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	sub, err := st.Subscribe(ctx, "chan")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, st.Publish(ctx, "chan", []byte("hello")))

	select {
	case msg := <-sub.Channel():
		require.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryStoreServerTimeAdvances(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	t1, err := st.ServerTime(ctx)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	t2, err := st.ServerTime(ctx)
	require.NoError(t, err)
	require.True(t, t2.After(t1) || t2.Equal(t1))
}
