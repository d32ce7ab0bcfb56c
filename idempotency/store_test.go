package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxqueue/groupqueue/store"
)

func TestCheckMissReturnsFalse(t *testing.T) {
	guard := NewGuard(store.NewMemoryStore(), time.Minute)
	_, done := guard.Check(context.Background(), "t1", 1)
	require.False(t, done)
}

func TestRecordThenCheckReturnsRecordedOutcome(t *testing.T) {
	guard := NewGuard(store.NewMemoryStore(), time.Minute)
	ctx := context.Background()

	guard.Record(ctx, "t1", 1, Outcome{Failed: false})

	out, done := guard.Check(ctx, "t1", 1)
	require.True(t, done)
	require.False(t, out.Failed)
	require.False(t, out.FinishedAt.IsZero())
}

func TestRecordPreservesFailureDetail(t *testing.T) {
	guard := NewGuard(store.NewMemoryStore(), time.Minute)
	ctx := context.Background()

	guard.Record(ctx, "t1", 2, Outcome{Failed: true, Error: "boom"})

	out, done := guard.Check(ctx, "t1", 2)
	require.True(t, done)
	require.True(t, out.Failed)
	require.Equal(t, "boom", out.Error)
}

func TestDistinctAttemptsHaveIndependentGuardEntries(t *testing.T) {
	guard := NewGuard(store.NewMemoryStore(), time.Minute)
	ctx := context.Background()

	guard.Record(ctx, "t1", 1, Outcome{Failed: true, Error: "first try"})

	_, done := guard.Check(ctx, "t1", 2)
	require.False(t, done, "a different attempt number must not see the previous attempt's guard entry")
}

func TestNewGuardDefaultsZeroTTL(t *testing.T) {
	guard := NewGuard(store.NewMemoryStore(), 0)
	require.Equal(t, 24*time.Hour, guard.ttl)
}
