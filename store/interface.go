package store

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned when an optimistic transaction aborts because a
// watched key changed between the watch and the commit (spec §4.1, §7).
var ErrConflict = errors.New("store: optimistic transaction conflict")

// ErrNotFound is returned by single-key reads that find nothing.
var ErrNotFound = errors.New("store: not found")

// ScoredMember is one element of a sorted-set range read.
type ScoredMember struct {
	Member string
	Score  float64
}

// Pipeline queues write commands to be committed atomically by the store
// that produced it. Queued commands have no visible effect until the
// enclosing RunOptimistic call returns without error.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key, member string, score float64)
	ZRem(key string, members ...string)
}

// Tx is the read/write handle passed to an optimistic transaction body. Its
// reads observe a consistent snapshot for the lifetime of the transaction;
// its single Pipeline call queues and atomically commits writes.
type Tx interface {
	Get(ctx context.Context, key string) (string, bool, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]ScoredMember, error)

	// Pipeline queues a batch of writes and commits them atomically. It must
	// be called at most once per transaction body.
	Pipeline(ctx context.Context, mutate func(Pipeline) error) error
}

// Subscription represents an active subscription to a pub/sub channel.
type Subscription interface {
	// Channel delivers raw message payloads as they arrive. It is closed
	// when the subscription is closed or the underlying connection fails.
	Channel() <-chan []byte
	Close() error
}

// Store is the thin abstraction over the shared key/value/set/sorted-set/
// pub-sub backing data store (spec §4.1). Every primitive the Group
// Manager and Task Registry need is expressed here so that neither package
// depends on a concrete backend.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	// Hashes
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Unordered sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted sets
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]ScoredMember, error)

	// Pub/Sub
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// ServerTime returns the backing store's own clock, used as the
	// authoritative arrival-order score (spec §4.3 "arrival order").
	ServerTime(ctx context.Context) (time.Time, error)

	// RunOptimistic performs a watch+multi+exec sequence against watch
	// keys. If any watched key changes before the pipeline commits, it
	// returns ErrConflict and the caller is expected to retry per the
	// backoff policy in spec §4.3/§7.
	RunOptimistic(ctx context.Context, watch []string, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}
