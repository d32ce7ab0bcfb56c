package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// The Coordinator methods below back the dispatcher lease used by the
// scheduler to elect a single rrCursor/priority-credit owner across
// processes (spec §4.4 supplemental feature), grounded on the teacher's
// lock/lease primitives.

// AcquireLease attempts SET key value NX EX ttl.
func (s *RedisStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// RenewLease extends the TTL if the lease is still held by value, via a
// Lua script so the check-and-expire is atomic.
func (s *RedisStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	script := `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	res, err := s.client.Eval(ctx, script, []string{key}, value, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("store: unexpected lua return type")
	}
	return val == 1, nil
}

// ReleaseLease releases the lease if held by value.
func (s *RedisStore) ReleaseLease(ctx context.Context, key string, value string) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := s.client.Eval(ctx, script, []string{key}, value).Result()
	return err
}

// IsLeaseOwner checks whether value matches the current holder of key, or
// false if the lease is free.
func (s *RedisStore) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	owner, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == value, nil
}

// IncrementEpoch bumps the fencing epoch for key, stored under a sibling
// ":epoch" key.
func (s *RedisStore) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key+":epoch").Result()
}

var _ Coordinator = (*RedisStore)(nil)
