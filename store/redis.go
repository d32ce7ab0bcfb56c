package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a Redis (or Redis-compatible)
// server using github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies the connection with a ping,
// mirroring the teacher's connect-then-ping construction.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]ScoredMember, error) {
	opt := &redis.ZRangeBy{
		Min:   formatScore(min),
		Max:   formatScore(max),
		Count: count,
	}
	res, err := s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMember, len(res))
	for i, z := range res {
		member, _ := z.Member.(string)
		out[i] = ScoredMember{Member: member, Score: z.Score}
	}
	return out, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return newRedisSubscription(ps), nil
}

func (s *RedisStore) ServerTime(ctx context.Context) (time.Time, error) {
	return s.client.Time(ctx).Result()
}

// RunOptimistic implements the store's optimistic transaction primitive
// using Redis WATCH/MULTI/EXEC (go-redis's client.Watch + TxPipelined),
// the literal mechanism spec §4.1 describes. A TxFailedErr from go-redis
// (a watched key changed before commit) is surfaced as ErrConflict so
// callers never depend on go-redis types directly.
func (s *RedisStore) RunOptimistic(ctx context.Context, watch []string, fn func(ctx context.Context, tx Tx) error) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		return fn(ctx, &redisTx{rtx: rtx})
	}, watch...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

// NegInf and PosInf are sentinel scores callers can pass to ZRangeByScore
// to mean "no lower/upper bound", matching Redis's -inf/+inf range syntax.
const (
	NegInf = -(1 << 62)
	PosInf = 1 << 62
)

func formatScore(f float64) string {
	switch f {
	case NegInf:
		return "-inf"
	case PosInf:
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
