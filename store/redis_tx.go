package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTx adapts a *redis.Tx (the handle go-redis gives a Watch callback)
// to the store.Tx interface. Reads issued through it observe the watched
// snapshot; Pipeline queues writes into a single MULTI/EXEC block.
type redisTx struct {
	rtx *redis.Tx
}

func (t *redisTx) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := t.rtx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (t *redisTx) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := t.rtx.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (t *redisTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return t.rtx.HGetAll(ctx, key).Result()
}

func (t *redisTx) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return t.rtx.SIsMember(ctx, key, member).Result()
}

func (t *redisTx) SCard(ctx context.Context, key string) (int64, error) {
	return t.rtx.SCard(ctx, key).Result()
}

func (t *redisTx) ZCard(ctx context.Context, key string) (int64, error) {
	return t.rtx.ZCard(ctx, key).Result()
}

func (t *redisTx) ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]ScoredMember, error) {
	res, err := t.rtx.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   formatScore(min),
		Max:   formatScore(max),
		Count: count,
	}).Result()
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

func (t *redisTx) Pipeline(ctx context.Context, mutate func(Pipeline) error) error {
	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return mutate(&redisPipeline{pipe: pipe})
	})
	return err
}

// redisPipeline adapts a redis.Pipeliner to store.Pipeline.
type redisPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisPipeline) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *redisPipeline) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.pipe.Del(context.Background(), keys...)
}

func (p *redisPipeline) HSet(key, field, value string) {
	p.pipe.HSet(context.Background(), key, field, value)
}

func (p *redisPipeline) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	p.pipe.HDel(context.Background(), key, fields...)
}

func (p *redisPipeline) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SAdd(context.Background(), key, args...)
}

func (p *redisPipeline) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SRem(context.Background(), key, args...)
}

func (p *redisPipeline) ZAdd(key, member string, score float64) {
	p.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
}

func (p *redisPipeline) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.ZRem(context.Background(), key, args...)
}

// redisSubscription adapts a *redis.PubSub to store.Subscription, relaying
// messages onto a plain byte channel so callers never import go-redis.
type redisSubscription struct {
	ps    *redis.PubSub
	out   chan []byte
	close chan struct{}
}

func newRedisSubscription(ps *redis.PubSub) *redisSubscription {
	s := &redisSubscription{
		ps:    ps,
		out:   make(chan []byte, 64),
		close: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-s.close:
				return
			}
		case <-s.close:
			return
		}
	}
}

func (s *redisSubscription) Channel() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	select {
	case <-s.close:
	default:
		close(s.close)
	}
	return s.ps.Close()
}
