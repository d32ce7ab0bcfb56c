package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation used by unit tests and
// single-process deployments that have no Redis available (spec §4.1 "a
// backing store" is deliberately abstract; this is the degenerate backend).
// It holds the same primitives as RedisStore behind a single mutex, which
// also gives RunOptimistic a trivial, always-consistent implementation:
// the whole transaction body runs with the store locked, so no watched key
// can change underneath it and the store itself never reports ErrConflict
// (an error the body returns, ErrConflict included, is passed through).
type MemoryStore struct {
	mu sync.Mutex

	strings map[string]stringEntry
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	leases  map[string]leaseEntry
	epochs  map[string]int64

	subs map[string][]*memorySubscription
}

type stringEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

// NewMemoryStore returns an empty MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]stringEntry),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		leases:  make(map[string]leaseEntry),
		epochs:  make(map[string]int64),
		subs:    make(map[string][]*memorySubscription),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(e stringEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || s.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) setLocked(key, value string, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	s.strings[key] = stringEntry{value: value, expires: expires}
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok && !s.expired(e) {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.strings, k)
		delete(s.hashes, k)
		delete(s.sets, k)
		delete(s.zsets, k)
	}
	return nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsetLocked(key, field, value)
	return nil
}

func (s *MemoryStore) hsetLocked(key, field, value string) {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saddLocked(key, members...)
	return nil
}

func (s *MemoryStore) saddLocked(key string, members ...string) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
}

func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zaddLocked(key, member, score)
	return nil
}

func (s *MemoryStore) zaddLocked(key, member string, score float64) {
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
}

func (s *MemoryStore) ZRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	return nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zrangeLocked(key, min, max, count), nil
}

func (s *MemoryStore) zrangeLocked(key string, min, max float64, count int64) []ScoredMember {
	z := s.zsets[key]
	out := make([]ScoredMember, 0, len(z))
	for m, score := range z {
		if score >= min && score <= max {
			out = append(out, ScoredMember{Member: m, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	subs := append([]*memorySubscription(nil), s.subs[channel]...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(payload)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		out:     make(chan []byte, 64),
	}
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()
	return sub, nil
}

func (s *MemoryStore) unsubscribe(sub *memorySubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[sub.channel]
	for i, other := range list {
		if other == sub {
			s.subs[sub.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (s *MemoryStore) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

// RunOptimistic serializes the whole transaction body behind the store
// mutex. The watch key names are accepted for interface compatibility but
// are otherwise unused: full serialization makes a conflict impossible.
func (s *MemoryStore) RunOptimistic(ctx context.Context, watch []string, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &memoryTx{store: s})
}

// memoryTx is the Tx handed to a RunOptimistic body. Since the store mutex
// is already held for the duration, reads and the eventual Pipeline commit
// all see a single consistent view.
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) Get(ctx context.Context, key string) (string, bool, error) {
	e, ok := t.store.strings[key]
	if !ok || t.store.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (t *memoryTx) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, ok := t.store.hashes[key][field]
	return v, ok, nil
}

func (t *memoryTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range t.store.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (t *memoryTx) SIsMember(ctx context.Context, key, member string) (bool, error) {
	_, ok := t.store.sets[key][member]
	return ok, nil
}

func (t *memoryTx) SCard(ctx context.Context, key string) (int64, error) {
	return int64(len(t.store.sets[key])), nil
}

func (t *memoryTx) ZCard(ctx context.Context, key string) (int64, error) {
	return int64(len(t.store.zsets[key])), nil
}

func (t *memoryTx) ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]ScoredMember, error) {
	return t.store.zrangeLocked(key, min, max, count), nil
}

func (t *memoryTx) Pipeline(ctx context.Context, mutate func(Pipeline) error) error {
	return mutate(&memoryPipeline{store: t.store})
}

// memoryPipeline applies writes directly since the store mutex is already
// held by the enclosing RunOptimistic call.
type memoryPipeline struct {
	store *MemoryStore
}

func (p *memoryPipeline) Set(key, value string, ttl time.Duration) {
	p.store.setLocked(key, value, ttl)
}

func (p *memoryPipeline) Del(keys ...string) {
	for _, k := range keys {
		delete(p.store.strings, k)
		delete(p.store.hashes, k)
		delete(p.store.sets, k)
		delete(p.store.zsets, k)
	}
}

func (p *memoryPipeline) HSet(key, field, value string) {
	p.store.hsetLocked(key, field, value)
}

func (p *memoryPipeline) HDel(key string, fields ...string) {
	h := p.store.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
}

func (p *memoryPipeline) SAdd(key string, members ...string) {
	p.store.saddLocked(key, members...)
}

func (p *memoryPipeline) SRem(key string, members ...string) {
	set := p.store.sets[key]
	for _, m := range members {
		delete(set, m)
	}
}

func (p *memoryPipeline) ZAdd(key, member string, score float64) {
	p.store.zaddLocked(key, member, score)
}

func (p *memoryPipeline) ZRem(key string, members ...string) {
	z := p.store.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
}

// memorySubscription is the in-process Subscription returned by
// MemoryStore.Subscribe.
type memorySubscription struct {
	store   *MemoryStore
	channel string
	out     chan []byte
	once    sync.Once
}

func (m *memorySubscription) deliver(payload []byte) {
	select {
	case m.out <- payload:
	default:
		// slow subscriber; drop rather than block the publisher
	}
}

func (m *memorySubscription) Channel() <-chan []byte {
	return m.out
}

func (m *memorySubscription) Close() error {
	m.once.Do(func() {
		m.store.unsubscribe(m)
		close(m.out)
	})
	return nil
}
