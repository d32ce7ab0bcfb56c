package worker

import (
	"sync"

	"golang.org/x/time/rate"
)

// DispatchLimiter throttles how fast a worker slot re-polls the scheduler
// after an empty claim, keyed per queue. Grounded on the teacher's
// TokenBucketLimiter, trimmed to the one operation the poll loop needs
// (SPEC_FULL.md §5 "Dispatch rate limiting").
type DispatchLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewDispatchLimiter returns a limiter allowing r re-poll attempts per
// second per queue, with burst b.
func NewDispatchLimiter(r float64, b int) *DispatchLimiter {
	if b <= 0 {
		b = 1
	}
	return &DispatchLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether a re-poll of queue is permitted right now.
func (l *DispatchLimiter) Allow(queue string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[queue]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[queue] = lim
	}
	return lim.Allow()
}
