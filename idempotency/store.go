// Package idempotency guards task completion against being applied twice,
// the mechanism spec §7 relies on for at-least-once delivery with
// idempotent completion instead of exactly-once semantics.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/fluxqueue/groupqueue/metrics"
)

// Outcome is the recorded disposition of a completed task, keyed by task
// id plus attempt number so a retried attempt gets its own guard entry.
type Outcome struct {
	Failed    bool      `json:"failed"`
	Error     string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Backend is the minimal key/value contract a Guard needs; it is
// satisfied directly by store.Store.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Guard records which (taskID, attempt) pairs have already completed, so a
// worker pool that re-delivers a task after a crash or a slow ack can
// detect the duplicate and skip re-invoking the handler (spec §4.5 "at
// most one in-flight completion per task attempt").
type Guard struct {
	backend Backend
	ttl     time.Duration
}

// NewGuard returns a Guard that retains completion records for ttl
// (typically a multiple of the longest expected retry window).
func NewGuard(backend Backend, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{backend: backend, ttl: ttl}
}

func guardKey(taskID string, attempt int) string {
	return "completion_guard:" + taskID + ":" + itoa(attempt)
}

// Check reports whether (taskID, attempt) has already been recorded as
// completed, and its recorded outcome if so.
func (g *Guard) Check(ctx context.Context, taskID string, attempt int) (Outcome, bool) {
	val, ok, err := g.backend.Get(ctx, guardKey(taskID, attempt))
	if err != nil {
		log.Printf("idempotency: guard lookup for %s attempt %d failed: %v", taskID, attempt, err)
		metrics.IdempotencyGuardHits.WithLabelValues("lookup_error").Inc()
		return Outcome{}, false
	}
	if !ok {
		metrics.IdempotencyGuardHits.WithLabelValues("first").Inc()
		return Outcome{}, false
	}
	var out Outcome
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		metrics.IdempotencyGuardHits.WithLabelValues("corrupt").Inc()
		return Outcome{}, false
	}
	metrics.IdempotencyGuardHits.WithLabelValues("duplicate").Inc()
	return out, true
}

// Record marks (taskID, attempt) as completed with the given outcome.
func (g *Guard) Record(ctx context.Context, taskID string, attempt int, out Outcome) {
	out.FinishedAt = time.Now()
	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("idempotency: marshal outcome for %s attempt %d failed: %v", taskID, attempt, err)
		return
	}
	if err := g.backend.Set(ctx, guardKey(taskID, attempt), string(data), g.ttl); err != nil {
		log.Printf("idempotency: recording outcome for %s attempt %d failed: %v", taskID, attempt, err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
