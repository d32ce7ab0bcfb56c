// Package group implements the Group Manager (spec §4.3): per-group
// membership, arrival order, processing set, per-task state, and cached
// stats, plus the atomic claim/complete/requeue primitives the scheduler
// and worker pool build on.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/fluxqueue/groupqueue/events"
	"github.com/fluxqueue/groupqueue/metrics"
	"github.com/fluxqueue/groupqueue/registry"
	"github.com/fluxqueue/groupqueue/store"
)

// DefaultConcurrencyCap is the group concurrency cap used when a group has
// no explicit override (spec §3 "default 1").
const DefaultConcurrencyCap = 1

const (
	claimMaxAttempts = 3
	claimBaseBackoff = 100 * time.Millisecond
)

// Manager owns the per-group indices in the backing store and exposes the
// atomic operations the scheduler and worker pool call.
type Manager struct {
	st  store.Store
	reg *registry.Registry
	bus events.Publisher

	caps       map[string]int
	defaultCap int

	seq uint64 // local monotonic counter, breaks arrival-score ties
}

// New returns a Manager. bus may be nil, in which case lifecycle events
// are simply not published.
func New(st store.Store, reg *registry.Registry, bus events.Publisher, defaultCap int) *Manager {
	if defaultCap <= 0 {
		defaultCap = DefaultConcurrencyCap
	}
	return &Manager{
		st:         st,
		reg:        reg,
		bus:        bus,
		caps:       make(map[string]int),
		defaultCap: defaultCap,
	}
}

// SetGroupCap overrides the concurrency cap for a specific group.
func (m *Manager) SetGroupCap(group string, groupCap int) {
	if groupCap <= 0 {
		groupCap = DefaultConcurrencyCap
	}
	m.caps[group] = groupCap
}

func (m *Manager) capFor(group string) int {
	if c, ok := m.caps[group]; ok {
		return c
	}
	return m.defaultCap
}

func (m *Manager) nextScore(ctx context.Context, notBefore time.Time) (float64, error) {
	now, err := m.st.ServerTime(ctx)
	if err != nil {
		return 0, fmt.Errorf("group: reading server time: %w", err)
	}
	if notBefore.After(now) {
		now = notBefore
	}
	seq := atomic.AddUint64(&m.seq, 1)
	return float64(now.UnixMilli()) + float64(seq%1000)/1000, nil
}

func (m *Manager) publish(ctx context.Context, kind events.Kind, evt events.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, kind, evt); err != nil {
		log.Printf("group: publishing %s for task %s failed: %v", kind, evt.TaskID, err)
	}
}

func taskEvent(taskID, group string, state store.State) events.Event {
	return events.Event{TaskID: taskID, GroupName: group, State: string(state)}
}

// AddTask adds a task to its group's membership and arrival order (spec
// §4.3 "addTask"). It is idempotent: adding the same id twice leaves
// membership and order exactly as after the first add.
func (m *Manager) AddTask(ctx context.Context, task *store.Task) error {
	group := task.EffectiveGroup()

	score, err := m.nextScore(ctx, task.Options.NotBefore)
	if err != nil {
		return err
	}

	state := store.StateWaiting
	if task.Options.NotBefore.After(time.Now()) {
		state = store.StateDelayed
	}

	// Marshaled once up front rather than inside the transaction closure,
	// which RunOptimistic may invoke more than once on a WATCH conflict.
	optsJSON, err := json.Marshal(task.Options)
	if err != nil {
		return fmt.Errorf("group: marshaling options for task %s: %w", task.ID, err)
	}

	err = m.st.RunOptimistic(ctx, []string{store.GroupTasksKey(group)}, func(ctx context.Context, tx store.Tx) error {
		already, err := tx.SIsMember(ctx, store.GroupTasksKey(group), task.ID)
		if err != nil {
			return err
		}
		return tx.Pipeline(ctx, func(p store.Pipeline) error {
			if !already {
				p.SAdd(store.GroupTasksKey(group), task.ID)
				p.ZAdd(store.GroupOrderKey(group), task.ID, score)
				// Mirrored into their own per-field hashes so a second,
				// cross-language reader of this keyspace can reconstruct a
				// task's options/payload/method without decoding the
				// registry's task:{id} JSON blob (spec §6 keyspace).
				p.HSet(store.GroupOptionsKey(group), task.ID, string(optsJSON))
				p.HSet(store.GroupDataKey(group), task.ID, string(task.Payload))
				p.HSet(store.GroupMethodKey(group), task.ID, task.Method)
			}
			p.HSet(store.GroupStateKey(group), task.ID, string(state))
			p.SAdd(store.KnownGroupsKey(), group)
			return nil
		})
	})
	if err != nil {
		metrics.OptimisticConflicts.WithLabelValues("add_task").Inc()
		return fmt.Errorf("group: adding task %s to %s: %w", task.ID, group, err)
	}

	task.State = state
	if err := m.reg.Put(ctx, task, registry.PutReplace); err != nil {
		return err
	}
	m.invalidateStats(ctx, group)

	m.publish(ctx, events.KindTaskAdded, taskEvent(task.ID, group, state))
	m.publish(ctx, events.KindGroupChange, taskEvent(task.ID, group, state))
	m.publish(ctx, events.KindStatusChange, taskEvent(task.ID, group, state))
	return nil
}

// ClaimNext hands out the head of group's arrival order to exactly one
// caller (spec §4.3 "claimNext", the critical atomic primitive). It
// returns (nil, nil) when no task is eligible.
func (m *Manager) ClaimNext(ctx context.Context, group string) (*store.Task, error) {
	groupCap := m.capFor(group)
	backoff := claimBaseBackoff

	for attempt := 0; attempt < claimMaxAttempts; attempt++ {
		head, dueAt, err := m.peekDue(ctx, group)
		if err != nil {
			return nil, err
		}
		if head == "" {
			return nil, nil
		}
		now, err := m.st.ServerTime(ctx)
		if err != nil {
			return nil, fmt.Errorf("group: reading server time: %w", err)
		}
		if now.Before(dueAt) {
			return nil, nil // head not yet due; caller moves to the next group
		}
		if paused, err := m.headPaused(ctx, group, head); err != nil {
			return nil, err
		} else if paused {
			return nil, nil // group paused: PauseAll marks every non-active task PAUSED without disturbing order
		}

		claimed := false
		err = m.st.RunOptimistic(ctx, []string{store.GroupOrderKey(group), store.GroupProcessingKey(group)}, func(ctx context.Context, tx store.Tx) error {
			processing, err := tx.SCard(ctx, store.GroupProcessingKey(group))
			if err != nil {
				return err
			}
			if processing >= int64(groupCap) {
				return nil // cap reached; not a conflict, just ineligible
			}
			members, err := tx.ZRangeByScore(ctx, store.GroupOrderKey(group), store.NegInf, store.PosInf, 1)
			if err != nil {
				return err
			}
			if len(members) == 0 || members[0].Member != head {
				return store.ErrConflict // order changed under us; force a retry
			}
			return tx.Pipeline(ctx, func(p store.Pipeline) error {
				p.ZRem(store.GroupOrderKey(group), head)
				p.SAdd(store.GroupProcessingKey(group), head)
				p.HSet(store.GroupStateKey(group), head, string(store.StateActive))
				claimed = true
				return nil
			})
		})

		if errors.Is(err, store.ErrConflict) {
			metrics.OptimisticConflicts.WithLabelValues("claim_next").Inc()
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("group: claiming from %s: %w", group, err)
		}
		if !claimed {
			return nil, nil
		}

		task, err := m.reg.Get(ctx, head, "")
		if err != nil {
			return nil, fmt.Errorf("group: loading claimed task %s: %w", head, err)
		}
		task.State = store.StateActive
		task.Attempts++
		if err := m.reg.Update(ctx, task); err != nil {
			return nil, err
		}
		m.invalidateStats(ctx, group)
		m.publish(ctx, events.KindStatusChange, taskEvent(task.ID, group, store.StateActive))
		return task, nil
	}
	return nil, nil
}

// peekHead returns the id and raw arrival score at the head of group's
// order, preserving the sub-millisecond tie-break fraction nextScore
// encodes (spec §8 property 5 needs this for cross-group FIFO comparison,
// not just the millisecond-resolution due check).
func (m *Manager) peekHead(ctx context.Context, group string) (string, float64, error) {
	members, err := m.st.ZRangeByScore(ctx, store.GroupOrderKey(group), store.NegInf, store.PosInf, 1)
	if err != nil {
		return "", 0, fmt.Errorf("group: peeking %s: %w", group, err)
	}
	if len(members) == 0 {
		return "", 0, nil
	}
	return members[0].Member, members[0].Score, nil
}

// peekDue returns the id at the head of group's order and the time it
// becomes eligible (the time.Time zero value if already due).
func (m *Manager) peekDue(ctx context.Context, group string) (string, time.Time, error) {
	head, score, err := m.peekHead(ctx, group)
	if err != nil || head == "" {
		return head, time.Time{}, err
	}
	return head, time.UnixMilli(int64(score)), nil
}

// headPaused reports whether id's recorded state in group is PAUSED. A
// PauseAll call flips every non-terminal, non-active task's state without
// removing it from the order zset (spec §4.3 "do not disturb order
// semantics other than by marking state"), so ClaimNext and HeadEligible
// must consult this directly instead of relying on order/processing alone.
func (m *Manager) headPaused(ctx context.Context, group, id string) (bool, error) {
	raw, ok, err := m.st.HGet(ctx, store.GroupStateKey(group), id)
	if err != nil {
		return false, fmt.Errorf("group: reading state of %s in %s: %w", id, group, err)
	}
	if !ok {
		return false, nil
	}
	return store.ParseState(raw) == store.StatePaused, nil
}

// HeadEligible reports whether group's order is non-empty and its head is
// due now, without claiming it (used by the scheduler to test eligibility
// across several groups before committing to one).
func (m *Manager) HeadEligible(ctx context.Context, group string) (bool, error) {
	head, dueAt, err := m.peekDue(ctx, group)
	if err != nil {
		return false, err
	}
	if head == "" {
		return false, nil
	}
	now, err := m.st.ServerTime(ctx)
	if err != nil {
		return false, fmt.Errorf("group: reading server time: %w", err)
	}
	if now.Before(dueAt) {
		return false, nil
	}
	if paused, err := m.headPaused(ctx, group, head); err != nil {
		return false, err
	} else if paused {
		return false, nil
	}
	processing, err := m.st.SCard(ctx, store.GroupProcessingKey(group))
	if err != nil {
		return false, err
	}
	return processing < int64(m.capFor(group)), nil
}

// HeadScore returns the arrival score of group's head, or +Inf if the
// group has no eligible head (used by the FIFO policy).
func (m *Manager) HeadScore(ctx context.Context, group string) (float64, error) {
	eligible, err := m.HeadEligible(ctx, group)
	if err != nil {
		return 0, err
	}
	if !eligible {
		return store.PosInf, nil
	}
	_, score, err := m.peekHead(ctx, group)
	if err != nil {
		return 0, err
	}
	return score, nil
}

// CompleteTask finalizes a processed task (spec §4.3 "completeTask").
// outcome must be StateCompleted or StateFailed.
func (m *Manager) CompleteTask(ctx context.Context, task *store.Task, outcome store.State) error {
	group := task.EffectiveGroup()

	err := m.st.RunOptimistic(ctx, []string{store.GroupProcessingKey(group)}, func(ctx context.Context, tx store.Tx) error {
		return tx.Pipeline(ctx, func(p store.Pipeline) error {
			p.SRem(store.GroupProcessingKey(group), task.ID)
			p.HSet(store.GroupStateKey(group), task.ID, string(outcome))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("group: completing task %s: %w", task.ID, err)
	}

	task.State = outcome
	if err := m.reg.Update(ctx, task); err != nil {
		return err
	}
	m.invalidateStats(ctx, group)

	if outcome == store.StateCompleted {
		metrics.TaskCompletions.Inc()
		m.publish(ctx, events.KindTaskCompleted, taskEvent(task.ID, group, outcome))
	} else {
		metrics.TaskFailures.Inc()
		evt := taskEvent(task.ID, group, outcome)
		evt.Data = []byte(task.LastError)
		m.publish(ctx, events.KindTaskFailed, evt)
	}
	m.publish(ctx, events.KindStatusChange, taskEvent(task.ID, group, outcome))
	return nil
}

// RequeueTask moves a task back out of processing and into order with a
// delay, used for retries (spec §4.3 "requeueTask").
func (m *Manager) RequeueTask(ctx context.Context, task *store.Task, delay time.Duration) error {
	group := task.EffectiveGroup()

	now, err := m.st.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("group: reading server time: %w", err)
	}
	dueAt := now.Add(delay)
	seq := atomic.AddUint64(&m.seq, 1)
	score := float64(dueAt.UnixMilli()) + float64(seq%1000)/1000

	state := store.StateWaiting
	if delay > 0 {
		state = store.StateDelayed
	}

	err = m.st.RunOptimistic(ctx, []string{store.GroupProcessingKey(group)}, func(ctx context.Context, tx store.Tx) error {
		return tx.Pipeline(ctx, func(p store.Pipeline) error {
			p.SRem(store.GroupProcessingKey(group), task.ID)
			p.ZAdd(store.GroupOrderKey(group), task.ID, score)
			p.HSet(store.GroupStateKey(group), task.ID, string(state))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("group: requeuing task %s: %w", task.ID, err)
	}

	task.State = state
	if err := m.reg.Update(ctx, task); err != nil {
		return err
	}
	m.invalidateStats(ctx, group)

	metrics.TaskRetries.Inc()
	m.publish(ctx, events.KindRetryAttempt, taskEvent(task.ID, group, state))
	m.publish(ctx, events.KindStatusChange, taskEvent(task.ID, group, state))
	return nil
}

// PauseAll flips every non-terminal, non-active task in group to PAUSED.
// ACTIVE tasks are left untouched and complete normally (an explicit
// design decision recorded in DESIGN.md; the source left this undefined).
func (m *Manager) PauseAll(ctx context.Context, group string) error {
	return m.bulkFlip(ctx, group, store.StatePaused)
}

// ResumeAll flips every PAUSED task in group back to WAITING.
func (m *Manager) ResumeAll(ctx context.Context, group string) error {
	return m.bulkFlip(ctx, group, store.StateWaiting)
}

func (m *Manager) bulkFlip(ctx context.Context, group string, target store.State) error {
	states, err := m.st.HGetAll(ctx, store.GroupStateKey(group))
	if err != nil {
		return fmt.Errorf("group: reading states for %s: %w", group, err)
	}
	for id, raw := range states {
		cur := store.ParseState(raw)
		if cur.Terminal() || cur == store.StateActive {
			continue
		}
		if target == store.StatePaused && cur == store.StatePaused {
			continue
		}
		if target == store.StateWaiting && cur != store.StatePaused {
			continue
		}
		if err := m.st.HSet(ctx, store.GroupStateKey(group), id, string(target)); err != nil {
			return fmt.Errorf("group: flipping task %s: %w", id, err)
		}
		if task, err := m.reg.Get(ctx, id, ""); err == nil {
			task.State = target
			_ = m.reg.Update(ctx, task)
		}
	}
	m.invalidateStats(ctx, group)
	m.publish(ctx, events.KindGroupChange, events.Event{GroupName: group})
	return nil
}

// GetStats returns group's cached aggregate counters, recomputing from
// perTaskState when the cache is cold (spec §4.3 "getStats").
func (m *Manager) GetStats(ctx context.Context, group string) (store.GroupStats, error) {
	cached, err := m.st.HGetAll(ctx, store.GroupStatsKey(group))
	if err != nil {
		return store.GroupStats{}, err
	}
	if len(cached) > 0 {
		return parseStats(cached), nil
	}
	return m.recomputeStats(ctx, group)
}

func (m *Manager) recomputeStats(ctx context.Context, group string) (store.GroupStats, error) {
	states, err := m.st.HGetAll(ctx, store.GroupStateKey(group))
	if err != nil {
		return store.GroupStats{}, fmt.Errorf("group: recomputing stats for %s: %w", group, err)
	}
	var s store.GroupStats
	for _, raw := range states {
		s.Total++
		switch store.ParseState(raw) {
		case store.StateActive:
			s.Active++
		case store.StateCompleted:
			s.Completed++
		case store.StateFailed:
			s.Failed++
		case store.StatePaused:
			s.Paused++
		}
	}
	m.writeStatsCache(ctx, group, s)
	return s, nil
}

func (m *Manager) invalidateStats(ctx context.Context, group string) {
	if _, err := m.recomputeStats(ctx, group); err != nil {
		log.Printf("group: stats recompute for %s failed: %v", group, err)
	}
}

func (m *Manager) writeStatsCache(ctx context.Context, group string, s store.GroupStats) {
	fields := map[string]int{
		"total":     s.Total,
		"active":    s.Active,
		"completed": s.Completed,
		"failed":    s.Failed,
		"paused":    s.Paused,
	}
	for k, v := range fields {
		if err := m.st.HSet(ctx, store.GroupStatsKey(group), k, fmt.Sprintf("%d", v)); err != nil {
			log.Printf("group: caching stats field %s for %s failed: %v", k, group, err)
		}
	}
}

func parseStats(fields map[string]string) store.GroupStats {
	var s store.GroupStats
	s.Total = atoiOr(fields["total"])
	s.Active = atoiOr(fields["active"])
	s.Completed = atoiOr(fields["completed"])
	s.Failed = atoiOr(fields["failed"])
	s.Paused = atoiOr(fields["paused"])
	return s
}

func atoiOr(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// KnownGroups lists every group name seen by AddTask, for the scheduler to
// enumerate when choosing among policies.
func (m *Manager) KnownGroups(ctx context.Context) ([]string, error) {
	return m.st.SMembers(ctx, store.KnownGroupsKey())
}
