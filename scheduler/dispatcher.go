// Package scheduler implements the Dispatcher (spec §4.4): it does not
// execute tasks, it only decides which group's head the Worker Pool
// should ask the Group Manager to claim next.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fluxqueue/groupqueue/coordination"
	"github.com/fluxqueue/groupqueue/group"
	"github.com/fluxqueue/groupqueue/registry"
	"github.com/fluxqueue/groupqueue/store"
)

// Dispatcher selects the next eligible group for a queue under the active
// policy and delegates the actual claim to the Group Manager. It holds no
// task data itself; rrCursor and the priority credit ledger are its only
// mutable state (spec §4.4 scheduler state).
type Dispatcher struct {
	mgr    *group.Manager
	reg    *registry.Registry
	policy Policy

	mu         sync.Mutex
	rrCursor   map[string]int    // queue -> index into that queue's sorted group list
	credits    map[string]int64  // group -> running priority credit
	weights    map[string]int    // group -> configured weight
	groupQueue map[string]string // group -> owning queue
	defaultW   int

	lease *coordination.LeaderElector // optional; nil means single-process
}

// New returns a Dispatcher over mgr using cfg's policy.
func New(mgr *group.Manager, reg *registry.Registry, cfg Config) *Dispatcher {
	if cfg.DefaultGroupWeight <= 0 {
		cfg.DefaultGroupWeight = 1
	}
	return &Dispatcher{
		mgr:        mgr,
		reg:        reg,
		policy:     cfg.Policy,
		rrCursor:   make(map[string]int),
		credits:    make(map[string]int64),
		weights:    make(map[string]int),
		groupQueue: make(map[string]string),
		defaultW:   cfg.DefaultGroupWeight,
	}
}

// Policy returns the active scheduling policy, for callers that need it
// for labeling (e.g. metrics).
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// SetLease installs an optional dispatcher lease (spec §4.4 supplemental
// feature / §5 "if the scheduler is logically singleton no locking is
// required"). When set, NextClaim is a no-op on any process that does not
// currently hold the lease, so rrCursor and priority credits only ever
// advance on one process at a time.
func (d *Dispatcher) SetLease(l *coordination.LeaderElector) {
	d.lease = l
}

// SetGroupWeight sets groupName's priority weight for the PRIORITY policy
// (spec §3 "priority(weight, default 1)").
func (d *Dispatcher) SetGroupWeight(groupName string, weight int) {
	if weight <= 0 {
		weight = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.weights[groupName] = weight
}

func (d *Dispatcher) weightFor(groupName string) int {
	if w, ok := d.weights[groupName]; ok {
		return w
	}
	return d.defaultW
}

// Track records that group belongs to queue, so future eligibility checks
// for that queue include it. Callers invoke this right after a task is
// added to a new group (the Engine does this on every AddTask).
func (d *Dispatcher) Track(queue, groupName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groupQueue[groupName] = queue
}

// Discover rebuilds the group->queue association from the registry. The
// Engine runs it once at startup and then periodically, since Track's
// in-memory map neither survives a process crash nor sees groups added by
// another process; it is O(n) in tasks ever registered and is not called
// on the claim path.
func (d *Dispatcher) Discover(ctx context.Context) error {
	tasks, err := d.reg.List(ctx, "", nil)
	if err != nil {
		return fmt.Errorf("scheduler: discovering group/queue associations: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range tasks {
		d.groupQueue[t.EffectiveGroup()] = t.Queue
	}
	return nil
}

func (d *Dispatcher) groupsForQueue(queue string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for g, q := range d.groupQueue {
		if q == queue {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) isLeader() bool {
	if d.lease == nil {
		return true
	}
	return d.lease.IsLeader()
}

// NextClaim picks the next eligible group for queue under the active
// policy and claims its head task. It returns (nil, nil) when nothing in
// queue is currently eligible.
func (d *Dispatcher) NextClaim(ctx context.Context, queue string) (*store.Task, error) {
	if !d.isLeader() {
		return nil, nil
	}

	groups := d.groupsForQueue(queue)
	groups = append(groups, store.SyntheticGroup(queue))

	var chosen string
	var err error
	switch d.policy {
	case FIFO:
		chosen, err = d.pickFIFO(ctx, groups)
	case Priority:
		chosen, err = d.pickPriority(ctx, groups)
	default:
		chosen, err = d.pickRoundRobin(ctx, queue, groups)
	}
	if err != nil || chosen == "" {
		return nil, err
	}
	return d.mgr.ClaimNext(ctx, chosen)
}

func (d *Dispatcher) pickRoundRobin(ctx context.Context, queue string, groups []string) (string, error) {
	if len(groups) == 0 {
		return "", nil
	}
	d.mu.Lock()
	cursor := d.rrCursor[queue]
	d.mu.Unlock()

	for i := 0; i < len(groups); i++ {
		idx := (cursor + i) % len(groups)
		eligible, err := d.mgr.HeadEligible(ctx, groups[idx])
		if err != nil {
			return "", err
		}
		if !eligible {
			continue
		}
		d.mu.Lock()
		d.rrCursor[queue] = (idx + 1) % len(groups)
		d.mu.Unlock()
		return groups[idx], nil
	}
	return "", nil
}

func (d *Dispatcher) pickFIFO(ctx context.Context, groups []string) (string, error) {
	best := ""
	bestScore := store.PosInf
	for _, g := range groups {
		score, err := d.mgr.HeadScore(ctx, g)
		if err != nil {
			return "", err
		}
		if score >= store.PosInf {
			continue
		}
		if score < bestScore || (score == bestScore && g < best) {
			best = g
			bestScore = score
		}
	}
	return best, nil
}

func (d *Dispatcher) pickPriority(ctx context.Context, groups []string) (string, error) {
	type candidate struct {
		name   string
		weight int
	}
	var eligible []candidate
	for _, g := range groups {
		ok, err := d.mgr.HeadEligible(ctx, g)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		eligible = append(eligible, candidate{name: g, weight: d.weightFor(g)})
	}
	if len(eligible) == 0 {
		return "", nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range eligible {
		d.credits[c.name] += int64(c.weight)
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].name < eligible[j].name })
	winner := eligible[0]
	for _, c := range eligible[1:] {
		if d.credits[c.name] > d.credits[winner.name] {
			winner = c
		}
	}

	maxWeight := winner.weight
	for _, c := range eligible {
		if c.weight > maxWeight {
			maxWeight = c.weight
		}
	}
	d.credits[winner.name] -= int64(maxWeight)
	return winner.name, nil
}
