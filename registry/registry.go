// Package registry implements the Task Registry (spec §4.2): it maps task
// identifiers to their serialized record and never interprets state — all
// state-machine enforcement lives in the group and worker packages.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxqueue/groupqueue/store"
)

// PutMode selects insert-or-fail versus unconditional replace semantics
// for Put.
type PutMode int

const (
	// PutInsert fails with store.ErrDuplicateTaskID if the id exists.
	PutInsert PutMode = iota
	// PutReplace always overwrites, used by the Group Manager's AddTask.
	PutReplace
)

// Registry is a thin CRUD layer over store.Store keyed by task id. It
// holds no in-process state of its own; every call is a store round trip.
type Registry struct {
	st store.Store
}

// New returns a Registry backed by st.
func New(st store.Store) *Registry {
	return &Registry{st: st}
}

// Put inserts or replaces the full task record (spec §4.2 "put(task)").
func (r *Registry) Put(ctx context.Context, task *store.Task, mode PutMode) error {
	if mode == PutInsert {
		if _, ok, err := r.st.Get(ctx, store.TaskKey(task.ID)); err != nil {
			return fmt.Errorf("registry: checking existing task %s: %w", task.ID, err)
		} else if ok {
			return store.ErrDuplicateTaskID
		}
	}
	return r.write(ctx, task)
}

func (r *Registry) write(ctx context.Context, task *store.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("registry: marshal task %s: %w", task.ID, err)
	}
	if err := r.st.Set(ctx, store.TaskKey(task.ID), string(data), 0); err != nil {
		return fmt.Errorf("registry: writing task %s: %w", task.ID, err)
	}
	return r.st.SAdd(ctx, store.RegistryIndexKey(), task.ID)
}

// Get retrieves a task by id. queueHint is accepted for interface parity
// with the spec but unused: a task id alone is sufficient to locate the
// record in this keyspace layout.
func (r *Registry) Get(ctx context.Context, id string, queueHint string) (*store.Task, error) {
	val, ok, err := r.st.Get(ctx, store.TaskKey(id))
	if err != nil {
		return nil, fmt.Errorf("registry: get task %s: %w", id, err)
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	var task store.Task
	if err := json.Unmarshal([]byte(val), &task); err != nil {
		return nil, fmt.Errorf("registry: unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// Update performs an atomic full replacement of the task record (spec
// §4.2 "update(task)"). The Registry does not arbitrate concurrent
// writers; the Group Manager serializes writes to a given id by holding
// it in exactly one group's processing set at a time.
func (r *Registry) Update(ctx context.Context, task *store.Task) error {
	task.UpdatedAt = time.Now()
	return r.write(ctx, task)
}

// Filter is a predicate used by List to select a subset of tasks.
type Filter func(*store.Task) bool

// List enumerates tasks on queue matching filter. It is used only by
// observability (spec §4.2) and is O(n) in the number of tasks ever
// registered; it is not on any hot path.
func (r *Registry) List(ctx context.Context, queue string, filter Filter) ([]*store.Task, error) {
	ids, err := r.st.SMembers(ctx, store.RegistryIndexKey())
	if err != nil {
		return nil, fmt.Errorf("registry: listing index: %w", err)
	}
	var out []*store.Task
	for _, id := range ids {
		task, err := r.Get(ctx, id, queue)
		if err != nil {
			continue // deleted between index read and get; skip
		}
		if queue != "" && task.Queue != queue {
			continue
		}
		if filter != nil && !filter(task) {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}
