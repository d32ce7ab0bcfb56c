package worker

import (
	"context"
	"errors"
)

// ProgressFunc lets a running handler report progress without crossing
// the worker boundary as anything but a plain function call (spec §9
// "exceptions for control flow... modeled as discriminated result, not
// thrown exceptions").
type ProgressFunc func(data []byte)

// TaskInfo is the per-task context handed to a Handler invocation (spec
// §4.5 step 6: "payload + per-task context (id, attempt number,
// progress-reporting hook)").
type TaskInfo struct {
	ID       string
	Queue    string
	Group    string
	Attempt  int
	Progress ProgressFunc
}

// Handler executes one task. It returns an error to signal failure; there
// is no other control-flow channel crossing the worker boundary (spec §9).
type Handler func(ctx context.Context, payload []byte, info TaskInfo) error

// Registry resolves a task's method name to a Handler (spec §6 "Handler
// registry: method name -> callable", registration kept explicit and out
// of the core's scope per spec §9 — no decorators, no reflection).
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty handler Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates method with h. Registering the same method twice
// replaces the previous handler.
func (r *Registry) Register(method string, h Handler) {
	r.handlers[method] = h
}

// Lookup returns the handler registered for method, if any.
func (r *Registry) Lookup(method string) (Handler, bool) {
	h, ok := r.handlers[method]
	return h, ok
}

// ErrNoHandler is returned when a task's method has no registered handler.
var ErrNoHandler = errors.New("worker: no handler registered for method")
