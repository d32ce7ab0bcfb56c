package store

import (
	"fmt"
	"time"
)

// Priority is the task priority level (spec §3).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// State is a task lifecycle state. The string values are part of the wire
// contract (spec §6) and must round-trip losslessly.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
	StatePaused    State = "paused"
	StateUnknown   State = "unknown"
)

// ParseState converts a wire state name back into a State, per spec §8
// property 7 ("round-trip of state strings").
func ParseState(s string) State {
	switch State(s) {
	case StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed, StatePaused:
		return State(s)
	default:
		return StateUnknown
	}
}

// Terminal reports whether the state admits no further transitions (spec §3 invariant d).
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Options holds per-task scheduling and retry configuration (spec §3).
type Options struct {
	Priority     Priority      `json:"priority"`
	MaxRetries   int           `json:"max_retries"`
	RetryDelayMs int64         `json:"retry_delay_ms"`
	NotBefore    time.Time     `json:"not_before,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// Task is a unit of work (spec §3).
type Task struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	Group     string    `json:"group,omitempty"`
	Payload   []byte    `json:"payload"`
	Method    string    `json:"method"`
	Options   Options   `json:"options"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// EffectiveGroup returns Group, or the synthetic per-queue group name when
// the task carries no explicit group (spec §4.4 "Ungrouped tasks").
func (t *Task) EffectiveGroup() string {
	if t.Group != "" {
		return t.Group
	}
	return SyntheticGroup(t.Queue)
}

// GroupStats holds the cached aggregate counters of a group (spec §3).
type GroupStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Paused    int `json:"paused"`
}

// Claim pairs a task id with the queue it was enqueued against (spec §4.3
// claimNext contract). Group Manager's ClaimNext returns the full *Task
// rather than a Claim.
type Claim struct {
	TaskID string
	Queue  string
}

func (g GroupStats) String() string {
	return fmt.Sprintf("total=%d active=%d completed=%d failed=%d paused=%d", g.Total, g.Active, g.Completed, g.Failed, g.Paused)
}
