package tasks

import (
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

// Task lifecycle states. The only legal transitions are
// pending -> running -> {completed, failed}.
const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
)

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is terminal.
func IsTerminal(s TaskState) bool {
	return s == StateCompleted || s == StateFailed
}

// ValidTransition reports whether from -> to is a legal lifecycle transition.
func ValidTransition(from, to TaskState) bool {
	switch from {
	case StatePending:
		return to == StateRunning
	case StateRunning:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// Task represents a unit of work tracked in the dependency graph.
//
// Seq is the insertion sequence assigned by the resolver; it is serialized
// so that resolution tie-breaking survives export/import.
type Task struct {
	ID                string
	Priority          int
	EstimatedDuration time.Duration
	RequiredResources []string
	Deadline          *time.Time
	Critical          bool
	State             TaskState
	Seq               uint64
}

// taskJSON is the wire form: durations in milliseconds, deadline as epoch-ms.
type taskJSON struct {
	ID                string    `json:"id"`
	Priority          int       `json:"priority"`
	EstimatedDuration int64     `json:"estimated_duration_ms"`
	RequiredResources []string  `json:"required_resources,omitempty"`
	Deadline          *int64    `json:"deadline_ms,omitempty"`
	Critical          bool      `json:"critical,omitempty"`
	State             TaskState `json:"state"`
	Seq               uint64    `json:"seq"`
}

// MarshalJSON serializes the task with millisecond durations and deadlines.
func (t Task) MarshalJSON() ([]byte, error) {
	w := taskJSON{
		ID:                t.ID,
		Priority:          t.Priority,
		EstimatedDuration: t.EstimatedDuration.Milliseconds(),
		RequiredResources: t.RequiredResources,
		Critical:          t.Critical,
		State:             t.State,
		Seq:               t.Seq,
	}
	if t.Deadline != nil {
		ms := t.Deadline.UnixMilli()
		w.Deadline = &ms
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (t *Task) UnmarshalJSON(data []byte) error {
	var w taskJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.ID = w.ID
	t.Priority = w.Priority
	t.EstimatedDuration = time.Duration(w.EstimatedDuration) * time.Millisecond
	t.RequiredResources = w.RequiredResources
	t.Critical = w.Critical
	t.State = w.State
	t.Seq = w.Seq
	t.Deadline = nil
	if w.Deadline != nil {
		d := time.UnixMilli(*w.Deadline).UTC()
		t.Deadline = &d
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.RequiredResources != nil {
		cp.RequiredResources = append([]string(nil), t.RequiredResources...)
	}
	if t.Deadline != nil {
		d := *t.Deadline
		cp.Deadline = &d
	}
	return &cp
}
