package resolver

import (
	"log/slog"
	"sort"

	"github.com/yourusername/swarm-resolver/pkg/tasks"
)

// Resolver maintains the task graph and computes deterministic execution
// orders. It is exclusively owned by a single goroutine and performs no
// internal locking; callers that share an instance must serialize access.
type Resolver struct {
	tasks   map[string]*tasks.Task
	graph   *Graph
	nextSeq uint64

	// cached is the memoized resolution order; nil means stale. There is
	// deliberately no separate validity flag.
	cached []string
}

// New returns an empty resolver.
func New() *Resolver {
	return &Resolver{
		tasks: make(map[string]*tasks.Task),
		graph: NewGraph(),
	}
}

// AddTask creates a task node. The task's Seq is assigned here and its state
// defaults to pending when unset.
func (r *Resolver) AddTask(t *tasks.Task) error {
	return r.insertTask(t, false)
}

// AdoptTask creates a task node replicated from another node, preserving its
// origin-assigned Seq so that resolution tie-breaking agrees across the
// swarm. A zero Seq gets a fresh local one.
func (r *Resolver) AdoptTask(t *tasks.Task) error {
	return r.insertTask(t, true)
}

func (r *Resolver) insertTask(t *tasks.Task, keepSeq bool) error {
	if t == nil || t.ID == "" {
		return opErr("add task", ErrUnknownTask, "task id is required")
	}
	if _, exists := r.tasks[t.ID]; exists {
		return opErr("add task", ErrDuplicateTask, "%q", t.ID)
	}

	cp := t.Clone()
	if cp.State == "" {
		cp.State = tasks.StatePending
	}
	if !cp.State.Valid() {
		return opErr("add task", ErrInvalidStateTransition, "unknown state %q", cp.State)
	}
	if keepSeq && cp.Seq > 0 {
		if cp.Seq > r.nextSeq {
			r.nextSeq = cp.Seq
		}
	} else {
		r.nextSeq++
		cp.Seq = r.nextSeq
	}

	r.tasks[cp.ID] = cp
	r.graph.AddNode(cp.ID)
	r.cached = nil
	return nil
}

// RemoveTask deletes a task and all incident dependency edges.
func (r *Resolver) RemoveTask(id string) error {
	if _, ok := r.tasks[id]; !ok {
		return opErr("remove task", ErrUnknownTask, "%q", id)
	}
	delete(r.tasks, id)
	r.graph.RemoveNode(id)
	r.cached = nil
	return nil
}

// AddDependency inserts the edge (from, to): from requires to to complete
// first. The edge is rejected, and the graph left unchanged, if either task
// is missing or the edge would close a cycle. Re-adding an existing edge is
// a no-op.
func (r *Resolver) AddDependency(from, to string) error {
	if _, ok := r.tasks[from]; !ok {
		return opErr("add dependency", ErrUnknownTask, "%q", from)
	}
	if _, ok := r.tasks[to]; !ok {
		return opErr("add dependency", ErrUnknownTask, "%q", to)
	}
	if r.graph.HasEdge(from, to) {
		return nil
	}
	if r.graph.WouldCycle(from, to) {
		return opErr("add dependency", ErrCycleDetected, "%q -> %q", from, to)
	}
	r.graph.AddEdge(from, to)
	r.cached = nil
	return nil
}

// RemoveDependency deletes the edge (from, to). A missing edge is a no-op,
// not an error.
func (r *Resolver) RemoveDependency(from, to string) {
	if r.graph.RemoveEdge(from, to) {
		r.cached = nil
	}
}

// HasDependency reports whether the edge (from, to) exists.
func (r *Resolver) HasDependency(from, to string) bool {
	return r.graph.HasEdge(from, to)
}

// HasCycles runs a full strongly-connected-components scan. Under normal
// operation it is always false, since AddDependency rejects closing edges.
func (r *Resolver) HasCycles() bool {
	return r.graph.HasCycles()
}

// UpdateTaskState applies a lifecycle transition. Only
// pending -> running -> {completed, failed} is accepted.
func (r *Resolver) UpdateTaskState(id string, state tasks.TaskState) error {
	t, ok := r.tasks[id]
	if !ok {
		return opErr("update state", ErrUnknownTask, "%q", id)
	}
	if !state.Valid() {
		return opErr("update state", ErrInvalidStateTransition, "unknown state %q", state)
	}
	if !tasks.ValidTransition(t.State, state) {
		return opErr("update state", ErrInvalidStateTransition, "%q: %s -> %s", id, t.State, state)
	}
	t.State = state
	slog.Debug("task state updated", "task_id", id, "state", state)
	return nil
}

// SetPriority updates a task's priority and invalidates the cached order.
// Used by the conflict engine's escalation policies.
func (r *Resolver) SetPriority(id string, priority int) error {
	t, ok := r.tasks[id]
	if !ok {
		return opErr("set priority", ErrUnknownTask, "%q", id)
	}
	if t.Priority == priority {
		return nil
	}
	t.Priority = priority
	r.cached = nil
	return nil
}

// Task returns a copy of the task with the given id.
func (r *Resolver) Task(id string) (*tasks.Task, bool) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (r *Resolver) Tasks() []*tasks.Task {
	out := make([]*tasks.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	sortBySeq(out)
	return out
}

// Dependencies returns the ids the given task requires, sorted.
func (r *Resolver) Dependencies(id string) []string {
	return r.graph.Dependencies(id)
}

// Dependents returns the ids that require the given task, sorted.
func (r *Resolver) Dependents(id string) []string {
	return r.graph.Dependents(id)
}

// Resolve returns a deterministic topological order of all task ids: for
// every edge (from, to), to precedes from.
//
// Tie-break among simultaneously ready tasks: descending priority, then
// ascending insertion sequence, then id. The id step matters for replicated
// tasks: two nodes that each add one task assign the same sequence, and
// without it their orders would never agree. The order is memoized and
// reused until the next graph or priority mutation.
func (r *Resolver) Resolve() ([]string, error) {
	if r.cached != nil {
		return append([]string(nil), r.cached...), nil
	}

	order := r.graph.TopologicalOrder(r.readyLess)
	if order == nil {
		return nil, opErr("resolve", ErrCycleDetected, "graph is not acyclic")
	}
	r.cached = order
	return append([]string(nil), order...), nil
}

func (r *Resolver) readyLess(a, b string) bool {
	ta, tb := r.tasks[a], r.tasks[b]
	if ta.Priority != tb.Priority {
		return ta.Priority > tb.Priority
	}
	if ta.Seq != tb.Seq {
		return ta.Seq < tb.Seq
	}
	return a < b
}

// RunnableTasks returns copies of the pending tasks whose dependencies have
// all completed, in resolution order.
func (r *Resolver) RunnableTasks() ([]*tasks.Task, error) {
	order, err := r.Resolve()
	if err != nil {
		return nil, err
	}

	var runnable []*tasks.Task
	for _, id := range order {
		t := r.tasks[id]
		if t.State != tasks.StatePending {
			continue
		}
		blocked := false
		for dep := range r.graph.out[id] {
			if r.tasks[dep].State != tasks.StateCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			runnable = append(runnable, t.Clone())
		}
	}
	return runnable, nil
}

// Stats summarizes resolver state for external reporting.
type Stats struct {
	TaskCount  int                     `json:"task_count"`
	EdgeCount  int                     `json:"edge_count"`
	CacheValid bool                    `json:"cache_valid"`
	States     map[tasks.TaskState]int `json:"states"`
}

// Stats returns node/edge counts, cache validity, and per-state counts.
func (r *Resolver) Stats() Stats {
	s := Stats{
		TaskCount:  len(r.tasks),
		EdgeCount:  r.graph.EdgeCount(),
		CacheValid: r.cached != nil,
		States:     make(map[tasks.TaskState]int),
	}
	for _, t := range r.tasks {
		s.States[t.State]++
	}
	return s
}

func sortBySeq(ts []*tasks.Task) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Seq < ts[j].Seq })
}
