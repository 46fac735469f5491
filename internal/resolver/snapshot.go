package resolver

import (
	"encoding/json"
	"sort"

	"github.com/yourusername/swarm-resolver/pkg/tasks"
)

// Edge is a serialized dependency: From requires To to complete first.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Snapshot is the full serialized resolver state. Tasks are ordered by
// insertion sequence and edges lexicographically, so the encoding is stable
// for a given logical graph.
type Snapshot struct {
	Tasks   []*tasks.Task `json:"tasks"`
	Edges   []Edge        `json:"edges"`
	NextSeq uint64        `json:"next_seq"`
}

// Snapshot captures the current state.
func (r *Resolver) Snapshot() *Snapshot {
	snap := &Snapshot{
		Tasks:   r.Tasks(),
		NextSeq: r.nextSeq,
	}
	for from, deps := range r.graph.out {
		for to := range deps {
			snap.Edges = append(snap.Edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(snap.Edges, func(i, j int) bool {
		a, b := snap.Edges[i], snap.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	return snap
}

// Export serializes the full resolver state to JSON.
func (r *Resolver) Export() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// Import replaces the resolver state with the given snapshot. Round-tripping
// through Export/Import reproduces an identical Resolve() output.
func (r *Resolver) Import(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return opErr("import", ErrInvalidSnapshot, "%v", err)
	}
	return r.Restore(&snap)
}

// Restore replaces the resolver state with the given snapshot, validating
// task states, edge endpoints, and acyclicity before committing. On failure
// the resolver is left unchanged.
func (r *Resolver) Restore(snap *Snapshot) error {
	if snap == nil {
		return opErr("import", ErrInvalidSnapshot, "nil snapshot")
	}

	staged := New()
	staged.nextSeq = snap.NextSeq
	for _, t := range snap.Tasks {
		if t == nil || t.ID == "" {
			return opErr("import", ErrInvalidSnapshot, "task without id")
		}
		if !t.State.Valid() {
			return opErr("import", ErrInvalidSnapshot, "task %q has unknown state %q", t.ID, t.State)
		}
		if _, dup := staged.tasks[t.ID]; dup {
			return opErr("import", ErrInvalidSnapshot, "duplicate task %q", t.ID)
		}
		cp := t.Clone()
		staged.tasks[cp.ID] = cp
		staged.graph.AddNode(cp.ID)
		if cp.Seq > staged.nextSeq {
			staged.nextSeq = cp.Seq
		}
	}
	for _, e := range snap.Edges {
		if !staged.graph.HasNode(e.From) || !staged.graph.HasNode(e.To) {
			return opErr("import", ErrInvalidSnapshot, "edge %q -> %q references unknown task", e.From, e.To)
		}
		staged.graph.AddEdge(e.From, e.To)
	}
	if staged.graph.HasCycles() {
		return opErr("import", ErrCycleDetected, "snapshot graph is not acyclic")
	}

	r.tasks = staged.tasks
	r.graph = staged.graph
	r.nextSeq = staged.nextSeq
	r.cached = nil
	return nil
}

// Merge applies a snapshot on top of the current state idempotently: tasks
// and edges already present are skipped, edges that would close a cycle are
// dropped. Incoming tasks keep their origin-assigned sequence so both sides
// resolve to the same order. Used when importing peer state during startup
// sync.
func (r *Resolver) Merge(snap *Snapshot) error {
	if snap == nil {
		return opErr("merge", ErrInvalidSnapshot, "nil snapshot")
	}
	for _, t := range snap.Tasks {
		if t == nil || t.ID == "" {
			continue
		}
		if _, exists := r.tasks[t.ID]; exists {
			continue
		}
		if err := r.AdoptTask(t); err != nil {
			return err
		}
	}
	for _, e := range snap.Edges {
		if r.graph.HasEdge(e.From, e.To) {
			continue
		}
		if !r.graph.HasNode(e.From) || !r.graph.HasNode(e.To) {
			continue
		}
		if r.graph.WouldCycle(e.From, e.To) {
			continue
		}
		r.graph.AddEdge(e.From, e.To)
		r.cached = nil
	}
	return nil
}
