package conflict

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/yourusername/swarm-resolver/internal/resolver"
	"github.com/yourusername/swarm-resolver/pkg/tasks"
)

// Config gates the engine's auto-resolution behavior.
type Config struct {
	// AutoResolve enables policy application in ResolveAll. When false,
	// conflicts stay open and are only reported.
	AutoResolve bool
	// PriorityBoost is added to a task's priority when a deadline conflict
	// escalates it.
	PriorityBoost int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{AutoResolve: true, PriorityBoost: 10}
}

// Engine scans resolver state for cross-task conflicts and applies
// deterministic per-kind resolution policies.
//
// Like the resolver it wraps, the engine performs no internal locking and is
// owned by a single goroutine.
type Engine struct {
	res    *resolver.Resolver
	config Config
	now    func() time.Time

	// ledger holds every conflict ever recorded, keyed by deterministic id.
	// Detection skips ids already present, which is what makes ResolveAll
	// idempotent between mutations.
	ledger map[string]*Conflict
}

// NewEngine returns an engine over the given resolver.
func NewEngine(res *resolver.Resolver, config Config) *Engine {
	return &Engine{
		res:    res,
		config: config,
		now:    time.Now,
		ledger: make(map[string]*Conflict),
	}
}

// Result summarizes one detection/resolution pass.
type Result struct {
	Detected int           `json:"conflicts_detected"`
	Resolved int           `json:"conflicts_resolved"`
	Open     []*Conflict   `json:"open_conflicts,omitempty"`
	Duration time.Duration `json:"-"`

	// Opened lists copies of the conflicts newly recorded by this pass,
	// captured before any policy ran, so callers can publish the open phase
	// even when auto-resolution closes them in the same pass.
	Opened []*Conflict `json:"-"`

	// Changed lists conflicts whose ledger entry was created or resolved by
	// this pass, for broadcasting to peers.
	Changed []*Conflict `json:"-"`
}

// Detect examines all currently runnable tasks and returns the conflicts
// present in the current snapshot. It mutates nothing and is deterministic
// for a fixed graph and task data.
func (e *Engine) Detect() ([]*Conflict, error) {
	runnable, err := e.res.RunnableTasks()
	if err != nil {
		return nil, fmt.Errorf("conflict detection: %w", err)
	}
	order, err := e.res.Resolve()
	if err != nil {
		return nil, fmt.Errorf("conflict detection: %w", err)
	}

	var found []*Conflict
	found = append(found, e.detectResource(runnable)...)
	found = append(found, e.detectDeadline(order)...)
	found = append(found, e.detectPriorityInversion(runnable)...)
	return found, nil
}

// detectResource finds runnable task pairs declaring overlapping resources.
func (e *Engine) detectResource(runnable []*tasks.Task) []*Conflict {
	byResource := make(map[string][]string)
	for _, t := range runnable {
		for _, res := range t.RequiredResources {
			byResource[res] = append(byResource[res], t.ID)
		}
	}

	resources := make([]string, 0, len(byResource))
	for res := range byResource {
		resources = append(resources, res)
	}
	sort.Strings(resources)

	var out []*Conflict
	for _, res := range resources {
		ids := byResource[res]
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		severity := SeverityMedium
		for _, id := range ids {
			if t, ok := e.res.Task(id); ok && t.Critical {
				severity = SeverityHigh
			}
		}
		out = append(out, &Conflict{
			ID:       conflictID(KindResource, ids, res),
			Kind:     KindResource,
			TaskIDs:  ids,
			Resource: res,
			Severity: severity,
			Status:   StatusOpen,
		})
	}
	return out
}

// detectDeadline flags tasks whose deadline falls before their feasible
// completion time, assuming the resolved order is executed serially.
func (e *Engine) detectDeadline(order []string) []*Conflict {
	now := e.now()
	var elapsed time.Duration
	var out []*Conflict
	for _, id := range order {
		t, ok := e.res.Task(id)
		if !ok {
			continue
		}
		if tasks.IsTerminal(t.State) {
			continue
		}
		elapsed += t.EstimatedDuration
		if t.Deadline == nil {
			continue
		}
		feasible := now.Add(elapsed)
		if feasible.After(*t.Deadline) {
			severity := SeverityHigh
			if t.Critical {
				severity = SeverityCritical
			}
			out = append(out, &Conflict{
				ID:       conflictID(KindDeadline, []string{t.ID}, ""),
				Kind:     KindDeadline,
				TaskIDs:  []string{t.ID},
				Severity: severity,
				Status:   StatusOpen,
			})
		}
	}
	return out
}

// detectPriorityInversion finds runnable prerequisites whose dependents have
// strictly higher priority: the low-priority task's queue position blocks
// more urgent work.
func (e *Engine) detectPriorityInversion(runnable []*tasks.Task) []*Conflict {
	var out []*Conflict
	for _, prereq := range runnable {
		dependents := e.res.Dependents(prereq.ID)
		for _, depID := range dependents {
			dep, ok := e.res.Task(depID)
			if !ok || tasks.IsTerminal(dep.State) {
				continue
			}
			if dep.Priority > prereq.Priority {
				pair := []string{prereq.ID, dep.ID}
				out = append(out, &Conflict{
					ID:       conflictID(KindPriority, pair, ""),
					Kind:     KindPriority,
					TaskIDs:  pair,
					Severity: SeverityMedium,
					Status:   StatusOpen,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scan runs Detect and records previously unseen conflicts as open in the
// ledger. It returns the newly opened conflicts.
func (e *Engine) Scan() ([]*Conflict, error) {
	detected, err := e.Detect()
	if err != nil {
		return nil, err
	}
	var opened []*Conflict
	for _, c := range detected {
		if _, known := e.ledger[c.ID]; known {
			continue
		}
		c.DetectedAt = e.now()
		e.ledger[c.ID] = c
		opened = append(opened, c)
		slog.Info("conflict detected",
			"conflict_id", c.ID,
			"kind", c.Kind,
			"tasks", c.TaskIDs,
			"severity", c.Severity)
	}
	return opened, nil
}

// ResolveAll scans for new conflicts, then applies the per-kind policy to
// every open conflict in the ledger. Conflicts are data, not errors: the
// only error return is a failed resolve of the underlying graph.
//
// Running ResolveAll twice with no intervening mutation resolves zero
// additional conflicts on the second call.
func (e *Engine) ResolveAll() (*Result, error) {
	start := e.now()

	opened, err := e.Scan()
	if err != nil {
		return nil, err
	}

	result := &Result{Detected: len(opened)}
	changed := make(map[string]*Conflict, len(opened))
	for _, c := range opened {
		snap := *c
		result.Opened = append(result.Opened, &snap)
		changed[c.ID] = c
	}
	if e.config.AutoResolve {
		for _, id := range e.openIDs() {
			c := e.ledger[id]
			action := e.applyPolicy(c)
			c.Status = StatusResolved
			c.Resolution = action
			result.Resolved++
			changed[c.ID] = c
			slog.Info("conflict resolved",
				"conflict_id", c.ID,
				"kind", c.Kind,
				"action", action.Kind)
		}
	}
	for _, id := range sortedIDs(changed) {
		result.Changed = append(result.Changed, changed[id])
	}

	result.Open = e.Open()
	result.Duration = e.now().Sub(start)
	return result, nil
}

func sortedIDs(set map[string]*Conflict) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// openIDs returns open conflict ids in deterministic order.
func (e *Engine) openIDs() []string {
	var ids []string
	for id, c := range e.ledger {
		if c.Status == StatusOpen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// applyPolicy applies the fixed per-kind resolution policy and returns the
// recorded action. The switch is exhaustive over Kind.
func (e *Engine) applyPolicy(c *Conflict) *ResolutionAction {
	action := &ResolutionAction{AppliedAt: e.now()}
	switch c.Kind {
	case KindResource:
		// Serialize contenders: highest priority first, then earliest
		// deadline, then id for stability.
		order := append([]string(nil), c.TaskIDs...)
		sort.SliceStable(order, func(i, j int) bool {
			a, aok := e.res.Task(order[i])
			b, bok := e.res.Task(order[j])
			if !aok || !bok {
				return order[i] < order[j]
			}
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			switch {
			case a.Deadline == nil && b.Deadline == nil:
				return a.ID < b.ID
			case a.Deadline == nil:
				return false
			case b.Deadline == nil:
				return true
			case !a.Deadline.Equal(*b.Deadline):
				return a.Deadline.Before(*b.Deadline)
			}
			return a.ID < b.ID
		})
		action.Kind = ActionSerialize
		action.TaskOrder = order
		action.Detail = fmt.Sprintf("serialized access to %q", c.Resource)

	case KindDeadline:
		id := c.TaskIDs[0]
		t, ok := e.res.Task(id)
		if ok && t.Critical {
			if err := e.res.SetPriority(id, t.Priority+e.config.PriorityBoost); err != nil {
				slog.Warn("priority escalation failed", "task_id", id, "error", err)
				action.Kind = ActionFlag
				action.Detail = "escalation failed; flagged for intervention"
				break
			}
			action.Kind = ActionEscalate
			action.Detail = fmt.Sprintf("priority %d -> %d", t.Priority, t.Priority+e.config.PriorityBoost)
		} else {
			action.Kind = ActionFlag
			action.Detail = "deadline infeasible; flagged for out-of-band intervention"
		}

	case KindPriority:
		// Priority inheritance: the blocking prerequisite inherits its most
		// urgent dependent's priority so the next resolve reorders it.
		prereqID := c.TaskIDs[0]
		depID := c.TaskIDs[1]
		dep, dok := e.res.Task(depID)
		prereq, pok := e.res.Task(prereqID)
		if dok && pok && dep.Priority > prereq.Priority {
			if err := e.res.SetPriority(prereqID, dep.Priority); err != nil {
				slog.Warn("priority inheritance failed", "task_id", prereqID, "error", err)
			}
		}
		action.Kind = ActionReorderHint
		action.Detail = fmt.Sprintf("%q inherits priority of dependent %q", prereqID, depID)

	default:
		action.Kind = ActionNone
		action.Detail = fmt.Sprintf("unknown conflict kind %q", c.Kind)
	}
	return action
}

// Open returns the currently open conflicts in deterministic order.
func (e *Engine) Open() []*Conflict {
	var out []*Conflict
	for _, id := range e.openIDs() {
		out = append(out, e.ledger[id])
	}
	return out
}

// Conflicts returns every recorded conflict, open and resolved, ordered by id.
func (e *Engine) Conflicts() []*Conflict {
	ids := make([]string, 0, len(e.ledger))
	for id := range e.ledger {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Conflict, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.ledger[id])
	}
	return out
}

// Record inserts a conflict observed elsewhere (a peer broadcast) into the
// ledger. Re-recording a known id is a no-op.
func (e *Engine) Record(c *Conflict) {
	if c == nil || c.ID == "" {
		return
	}
	if existing, known := e.ledger[c.ID]; known {
		// A peer may resolve a conflict we also track.
		if c.Status == StatusResolved && existing.Status == StatusOpen {
			existing.Status = StatusResolved
			existing.Resolution = c.Resolution
		}
		return
	}
	e.ledger[c.ID] = c
}

// Export serializes the conflict ledger.
func (e *Engine) Export() ([]byte, error) {
	return json.Marshal(e.Conflicts())
}

// Import merges a serialized ledger, preferring resolved status on overlap.
// The input is peer-controlled, so malformed entries are skipped, not fatal.
func (e *Engine) Import(data []byte) error {
	var list []*Conflict
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("conflict import: %w", err)
	}
	for _, c := range list {
		if c == nil || c.ID == "" {
			continue
		}
		if !c.Kind.Valid() {
			return fmt.Errorf("conflict import: unknown kind %q", c.Kind)
		}
		e.Record(c)
	}
	return nil
}
