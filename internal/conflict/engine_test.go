package conflict

import (
	"testing"
	"time"

	"github.com/yourusername/swarm-resolver/internal/resolver"
	"github.com/yourusername/swarm-resolver/pkg/tasks"
)

func newTestEngine(t *testing.T) (*resolver.Resolver, *Engine) {
	t.Helper()
	res := resolver.New()
	eng := NewEngine(res, DefaultConfig())
	eng.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return res, eng
}

func addTask(t *testing.T, res *resolver.Resolver, task *tasks.Task) {
	t.Helper()
	if err := res.AddTask(task); err != nil {
		t.Fatalf("AddTask(%q): %v", task.ID, err)
	}
}

func TestDetect_ResourceConflict(t *testing.T) {
	res, eng := newTestEngine(t)
	addTask(t, res, &tasks.Task{ID: "x", RequiredResources: []string{"gpu-0"}})
	addTask(t, res, &tasks.Task{ID: "y", RequiredResources: []string{"gpu-0"}})

	found, err := eng.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected 1 conflict, got %d: %+v", len(found), found)
	}
	c := found[0]
	if c.Kind != KindResource || c.Resource != "gpu-0" {
		t.Fatalf("unexpected conflict: %+v", c)
	}
	if len(c.TaskIDs) != 2 || c.TaskIDs[0] != "x" || c.TaskIDs[1] != "y" {
		t.Fatalf("expected tasks [x y], got %v", c.TaskIDs)
	}
}

func TestDetect_NoConflictWhenNotRunnable(t *testing.T) {
	res, eng := newTestEngine(t)
	addTask(t, res, &tasks.Task{ID: "x", RequiredResources: []string{"gpu-0"}})
	addTask(t, res, &tasks.Task{ID: "y", RequiredResources: []string{"gpu-0"}})
	// y depends on x, so only x is runnable: no contention.
	if err := res.AddDependency("y", "x"); err != nil {
		t.Fatal(err)
	}

	found, err := eng.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	for _, c := range found {
		if c.Kind == KindResource {
			t.Fatalf("unexpected resource conflict: %+v", c)
		}
	}
}

func TestDetect_Deterministic(t *testing.T) {
	res, eng := newTestEngine(t)
	deadline := eng.now().Add(50 * time.Millisecond)
	addTask(t, res, &tasks.Task{ID: "a", RequiredResources: []string{"db"}, EstimatedDuration: time.Second, Deadline: &deadline})
	addTask(t, res, &tasks.Task{ID: "b", RequiredResources: []string{"db"}})
	addTask(t, res, &tasks.Task{ID: "c", Priority: 9})
	if err := res.AddDependency("c", "b"); err != nil {
		t.Fatal(err)
	}

	first, err := eng.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	second, err := eng.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("detection not deterministic: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("detection order changed: %v vs %v", first[i].ID, second[i].ID)
		}
	}
}

func TestDetect_DeadlineConflict(t *testing.T) {
	res, eng := newTestEngine(t)
	soon := eng.now().Add(100 * time.Millisecond)
	addTask(t, res, &tasks.Task{ID: "slow", EstimatedDuration: time.Minute, Deadline: &soon})

	found, err := eng.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(found) != 1 || found[0].Kind != KindDeadline {
		t.Fatalf("expected one deadline conflict, got %+v", found)
	}
}

func TestDetect_DeadlineFeasibleIsClean(t *testing.T) {
	res, eng := newTestEngine(t)
	later := eng.now().Add(time.Hour)
	addTask(t, res, &tasks.Task{ID: "ok", EstimatedDuration: time.Second, Deadline: &later})

	found, err := eng.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no conflicts, got %+v", found)
	}
}

func TestDetect_PriorityInversion(t *testing.T) {
	res, eng := newTestEngine(t)
	addTask(t, res, &tasks.Task{ID: "urgent", Priority: 9})
	addTask(t, res, &tasks.Task{ID: "slowpoke", Priority: 1})
	if err := res.AddDependency("urgent", "slowpoke"); err != nil {
		t.Fatal(err)
	}

	found, err := eng.Detect()
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(found) != 1 || found[0].Kind != KindPriority {
		t.Fatalf("expected one priority inversion, got %+v", found)
	}
	if found[0].TaskIDs[0] != "slowpoke" || found[0].TaskIDs[1] != "urgent" {
		t.Fatalf("unexpected implicated tasks: %v", found[0].TaskIDs)
	}
}

func TestResolveAll_ResourcePolicy(t *testing.T) {
	res, eng := newTestEngine(t)
	early := eng.now().Add(time.Hour)
	late := eng.now().Add(2 * time.Hour)
	addTask(t, res, &tasks.Task{ID: "x", Priority: 5, RequiredResources: []string{"gpu-0"}, Deadline: &late})
	addTask(t, res, &tasks.Task{ID: "y", Priority: 5, RequiredResources: []string{"gpu-0"}, Deadline: &early})

	result, err := eng.ResolveAll()
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if result.Detected != 1 || result.Resolved != 1 {
		t.Fatalf("expected 1 detected/resolved, got %+v", result)
	}
	if len(result.Open) != 0 {
		t.Fatalf("expected no open conflicts, got %+v", result.Open)
	}

	conflicts := eng.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 recorded conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.Status != StatusResolved || c.Resolution == nil {
		t.Fatalf("conflict not resolved: %+v", c)
	}
	if c.Resolution.Kind != ActionSerialize {
		t.Fatalf("expected serialize action, got %s", c.Resolution.Kind)
	}
	// Same priority: earliest deadline wins the serialization order.
	if len(c.Resolution.TaskOrder) != 2 || c.Resolution.TaskOrder[0] != "y" {
		t.Fatalf("expected y first, got %v", c.Resolution.TaskOrder)
	}
}

func TestResolveAll_DeadlinePolicy(t *testing.T) {
	res, eng := newTestEngine(t)
	soon := eng.now().Add(time.Millisecond)
	addTask(t, res, &tasks.Task{ID: "crit", Priority: 2, Critical: true, EstimatedDuration: time.Minute, Deadline: &soon})
	addTask(t, res, &tasks.Task{ID: "meh", Priority: 2, EstimatedDuration: time.Minute, Deadline: &soon})

	if _, err := eng.ResolveAll(); err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}

	// Critical task escalated, non-critical flagged.
	crit, _ := res.Task("crit")
	if crit.Priority != 2+DefaultConfig().PriorityBoost {
		t.Fatalf("expected escalated priority, got %d", crit.Priority)
	}
	meh, _ := res.Task("meh")
	if meh.Priority != 2 {
		t.Fatalf("non-critical task must not be escalated, got %d", meh.Priority)
	}
	for _, c := range eng.Conflicts() {
		if c.Kind != KindDeadline {
			continue
		}
		want := ActionFlag
		if c.TaskIDs[0] == "crit" {
			want = ActionEscalate
		}
		if c.Resolution == nil || c.Resolution.Kind != want {
			t.Fatalf("task %s: expected action %s, got %+v", c.TaskIDs[0], want, c.Resolution)
		}
	}
}

func TestResolveAll_PriorityInheritance(t *testing.T) {
	res, eng := newTestEngine(t)
	addTask(t, res, &tasks.Task{ID: "urgent", Priority: 9})
	addTask(t, res, &tasks.Task{ID: "slowpoke", Priority: 1})
	if err := res.AddDependency("urgent", "slowpoke"); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.ResolveAll(); err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	prereq, _ := res.Task("slowpoke")
	if prereq.Priority != 9 {
		t.Fatalf("expected inherited priority 9, got %d", prereq.Priority)
	}
}

func TestResolveAll_Idempotent(t *testing.T) {
	res, eng := newTestEngine(t)
	addTask(t, res, &tasks.Task{ID: "x", RequiredResources: []string{"gpu-0"}})
	addTask(t, res, &tasks.Task{ID: "y", RequiredResources: []string{"gpu-0"}})

	first, err := eng.ResolveAll()
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if first.Resolved == 0 {
		t.Fatalf("expected resolutions on first pass, got %+v", first)
	}

	second, err := eng.ResolveAll()
	if err != nil {
		t.Fatalf("second ResolveAll: %v", err)
	}
	if second.Detected != 0 || second.Resolved != 0 {
		t.Fatalf("second pass must resolve nothing, got %+v", second)
	}
}

func TestResolveAll_GatedByConfig(t *testing.T) {
	res := resolver.New()
	eng := NewEngine(res, Config{AutoResolve: false})
	addTask(t, res, &tasks.Task{ID: "x", RequiredResources: []string{"gpu-0"}})
	addTask(t, res, &tasks.Task{ID: "y", RequiredResources: []string{"gpu-0"}})

	result, err := eng.ResolveAll()
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if result.Resolved != 0 {
		t.Fatalf("auto-resolve disabled, yet %d resolved", result.Resolved)
	}
	if len(result.Open) != 1 {
		t.Fatalf("expected conflict to stay open, got %+v", result.Open)
	}
}

func TestResolveAll_ReportsOpenPhase(t *testing.T) {
	res, eng := newTestEngine(t)
	addTask(t, res, &tasks.Task{ID: "x", RequiredResources: []string{"gpu-0"}})
	addTask(t, res, &tasks.Task{ID: "y", RequiredResources: []string{"gpu-0"}})

	result, err := eng.ResolveAll()
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if len(result.Opened) != 1 {
		t.Fatalf("expected 1 opened conflict, got %+v", result.Opened)
	}
	// The opened copy keeps the pre-resolution status even though the ledger
	// entry was auto-resolved in the same pass.
	if result.Opened[0].Status != StatusOpen {
		t.Fatalf("opened conflict lost its open status: %+v", result.Opened[0])
	}
	if eng.Conflicts()[0].Status != StatusResolved {
		t.Fatalf("ledger entry should be resolved: %+v", eng.Conflicts()[0])
	}
}

func TestLedger_ImportSkipsMalformedEntries(t *testing.T) {
	eng := NewEngine(resolver.New(), DefaultConfig())

	data := []byte(`[null, {"id":"","kind":"resource"}, {"id":"resource-ab12","kind":"resource","task_ids":["a","b"],"status":"open"}]`)
	if err := eng.Import(data); err != nil {
		t.Fatalf("Import: %v", err)
	}
	conflicts := eng.Conflicts()
	if len(conflicts) != 1 || conflicts[0].ID != "resource-ab12" {
		t.Fatalf("expected only the well-formed entry, got %+v", conflicts)
	}
}

func TestLedger_ExportImport(t *testing.T) {
	res, eng := newTestEngine(t)
	addTask(t, res, &tasks.Task{ID: "x", RequiredResources: []string{"gpu-0"}})
	addTask(t, res, &tasks.Task{ID: "y", RequiredResources: []string{"gpu-0"}})
	if _, err := eng.ResolveAll(); err != nil {
		t.Fatal(err)
	}

	data, err := eng.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	other := NewEngine(resolver.New(), DefaultConfig())
	if err := other.Import(data); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(other.Conflicts()) != 1 {
		t.Fatalf("expected 1 conflict after import, got %d", len(other.Conflicts()))
	}
	// Importing twice must not duplicate.
	if err := other.Import(data); err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if len(other.Conflicts()) != 1 {
		t.Fatalf("import is not idempotent: %d conflicts", len(other.Conflicts()))
	}
}
