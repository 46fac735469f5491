package resolver

import (
	"container/heap"
	"sort"
)

// Graph stores the directed dependency structure over task ids.
//
// An edge (from, to) means from requires to to complete first. The graph is
// a plain adjacency store; acyclicity is enforced by the Resolver, which
// rejects edges via WouldCycle before inserting them.
type Graph struct {
	out map[string]map[string]struct{} // from -> deps
	in  map[string]map[string]struct{} // to -> dependents
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		out: make(map[string]map[string]struct{}),
		in:  make(map[string]map[string]struct{}),
	}
}

// AddNode registers a node with no edges. Adding an existing node is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.out[id]; ok {
		return
	}
	g.out[id] = make(map[string]struct{})
	g.in[id] = make(map[string]struct{})
}

// RemoveNode deletes a node and all incident edges.
func (g *Graph) RemoveNode(id string) {
	for dep := range g.out[id] {
		delete(g.in[dep], id)
	}
	for dependent := range g.in[id] {
		delete(g.out[dependent], id)
	}
	delete(g.out, id)
	delete(g.in, id)
}

// HasNode reports whether id is present.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.out[id]
	return ok
}

// AddEdge inserts the edge (from, to). Both nodes must exist.
func (g *Graph) AddEdge(from, to string) {
	g.out[from][to] = struct{}{}
	g.in[to][from] = struct{}{}
}

// RemoveEdge deletes the edge (from, to) and reports whether it was present.
func (g *Graph) RemoveEdge(from, to string) bool {
	if _, ok := g.out[from][to]; !ok {
		return false
	}
	delete(g.out[from], to)
	delete(g.in[to], from)
	return true
}

// HasEdge reports whether the edge (from, to) is present.
func (g *Graph) HasEdge(from, to string) bool {
	_, ok := g.out[from][to]
	return ok
}

// Dependencies returns the ids from depends on, sorted.
func (g *Graph) Dependencies(from string) []string {
	return sortedKeys(g.out[from])
}

// Dependents returns the ids that depend on to, sorted.
func (g *Graph) Dependents(to string) []string {
	return sortedKeys(g.in[to])
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.out) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, deps := range g.out {
		n += len(deps)
	}
	return n
}

// WouldCycle reports whether inserting (from, to) would close a cycle.
//
// The edge closes a cycle iff from is already reachable from to, or the edge
// is a self-loop. The graph is not modified.
func (g *Graph) WouldCycle(from, to string) bool {
	if from == to {
		return true
	}
	visited := make(map[string]struct{})
	stack := []string{to}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == from {
			return true
		}
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		for dep := range g.out[cur] {
			stack = append(stack, dep)
		}
	}
	return false
}

// HasCycles runs a Tarjan strongly-connected-components scan. Any component
// of size > 1, or a self-loop, indicates a cycle.
func (g *Graph) HasCycles() bool {
	for id := range g.out {
		if _, ok := g.out[id][id]; ok {
			return true
		}
	}

	index := make(map[string]int, len(g.out))
	lowlink := make(map[string]int, len(g.out))
	onStack := make(map[string]bool, len(g.out))
	var stack []string
	next := 0
	cyclic := false

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = next
		lowlink[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for w := range g.out[v] {
			if _, seen := index[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
		}

		if lowlink[v] == index[v] {
			size := 0
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				size++
				if w == v {
					break
				}
			}
			if size > 1 {
				cyclic = true
			}
		}
	}

	for v := range g.out {
		if cyclic {
			return true
		}
		if _, seen := index[v]; !seen {
			strongconnect(v)
		}
	}
	return cyclic
}

// TopologicalOrder returns a deterministic topological ordering via Kahn's
// algorithm. The ready set is a min-heap ordered by less, which must be a
// total order over node ids for the result to be deterministic.
//
// Returns nil if the graph contains a cycle.
func (g *Graph) TopologicalOrder(less func(a, b string) bool) []string {
	indeg := make(map[string]int, len(g.out))
	for id := range g.out {
		indeg[id] = len(g.out[id])
	}

	ready := &idHeap{less: less}
	heap.Init(ready)
	for id, d := range indeg {
		if d == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(g.out))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for dependent := range g.in[id] {
			indeg[dependent]--
			if indeg[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(order) != len(g.out) {
		return nil
	}
	return order
}

// idHeap is a min-heap of node ids under a caller-supplied total order.
type idHeap struct {
	ids  []string
	less func(a, b string) bool
}

func (h *idHeap) Len() int           { return len(h.ids) }
func (h *idHeap) Less(i, j int) bool { return h.less(h.ids[i], h.ids[j]) }
func (h *idHeap) Swap(i, j int)      { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *idHeap) Push(x any)         { h.ids = append(h.ids, x.(string)) }
func (h *idHeap) Pop() any {
	old := h.ids
	n := len(old)
	x := old[n-1]
	h.ids = old[:n-1]
	return x
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
