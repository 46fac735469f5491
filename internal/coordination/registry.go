package coordination

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/swarm-resolver/internal/resolver"
)

// NodeRecord is one peer's last known activity.
type NodeRecord struct {
	ID       string         `json:"id"`
	LastSeen time.Time      `json:"last_seen"`
	Stats    resolver.Stats `json:"stats"`
}

// Registry tracks peer liveness from heartbeat and lifecycle messages.
// Records for peers that miss heartbeats are pruned by the sync loop.
type Registry struct {
	mu    sync.Mutex
	nodes map[string]*NodeRecord
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*NodeRecord)}
}

// Touch refreshes a peer's activity record.
func (r *Registry) Touch(nodeID string, stats resolver.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[nodeID]
	if !ok {
		rec = &NodeRecord{ID: nodeID}
		r.nodes[nodeID] = rec
	}
	rec.LastSeen = time.Now()
	rec.Stats = stats
}

// Remove deletes a peer's record (node-left).
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// Active returns the records of peers seen within timeout, ordered by id.
func (r *Registry) Active(timeout time.Duration) []NodeRecord {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []NodeRecord
	for _, rec := range r.nodes {
		if rec.LastSeen.After(cutoff) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PruneStale removes peers not seen within timeout and returns how many
// records were dropped.
func (r *Registry) PruneStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, rec := range r.nodes {
		if rec.LastSeen.Before(cutoff) {
			delete(r.nodes, id)
			pruned++
		}
	}
	if pruned > 0 {
		slog.Warn("pruned stale nodes", "count", pruned)
	}
	return pruned
}

// Len returns the number of tracked peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}
