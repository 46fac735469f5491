// Package statusapi exposes read-only JSON views over the engine's state for
// external reporting tooling. It consumes getStats/export only and imposes
// nothing on the resolution engine.
package statusapi

import (
	"encoding/json"
	"fmt"

	"github.com/yourusername/swarm-resolver/internal/conflict"
	"github.com/yourusername/swarm-resolver/internal/coordination"
	"github.com/yourusername/swarm-resolver/internal/resolver"
)

// Service fetches data for the status endpoints. It is wired through
// function fields so the package depends on behavior, not on the manager.
type Service struct {
	nodeID    func() string
	state     func() coordination.NodeState
	stats     func() resolver.Stats
	export    func() ([]byte, error)
	conflicts func() []*conflict.Conflict
	nodes     func() []coordination.NodeRecord
}

// NewService wires a service to a coordination manager.
func NewService(m *coordination.Manager) *Service {
	return &Service{
		nodeID:    m.NodeID,
		state:     m.State,
		stats:     m.Stats,
		export:    m.Export,
		conflicts: m.Conflicts,
		nodes:     m.ActiveNodes,
	}
}

// Status is the response body for /stats.
type Status struct {
	NodeID string                 `json:"node_id"`
	State  coordination.NodeState `json:"state"`
	Stats  resolver.Stats         `json:"stats"`
	Peers  int                    `json:"peers"`
}

// GetStatus returns the node's identity, lifecycle state, and graph stats.
func (s *Service) GetStatus() (*Status, error) {
	if s.stats == nil || s.nodeID == nil {
		return nil, fmt.Errorf("status source not configured")
	}
	return &Status{
		NodeID: s.nodeID(),
		State:  s.state(),
		Stats:  s.stats(),
		Peers:  len(s.nodes()),
	}, nil
}

// GetExport returns the full serialized resolver state.
func (s *Service) GetExport() (json.RawMessage, error) {
	if s.export == nil {
		return nil, fmt.Errorf("export source not configured")
	}
	return s.export()
}

// GetConflicts returns all recorded conflicts.
func (s *Service) GetConflicts() ([]*conflict.Conflict, error) {
	if s.conflicts == nil {
		return nil, fmt.Errorf("conflict source not configured")
	}
	return s.conflicts(), nil
}

// GetNodes returns the peers with a recent heartbeat.
func (s *Service) GetNodes() ([]coordination.NodeRecord, error) {
	if s.nodes == nil {
		return nil, fmt.Errorf("node source not configured")
	}
	return s.nodes(), nil
}
