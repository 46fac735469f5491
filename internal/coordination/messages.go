package coordination

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/yourusername/swarm-resolver/internal/conflict"
	"github.com/yourusername/swarm-resolver/internal/resolver"
	"github.com/yourusername/swarm-resolver/pkg/tasks"
)

// MessageType identifies a coordination message. The set is closed and the
// consumer loop dispatches on it exhaustively.
type MessageType string

const (
	TypeTaskAdded         MessageType = "task-added"
	TypeTaskStateChanged  MessageType = "task-state-changed"
	TypeTaskRemoved       MessageType = "task-removed"
	TypeDependencyAdded   MessageType = "dependency-added"
	TypeDependencyRemoved MessageType = "dependency-removed"
	TypeConflictDetected  MessageType = "conflict-detected"
	TypeConflictResolved  MessageType = "conflict-resolved"
	TypeResolveRequested  MessageType = "resolve-requested"
	TypeResolveCompleted  MessageType = "resolve-completed"
	TypeNodeJoined        MessageType = "node-joined"
	TypeNodeLeft          MessageType = "node-left"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeSyncRequest       MessageType = "sync-request"
	TypeSyncState         MessageType = "sync-state"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskAdded, TypeTaskStateChanged, TypeTaskRemoved,
		TypeDependencyAdded, TypeDependencyRemoved,
		TypeConflictDetected, TypeConflictResolved,
		TypeResolveRequested, TypeResolveCompleted,
		TypeNodeJoined, TypeNodeLeft, TypeHeartbeat,
		TypeSyncRequest, TypeSyncState:
		return true
	default:
		return false
	}
}

// Envelope is the wire frame for every coordination message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	NodeID    string          `json:"node_id"`
	Timestamp int64           `json:"timestamp"` // epoch-ms
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload into an envelope stamped with the node
// identity and current time.
func NewEnvelope(msgType MessageType, nodeID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		NodeID:    nodeID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a received message and validates its type.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("decode envelope: unknown type %q", env.Type)
	}
	if env.NodeID == "" {
		return nil, fmt.Errorf("decode envelope: missing node id")
	}
	return &env, nil
}

// Typed payloads. Each message type carries exactly one of these.

type TaskAddedPayload struct {
	Task *tasks.Task `json:"task"`
}

type TaskStateChangedPayload struct {
	TaskID string          `json:"task_id"`
	State  tasks.TaskState `json:"state"`
}

type TaskRemovedPayload struct {
	TaskID string `json:"task_id"`
}

type DependencyPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ConflictPayload struct {
	Conflict *conflict.Conflict `json:"conflict"`
}

type ResolveCompletedPayload struct {
	Order             []string `json:"order"`
	ConflictsDetected int      `json:"conflicts_detected"`
	ConflictsResolved int      `json:"conflicts_resolved"`
	DurationMs        int64    `json:"duration_ms"`
}

type HeartbeatPayload struct {
	Stats resolver.Stats `json:"stats"`
}

type SyncStatePayload struct {
	Resolver  *resolver.Snapshot `json:"resolver"`
	Conflicts json.RawMessage    `json:"conflicts,omitempty"`
}

// Channels groups the per-concern pub/sub channel names.
type Channels struct {
	Dependencies string
	Conflicts    string
	Resolution   string
	Coordination string
	Heartbeat    string
}

// ChannelsFor derives the channel names from a prefix.
func ChannelsFor(prefix string) Channels {
	return Channels{
		Dependencies: prefix + ":dependencies",
		Conflicts:    prefix + ":conflicts",
		Resolution:   prefix + ":resolution",
		Coordination: prefix + ":coordination",
		Heartbeat:    prefix + ":heartbeat",
	}
}

// All returns the channel names for subscribing.
func (c Channels) All() []string {
	return []string{c.Dependencies, c.Conflicts, c.Resolution, c.Coordination, c.Heartbeat}
}

// channelFor routes a message type to its concern's channel.
func (c Channels) channelFor(t MessageType) string {
	switch t {
	case TypeTaskAdded, TypeTaskStateChanged, TypeTaskRemoved, TypeDependencyAdded, TypeDependencyRemoved:
		return c.Dependencies
	case TypeConflictDetected, TypeConflictResolved:
		return c.Conflicts
	case TypeResolveRequested, TypeResolveCompleted:
		return c.Resolution
	case TypeNodeJoined, TypeNodeLeft, TypeSyncRequest, TypeSyncState:
		return c.Coordination
	case TypeHeartbeat:
		return c.Heartbeat
	default:
		return c.Coordination
	}
}

// SnapshotKeyFor is the Redis key holding a node's persisted snapshot.
func SnapshotKeyFor(prefix, nodeID string) string {
	return prefix + ":snapshot:" + nodeID
}

// PersistedSnapshot is the record written to the shared store.
type PersistedSnapshot struct {
	ResolverState *resolver.Snapshot `json:"resolverState"`
	ConflictState json.RawMessage    `json:"conflictState,omitempty"`
	NodeID        string             `json:"nodeId"`
	Timestamp     int64              `json:"timestamp"` // epoch-ms
}
