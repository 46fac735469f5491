package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/swarm-resolver/internal/conflict"
	"github.com/yourusername/swarm-resolver/internal/resolver"
	"github.com/yourusername/swarm-resolver/pkg/tasks"
)

// NodeState is a node's position in the swarm lifecycle.
type NodeState string

const (
	StateJoining NodeState = "joining"
	StateActive  NodeState = "active"
	StateLeaving NodeState = "leaving"
)

// pendingEdge is a dependency that arrived over the network before one of
// its endpoint tasks. It is applied when the task shows up and dropped after
// PendingEdgeTTL.
type pendingEdge struct {
	from       string
	to         string
	receivedAt time.Time
}

// ResolutionResult is what a resolution pass returns to callers.
type ResolutionResult struct {
	Order             []string      `json:"order"`
	ConflictsDetected int           `json:"conflicts_detected"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	Duration          time.Duration `json:"-"`
	DurationMs        int64         `json:"duration_ms"`
}

// Manager wraps the resolver and conflict engine with swarm coordination:
// every successful local mutation is applied first, then broadcast; inbound
// broadcasts are replayed through the same API idempotently.
//
// All graph access is serialized by the manager's mutex; the resolver and
// engine themselves stay lock-free.
type Manager struct {
	nodeID   string
	config   *Config
	client   *redis.Client
	channels Channels
	metrics  *Metrics
	registry *Registry

	mu      sync.Mutex
	res     *resolver.Resolver
	eng     *conflict.Engine
	pending map[string][]pendingEdge
	state   NodeState

	// awaitingSync is set while the node has no snapshot of its own and is
	// waiting for a peer's sync-state.
	awaitingSync bool

	outbox chan *Envelope
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager with a fresh node identity.
func NewManager(client *redis.Client, config *Config, metrics *Metrics) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	nodeID := config.NodeID
	if nodeID == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "unknown"
		}
		nodeID = fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
	}

	res := resolver.New()
	eng := conflict.NewEngine(res, conflict.Config{
		AutoResolve:   config.AutoResolve,
		PriorityBoost: config.PriorityBoost,
	})

	return &Manager{
		nodeID:   nodeID,
		config:   config,
		client:   client,
		channels: ChannelsFor(config.ChannelPrefix),
		metrics:  metrics,
		registry: NewRegistry(),
		res:      res,
		eng:      eng,
		pending:  make(map[string][]pendingEdge),
		state:    StateJoining,
		outbox:   make(chan *Envelope, 256),
	}
}

// NodeID returns this node's identity.
func (m *Manager) NodeID() string { return m.nodeID }

// State returns the node's lifecycle state.
func (m *Manager) State() NodeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start joins the swarm: restore or request state, subscribe to all
// channels, and launch the consumer, publisher, heartbeat, and sync loops.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	// Restore own snapshot before accepting any mutations.
	restored, err := m.restoreSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	m.pubsub = m.client.Subscribe(ctx, m.channels.All()...)
	if _, err := m.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	m.wg.Add(4)
	go m.publishLoop(ctx)
	go m.consumeLoop(ctx)
	go m.heartbeatLoop(ctx)
	go m.syncLoop(ctx)

	if !restored {
		m.mu.Lock()
		m.awaitingSync = true
		m.mu.Unlock()
		m.broadcast(TypeSyncRequest, nil)
	}

	m.broadcast(TypeNodeJoined, nil)
	m.mu.Lock()
	m.state = StateActive
	m.mu.Unlock()

	slog.Info("node joined swarm",
		"node_id", m.nodeID,
		"restored", restored,
		"channels", m.channels.All())
	return nil
}

// Stop leaves the swarm: announce departure, persist a final snapshot, and
// tear down subscriptions and timers without leaking goroutines.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.state = StateLeaving
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.ShutdownTimeout)
	defer cancel()

	// Announce synchronously; the outbox is about to shut down.
	if env, err := NewEnvelope(TypeNodeLeft, m.nodeID, nil); err == nil {
		m.publish(ctx, env)
	}
	m.persistSnapshot(ctx)

	if m.cancel != nil {
		m.cancel()
	}
	if m.pubsub != nil {
		if err := m.pubsub.Close(); err != nil {
			slog.Error("pubsub close failed", "node_id", m.nodeID, "error", err)
		}
	}
	m.wg.Wait()

	slog.Info("node left swarm", "node_id", m.nodeID)
	return nil
}

// AddTask applies the task locally, then broadcasts task-added. The
// broadcast carries the stored task, so peers receive the assigned sequence
// and adopt it as-is.
func (m *Manager) AddTask(t *tasks.Task) error {
	m.mu.Lock()
	err := m.res.AddTask(t)
	var stored *tasks.Task
	if err == nil {
		stored, _ = m.res.Task(t.ID)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.broadcast(TypeTaskAdded, TaskAddedPayload{Task: stored})
	return nil
}

// RemoveTask applies the removal locally, then broadcasts task-removed.
func (m *Manager) RemoveTask(id string) error {
	m.mu.Lock()
	err := m.res.RemoveTask(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.broadcast(TypeTaskRemoved, TaskRemovedPayload{TaskID: id})
	return nil
}

// AddDependency applies the edge locally (strict existence and cycle
// checks), then broadcasts dependency-added.
func (m *Manager) AddDependency(from, to string) error {
	m.mu.Lock()
	err := m.res.AddDependency(from, to)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.broadcast(TypeDependencyAdded, DependencyPayload{From: from, To: to})
	return nil
}

// RemoveDependency removes the edge locally, then broadcasts
// dependency-removed.
func (m *Manager) RemoveDependency(from, to string) {
	m.mu.Lock()
	m.res.RemoveDependency(from, to)
	m.mu.Unlock()
	m.broadcast(TypeDependencyRemoved, DependencyPayload{From: from, To: to})
}

// UpdateTaskState applies the lifecycle transition locally, then broadcasts
// task-state-changed.
func (m *Manager) UpdateTaskState(id string, state tasks.TaskState) error {
	m.mu.Lock()
	err := m.res.UpdateTaskState(id, state)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.broadcast(TypeTaskStateChanged, TaskStateChangedPayload{TaskID: id, State: state})
	return nil
}

// Resolve computes the execution order and runs a conflict pass, returning
// the order plus conflict counts. Every newly detected conflict is broadcast
// as conflict-detected before any conflict-resolved, so peers' ledgers see
// the open phase even when auto-resolution closes it in the same pass.
func (m *Manager) Resolve() (*ResolutionResult, error) {
	m.mu.Lock()
	result, cres, err := m.resolveLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, c := range cres.Opened {
		m.broadcast(TypeConflictDetected, ConflictPayload{Conflict: c})
	}
	for _, c := range cres.Changed {
		if c.Status == conflict.StatusResolved {
			m.broadcast(TypeConflictResolved, ConflictPayload{Conflict: c})
		}
	}
	return result, nil
}

// resolveLocked runs resolution + conflict handling. Caller holds m.mu.
func (m *Manager) resolveLocked() (*ResolutionResult, *conflict.Result, error) {
	start := time.Now()

	conflictResult, err := m.eng.ResolveAll()
	if err != nil {
		return nil, nil, err
	}
	order, err := m.res.Resolve()
	if err != nil {
		return nil, nil, err
	}
	elapsed := time.Since(start)

	if m.metrics != nil {
		m.metrics.resolutions.Inc()
		m.metrics.resolveDuration.Observe(elapsed.Seconds())
		m.metrics.conflictsOpen.Set(float64(len(conflictResult.Open)))
		for _, c := range conflictResult.Opened {
			m.metrics.conflictsDetected.WithLabelValues(string(c.Kind)).Inc()
		}
		for _, c := range conflictResult.Changed {
			if c.Status == conflict.StatusResolved {
				m.metrics.conflictsResolved.WithLabelValues(string(c.Kind)).Inc()
			}
		}
	}

	return &ResolutionResult{
		Order:             order,
		ConflictsDetected: conflictResult.Detected,
		ConflictsResolved: conflictResult.Resolved,
		Duration:          elapsed,
		DurationMs:        elapsed.Milliseconds(),
	}, conflictResult, nil
}

// Stats returns resolver statistics.
func (m *Manager) Stats() resolver.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.res.Stats()
}

// Export returns the serialized resolver state.
func (m *Manager) Export() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.res.Export()
}

// Conflicts returns all recorded conflicts.
func (m *Manager) Conflicts() []*conflict.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eng.Conflicts()
}

// ActiveNodes returns peers with a recent heartbeat.
func (m *Manager) ActiveNodes() []NodeRecord {
	return m.registry.Active(m.config.NodeTimeout)
}

// broadcast queues an envelope for asynchronous publishing. The send is
// non-blocking: a full outbox drops the message with a log line, and the
// already-applied local mutation stands either way.
func (m *Manager) broadcast(msgType MessageType, payload any) {
	env, err := NewEnvelope(msgType, m.nodeID, payload)
	if err != nil {
		slog.Error("encode broadcast failed", "type", msgType, "error", err)
		return
	}
	select {
	case m.outbox <- env:
	default:
		slog.Warn("outbox full, dropping broadcast", "type", msgType)
		if m.metrics != nil {
			m.metrics.messagesDropped.WithLabelValues("outbox-full").Inc()
		}
	}
}

// publishLoop drains the outbox. Publish failures are logged and swallowed;
// the next periodic sync carries the state anyway.
func (m *Manager) publishLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.outbox:
			m.publish(ctx, env)
		}
	}
}

func (m *Manager) publish(ctx context.Context, env *Envelope) {
	data, err := env.Encode()
	if err != nil {
		slog.Error("encode envelope failed", "type", env.Type, "error", err)
		return
	}
	channel := m.channels.channelFor(env.Type)
	if err := m.client.Publish(ctx, channel, data).Err(); err != nil {
		slog.Error("publish failed", "type", env.Type, "channel", channel, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.messagesPublished.WithLabelValues(string(env.Type)).Inc()
	}
}

// consumeLoop is the single consumer for all subscribed channels. It
// decodes, suppresses own echoes, and dispatches to the typed handlers.
func (m *Manager) consumeLoop(ctx context.Context) {
	defer m.wg.Done()
	ch := m.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				slog.Warn("dropping undecodable message", "channel", msg.Channel, "error", err)
				if m.metrics != nil {
					m.metrics.messagesDropped.WithLabelValues("decode").Inc()
				}
				continue
			}
			if env.NodeID == m.nodeID {
				continue // echo suppression
			}
			if m.metrics != nil {
				m.metrics.messagesReceived.WithLabelValues(string(env.Type)).Inc()
			}
			m.handleMessage(ctx, env)
		}
	}
}

// handleMessage replays a peer's mutation through the local API. Applies are
// idempotent: duplicates are no-ops, invalid replays are logged and dropped,
// never surfaced.
func (m *Manager) handleMessage(ctx context.Context, env *Envelope) {
	switch env.Type {
	case TypeTaskAdded:
		var p TaskAddedPayload
		if !m.decodePayload(env, &p) || p.Task == nil {
			return
		}
		m.applyRemoteTask(p.Task)

	case TypeTaskStateChanged:
		var p TaskStateChangedPayload
		if !m.decodePayload(env, &p) {
			return
		}
		m.applyRemoteState(p.TaskID, p.State)

	case TypeTaskRemoved:
		var p TaskRemovedPayload
		if !m.decodePayload(env, &p) {
			return
		}
		m.mu.Lock()
		_ = m.res.RemoveTask(p.TaskID) // unknown id: already gone, fine
		m.mu.Unlock()

	case TypeDependencyAdded:
		var p DependencyPayload
		if !m.decodePayload(env, &p) {
			return
		}
		m.applyRemoteDependency(p.From, p.To)

	case TypeDependencyRemoved:
		var p DependencyPayload
		if !m.decodePayload(env, &p) {
			return
		}
		m.mu.Lock()
		m.res.RemoveDependency(p.From, p.To)
		m.mu.Unlock()

	case TypeConflictDetected, TypeConflictResolved:
		var p ConflictPayload
		if !m.decodePayload(env, &p) {
			return
		}
		m.mu.Lock()
		m.eng.Record(p.Conflict)
		m.mu.Unlock()

	case TypeResolveRequested:
		m.mu.Lock()
		result, cres, err := m.resolveLocked()
		m.mu.Unlock()
		if err != nil {
			slog.Error("requested resolve failed", "from", env.NodeID, "error", err)
			return
		}
		for _, c := range cres.Opened {
			m.broadcast(TypeConflictDetected, ConflictPayload{Conflict: c})
		}
		for _, c := range cres.Changed {
			if c.Status == conflict.StatusResolved {
				m.broadcast(TypeConflictResolved, ConflictPayload{Conflict: c})
			}
		}
		m.broadcast(TypeResolveCompleted, ResolveCompletedPayload{
			Order:             result.Order,
			ConflictsDetected: result.ConflictsDetected,
			ConflictsResolved: result.ConflictsResolved,
			DurationMs:        result.DurationMs,
		})

	case TypeResolveCompleted:
		slog.Debug("peer resolution completed", "node_id", env.NodeID)

	case TypeNodeJoined:
		m.registry.Touch(env.NodeID, resolver.Stats{})
		slog.Info("peer joined", "node_id", env.NodeID)

	case TypeNodeLeft:
		m.registry.Remove(env.NodeID)
		slog.Info("peer left", "node_id", env.NodeID)

	case TypeHeartbeat:
		var p HeartbeatPayload
		if !m.decodePayload(env, &p) {
			return
		}
		m.registry.Touch(env.NodeID, p.Stats)

	case TypeSyncRequest:
		m.mu.Lock()
		snap := m.res.Snapshot()
		ledger, err := m.eng.Export()
		m.mu.Unlock()
		if err != nil {
			slog.Error("export for sync failed", "error", err)
			return
		}
		m.broadcast(TypeSyncState, SyncStatePayload{Resolver: snap, Conflicts: ledger})

	case TypeSyncState:
		var p SyncStatePayload
		if !m.decodePayload(env, &p) {
			return
		}
		m.applySyncState(&p, env.NodeID)
	}
}

func (m *Manager) decodePayload(env *Envelope, out any) bool {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		slog.Warn("dropping message with bad payload", "type", env.Type, "from", env.NodeID, "error", err)
		if m.metrics != nil {
			m.metrics.messagesDropped.WithLabelValues("payload").Inc()
		}
		return false
	}
	return true
}

// applyRemoteTask adopts a peer's task, keeping its wire sequence so both
// nodes tie-break identically. Re-adding a known id via the network path is
// a no-op, then any queued edges waiting on this task are flushed.
func (m *Manager) applyRemoteTask(t *tasks.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.res.Task(t.ID); !exists {
		if err := m.res.AdoptTask(t); err != nil {
			slog.Warn("remote task apply failed", "task_id", t.ID, "error", err)
			if m.metrics != nil {
				m.metrics.messagesDropped.WithLabelValues("apply").Inc()
			}
			return
		}
	}
	m.flushPendingLocked(t.ID)
}

// applyRemoteState replays a lifecycle transition. Replays of transitions we
// already saw are invalid by the lifecycle rules and are silently dropped.
func (m *Manager) applyRemoteState(id string, state tasks.TaskState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.res.Task(id)
	if ok && t.State == state {
		return // duplicate delivery
	}
	if err := m.res.UpdateTaskState(id, state); err != nil {
		slog.Debug("remote state apply dropped", "task_id", id, "state", state, "error", err)
		if m.metrics != nil {
			m.metrics.messagesDropped.WithLabelValues("apply").Inc()
		}
	}
}

// applyRemoteDependency inserts a peer's edge. An edge referencing a task we
// have not seen yet is queued until the task-added message lands; an edge
// that would close a cycle locally is dropped.
func (m *Manager) applyRemoteDependency(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyOrQueueEdgeLocked(from, to, time.Now())
}

func (m *Manager) applyOrQueueEdgeLocked(from, to string, receivedAt time.Time) {
	_, haveFrom := m.res.Task(from)
	_, haveTo := m.res.Task(to)
	if !haveFrom || !haveTo {
		missing := from
		if haveFrom {
			missing = to
		}
		m.pending[missing] = append(m.pending[missing], pendingEdge{from: from, to: to, receivedAt: receivedAt})
		if m.metrics != nil {
			m.metrics.pendingEdges.Set(float64(m.pendingCountLocked()))
		}
		slog.Debug("queued out-of-order edge", "from", from, "to", to, "missing", missing)
		return
	}
	if err := m.res.AddDependency(from, to); err != nil {
		slog.Warn("remote edge apply dropped", "from", from, "to", to, "error", err)
		if m.metrics != nil {
			m.metrics.messagesDropped.WithLabelValues("apply").Inc()
		}
	}
}

// flushPendingLocked retries edges that were waiting for the given task.
func (m *Manager) flushPendingLocked(taskID string) {
	queued, ok := m.pending[taskID]
	if !ok {
		return
	}
	delete(m.pending, taskID)
	for _, e := range queued {
		m.applyOrQueueEdgeLocked(e.from, e.to, e.receivedAt)
	}
	if m.metrics != nil {
		m.metrics.pendingEdges.Set(float64(m.pendingCountLocked()))
	}
}

func (m *Manager) pendingCountLocked() int {
	n := 0
	for _, edges := range m.pending {
		n += len(edges)
	}
	return n
}

// prunePendingLocked drops queued edges older than PendingEdgeTTL.
func (m *Manager) prunePendingLocked(now time.Time) {
	cutoff := now.Add(-m.config.PendingEdgeTTL)
	for id, edges := range m.pending {
		kept := edges[:0]
		for _, e := range edges {
			if e.receivedAt.After(cutoff) {
				kept = append(kept, e)
			} else {
				slog.Warn("dropping expired pending edge", "from", e.from, "to", e.to)
			}
		}
		if len(kept) == 0 {
			delete(m.pending, id)
		} else {
			m.pending[id] = kept
		}
	}
}

// applySyncState merges a peer's state while this node is awaiting sync.
func (m *Manager) applySyncState(p *SyncStatePayload, from string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.awaitingSync {
		return
	}
	if p.Resolver != nil {
		if err := m.res.Merge(p.Resolver); err != nil {
			slog.Error("sync merge failed", "from", from, "error", err)
			return
		}
	}
	if len(p.Conflicts) > 0 {
		if err := m.eng.Import(p.Conflicts); err != nil {
			slog.Warn("sync conflict import failed", "from", from, "error", err)
		}
	}
	m.awaitingSync = false
	slog.Info("synced state from peer", "from", from, "tasks", m.res.Stats().TaskCount)
}

// heartbeatLoop periodically broadcasts node identity plus summary stats.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.broadcast(TypeHeartbeat, HeartbeatPayload{Stats: m.Stats()})
			if m.metrics != nil {
				m.metrics.heartbeatsSent.Inc()
			}
		}
	}
}

// syncLoop periodically persists a snapshot, prunes stale peers and expired
// pending edges, and refreshes gauges.
func (m *Manager) syncLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.persistSnapshot(ctx)
			m.registry.PruneStale(m.config.NodeTimeout)

			m.mu.Lock()
			m.prunePendingLocked(time.Now())
			stats := m.res.Stats()
			pending := m.pendingCountLocked()
			m.mu.Unlock()

			if m.metrics != nil {
				m.metrics.tasksTotal.Set(float64(stats.TaskCount))
				m.metrics.edgesTotal.Set(float64(stats.EdgeCount))
				m.metrics.pendingEdges.Set(float64(pending))
				m.metrics.nodesActive.Set(float64(len(m.ActiveNodes())))
			}
		}
	}
}

// persistSnapshot writes the full node state to the shared store with a
// bounded TTL. Failures are logged and swallowed; the next cycle retries.
func (m *Manager) persistSnapshot(ctx context.Context) {
	m.mu.Lock()
	snap := m.res.Snapshot()
	ledger, err := m.eng.Export()
	m.mu.Unlock()
	if err != nil {
		slog.Error("snapshot export failed", "node_id", m.nodeID, "error", err)
		return
	}

	record := PersistedSnapshot{
		ResolverState: snap,
		ConflictState: ledger,
		NodeID:        m.nodeID,
		Timestamp:     time.Now().UnixMilli(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("snapshot encode failed", "node_id", m.nodeID, "error", err)
		return
	}

	key := SnapshotKeyFor(m.config.ChannelPrefix, m.nodeID)
	if err := m.client.Set(ctx, key, data, m.config.SnapshotTTL).Err(); err != nil {
		slog.Error("snapshot persist failed", "node_id", m.nodeID, "key", key, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.snapshotsPersisted.Inc()
	}
	slog.Debug("snapshot persisted", "node_id", m.nodeID, "key", key, "tasks", len(snap.Tasks))
}

// restoreSnapshot loads this node's persisted snapshot, if one exists.
func (m *Manager) restoreSnapshot(ctx context.Context) (bool, error) {
	key := SnapshotKeyFor(m.config.ChannelPrefix, m.nodeID)
	data, err := m.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var record PersistedSnapshot
	if err := json.Unmarshal(data, &record); err != nil {
		return false, fmt.Errorf("decode persisted snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if record.ResolverState != nil {
		if err := m.res.Restore(record.ResolverState); err != nil {
			return false, err
		}
	}
	if len(record.ConflictState) > 0 {
		if err := m.eng.Import(record.ConflictState); err != nil {
			return false, err
		}
	}
	slog.Info("restored snapshot", "node_id", m.nodeID, "tasks", m.res.Stats().TaskCount)
	return true, nil
}
