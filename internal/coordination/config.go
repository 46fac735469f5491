package coordination

import (
	"time"
)

// Config holds the coordination manager configuration.
type Config struct {
	// NodeID pins the node identity. When empty, an identity of the form
	// hostname-pid-uuid8 is generated; a pinned identity lets a restarted
	// node find its own persisted snapshot.
	NodeID string `toml:"node_id"`

	// Shared store
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	ChannelPrefix string `toml:"channel_prefix"` // channel and key namespace (default: "swarm")

	// Periodic loops
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"` // default: 5s
	SyncInterval      time.Duration `toml:"sync_interval"`      // snapshot persist + prune cadence (default: 30s)
	SnapshotTTL       time.Duration `toml:"snapshot_ttl"`       // default: 5m
	NodeTimeout       time.Duration `toml:"node_timeout"`       // peer considered stale after (default: 15s)
	PendingEdgeTTL    time.Duration `toml:"pending_edge_ttl"`   // queued out-of-order edges dropped after (default: 1m)

	// Conflict engine
	AutoResolve   bool `toml:"auto_resolve"`   // default: true
	PriorityBoost int  `toml:"priority_boost"` // default: 10

	// Shutdown
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"` // default: 10s
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RedisAddr:         "localhost:6379",
		ChannelPrefix:     "swarm",
		HeartbeatInterval: 5 * time.Second,
		SyncInterval:      30 * time.Second,
		SnapshotTTL:       5 * time.Minute,
		NodeTimeout:       15 * time.Second,
		PendingEdgeTTL:    1 * time.Minute,
		AutoResolve:       true,
		PriorityBoost:     10,
		ShutdownTimeout:   10 * time.Second,
	}
}
