package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/swarm-resolver/internal/coordination"
	"github.com/yourusername/swarm-resolver/internal/statusapi"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to optional TOML config file")
	flag.Parse()

	// Setup structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting swarm resolver", "version", version)

	config, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Connect to the shared store
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	defer client.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		slog.Error("failed to ping redis", "addr", config.RedisAddr, "error", err)
		os.Exit(1)
	}
	pingCancel()

	metrics := coordination.NewMetrics(prometheus.DefaultRegisterer)
	manager := coordination.NewManager(client, config, metrics)

	// Start metrics and status server
	metricsPort := getEnv("METRICS_PORT", "9090")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{
				"status":  "healthy",
				"node_id": manager.NodeID(),
				"state":   manager.State(),
				"version": version,
			})
		})

		statusService := statusapi.NewService(manager)
		statusHandler := statusapi.NewHandler(statusService)
		statusHandler.RegisterRoutes(mux)

		addr := ":" + metricsPort
		slog.Info("status and metrics server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("server failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		slog.Error("failed to join swarm", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutdown signal received")

	if err := manager.Stop(); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}

// fileConfig is the TOML shape; durations are strings like "5s".
type fileConfig struct {
	NodeID            string `toml:"node_id"`
	RedisAddr         string `toml:"redis_addr"`
	RedisPassword     string `toml:"redis_password"`
	RedisDB           int    `toml:"redis_db"`
	ChannelPrefix     string `toml:"channel_prefix"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	SyncInterval      string `toml:"sync_interval"`
	SnapshotTTL       string `toml:"snapshot_ttl"`
	NodeTimeout       string `toml:"node_timeout"`
	PendingEdgeTTL    string `toml:"pending_edge_ttl"`
	AutoResolve       *bool  `toml:"auto_resolve"`
	PriorityBoost     *int   `toml:"priority_boost"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
}

// loadConfig builds the runtime config: defaults, then the optional TOML
// file, then env-var overrides.
func loadConfig(path string) (*coordination.Config, error) {
	config := coordination.DefaultConfig()

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
		if fc.NodeID != "" {
			config.NodeID = fc.NodeID
		}
		if fc.RedisAddr != "" {
			config.RedisAddr = fc.RedisAddr
		}
		if fc.RedisPassword != "" {
			config.RedisPassword = fc.RedisPassword
		}
		if fc.RedisDB != 0 {
			config.RedisDB = fc.RedisDB
		}
		if fc.ChannelPrefix != "" {
			config.ChannelPrefix = fc.ChannelPrefix
		}
		if fc.AutoResolve != nil {
			config.AutoResolve = *fc.AutoResolve
		}
		if fc.PriorityBoost != nil {
			config.PriorityBoost = *fc.PriorityBoost
		}
		durations := []struct {
			value string
			dst   *time.Duration
		}{
			{fc.HeartbeatInterval, &config.HeartbeatInterval},
			{fc.SyncInterval, &config.SyncInterval},
			{fc.SnapshotTTL, &config.SnapshotTTL},
			{fc.NodeTimeout, &config.NodeTimeout},
			{fc.PendingEdgeTTL, &config.PendingEdgeTTL},
			{fc.ShutdownTimeout, &config.ShutdownTimeout},
		}
		for _, d := range durations {
			if d.value == "" {
				continue
			}
			parsed, err := time.ParseDuration(d.value)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q in config file: %w", d.value, err)
			}
			*d.dst = parsed
		}
	}

	// Env overrides
	config.NodeID = getEnv("NODE_ID", config.NodeID)
	config.RedisAddr = getEnv("REDIS_ADDR", config.RedisAddr)
	config.RedisPassword = getEnv("REDIS_PASSWORD", config.RedisPassword)
	config.RedisDB = getEnvInt("REDIS_DB", config.RedisDB)
	config.ChannelPrefix = getEnv("CHANNEL_PREFIX", config.ChannelPrefix)
	config.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", config.HeartbeatInterval)
	config.SyncInterval = getEnvDuration("SYNC_INTERVAL", config.SyncInterval)
	config.SnapshotTTL = getEnvDuration("SNAPSHOT_TTL", config.SnapshotTTL)
	config.NodeTimeout = getEnvDuration("NODE_TIMEOUT", config.NodeTimeout)
	config.PendingEdgeTTL = getEnvDuration("PENDING_EDGE_TTL", config.PendingEdgeTTL)
	config.AutoResolve = getEnvBool("AUTO_RESOLVE", config.AutoResolve)
	config.PriorityBoost = getEnvInt("PRIORITY_BOOST", config.PriorityBoost)
	config.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", config.ShutdownTimeout)

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
