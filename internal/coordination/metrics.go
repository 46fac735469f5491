package coordination

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Counters
	resolutions        prometheus.Counter
	conflictsDetected  *prometheus.CounterVec
	conflictsResolved  *prometheus.CounterVec
	messagesPublished  *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	messagesDropped    *prometheus.CounterVec
	snapshotsPersisted prometheus.Counter
	heartbeatsSent     prometheus.Counter

	// Gauges
	tasksTotal    prometheus.Gauge
	edgesTotal    prometheus.Gauge
	nodesActive   prometheus.Gauge
	pendingEdges  prometheus.Gauge
	conflictsOpen prometheus.Gauge

	// Histograms
	resolveDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolutions_total",
			Help: "Total number of dependency resolutions computed",
		}),
		conflictsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conflicts_detected_total",
				Help: "Total number of conflicts detected",
			},
			[]string{"kind"},
		),
		conflictsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conflicts_resolved_total",
				Help: "Total number of conflicts auto-resolved",
			},
			[]string{"kind"},
		),
		messagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_messages_published_total",
				Help: "Total number of coordination messages published",
			},
			[]string{"type"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_messages_received_total",
				Help: "Total number of coordination messages received from peers",
			},
			[]string{"type"},
		),
		messagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordination_messages_dropped_total",
				Help: "Total number of inbound messages dropped (echo, decode failure, invalid replay)",
			},
			[]string{"reason"},
		),
		snapshotsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshots_persisted_total",
			Help: "Total number of snapshots written to the shared store",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heartbeats_sent_total",
			Help: "Total number of heartbeats broadcast",
		}),
		tasksTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graph_tasks",
			Help: "Current number of tasks in the dependency graph",
		}),
		edgesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graph_edges",
			Help: "Current number of dependency edges",
		}),
		nodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_nodes_active",
			Help: "Number of peers with a recent heartbeat",
		}),
		pendingEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pending_edges",
			Help: "Dependency edges queued waiting for their tasks to arrive",
		}),
		conflictsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conflicts_open",
			Help: "Currently open conflicts",
		}),
		resolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolve_duration_seconds",
			Help:    "Dependency resolution duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
	}

	reg.MustRegister(
		m.resolutions,
		m.conflictsDetected,
		m.conflictsResolved,
		m.messagesPublished,
		m.messagesReceived,
		m.messagesDropped,
		m.snapshotsPersisted,
		m.heartbeatsSent,
		m.tasksTotal,
		m.edgesTotal,
		m.nodesActive,
		m.pendingEdges,
		m.conflictsOpen,
		m.resolveDuration,
	)

	return m
}
