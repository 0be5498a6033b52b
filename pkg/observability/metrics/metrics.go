package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvnode",
		Name:      "connections_total",
		Help:      "Total number of accepted inbound connections",
	})

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvnode",
		Name:      "decode_errors_total",
		Help:      "Connections closed because a line failed to decode",
	})

	EnvelopesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvnode",
		Name:      "envelopes_routed_total",
		Help:      "Envelopes enqueued per lane",
	}, []string{"lane"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvnode",
		Name:      "queue_depth",
		Help:      "Items waiting in each lane queue at last enqueue",
	}, []string{"lane"})

	BridgeSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvnode",
		Subsystem: "bridge",
		Name:      "sent_total",
		Help:      "Protocol messages sent to peers per lane",
	}, []string{"lane"})

	BridgeDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvnode",
		Subsystem: "bridge",
		Name:      "delivered_total",
		Help:      "Protocol messages handed to the engine per lane",
	}, []string{"lane"})

	BridgeDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvnode",
		Subsystem: "bridge",
		Name:      "dropped_total",
		Help:      "Protocol messages dropped per lane and direction",
	}, []string{"lane", "dir"})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvnode",
		Name:      "commands_total",
		Help:      "Client commands processed by operation and outcome",
	}, []string{"op", "result"})

	NotifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvnode",
		Name:      "notify_failures_total",
		Help:      "Client replies that could not be delivered",
	})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvnode",
		Name:      "is_leader",
		Help:      "1 if this node is the leader, else 0",
	})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvnode",
		Name:      "leader_changes_total",
		Help:      "Total number of observed leader change events",
	})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvnode",
		Subsystem: "grpc",
		Name:      "conn_dials_total",
		Help:      "Management gRPC connections dialed",
	})

	GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvnode",
		Subsystem: "grpc",
		Name:      "conn_reuse_total",
		Help:      "Management gRPC calls served from a cached connection",
	})

	GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvnode",
		Subsystem: "grpc",
		Name:      "conn_evictions_total",
		Help:      "Idle management gRPC connections closed",
	})

	GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kvnode",
		Subsystem: "grpc",
		Name:      "conn_active",
		Help:      "Cached management gRPC connections",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ConnectionsTotal)
		prometheus.MustRegister(DecodeErrors)
		prometheus.MustRegister(EnvelopesRouted)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(BridgeSent)
		prometheus.MustRegister(BridgeDelivered)
		prometheus.MustRegister(BridgeDropped)
		prometheus.MustRegister(CommandsTotal)
		prometheus.MustRegister(NotifyFailures)
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(GRPCConnDials)
		prometheus.MustRegister(GRPCConnReuse)
		prometheus.MustRegister(GRPCConnEvictions)
		prometheus.MustRegister(GRPCConnActive)
	})
}
