// Package clustermetrics defines Prometheus metrics for the cluster,
// relabeled from a bucket_id dimension onto pool and node_id,
// with a composite_key dimension for queue fan-out.
package clustermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks connections currently handed to a request,
	// per pool.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbcluster_connections_active",
		Help: "Number of connections currently assigned to a request, per pool",
	}, []string{"pool"})

	// ConnectionsIdle tracks parked (idle, unassigned) connections per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbcluster_connections_idle",
		Help: "Number of idle connections parked in a pool",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured maxConnections per node.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbcluster_connections_max",
		Help: "Configured maximum connections per node",
	}, []string{"node_id"})

	// ConnectionsTotal counts connection lifecycle events.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbcluster_connections_total",
		Help: "Total connection lifecycle events",
	}, []string{"node_id", "event"})

	// QueueLength tracks q.length for every composite queue, keyed by its
	// composite key — the raw, double-counted signal.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbcluster_queue_length",
		Help: "Number of requests waiting in a composite queue",
	}, []string{"composite_key"})

	// QueueWaitDuration tracks how long a request actually waited before
	// being resolved or aborted.
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbcluster_queue_wait_seconds",
		Help:    "Time spent waiting in a queue for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// QueryDuration tracks query() execution time.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbcluster_query_duration_seconds",
		Help:    "query() execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pool"})

	// ConnectionErrors counts node/connection-level errors by kind.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbcluster_connection_errors_total",
		Help: "Total connection errors by kind",
	}, []string{"node_id", "kind"})

	// RequestsAborted counts requests rejected by kind (Timeout, NoServer,
	// Shutdown, QueueFull).
	RequestsAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dbcluster_requests_aborted_total",
		Help: "Total ConnectionRequests aborted, by error kind",
	}, []string{"pool", "kind"})

	// PresenceHeartbeat tracks this instance's last-known heartbeat status.
	PresenceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbcluster_presence_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})
)
