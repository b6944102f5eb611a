package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordination core
type Metrics struct {
	// Request metrics
	WritesTotal     *prometheus.CounterVec
	ReadsTotal      *prometheus.CounterVec
	DeletesTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Consistency metrics
	QuorumFailures *prometheus.CounterVec
	ConflictsTotal prometheus.Counter
	RollbacksTotal prometheus.Counter

	// Repair / replication metrics
	RepairsTotal        prometheus.Counter
	ReplicationsTotal   *prometheus.CounterVec
	ReReplicationsTotal prometheus.Counter
	MigrationsTotal     *prometheus.CounterVec

	// Cluster metrics
	ClusterNodes  prometheus.Gauge
	HealthyNodes  prometheus.Gauge
	IsLeader      prometheus.Gauge
	EvictionsTotal prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		WritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distfs_writes_total",
				Help: "Total number of write operations",
			},
			[]string{"consistency", "outcome"},
		),

		ReadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distfs_reads_total",
				Help: "Total number of read operations",
			},
			[]string{"consistency", "outcome"},
		),

		DeletesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distfs_deletes_total",
				Help: "Total number of delete operations",
			},
			[]string{"outcome"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distfs_request_duration_seconds",
				Help:    "Duration of request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "consistency"},
		),

		QuorumFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distfs_quorum_failures_total",
				Help: "Total number of operations that failed to meet their consistency level",
			},
			[]string{"operation", "consistency"},
		),

		ConflictsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "distfs_conflicts_total",
				Help: "Total number of version conflicts detected during reads",
			},
		),

		RollbacksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "distfs_rollbacks_total",
				Help: "Total number of write rollbacks issued",
			},
		),

		RepairsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "distfs_repairs_total",
				Help: "Total number of read-repair operations scheduled",
			},
		),

		ReplicationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distfs_replications_total",
				Help: "Total number of replica pushes",
			},
			[]string{"outcome"},
		),

		ReReplicationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "distfs_re_replications_total",
				Help: "Total number of re-replications triggered by node loss",
			},
		),

		MigrationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distfs_migrations_total",
				Help: "Total number of data migrations away from degraded nodes",
			},
			[]string{"mode"},
		),

		ClusterNodes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "distfs_cluster_nodes",
				Help: "Number of nodes known to the cluster directory",
			},
		),

		HealthyNodes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "distfs_healthy_nodes",
				Help: "Number of nodes currently considered healthy",
			},
		),

		IsLeader: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "distfs_is_leader",
				Help: "1 if this node currently holds the leadership lease",
			},
		),

		EvictionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "distfs_evictions_total",
				Help: "Total number of nodes evicted for missed heartbeats",
			},
		),
	}
}
