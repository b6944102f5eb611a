package model

import "time"

// NodeStatus defines the operational status of a cluster node
type NodeStatus string

const (
	NodeStatusStarting  NodeStatus = "starting"
	NodeStatusActive    NodeStatus = "active"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
	NodeStatusRemoved   NodeStatus = "removed"
)

// NodeRecord is the directory's view of a single cluster node.
// The Cluster Directory owns the canonical copy; every other component
// works on snapshots returned by the directory.
type NodeRecord struct {
	NodeID           string
	Address          string
	Status           NodeStatus
	LastHeartbeat    time.Time
	Load             float64 // 0..1
	AvailableStorage uint64  // bytes
	TotalStorage     uint64  // bytes
	NetworkLatencyMs float64
	Region           string
	ErrorRate        float64
}

// IsAlive reports whether the node's heartbeat is within maxAge.
func (n *NodeRecord) IsAlive(now time.Time, maxAge time.Duration) bool {
	return now.Sub(n.LastHeartbeat) <= maxAge
}

// NodeMetrics is a lightweight metrics snapshot reported by heartbeats
// and by the peer GET /metrics endpoint.
type NodeMetrics struct {
	CPUUsage         float64 `json:"cpu_usage"`
	MemoryUsage      float64 `json:"memory_usage"`
	DiskUsage        float64 `json:"disk_usage"`
	ErrorRate        float64 `json:"error_rate"`
	Load             float64 `json:"load"`
	NetworkLatencyMs float64 `json:"network_latency_ms"`
	AvailableStorage uint64  `json:"available_storage_bytes"`
}

// IsDegraded reports whether the metrics cross the degradation thresholds.
// A degraded node stays in the cluster but has load migrated away from it.
func (m NodeMetrics) IsDegraded() bool {
	return m.CPUUsage > 80 ||
		m.MemoryUsage > 80 ||
		m.DiskUsage > 90 ||
		m.ErrorRate > 0.05
}

// IsCritical reports whether degradation is severe enough to migrate
// everything off the node at once instead of gradually.
func (m NodeMetrics) IsCritical() bool {
	return m.CPUUsage > 90
}
