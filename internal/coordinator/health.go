package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kevklatman/distfs/internal/model"
)

// HealthLoop periodically refreshes the local node's own heartbeat,
// probes peers, evicts nodes whose heartbeats lapsed and migrates data
// away from degraded nodes. Probing and migration run on every node;
// only the outcome of eviction is cluster-wide, and the directory is
// convergent so concurrent loops on different nodes are safe.
type HealthLoop struct {
	coord        *Coordinator
	interval     time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger
}

// NewHealthLoop builds the loop around an existing coordinator.
func NewHealthLoop(coord *Coordinator, interval, probeTimeout time.Duration, logger *zap.Logger) *HealthLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthLoop{
		coord:        coord,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled.
func (h *HealthLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health loop started",
		zap.Duration("interval", h.interval))

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("health loop stopped")
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick runs one health pass. Exposed for tests.
func (h *HealthLoop) Tick(ctx context.Context) {
	c := h.coord

	// Keep our own directory entry fresh so peers do not evict us.
	if err := c.directory.Heartbeat(c.cfg.NodeID, c.LocalMetrics()); err != nil {
		h.logger.Warn("self heartbeat failed", zap.Error(err))
	}

	h.evictStale(ctx)
	h.probePeers(ctx)

	c.GetClusterStatus(ctx)
}

func (h *HealthLoop) evictStale(ctx context.Context) {
	c := h.coord
	evicted := c.directory.EvictStale(c.cfg.HeartbeatMaxAge)
	for _, node := range evicted {
		h.logger.Warn("evicting node with stale heartbeat",
			zap.String("node_id", node.NodeID),
			zap.Time("last_heartbeat", node.LastHeartbeat))
		if c.metrics != nil {
			c.metrics.EvictionsTotal.Inc()
		}
		c.engine.HandleNodeLoss(ctx, node.NodeID, c.cfg.MinReplicas)
	}
}

// probePeers pulls metrics from every active peer. A peer that cannot
// be reached is treated like one whose heartbeat lapsed; a degraded
// peer keeps serving but sheds data.
func (h *HealthLoop) probePeers(ctx context.Context) {
	c := h.coord
	for _, node := range c.directory.ActiveNodes() {
		if node.NodeID == c.cfg.NodeID {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
		m, err := c.client.GetMetrics(pctx, node)
		cancel()

		if err != nil {
			h.logger.Warn("peer probe failed, removing node",
				zap.String("node_id", node.NodeID),
				zap.Error(err))
			c.directory.Remove(node.NodeID)
			if c.metrics != nil {
				c.metrics.EvictionsTotal.Inc()
			}
			c.engine.HandleNodeLoss(ctx, node.NodeID, c.cfg.MinReplicas)
			continue
		}

		if err := c.directory.Heartbeat(node.NodeID, m); err != nil {
			h.logger.Warn("peer heartbeat update failed",
				zap.String("node_id", node.NodeID),
				zap.Error(err))
			continue
		}

		if m.IsDegraded() {
			h.handleDegraded(ctx, node, m)
		}
	}
}

// handleDegraded migrates data off a degraded node: a critically loaded
// node is drained completely, a merely degraded one sheds its hottest
// half at a paced rate.
func (h *HealthLoop) handleDegraded(ctx context.Context, node model.NodeRecord, m model.NodeMetrics) {
	c := h.coord
	aggressive := m.IsCritical()

	h.logger.Warn("peer degraded, migrating data",
		zap.String("node_id", node.NodeID),
		zap.Bool("aggressive", aggressive),
		zap.Float64("cpu", m.CPUUsage),
		zap.Float64("memory", m.MemoryUsage),
		zap.Float64("disk", m.DiskUsage),
		zap.Float64("error_rate", m.ErrorRate))

	c.directory.MarkStatus(node.NodeID, model.NodeStatusDegraded)
	c.engine.MigrateFrom(ctx, node, aggressive, c.load)
}
