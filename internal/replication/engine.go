package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kevklatman/distfs/internal/consistency"
	"github.com/kevklatman/distfs/internal/directory"
	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/metrics"
	"github.com/kevklatman/distfs/internal/model"
	"github.com/kevklatman/distfs/internal/transport"
)

// AccessRanker reports how often a data item has been accessed, used to
// order migrations so the hottest data moves off a degraded node first.
type AccessRanker interface {
	AccessCount(dataID string) uint64
}

// Engine pushes writes to replica targets and restores the replication
// factor after node loss. It never retries a failed push itself; the
// bounded retry lives inside the transport's write-to-one-node
// primitive, and orchestration-level retry belongs to the caller.
type Engine struct {
	directory   *directory.Directory
	tracker     *consistency.Tracker
	client      transport.PeerClient
	metrics     *metrics.Metrics
	migrateRate *rate.Limiter
	localRegion string
	logger      *zap.Logger
}

// NewEngine creates a replication engine. migrationRate bounds items per
// second during gradual load migration; aggressive migration ignores it.
func NewEngine(dir *directory.Directory, tracker *consistency.Tracker, client transport.PeerClient, m *metrics.Metrics, migrationRate float64, localRegion string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if migrationRate <= 0 {
		migrationRate = 5
	}
	return &Engine{
		directory:   dir,
		tracker:     tracker,
		client:      client,
		metrics:     m,
		migrateRate: rate.NewLimiter(rate.Limit(migrationRate), 1),
		localRegion: localRegion,
		logger:      logger,
	}
}

// Replicate pushes one versioned payload to one node and records the
// node as a holder on success.
func (e *Engine) Replicate(ctx context.Context, node model.NodeRecord, dataID string, rec model.VersionedRecord) error {
	if err := e.client.PutData(ctx, node, dataID, rec); err != nil {
		if e.metrics != nil {
			e.metrics.ReplicationsTotal.WithLabelValues("failure").Inc()
		}
		return fmt.Errorf("replicate %s to %s: %w", dataID, node.NodeID, err)
	}

	e.tracker.Record(node.NodeID, dataID, rec)
	if e.metrics != nil {
		e.metrics.ReplicationsTotal.WithLabelValues("success").Inc()
	}
	return nil
}

// EnsureLevel restores the replica count of a data item to minReplicas,
// replicating to freshly selected targets in parallel. Individual target
// failures are logged, not raised; the call fails only when the final
// holder count stays below minReplicas.
func (e *Engine) EnsureLevel(ctx context.Context, dataID string, rec model.VersionedRecord, currentHolders []string, minReplicas int) error {
	missing := minReplicas - len(currentHolders)
	if missing <= 0 {
		return nil
	}

	exclude := make(map[string]struct{}, len(currentHolders))
	for _, id := range currentHolders {
		exclude[id] = struct{}{}
	}

	targets := e.directory.SelectTargets(missing, exclude, e.localRegion)
	if len(targets) == 0 {
		return coreerrors.InsufficientNodes(missing, 0)
	}

	var succeeded int32
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			if err := e.Replicate(gctx, target, dataID, rec); err != nil {
				e.logger.Warn("re-replication target failed",
					zap.String("data_id", dataID),
					zap.String("node_id", target.NodeID),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(currentHolders)+int(succeeded) < minReplicas {
		return coreerrors.InsufficientNodes(minReplicas, len(currentHolders)+int(succeeded))
	}
	return nil
}

// HandleNodeLoss strips a failed node from every holder set and restores
// the replication level of everything it held, fetching content from a
// surviving holder.
func (e *Engine) HandleNodeLoss(ctx context.Context, nodeID string, minReplicas int) {
	affected := e.tracker.RemoveNode(nodeID)
	if len(affected) == 0 {
		return
	}

	e.logger.Warn("re-replicating data from lost node",
		zap.String("node_id", nodeID),
		zap.Int("affected_items", len(affected)))

	for dataID, lastKnown := range affected {
		survivors := e.tracker.Holders(dataID)
		rec, err := e.fetchFromSurvivor(ctx, dataID, survivors, lastKnown)
		if err != nil {
			e.logger.Error("no surviving copy reachable",
				zap.String("data_id", dataID),
				zap.String("lost_node", nodeID),
				zap.Error(err))
			continue
		}

		if err := e.EnsureLevel(ctx, dataID, rec, survivors, minReplicas); err != nil {
			e.logger.Error("failed to restore replication level",
				zap.String("data_id", dataID),
				zap.Error(err))
			continue
		}
		if e.metrics != nil {
			e.metrics.ReReplicationsTotal.Inc()
		}
	}
}

// fetchFromSurvivor reads the data item from any surviving holder,
// falling back to the tracker's cached copy when every holder probe
// fails but a copy of the bytes is still in hand.
func (e *Engine) fetchFromSurvivor(ctx context.Context, dataID string, survivors []string, cached model.VersionedRecord) (model.VersionedRecord, error) {
	for _, holderID := range survivors {
		node, ok := e.directory.Get(holderID)
		if !ok {
			continue
		}
		rec, err := e.client.GetData(ctx, node, dataID)
		if err != nil {
			e.logger.Debug("survivor read failed",
				zap.String("data_id", dataID),
				zap.String("node_id", holderID),
				zap.Error(err))
			continue
		}
		return rec, nil
	}
	if len(cached.Content) > 0 {
		return cached, nil
	}
	return model.VersionedRecord{}, coreerrors.NotFound(dataID)
}

// MigrateFrom moves load away from a degraded node: everything at once
// when aggressive, otherwise the most frequently accessed half, paced by
// the migration rate limiter.
func (e *Engine) MigrateFrom(ctx context.Context, node model.NodeRecord, aggressive bool, ranker AccessRanker) {
	held := e.tracker.NodeData(node.NodeID)
	if len(held) == 0 {
		return
	}

	type item struct {
		dataID string
		rec    model.VersionedRecord
		hits   uint64
	}
	items := make([]item, 0, len(held))
	for dataID, rec := range held {
		var hits uint64
		if ranker != nil {
			hits = ranker.AccessCount(dataID)
		}
		items = append(items, item{dataID: dataID, rec: rec, hits: hits})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].hits != items[j].hits {
			return items[i].hits > items[j].hits
		}
		return len(items[i].rec.Content) > len(items[j].rec.Content)
	})

	limit := len(items)
	mode := "aggressive"
	if !aggressive {
		limit = len(items) / 2
		mode = "gradual"
	}

	e.logger.Info("migrating load away from degraded node",
		zap.String("node_id", node.NodeID),
		zap.String("mode", mode),
		zap.Int("items", limit))

	for _, it := range items[:limit] {
		if !aggressive {
			if err := e.migrateRate.Wait(ctx); err != nil {
				return
			}
		}

		exclude := map[string]struct{}{node.NodeID: {}}
		for _, holderID := range e.tracker.Holders(it.dataID) {
			exclude[holderID] = struct{}{}
		}
		targets := e.directory.SelectTargets(1, exclude, e.localRegion)
		if len(targets) == 0 {
			e.logger.Warn("no migration target available",
				zap.String("data_id", it.dataID))
			continue
		}

		if err := e.Replicate(ctx, targets[0], it.dataID, it.rec); err != nil {
			e.logger.Warn("migration replicate failed",
				zap.String("data_id", it.dataID),
				zap.String("target", targets[0].NodeID),
				zap.Error(err))
			continue
		}
		if e.metrics != nil {
			e.metrics.MigrationsTotal.WithLabelValues(mode).Inc()
		}
	}
}
