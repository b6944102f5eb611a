package directory

import (
	"sync"
	"time"

	"go.uber.org/zap"

	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/model"
)

// Directory maintains the authoritative in-memory view of cluster nodes.
// It is constructed once per process and passed by handle; all mutation
// happens under its lock, and readers get copies, never live references.
type Directory struct {
	mu     sync.RWMutex
	nodes  map[string]*model.NodeRecord
	maxAge time.Duration
	policy ScoringPolicy
	logger *zap.Logger

	// clock is swappable for tests
	clock func() time.Time
}

// New creates a directory with the given heartbeat max age and scoring policy.
func New(maxAge time.Duration, policy ScoringPolicy, logger *zap.Logger) *Directory {
	if policy == nil {
		policy = DefaultScoringPolicy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		nodes:  make(map[string]*model.NodeRecord),
		maxAge: maxAge,
		policy: policy,
		logger: logger,
		clock:  time.Now,
	}
}

// Register adds a node to the directory. Registering an id that is already
// present and still alive fails with a DuplicateNode error; a stale entry
// under the same id is replaced.
func (d *Directory) Register(rec model.NodeRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if existing, ok := d.nodes[rec.NodeID]; ok {
		if existing.IsAlive(now, d.maxAge) && existing.Status != model.NodeStatusRemoved {
			return coreerrors.DuplicateNode(rec.NodeID)
		}
		d.logger.Info("replacing stale node registration",
			zap.String("node_id", rec.NodeID))
	}

	if rec.Status == "" {
		rec.Status = model.NodeStatusStarting
	}
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = now
	}
	d.nodes[rec.NodeID] = &rec

	d.logger.Info("node registered",
		zap.String("node_id", rec.NodeID),
		zap.String("address", rec.Address),
		zap.String("region", rec.Region))
	return nil
}

// Heartbeat refreshes a node's metrics and resets its heartbeat clock.
func (d *Directory) Heartbeat(nodeID string, metrics model.NodeMetrics) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.nodes[nodeID]
	if !ok || rec.Status == model.NodeStatusRemoved {
		return coreerrors.UnknownNode(nodeID)
	}

	rec.LastHeartbeat = d.clock()
	rec.Load = metrics.Load
	rec.NetworkLatencyMs = metrics.NetworkLatencyMs
	rec.AvailableStorage = metrics.AvailableStorage
	rec.ErrorRate = metrics.ErrorRate

	switch {
	case metrics.IsDegraded():
		rec.Status = model.NodeStatusDegraded
	default:
		rec.Status = model.NodeStatusActive
	}
	return nil
}

// MarkStatus sets a node's status directly. Used by the health loop when a
// metrics probe contradicts the heartbeat view.
func (d *Directory) MarkStatus(nodeID string, status model.NodeStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.nodes[nodeID]
	if !ok {
		return coreerrors.UnknownNode(nodeID)
	}
	rec.Status = status
	return nil
}

// Remove deletes a node from the directory.
func (d *Directory) Remove(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, nodeID)
}

// EvictStale removes every node whose heartbeat age exceeds maxAge and
// returns the evicted records. The caller decides the side effects
// (re-replication, leadership loss).
func (d *Directory) EvictStale(maxAge time.Duration) []model.NodeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	var evicted []model.NodeRecord
	for id, rec := range d.nodes {
		if !rec.IsAlive(now, maxAge) {
			evicted = append(evicted, *rec)
			delete(d.nodes, id)
			d.logger.Warn("evicting stale node",
				zap.String("node_id", id),
				zap.Duration("heartbeat_age", now.Sub(rec.LastHeartbeat)))
		}
	}
	return evicted
}

// Get returns a snapshot of a single node record.
func (d *Directory) Get(nodeID string) (model.NodeRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.nodes[nodeID]
	if !ok {
		return model.NodeRecord{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all known node records.
func (d *Directory) Snapshot() []model.NodeRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]model.NodeRecord, 0, len(d.nodes))
	for _, rec := range d.nodes {
		out = append(out, *rec)
	}
	return out
}

// ActiveNodes returns copies of nodes that are alive and able to take load.
func (d *Directory) ActiveNodes() []model.NodeRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.clock()
	out := make([]model.NodeRecord, 0, len(d.nodes))
	for _, rec := range d.nodes {
		if rec.IsAlive(now, d.maxAge) &&
			(rec.Status == model.NodeStatusActive || rec.Status == model.NodeStatusDegraded) {
			out = append(out, *rec)
		}
	}
	return out
}

// HealthyCount returns the number of nodes currently considered healthy.
func (d *Directory) HealthyCount() (total, healthy int) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.clock()
	for _, rec := range d.nodes {
		total++
		if rec.IsAlive(now, d.maxAge) && rec.Status == model.NodeStatusActive {
			healthy++
		}
	}
	return total, healthy
}

// SelectTargets returns up to n nodes ranked by the scoring policy,
// skipping excluded ids and non-active nodes. It never errors; callers
// must check the returned count against what they asked for.
func (d *Directory) SelectTargets(n int, exclude map[string]struct{}, localRegion string) []model.NodeRecord {
	if n <= 0 {
		return nil
	}

	d.mu.RLock()
	now := d.clock()
	candidates := make([]model.NodeRecord, 0, len(d.nodes))
	for id, rec := range d.nodes {
		if _, skip := exclude[id]; skip {
			continue
		}
		if !rec.IsAlive(now, d.maxAge) || rec.Status != model.NodeStatusActive {
			continue
		}
		candidates = append(candidates, *rec)
	}
	d.mu.RUnlock()

	return rankNodes(candidates, n, localRegion, d.policy)
}
