package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kevklatman/distfs/internal/consistency"
	"github.com/kevklatman/distfs/internal/directory"
	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/metrics"
	"github.com/kevklatman/distfs/internal/model"
	"github.com/kevklatman/distfs/internal/replication"
	"github.com/kevklatman/distfs/internal/storage"
	"github.com/kevklatman/distfs/internal/transport"
	"github.com/kevklatman/distfs/internal/util"
	"github.com/kevklatman/distfs/internal/util/workerpool"

	"github.com/google/uuid"
)

// Leader reports leadership state; implemented by the elector.
type Leader interface {
	IsLeader() bool
	CurrentHolder(ctx context.Context) (string, error)
}

// Config holds coordinator parameters.
type Config struct {
	NodeID          string
	Region          string
	QuorumSize      int
	MinReplicas     int
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	EventualTimeout time.Duration
	RepairAsync     bool
	HeartbeatMaxAge time.Duration
	DefaultLevel    model.ConsistencyLevel
}

// Coordinator is the request-facing orchestrator for one node. It owns
// the write/read/rollback protocol and the health/rebalance loop, and
// delegates placement to the directory, version bookkeeping to the
// tracker and data movement to the replication engine.
type Coordinator struct {
	cfg       Config
	directory *directory.Directory
	tracker   *consistency.Tracker
	engine    *replication.Engine
	client    transport.PeerClient
	store     storage.LocalStore
	leader    Leader
	load      *LoadTracker
	repairs   *workerpool.Pool
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// WriteResult is returned to external collaborators on a successful write.
type WriteResult struct {
	DataID    string
	Version   int64
	Nodes     []string
	Timestamp time.Time
}

// ClusterStatus is the externally visible cluster summary.
type ClusterStatus struct {
	TotalNodes   int    `json:"total_nodes"`
	HealthyNodes int    `json:"healthy_nodes"`
	LeaderNodeID string `json:"leader_node_id"`
	IsLeader     bool   `json:"is_leader"`
}

// New creates a coordinator.
func New(cfg Config, dir *directory.Directory, tracker *consistency.Tracker, engine *replication.Engine, client transport.PeerClient, store storage.LocalStore, leader Leader, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = model.ConsistencyQuorum
	}
	return &Coordinator{
		cfg:       cfg,
		directory: dir,
		tracker:   tracker,
		engine:    engine,
		client:    client,
		store:     store,
		leader:    leader,
		load:      NewLoadTracker(100),
		repairs:   workerpool.New("repair", 4, 128, logger),
		metrics:   m,
		logger:    logger,
	}
}

// LoadStats exposes the load tracker, used by the replication engine's
// access ranking and by tests.
func (c *Coordinator) LoadStats() *LoadTracker {
	return c.load
}

// Stop drains the background repair pool.
func (c *Coordinator) Stop(timeout time.Duration) {
	if err := c.repairs.Stop(timeout); err != nil {
		c.logger.Warn("repair pool stop", zap.Error(err))
	}
}

// CheckWritable implements transport.HealthSource. A node that is
// overloaded, out of storage or behind on its own heartbeat refuses new
// writes instead of accepting and failing later.
func (c *Coordinator) CheckWritable() error {
	if load := c.load.CurrentLoad(); load >= 0.9 {
		return coreerrors.NodeUnhealthy(c.cfg.NodeID, fmt.Sprintf("load %.2f", load))
	}
	if c.store.AvailableBytes() == 0 {
		return coreerrors.NodeUnhealthy(c.cfg.NodeID, "no available storage")
	}
	if self, ok := c.directory.Get(c.cfg.NodeID); ok {
		if !self.IsAlive(time.Now(), c.cfg.HeartbeatMaxAge) {
			return coreerrors.NodeUnhealthy(c.cfg.NodeID, "own heartbeat overdue")
		}
	}
	return nil
}

// LocalMetrics implements transport.HealthSource.
func (c *Coordinator) LocalMetrics() model.NodeMetrics {
	total := c.store.TotalBytes()
	avail := c.store.AvailableBytes()
	diskUsage := 0.0
	if total > 0 {
		diskUsage = float64(total-avail) / float64(total) * 100
	}
	load := c.load.CurrentLoad()
	return model.NodeMetrics{
		CPUUsage:         load * 100,
		MemoryUsage:      load * 100,
		DiskUsage:        diskUsage,
		ErrorRate:        c.load.ErrorRate(),
		Load:             load,
		AvailableStorage: avail,
	}
}

// Write replicates content for dataID across the cluster at the
// requested consistency level.
func (c *Coordinator) Write(ctx context.Context, dataID string, content []byte, level model.ConsistencyLevel) (*WriteResult, error) {
	level, err := model.NormalizeConsistencyLevel(level, c.cfg.DefaultLevel)
	if err != nil {
		return nil, coreerrors.InvalidArgument(err.Error(), nil)
	}

	end := c.load.Begin()
	start := time.Now()
	res, err := c.write(ctx, dataID, content, level)
	end(err != nil)

	if c.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		c.metrics.WritesTotal.WithLabelValues(string(level), outcome).Inc()
		c.metrics.RequestDuration.WithLabelValues("write", string(level)).Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (c *Coordinator) write(ctx context.Context, dataID string, content []byte, level model.ConsistencyLevel) (*WriteResult, error) {
	if err := c.CheckWritable(); err != nil {
		return nil, err
	}

	// Version allocation is serialized per data item; a failed write
	// burns its version so a resubmission always gets a fresh one.
	version := c.tracker.NextVersion(dataID)
	rec := model.VersionedRecord{
		Content:   content,
		Version:   version,
		Timestamp: time.Now(),
		Checksum:  util.ChecksumHex(content),
	}

	needed := c.cfg.QuorumSize - 1
	exclude := map[string]struct{}{c.cfg.NodeID: {}}
	targets := c.directory.SelectTargets(needed, exclude, c.cfg.Region)
	if len(targets) < needed {
		return nil, coreerrors.InsufficientNodes(c.cfg.QuorumSize, len(targets)+1)
	}

	op := model.WriteOperation{
		OperationID: uuid.NewString(),
		DataID:      dataID,
		Content:     content,
		Level:       level,
		Version:     version,
		Checksum:    rec.Checksum,
		Timestamp:   rec.Timestamp,
	}
	for _, t := range targets {
		op.TargetNodes = append(op.TargetNodes, t.NodeID)
	}

	// Local write first: durability before any network fan-out. A local
	// failure aborts the operation with no remote effects.
	if err := c.store.WriteLocal(dataID, content); err != nil {
		return nil, coreerrors.InternalError("local write failed", err)
	}
	c.tracker.Record(c.cfg.NodeID, dataID, rec)
	c.load.Touch(dataID)

	result, werr := c.fanOutWrite(ctx, op, rec, targets, level)
	if werr != nil {
		c.rollback(op, result)
		return nil, werr
	}

	return &WriteResult{
		DataID:    dataID,
		Version:   version,
		Nodes:     append([]string{c.cfg.NodeID}, result...),
		Timestamp: rec.Timestamp,
	}, nil
}

// fanOutWrite pushes the record to all targets in parallel and applies
// the per-level success rule. It returns the remote node ids that
// acknowledged the write, which the caller needs either way: for the
// result on success, for rollback notification on failure.
func (c *Coordinator) fanOutWrite(ctx context.Context, op model.WriteOperation, rec model.VersionedRecord, targets []model.NodeRecord, level model.ConsistencyLevel) ([]string, error) {
	attempted := len(targets) + 1 // remote targets plus the local write
	required := requiredSuccesses(level, attempted)

	timeout := c.cfg.WriteTimeout
	if level == model.ConsistencyEventual {
		timeout = c.cfg.EventualTimeout
	}

	type replicaResult struct {
		nodeID string
		err    error
	}
	results := make(chan replicaResult, len(targets))

	// Eventual writes must not block on remote completion, so their
	// fan-out survives the request returning.
	fanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	for _, target := range targets {
		target := target
		go func() {
			err := c.engine.Replicate(fanCtx, target, op.DataID, rec)
			if err != nil {
				c.logger.Warn("replica write failed",
					zap.String("data_id", op.DataID),
					zap.String("node_id", target.NodeID),
					zap.Int64("version", op.Version),
					zap.Error(err))
			}
			results <- replicaResult{nodeID: target.NodeID, err: err}
		}()
	}

	if level == model.ConsistencyEventual {
		// Local durability plus at least one remote attempt is enough;
		// remote failures are tolerated and stragglers are not awaited.
		go func() {
			for range targets {
				<-results
			}
			cancel()
		}()
		return nil, nil
	}
	defer cancel()

	succeeded := make([]string, 0, len(targets))
	successes := 1 // the local write already landed
	failures := 0
	timedOut := false

collect:
	for completed := 0; completed < len(targets); completed++ {
		select {
		case res := <-results:
			if res.err == nil {
				succeeded = append(succeeded, res.nodeID)
				successes++
			} else {
				failures++
			}
		case <-fanCtx.Done():
			timedOut = true
			break collect
		}

		// Stop waiting for stragglers once the level is met. On a failed
		// target the loop keeps collecting so rollback sees the complete
		// set of acknowledged replicas.
		if successes >= required {
			break
		}
	}

	if successes >= required {
		return succeeded, nil
	}
	if c.metrics != nil {
		c.metrics.QuorumFailures.WithLabelValues("write", string(level)).Inc()
	}
	if timedOut {
		return succeeded, coreerrors.WriteTimeout(op.DataID, successes, required)
	}
	return succeeded, coreerrors.WriteFailure(op.DataID, successes, required)
}

// requiredSuccesses applies the per-level rule over attempted targets:
// strong needs every target, quorum a strict majority of attempted
// targets, eventual only the local write.
func requiredSuccesses(level model.ConsistencyLevel, attempted int) int {
	switch level {
	case model.ConsistencyStrong:
		return attempted
	case model.ConsistencyEventual:
		return 1
	default:
		return attempted/2 + 1
	}
}

// rollback reverses a failed write: the local copy and version record
// are removed, and every attempted target is told to discard the write.
// Notifying targets that never acknowledged is harmless because remote
// rollback is idempotent, and it covers replicas whose acknowledgement
// was still in flight when the failure was decided. Remote notification
// is best effort and never changes the outcome already decided.
func (c *Coordinator) rollback(op model.WriteOperation, succeededRemote []string) {
	c.logger.Warn("rolling back failed write",
		zap.String("data_id", op.DataID),
		zap.Int64("version", op.Version),
		zap.Strings("acknowledged", succeededRemote))

	if err := c.store.DeleteLocal(op.DataID); err != nil {
		c.logger.Error("rollback local delete failed",
			zap.String("data_id", op.DataID),
			zap.Error(err))
	}
	c.tracker.RemoveVersion(c.cfg.NodeID, op.DataID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, nodeID := range op.TargetNodes {
		node, ok := c.directory.Get(nodeID)
		if !ok {
			continue
		}
		if err := c.client.Rollback(ctx, node, op.DataID, op.Version); err != nil {
			c.logger.Warn("rollback notification failed",
				zap.String("data_id", op.DataID),
				zap.String("node_id", nodeID),
				zap.Error(err))
		}
		c.tracker.RemoveVersion(nodeID, op.DataID)
	}

	if c.metrics != nil {
		c.metrics.RollbacksTotal.Inc()
	}
}

// Read returns the content of dataID under the requested consistency level.
func (c *Coordinator) Read(ctx context.Context, dataID string, level model.ConsistencyLevel) ([]byte, error) {
	level, err := model.NormalizeConsistencyLevel(level, c.cfg.DefaultLevel)
	if err != nil {
		return nil, coreerrors.InvalidArgument(err.Error(), nil)
	}

	end := c.load.Begin()
	start := time.Now()
	content, rerr := c.read(ctx, dataID, level)
	end(rerr != nil)

	if c.metrics != nil {
		outcome := "success"
		if rerr != nil {
			outcome = "failure"
		}
		c.metrics.ReadsTotal.WithLabelValues(string(level), outcome).Inc()
		c.metrics.RequestDuration.WithLabelValues("read", string(level)).Observe(time.Since(start).Seconds())
	}
	return content, rerr
}

func (c *Coordinator) read(ctx context.Context, dataID string, level model.ConsistencyLevel) ([]byte, error) {
	holders := c.holderNodes(dataID)
	if len(holders) == 0 {
		return nil, coreerrors.NotFound(dataID)
	}
	c.load.Touch(dataID)

	switch level {
	case model.ConsistencyStrong:
		return c.readStrong(ctx, dataID, holders)
	case model.ConsistencyQuorum:
		return c.readQuorum(ctx, dataID, holders)
	default:
		return c.readEventual(ctx, dataID, holders)
	}
}

// holderNodes resolves the data item's holder set against the directory,
// keeping the local node even though it has no remote address.
func (c *Coordinator) holderNodes(dataID string) []model.NodeRecord {
	var out []model.NodeRecord
	for _, holderID := range c.tracker.Holders(dataID) {
		if holderID == c.cfg.NodeID {
			out = append(out, model.NodeRecord{NodeID: c.cfg.NodeID})
			continue
		}
		if node, ok := c.directory.Get(holderID); ok {
			out = append(out, node)
		}
	}
	return out
}

// readFrom reads one holder's copy, short-circuiting the local node to
// the local store.
func (c *Coordinator) readFrom(ctx context.Context, node model.NodeRecord, dataID string) (model.VersionedRecord, error) {
	if node.NodeID == c.cfg.NodeID {
		content, err := c.store.ReadLocal(dataID)
		if err != nil {
			return model.VersionedRecord{}, err
		}
		if rec, ok := c.tracker.HolderRecords(dataID)[c.cfg.NodeID]; ok {
			rec.Content = content
			return rec, nil
		}
		return model.VersionedRecord{Content: content, Checksum: util.ChecksumHex(content)}, nil
	}
	return c.client.GetData(ctx, node, dataID)
}

type readResponse struct {
	nodeID string
	rec    model.VersionedRecord
	err    error
}

func (c *Coordinator) fanOutRead(ctx context.Context, dataID string, holders []model.NodeRecord) chan readResponse {
	responses := make(chan readResponse, len(holders))
	for _, holder := range holders {
		holder := holder
		go func() {
			rec, err := c.readFrom(ctx, holder, dataID)
			responses <- readResponse{nodeID: holder.NodeID, rec: rec, err: err}
		}()
	}
	return responses
}

// readStrong queries every known holder and requires unanimous version
// agreement among respondents. Divergence schedules an asynchronous
// repair and fails the read.
func (c *Coordinator) readStrong(ctx context.Context, dataID string, holders []model.NodeRecord) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	responses := c.fanOutRead(rctx, dataID, holders)
	var got []readResponse
	for i := 0; i < len(holders); i++ {
		select {
		case resp := <-responses:
			if resp.err == nil {
				got = append(got, resp)
			}
		case <-rctx.Done():
			i = len(holders)
		}
	}

	if len(got) == 0 {
		return nil, coreerrors.NotFound(dataID)
	}

	for _, resp := range got[1:] {
		if resp.rec.Version != got[0].rec.Version {
			c.scheduleRepair(dataID, got)
			if c.metrics != nil {
				c.metrics.ConflictsTotal.Inc()
			}
			return nil, coreerrors.Consistency(dataID, "holders disagree on version, repair initiated")
		}
	}

	latest := newestOf(got)
	return latest.rec.Content, nil
}

// readQuorum waits for a majority of holders, returns the newest record
// among respondents and schedules an asynchronous repair when they
// disagree. The repair never delays the response.
func (c *Coordinator) readQuorum(ctx context.Context, dataID string, holders []model.NodeRecord) ([]byte, error) {
	required := len(holders)/2 + 1

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	responses := c.fanOutRead(rctx, dataID, holders)
	var got []readResponse
	outstanding := len(holders)
	for outstanding > 0 && len(got) < required {
		select {
		case resp := <-responses:
			outstanding--
			if resp.err == nil {
				got = append(got, resp)
			}
		case <-rctx.Done():
			outstanding = 0
		}
	}

	if len(got) < required {
		if c.metrics != nil {
			c.metrics.QuorumFailures.WithLabelValues("read", string(model.ConsistencyQuorum)).Inc()
		}
		return nil, coreerrors.Consistency(dataID, fmt.Sprintf("read quorum not reached: %d/%d", len(got), required))
	}

	latest := newestOf(got)
	for _, resp := range got {
		if resp.rec.Version != latest.rec.Version {
			if c.metrics != nil {
				c.metrics.ConflictsTotal.Inc()
			}
			c.scheduleRepair(dataID, got)
			break
		}
	}
	return latest.rec.Content, nil
}

// readEventual tries holders one at a time, cheapest first, and returns
// the first copy it can get.
func (c *Coordinator) readEventual(ctx context.Context, dataID string, holders []model.NodeRecord) ([]byte, error) {
	ranked := make([]model.NodeRecord, len(holders))
	copy(ranked, holders)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Load != ranked[j].Load {
			return ranked[i].Load < ranked[j].Load
		}
		return ranked[i].NetworkLatencyMs < ranked[j].NetworkLatencyMs
	})

	for _, holder := range ranked {
		rec, err := c.readFrom(ctx, holder, dataID)
		if err != nil {
			c.logger.Debug("eventual read fallthrough",
				zap.String("data_id", dataID),
				zap.String("node_id", holder.NodeID),
				zap.Error(err))
			continue
		}
		return rec.Content, nil
	}
	return nil, coreerrors.NotFound(dataID)
}

func newestOf(got []readResponse) readResponse {
	latest := got[0]
	for _, resp := range got[1:] {
		if resp.rec.Newer(latest.rec) {
			latest = resp
		}
	}
	return latest
}

// scheduleRepair pushes the newest observed record to every holder with
// an older version, on the background pool so the read that discovered
// the divergence is never delayed.
func (c *Coordinator) scheduleRepair(dataID string, got []readResponse) {
	latest := newestOf(got)
	stale := make([]string, 0, len(got))
	for _, resp := range got {
		if resp.rec.Version != latest.rec.Version {
			stale = append(stale, resp.nodeID)
		}
	}
	if len(stale) == 0 {
		return
	}

	task := workerpool.Task{
		ID: "repair-" + dataID,
		Fn: func(ctx context.Context) error {
			rctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			defer cancel()
			for _, nodeID := range stale {
				if nodeID == c.cfg.NodeID {
					if err := c.store.WriteLocal(dataID, latest.rec.Content); err != nil {
						return err
					}
					c.tracker.Record(c.cfg.NodeID, dataID, latest.rec)
					continue
				}
				node, ok := c.directory.Get(nodeID)
				if !ok {
					continue
				}
				if err := c.engine.Replicate(rctx, node, dataID, latest.rec); err != nil {
					c.logger.Warn("read repair push failed",
						zap.String("data_id", dataID),
						zap.String("node_id", nodeID),
						zap.Error(err))
				}
			}
			return nil
		},
	}

	if c.metrics != nil {
		c.metrics.RepairsTotal.Inc()
	}
	if c.cfg.RepairAsync {
		if err := c.repairs.Submit(task); err != nil {
			c.logger.Warn("repair task dropped", zap.Error(err))
		}
		return
	}
	_ = task.Fn(context.Background())
}

// Delete removes a data item from every holder. Deleting an absent item
// succeeds.
func (c *Coordinator) Delete(ctx context.Context, dataID string) error {
	end := c.load.Begin()
	err := c.delete(ctx, dataID)
	end(err != nil)

	if c.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		c.metrics.DeletesTotal.WithLabelValues(outcome).Inc()
	}
	return err
}

func (c *Coordinator) delete(ctx context.Context, dataID string) error {
	if err := c.store.DeleteLocal(dataID); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	for _, holderID := range c.tracker.Holders(dataID) {
		if holderID == c.cfg.NodeID {
			continue
		}
		node, ok := c.directory.Get(holderID)
		if !ok {
			continue
		}
		if err := c.client.DeleteData(dctx, node, dataID); err != nil {
			c.logger.Warn("remote delete failed",
				zap.String("data_id", dataID),
				zap.String("node_id", holderID),
				zap.Error(err))
		}
	}

	c.tracker.RemoveData(dataID)
	c.load.Forget(dataID)
	return nil
}

// GetClusterStatus summarizes the cluster for status queries.
func (c *Coordinator) GetClusterStatus(ctx context.Context) ClusterStatus {
	total, healthy := c.directory.HealthyCount()
	status := ClusterStatus{
		TotalNodes:   total,
		HealthyNodes: healthy,
		IsLeader:     c.leader.IsLeader(),
	}
	if holder, err := c.leader.CurrentHolder(ctx); err == nil {
		status.LeaderNodeID = holder
	}

	if c.metrics != nil {
		c.metrics.ClusterNodes.Set(float64(total))
		c.metrics.HealthyNodes.Set(float64(healthy))
		if status.IsLeader {
			c.metrics.IsLeader.Set(1)
		} else {
			c.metrics.IsLeader.Set(0)
		}
	}
	return status
}

// RegisterNode admits a node into the cluster directory.
func (c *Coordinator) RegisterNode(rec model.NodeRecord) error {
	return c.directory.Register(rec)
}

// Heartbeat refreshes a node's directory entry.
func (c *Coordinator) Heartbeat(nodeID string, m model.NodeMetrics) error {
	return c.directory.Heartbeat(nodeID, m)
}

// Deregister removes a node gracefully and restores replication for the
// data it held.
func (c *Coordinator) Deregister(ctx context.Context, nodeID string) {
	c.directory.Remove(nodeID)
	c.engine.HandleNodeLoss(ctx, nodeID, c.cfg.MinReplicas)
}

// VolumePlacement maps a volume's data items to their current holders,
// the hook an external protection manager uses to enumerate and migrate
// a volume's data.
func (c *Coordinator) VolumePlacement(vol model.Volume) model.VolumePlacement {
	placement := model.VolumePlacement{
		VolumeID: vol.ID,
		Holders:  make(map[string][]string, len(vol.DataIDs)),
	}
	for _, dataID := range vol.DataIDs {
		placement.Holders[dataID] = c.tracker.Holders(dataID)
	}
	return placement
}
