package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevklatman/distfs/internal/consistency"
	"github.com/kevklatman/distfs/internal/coordinator"
	"github.com/kevklatman/distfs/internal/directory"
	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/model"
	"github.com/kevklatman/distfs/internal/replication"
	"github.com/kevklatman/distfs/internal/storage"
	"github.com/kevklatman/distfs/internal/util"
)

const selfID = "self"

// waitHolders blocks until every launched replica push has been
// recorded, so follow-up assertions do not race the fan-out stragglers.
func waitHolders(t *testing.T, tracker *consistency.Tracker, dataID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(tracker.Holders(dataID)) == n
	}, time.Second, 10*time.Millisecond)
}

// fakeClient is an in-memory PeerClient; failNodes simulate unreachable
// peers.
type fakeClient struct {
	mu         sync.Mutex
	stored     map[string]map[string]model.VersionedRecord
	failNodes  map[string]bool
	blockNodes map[string]bool
	metricsBy  map[string]model.NodeMetrics
	rollbacks  []string // node ids that received a rollback
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		stored:     make(map[string]map[string]model.VersionedRecord),
		failNodes:  make(map[string]bool),
		blockNodes: make(map[string]bool),
		metricsBy:  make(map[string]model.NodeMetrics),
	}
}

func (f *fakeClient) PutData(ctx context.Context, node model.NodeRecord, dataID string, rec model.VersionedRecord) error {
	f.mu.Lock()
	blocked := f.blockNodes[node.NodeID]
	f.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNodes[node.NodeID] {
		return errors.New("connection refused")
	}
	if f.stored[node.NodeID] == nil {
		f.stored[node.NodeID] = make(map[string]model.VersionedRecord)
	}
	f.stored[node.NodeID][dataID] = rec
	return nil
}

func (f *fakeClient) GetData(_ context.Context, node model.NodeRecord, dataID string) (model.VersionedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNodes[node.NodeID] {
		return model.VersionedRecord{}, errors.New("connection refused")
	}
	rec, ok := f.stored[node.NodeID][dataID]
	if !ok {
		return model.VersionedRecord{}, coreerrors.NotFound(dataID)
	}
	return rec, nil
}

func (f *fakeClient) DeleteData(_ context.Context, node model.NodeRecord, dataID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNodes[node.NodeID] {
		return errors.New("connection refused")
	}
	delete(f.stored[node.NodeID], dataID)
	return nil
}

func (f *fakeClient) Rollback(_ context.Context, node model.NodeRecord, dataID string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stored[node.NodeID], dataID)
	f.rollbacks = append(f.rollbacks, node.NodeID)
	return nil
}

func (f *fakeClient) GetMetrics(_ context.Context, node model.NodeRecord) (model.NodeMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNodes[node.NodeID] {
		return model.NodeMetrics{}, errors.New("connection refused")
	}
	if m, ok := f.metricsBy[node.NodeID]; ok {
		return m, nil
	}
	return model.NodeMetrics{Load: 0.1}, nil
}

func (f *fakeClient) has(nodeID, dataID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stored[nodeID][dataID]
	return ok
}

func (f *fakeClient) setFail(nodeID string, fail bool) {
	f.mu.Lock()
	f.failNodes[nodeID] = fail
	f.mu.Unlock()
}

func (f *fakeClient) setBlock(nodeID string) {
	f.mu.Lock()
	f.blockNodes[nodeID] = true
	f.mu.Unlock()
}

type stubLeader struct {
	leader bool
	holder string
}

func (s *stubLeader) IsLeader() bool { return s.leader }
func (s *stubLeader) CurrentHolder(context.Context) (string, error) {
	return s.holder, nil
}

type harness struct {
	coord   *coordinator.Coordinator
	dir     *directory.Directory
	tracker *consistency.Tracker
	client  *fakeClient
	store   *storage.DiskStore
	leader  *stubLeader
}

// newHarness builds a coordinator for selfID plus the given remote
// peers, all registered as active in one region.
func newHarness(t *testing.T, quorumSize int, remotes ...string) *harness {
	t.Helper()

	dir := directory.New(30*time.Second, directory.DefaultScoringPolicy{}, nil)
	require.NoError(t, dir.Register(model.NodeRecord{
		NodeID: selfID, Address: "self:8080", Status: model.NodeStatusActive, Region: "us-east",
	}))
	for _, id := range remotes {
		require.NoError(t, dir.Register(model.NodeRecord{
			NodeID: id, Address: id + ":8080", Status: model.NodeStatusActive, Region: "us-east",
		}))
	}

	tracker := consistency.NewTracker(quorumSize, nil)
	client := newFakeClient()
	store, err := storage.NewDiskStore(t.TempDir(), nil)
	require.NoError(t, err)
	engine := replication.NewEngine(dir, tracker, client, nil, 1000, "us-east", nil)
	leader := &stubLeader{}

	coord := coordinator.New(coordinator.Config{
		NodeID:          selfID,
		Region:          "us-east",
		QuorumSize:      quorumSize,
		MinReplicas:     quorumSize,
		WriteTimeout:    500 * time.Millisecond,
		ReadTimeout:     2 * time.Second,
		EventualTimeout: 500 * time.Millisecond,
		RepairAsync:     false, // synchronous repair keeps tests deterministic
		HeartbeatMaxAge: 30 * time.Second,
		DefaultLevel:    model.ConsistencyQuorum,
	}, dir, tracker, engine, client, store, leader, nil, nil)
	t.Cleanup(func() { coord.Stop(time.Second) })

	return &harness{coord: coord, dir: dir, tracker: tracker, client: client, store: store, leader: leader}
}

func TestQuorumWriteReplicates(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")

	res, err := h.coord.Write(context.Background(), "blob", []byte("content"), model.ConsistencyQuorum)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.Contains(t, res.Nodes, selfID)
	assert.GreaterOrEqual(t, len(res.Nodes), 2, "local plus at least one remote acknowledged")

	got, err := h.store.ReadLocal("blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)

	// The write returns as soon as the quorum is met; the remaining
	// replica lands shortly after.
	assert.Eventually(t, func() bool {
		return h.client.has("node-2", "blob") &&
			h.client.has("node-3", "blob") &&
			len(h.tracker.Holders("blob")) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestQuorumWriteToleratesOneOfflineTarget(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	h.client.setFail("node-3", true)

	// Local plus one of two remote targets is a strict majority of the
	// three attempted.
	res, err := h.coord.Write(context.Background(), "blob", []byte("content"), model.ConsistencyQuorum)
	require.NoError(t, err)
	assert.Contains(t, res.Nodes, selfID)
	assert.Contains(t, res.Nodes, "node-2")
	assert.NotContains(t, res.Nodes, "node-3")
}

func TestStrongWriteFailureRollsBack(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	h.client.setFail("node-3", true)

	_, err := h.coord.Write(context.Background(), "blob", []byte("doomed"), model.ConsistencyStrong)
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeWriteFailure, coreerrors.GetCode(err))

	// No trace of the write anywhere: local copy, remote copy, versions.
	_, readErr := h.store.ReadLocal("blob")
	assert.Error(t, readErr)
	assert.False(t, h.client.has("node-2", "blob"))
	assert.Empty(t, h.tracker.Holders("blob"))
	assert.Contains(t, h.client.rollbacks, "node-2")
}

func TestFailedWriteBurnsItsVersion(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	h.client.setFail("node-3", true)

	_, err := h.coord.Write(context.Background(), "blob", []byte("attempt-1"), model.ConsistencyStrong)
	require.Error(t, err)

	h.client.setFail("node-3", false)
	res, err := h.coord.Write(context.Background(), "blob", []byte("attempt-2"), model.ConsistencyStrong)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version, "a rolled-back version is never reissued")
}

func TestWriteTimesOutOnHangingReplicas(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	h.client.setBlock("node-2")
	h.client.setBlock("node-3")

	_, err := h.coord.Write(context.Background(), "blob", []byte("x"), model.ConsistencyQuorum)
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeWriteTimeout, coreerrors.GetCode(err))

	// The timed-out write was rolled back locally.
	_, readErr := h.store.ReadLocal("blob")
	assert.Error(t, readErr)
	assert.Empty(t, h.tracker.Holders("blob"))
}

func TestWriteInsufficientNodes(t *testing.T) {
	h := newHarness(t, 3, "node-2") // need 2 remote targets, have 1

	_, err := h.coord.Write(context.Background(), "blob", []byte("x"), model.ConsistencyQuorum)
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeInsufficientNodes, coreerrors.GetCode(err))

	// Fail-fast: nothing was written anywhere.
	_, readErr := h.store.ReadLocal("blob")
	assert.Error(t, readErr)
	assert.False(t, h.client.has("node-2", "blob"))
}

func TestEventualWriteSurvivesRemoteFailures(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	h.client.setFail("node-2", true)
	h.client.setFail("node-3", true)

	res, err := h.coord.Write(context.Background(), "blob", []byte("content"), model.ConsistencyEventual)
	require.NoError(t, err)
	assert.Equal(t, []string{selfID}, res.Nodes)

	got, err := h.store.ReadLocal("blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)
}

func TestWriteRejectsUnknownLevel(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	_, err := h.coord.Write(context.Background(), "blob", []byte("x"), "linearizable")
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeInvalidArgument, coreerrors.GetCode(err))
}

func TestReadAfterWrite(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")

	_, err := h.coord.Write(context.Background(), "blob", []byte("content"), model.ConsistencyQuorum)
	require.NoError(t, err)

	for _, level := range []model.ConsistencyLevel{model.ConsistencyStrong, model.ConsistencyQuorum, model.ConsistencyEventual} {
		got, err := h.coord.Read(context.Background(), "blob", level)
		require.NoError(t, err, "level %s", level)
		assert.Equal(t, []byte("content"), got)
	}
}

func TestReadMissing(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")

	_, err := h.coord.Read(context.Background(), "nope", model.ConsistencyQuorum)
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeNotFound, coreerrors.GetCode(err))
}

func TestStrongReadFailsOnDivergence(t *testing.T) {
	h := newHarness(t, 2, "node-2")

	old := model.VersionedRecord{Content: []byte("old"), Version: 1, Timestamp: time.Now().Add(-time.Minute), Checksum: util.ChecksumHex([]byte("old"))}
	cur := model.VersionedRecord{Content: []byte("new"), Version: 2, Timestamp: time.Now(), Checksum: util.ChecksumHex([]byte("new"))}

	require.NoError(t, h.store.WriteLocal("blob", cur.Content))
	h.tracker.Record(selfID, "blob", cur)
	h.tracker.Record("node-2", "blob", old)
	h.client.stored["node-2"] = map[string]model.VersionedRecord{"blob": old}

	_, err := h.coord.Read(context.Background(), "blob", model.ConsistencyStrong)
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeConsistency, coreerrors.GetCode(err))

	// The synchronous repair pushed the newest version to the stale node.
	rec, ok := h.client.stored["node-2"]["blob"]
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version)
}

func TestQuorumReadRepairsStaleHolder(t *testing.T) {
	h := newHarness(t, 2, "node-2", "node-3")

	old := model.VersionedRecord{Content: []byte("old"), Version: 1, Timestamp: time.Now().Add(-time.Minute), Checksum: util.ChecksumHex([]byte("old"))}
	cur := model.VersionedRecord{Content: []byte("new"), Version: 2, Timestamp: time.Now(), Checksum: util.ChecksumHex([]byte("new"))}

	require.NoError(t, h.store.WriteLocal("blob", cur.Content))
	h.tracker.Record(selfID, "blob", cur)
	h.tracker.Record("node-2", "blob", cur)
	h.tracker.Record("node-3", "blob", old)
	h.client.stored["node-2"] = map[string]model.VersionedRecord{"blob": cur}
	h.client.stored["node-3"] = map[string]model.VersionedRecord{"blob": old}

	got, err := h.coord.Read(context.Background(), "blob", model.ConsistencyQuorum)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got, "the newest record among respondents wins")
}

func TestEventualReadFallsThroughFailedHolder(t *testing.T) {
	h := newHarness(t, 2, "node-2", "node-3")

	rec := model.VersionedRecord{Content: []byte("content"), Version: 1, Timestamp: time.Now(), Checksum: util.ChecksumHex([]byte("content"))}
	h.tracker.Record("node-2", "blob", rec)
	h.tracker.Record("node-3", "blob", rec)
	h.client.stored["node-3"] = map[string]model.VersionedRecord{"blob": rec}
	h.client.setFail("node-2", true)

	got, err := h.coord.Read(context.Background(), "blob", model.ConsistencyEventual)
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	ctx := context.Background()

	_, err := h.coord.Write(ctx, "blob", []byte("content"), model.ConsistencyQuorum)
	require.NoError(t, err)
	waitHolders(t, h.tracker, "blob", 3)

	require.NoError(t, h.coord.Delete(ctx, "blob"))

	_, readErr := h.store.ReadLocal("blob")
	assert.Error(t, readErr)
	assert.False(t, h.client.has("node-2", "blob"))
	assert.False(t, h.client.has("node-3", "blob"))
	assert.Empty(t, h.tracker.Holders("blob"))

	// Deleting again is a no-op, not an error.
	assert.NoError(t, h.coord.Delete(ctx, "blob"))
}

func TestWriteRefusedWhenSelfHeartbeatOverdue(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")

	h.dir.Remove(selfID)
	require.NoError(t, h.dir.Register(model.NodeRecord{
		NodeID:        selfID,
		Status:        model.NodeStatusActive,
		Region:        "us-east",
		LastHeartbeat: time.Now().Add(-time.Hour),
	}))

	_, err := h.coord.Write(context.Background(), "blob", []byte("x"), model.ConsistencyQuorum)
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeNodeUnhealthy, coreerrors.GetCode(err))
}

func TestGetClusterStatus(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	h.leader.leader = true
	h.leader.holder = selfID

	status := h.coord.GetClusterStatus(context.Background())
	assert.Equal(t, 3, status.TotalNodes)
	assert.Equal(t, 3, status.HealthyNodes)
	assert.True(t, status.IsLeader)
	assert.Equal(t, selfID, status.LeaderNodeID)
}

func TestDeregisterTriggersReReplication(t *testing.T) {
	h := newHarness(t, 2, "node-2", "node-3")
	ctx := context.Background()

	// Load node-3 so target selection deterministically picks node-2.
	require.NoError(t, h.dir.Heartbeat("node-3", model.NodeMetrics{Load: 0.9}))

	_, err := h.coord.Write(ctx, "blob", []byte("content"), model.ConsistencyQuorum)
	require.NoError(t, err)
	require.Contains(t, h.tracker.Holders("blob"), "node-2")

	h.coord.Deregister(ctx, "node-2")

	holders := h.tracker.Holders("blob")
	assert.NotContains(t, holders, "node-2")
	assert.Len(t, holders, 2, "replication level restored after node loss")
	assert.Contains(t, holders, "node-3")
}

func TestVolumePlacement(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	ctx := context.Background()

	_, err := h.coord.Write(ctx, "chunk-1", []byte("a"), model.ConsistencyQuorum)
	require.NoError(t, err)
	_, err = h.coord.Write(ctx, "chunk-2", []byte("b"), model.ConsistencyQuorum)
	require.NoError(t, err)
	waitHolders(t, h.tracker, "chunk-1", 3)
	waitHolders(t, h.tracker, "chunk-2", 3)

	placement := h.coord.VolumePlacement(model.Volume{
		ID:      "vol-1",
		DataIDs: []string{"chunk-1", "chunk-2", "chunk-missing"},
	})

	assert.Equal(t, "vol-1", placement.VolumeID)
	assert.Len(t, placement.Holders["chunk-1"], 3)
	assert.Len(t, placement.Holders["chunk-2"], 3)
	assert.Empty(t, placement.Holders["chunk-missing"])
}

func TestLoadTrackerAccessCounts(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	ctx := context.Background()

	_, err := h.coord.Write(ctx, "hot", []byte("x"), model.ConsistencyQuorum)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := h.coord.Read(ctx, "hot", model.ConsistencyEventual)
		require.NoError(t, err)
	}

	stats := h.coord.LoadStats()
	assert.Equal(t, uint64(6), stats.AccessCount("hot"))
	assert.Zero(t, stats.AccessCount("cold"))
	assert.Zero(t, stats.ErrorRate())
}
