package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevklatman/distfs/internal/coordinator"
	"github.com/kevklatman/distfs/internal/model"
	"github.com/kevklatman/distfs/internal/util"
)

func newHealthLoop(h *harness) *coordinator.HealthLoop {
	return coordinator.NewHealthLoop(h.coord, time.Second, 500*time.Millisecond, nil)
}

func TestTickRefreshesOwnHeartbeat(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")

	before, ok := h.dir.Get(selfID)
	require.True(t, ok)
	time.Sleep(10 * time.Millisecond)

	newHealthLoop(h).Tick(context.Background())

	after, ok := h.dir.Get(selfID)
	require.True(t, ok)
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func TestTickEvictsStaleNode(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")
	require.NoError(t, h.dir.Register(model.NodeRecord{
		NodeID:        "stale",
		Status:        model.NodeStatusActive,
		Region:        "us-east",
		LastHeartbeat: time.Now().Add(-time.Hour),
	}))

	newHealthLoop(h).Tick(context.Background())

	_, ok := h.dir.Get("stale")
	assert.False(t, ok)
	_, ok = h.dir.Get("node-2")
	assert.True(t, ok)
}

func TestTickRemovesUnreachablePeer(t *testing.T) {
	h := newHarness(t, 2, "node-2", "node-3")
	h.client.setFail("node-2", true)

	// node-2 held the only remote copy; eviction re-replicates it from
	// the tracker's cached bytes.
	rec := model.VersionedRecord{Content: []byte("content"), Version: 1, Timestamp: time.Now(), Checksum: util.ChecksumHex([]byte("content"))}
	h.tracker.Record("node-2", "blob", rec)

	newHealthLoop(h).Tick(context.Background())

	_, ok := h.dir.Get("node-2")
	assert.False(t, ok, "unreachable peer is removed")

	holders := h.tracker.Holders("blob")
	assert.NotContains(t, holders, "node-2")
	assert.Contains(t, holders, "node-3")
}

func TestTickMigratesOffCriticalPeer(t *testing.T) {
	h := newHarness(t, 2, "node-2", "node-3")
	h.client.metricsBy["node-2"] = model.NodeMetrics{CPUUsage: 95, Load: 0.95}

	for _, id := range []string{"a", "b", "c"} {
		rec := model.VersionedRecord{Content: []byte("data-" + id), Version: 1, Timestamp: time.Now(), Checksum: util.ChecksumHex([]byte("data-" + id))}
		h.tracker.Record("node-2", id, rec)
	}

	newHealthLoop(h).Tick(context.Background())

	// Critical CPU drains the node completely.
	rec, ok := h.dir.Get("node-2")
	require.True(t, ok, "a degraded node stays in the cluster")
	assert.Equal(t, model.NodeStatusDegraded, rec.Status)
	for _, id := range []string{"a", "b", "c"} {
		holders := h.tracker.Holders(id)
		assert.Len(t, holders, 2, "item %s should have gained a copy elsewhere", id)
		assert.Contains(t, holders, "node-2")
	}
}

func TestTickLeavesHealthyClusterAlone(t *testing.T) {
	h := newHarness(t, 3, "node-2", "node-3")

	newHealthLoop(h).Tick(context.Background())

	total, healthy := h.dir.HealthyCount()
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, healthy)
	assert.Empty(t, h.client.rollbacks)
}
