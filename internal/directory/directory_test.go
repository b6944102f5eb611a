package directory_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevklatman/distfs/internal/directory"
	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/model"
)

const maxAge = 30 * time.Second

func newDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	return directory.New(maxAge, directory.DefaultScoringPolicy{}, nil)
}

func register(t *testing.T, d *directory.Directory, id, region string) {
	t.Helper()
	require.NoError(t, d.Register(model.NodeRecord{
		NodeID:  id,
		Address: id + ":8080",
		Status:  model.NodeStatusActive,
		Region:  region,
	}))
}

func TestRegisterDuplicate(t *testing.T) {
	d := newDirectory(t)
	register(t, d, "node-1", "us-east")

	err := d.Register(model.NodeRecord{NodeID: "node-1", Status: model.NodeStatusActive})
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeDuplicateNode, coreerrors.GetCode(err))
}

func TestHeartbeatUnknownNode(t *testing.T) {
	d := newDirectory(t)
	err := d.Heartbeat("ghost", model.NodeMetrics{})
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeUnknownNode, coreerrors.GetCode(err))
}

func TestHeartbeatUpdatesStatus(t *testing.T) {
	d := newDirectory(t)
	register(t, d, "node-1", "us-east")

	require.NoError(t, d.Heartbeat("node-1", model.NodeMetrics{
		CPUUsage: 85, Load: 0.5,
	}))
	rec, ok := d.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, model.NodeStatusDegraded, rec.Status)
	assert.Equal(t, 0.5, rec.Load)

	// Recovery flips the node back to active.
	require.NoError(t, d.Heartbeat("node-1", model.NodeMetrics{CPUUsage: 20, Load: 0.1}))
	rec, _ = d.Get("node-1")
	assert.Equal(t, model.NodeStatusActive, rec.Status)
}

func TestEvictStale(t *testing.T) {
	d := newDirectory(t)
	register(t, d, "fresh", "us-east")
	require.NoError(t, d.Register(model.NodeRecord{
		NodeID:        "stale",
		Status:        model.NodeStatusActive,
		LastHeartbeat: time.Now().Add(-2 * maxAge),
	}))

	evicted := d.EvictStale(maxAge)
	require.Len(t, evicted, 1)
	assert.Equal(t, "stale", evicted[0].NodeID)

	_, ok := d.Get("stale")
	assert.False(t, ok)
	_, ok = d.Get("fresh")
	assert.True(t, ok)
}

func TestHealthyCount(t *testing.T) {
	d := newDirectory(t)
	register(t, d, "node-1", "us-east")
	register(t, d, "node-2", "us-east")
	require.NoError(t, d.Heartbeat("node-2", model.NodeMetrics{CPUUsage: 95}))

	total, healthy := d.HealthyCount()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, healthy)
}

func TestSelectTargetsExcludesAndLimits(t *testing.T) {
	d := newDirectory(t)
	register(t, d, "node-1", "us-east")
	register(t, d, "node-2", "us-east")
	register(t, d, "node-3", "us-east")

	targets := d.SelectTargets(2, map[string]struct{}{"node-1": {}}, "us-east")
	require.Len(t, targets, 2)
	for _, target := range targets {
		assert.NotEqual(t, "node-1", target.NodeID)
	}

	// Asking for more than exists returns what is available, no error.
	targets = d.SelectTargets(10, nil, "us-east")
	assert.Len(t, targets, 3)
}

func TestSelectTargetsSkipsDegraded(t *testing.T) {
	d := newDirectory(t)
	register(t, d, "node-1", "us-east")
	register(t, d, "node-2", "us-east")
	require.NoError(t, d.Heartbeat("node-2", model.NodeMetrics{CPUUsage: 95}))

	targets := d.SelectTargets(2, nil, "us-east")
	require.Len(t, targets, 1)
	assert.Equal(t, "node-1", targets[0].NodeID)
}

func TestSelectTargetsPrefersLocalRegion(t *testing.T) {
	d := newDirectory(t)
	register(t, d, "local-node", "us-east")
	register(t, d, "remote-node", "eu-west")

	// Equal metrics otherwise; the cross-region penalty decides.
	targets := d.SelectTargets(1, nil, "us-east")
	require.Len(t, targets, 1)
	assert.Equal(t, "local-node", targets[0].NodeID)
}

func TestDefaultScoringPolicy(t *testing.T) {
	policy := directory.DefaultScoringPolicy{}

	idle := model.NodeRecord{
		Region:           "us-east",
		Load:             0.1,
		AvailableStorage: 900,
		TotalStorage:     1000,
		NetworkLatencyMs: 10,
		ErrorRate:        0,
	}
	busy := idle
	busy.Load = 0.9
	busy.AvailableStorage = 100

	assert.Greater(t, policy.Score(idle, "us-east"), policy.Score(busy, "us-east"))

	// The cross-region penalty is a fixed 0.20.
	local := policy.Score(idle, "us-east")
	remote := policy.Score(idle, "eu-west")
	assert.InDelta(t, 0.20, local-remote, 1e-9)
}

func TestLeastLoadedPolicy(t *testing.T) {
	policy := directory.LeastLoadedPolicy{}
	assert.Greater(t,
		policy.Score(model.NodeRecord{Load: 0.1}, ""),
		policy.Score(model.NodeRecord{Load: 0.8}, ""))
}
