package consistency_test

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevklatman/distfs/internal/consistency"
	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/model"
)

func rec(version int64, ts time.Time) model.VersionedRecord {
	return model.VersionedRecord{Content: []byte("x"), Version: version, Timestamp: ts}
}

func TestNextVersionMonotonic(t *testing.T) {
	tr := consistency.NewTracker(2, nil)

	assert.Equal(t, int64(1), tr.NextVersion("blob"))
	tr.Record("node-1", "blob", rec(1, time.Now()))
	assert.Equal(t, int64(2), tr.NextVersion("blob"))

	// Independent data items have independent version sequences.
	assert.Equal(t, int64(1), tr.NextVersion("other"))
}

func TestNextVersionBurnsUnrecordedAllocations(t *testing.T) {
	tr := consistency.NewTracker(2, nil)

	v1 := tr.NextVersion("blob")
	// The write that took v1 failed and was rolled back; nothing was
	// recorded. A retry must still get a higher version.
	v2 := tr.NextVersion("blob")
	assert.Greater(t, v2, v1)
}

func TestNextVersionConcurrent(t *testing.T) {
	tr := consistency.NewTracker(2, nil)

	const writers = 50
	versions := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			versions <- tr.NextVersion("blob")
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d handed out twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)
}

func TestHoldersAndRemoval(t *testing.T) {
	tr := consistency.NewTracker(2, nil)
	now := time.Now()

	tr.Record("node-1", "blob", rec(1, now))
	tr.Record("node-2", "blob", rec(1, now))

	holders := tr.Holders("blob")
	sort.Strings(holders)
	assert.Equal(t, []string{"node-1", "node-2"}, holders)

	tr.RemoveVersion("node-1", "blob")
	assert.Equal(t, []string{"node-2"}, tr.Holders("blob"))

	tr.RemoveData("blob")
	assert.Empty(t, tr.Holders("blob"))
}

func TestRemoveNodeReturnsAffected(t *testing.T) {
	tr := consistency.NewTracker(2, nil)
	now := time.Now()

	tr.Record("node-1", "a", rec(1, now))
	tr.Record("node-1", "b", rec(3, now))
	tr.Record("node-2", "a", rec(1, now))

	affected := tr.RemoveNode("node-1")
	require.Len(t, affected, 2)
	assert.Equal(t, int64(3), affected["b"].Version)

	// "a" still has a surviving holder, "b" none.
	assert.Equal(t, []string{"node-2"}, tr.Holders("a"))
	assert.Empty(t, tr.Holders("b"))
}

func TestLatestStrong(t *testing.T) {
	tr := consistency.NewTracker(2, nil)
	now := time.Now()

	tr.Record("node-1", "blob", rec(2, now))
	tr.Record("node-2", "blob", rec(2, now))

	got, err := tr.Latest("blob", model.ConsistencyStrong)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	// One divergent holder fails the strong read.
	tr.Record("node-3", "blob", rec(1, now))
	_, err = tr.Latest("blob", model.ConsistencyStrong)
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeConsistency, coreerrors.GetCode(err))
}

func TestLatestQuorum(t *testing.T) {
	tr := consistency.NewTracker(2, nil)
	now := time.Now()

	tr.Record("node-1", "blob", rec(2, now))
	tr.Record("node-2", "blob", rec(2, now))
	tr.Record("node-3", "blob", rec(1, now))

	got, err := tr.Latest("blob", model.ConsistencyQuorum)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestLatestQuorumNotReached(t *testing.T) {
	tr := consistency.NewTracker(3, nil)
	now := time.Now()

	tr.Record("node-1", "blob", rec(1, now))
	tr.Record("node-2", "blob", rec(2, now))

	_, err := tr.Latest("blob", model.ConsistencyQuorum)
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeConsistency, coreerrors.GetCode(err))
}

func TestLatestEventual(t *testing.T) {
	tr := consistency.NewTracker(2, nil)
	now := time.Now()

	tr.Record("node-1", "blob", rec(1, now))
	tr.Record("node-2", "blob", rec(3, now.Add(-time.Hour)))
	tr.Record("node-3", "blob", rec(2, now))

	got, err := tr.Latest("blob", model.ConsistencyEventual)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version, "highest version wins regardless of agreement")
}

func TestLatestNotFound(t *testing.T) {
	tr := consistency.NewTracker(2, nil)
	_, err := tr.Latest("missing", model.ConsistencyEventual)
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeNotFound, coreerrors.GetCode(err))
}

func TestNodeData(t *testing.T) {
	tr := consistency.NewTracker(2, nil)
	now := time.Now()

	tr.Record("node-1", "a", rec(1, now))
	tr.Record("node-1", "b", rec(2, now))
	tr.Record("node-2", "c", rec(1, now))

	held := tr.NodeData("node-1")
	assert.Len(t, held, 2)
	assert.Contains(t, held, "a")
	assert.Contains(t, held, "b")
}
