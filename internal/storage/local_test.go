package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/storage"
)

func newStore(t *testing.T) *storage.DiskStore {
	t.Helper()
	s, err := storage.NewDiskStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestWriteReadRoundtrip(t *testing.T) {
	s := newStore(t)

	content := []byte("replica payload")
	require.NoError(t, s.WriteLocal("blob-1", content))

	got, err := s.ReadLocal("blob-1")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWriteOverwrites(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.WriteLocal("blob-1", []byte("v1")))
	require.NoError(t, s.WriteLocal("blob-1", []byte("v2")))

	got, err := s.ReadLocal("blob-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestReadMissing(t *testing.T) {
	s := newStore(t)

	_, err := s.ReadLocal("nope")
	require.Error(t, err)
	assert.Equal(t, coreerrors.ErrCodeNotFound, coreerrors.GetCode(err))
}

func TestDeleteIdempotent(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.WriteLocal("blob-1", []byte("x")))
	require.NoError(t, s.DeleteLocal("blob-1"))

	// Deleting again succeeds.
	require.NoError(t, s.DeleteLocal("blob-1"))

	_, err := s.ReadLocal("blob-1")
	assert.Error(t, err)
}

func TestRejectsUnsafeIDs(t *testing.T) {
	s := newStore(t)

	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../escape"} {
		assert.Error(t, s.WriteLocal(id, []byte("x")), "id %q", id)
		_, err := s.ReadLocal(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestListSkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewDiskStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.WriteLocal("blob-1", []byte("x")))
	require.NoError(t, s.WriteLocal("blob-2", []byte("y")))

	// A leftover temp file from an interrupted write is not addressable.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-blob-3-123"), []byte("partial"), 0o644))

	ids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"blob-1", "blob-2"}, ids)
}

func TestCapacityReporting(t *testing.T) {
	s := newStore(t)
	assert.Greater(t, s.TotalBytes(), uint64(0))
	assert.Greater(t, s.AvailableBytes(), uint64(0))
	assert.LessOrEqual(t, s.AvailableBytes(), s.TotalBytes())
}
