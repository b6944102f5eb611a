package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	coreerrors "github.com/kevklatman/distfs/internal/errors"
)

// LocalStore is the durable local byte store consumed by the
// coordination core. One addressable blob per data item.
type LocalStore interface {
	WriteLocal(dataID string, content []byte) error
	ReadLocal(dataID string) ([]byte, error)
	DeleteLocal(dataID string) error
	List() ([]string, error)
	AvailableBytes() uint64
	TotalBytes() uint64
}

// DiskStore stores each data item as a single file named by data_id
// under a flat directory. Writes go through a temp file and rename so a
// crash never leaves a partial blob addressable.
type DiskStore struct {
	dir    string
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewDiskStore creates the data directory if needed.
func NewDiskStore(dir string, logger *zap.Logger) (*DiskStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &DiskStore{dir: dir, logger: logger}, nil
}

func (s *DiskStore) path(dataID string) (string, error) {
	if dataID == "" || strings.ContainsAny(dataID, "/\\") || dataID == "." || dataID == ".." {
		return "", coreerrors.InvalidArgument(fmt.Sprintf("invalid data id: %q", dataID), nil)
	}
	return filepath.Join(s.dir, dataID), nil
}

// WriteLocal implements LocalStore.
func (s *DiskStore) WriteLocal(dataID string, content []byte) error {
	path, err := s.path(dataID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+dataID+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadLocal implements LocalStore.
func (s *DiskStore) ReadLocal(dataID string) ([]byte, error) {
	path, err := s.path(dataID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, coreerrors.NotFound(dataID)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return content, nil
}

// DeleteLocal implements LocalStore. Deleting an absent item succeeds.
func (s *DiskStore) DeleteLocal(dataID string) error {
	path, err := s.path(dataID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// List implements LocalStore.
func (s *DiskStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list data dir: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// AvailableBytes implements LocalStore. Zero means the store could not
// determine free space, which callers treat as unhealthy.
func (s *DiskStore) AvailableBytes() uint64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(s.dir, &st); err != nil {
		return 0
	}
	return st.Bavail * uint64(st.Bsize)
}

// TotalBytes implements LocalStore.
func (s *DiskStore) TotalBytes() uint64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(s.dir, &st); err != nil {
		return 0
	}
	return st.Blocks * uint64(st.Bsize)
}
