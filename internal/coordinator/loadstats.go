package coordinator

import (
	"sync"
	"sync/atomic"
)

// LoadTracker keeps the node's own load view: in-flight request
// pressure, per-item access counts for migration ranking, and an error
// rate for the self health check.
type LoadTracker struct {
	maxConcurrent int64
	inflight      int64
	totalOps      uint64
	failedOps     uint64

	mu     sync.RWMutex
	access map[string]uint64
}

// NewLoadTracker creates a tracker sized to the request concurrency the
// node is willing to report as fully loaded.
func NewLoadTracker(maxConcurrent int) *LoadTracker {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return &LoadTracker{
		maxConcurrent: int64(maxConcurrent),
		access:        make(map[string]uint64),
	}
}

// Begin marks a request in flight. The returned func ends it; failed
// reports whether the request errored.
func (l *LoadTracker) Begin() func(failed bool) {
	atomic.AddInt64(&l.inflight, 1)
	return func(failed bool) {
		atomic.AddInt64(&l.inflight, -1)
		atomic.AddUint64(&l.totalOps, 1)
		if failed {
			atomic.AddUint64(&l.failedOps, 1)
		}
	}
}

// Touch bumps a data item's access count.
func (l *LoadTracker) Touch(dataID string) {
	l.mu.Lock()
	l.access[dataID]++
	l.mu.Unlock()
}

// Forget drops a data item's access history.
func (l *LoadTracker) Forget(dataID string) {
	l.mu.Lock()
	delete(l.access, dataID)
	l.mu.Unlock()
}

// AccessCount implements replication.AccessRanker.
func (l *LoadTracker) AccessCount(dataID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.access[dataID]
}

// CurrentLoad reports in-flight pressure as a 0..1 fraction.
func (l *LoadTracker) CurrentLoad() float64 {
	load := float64(atomic.LoadInt64(&l.inflight)) / float64(l.maxConcurrent)
	if load > 1 {
		load = 1
	}
	return load
}

// ErrorRate reports the fraction of operations that failed.
func (l *LoadTracker) ErrorRate() float64 {
	total := atomic.LoadUint64(&l.totalOps)
	if total == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&l.failedOps)) / float64(total)
}
