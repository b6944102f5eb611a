package consistency

import (
	"sync"

	"go.uber.org/zap"

	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/model"
)

// Tracker records, per data item, which nodes hold which version and
// decides whether a quorum has been reached. It is one of the two
// cluster-wide mutable structures in the process; multi-step mutations
// run under its lock and readers receive copies.
type Tracker struct {
	mu         sync.RWMutex
	versions   map[string]map[string]model.VersionedRecord // data_id -> node_id -> record
	allocLocks map[string]*sync.Mutex                      // per data item version allocation
	allocated  map[string]int64                            // high-water mark of handed-out versions
	quorumSize int
	logger     *zap.Logger
}

// NewTracker creates a tracker with the given quorum size.
func NewTracker(quorumSize int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		versions:   make(map[string]map[string]model.VersionedRecord),
		allocLocks: make(map[string]*sync.Mutex),
		allocated:  make(map[string]int64),
		quorumSize: quorumSize,
		logger:     logger,
	}
}

// allocLock returns the per-data-item allocation mutex, creating it on
// first use.
func (t *Tracker) allocLock(dataID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.allocLocks[dataID]
	if !ok {
		l = &sync.Mutex{}
		t.allocLocks[dataID] = l
	}
	return l
}

// NextVersion returns max(known versions)+1 for the data item, or 1 if
// unseen. Concurrent callers for the same data item serialize through a
// per-item critical section so no two writes receive the same version,
// including callers whose earlier allocation has not been recorded yet.
func (t *Tracker) NextVersion(dataID string) int64 {
	lock := t.allocLock(dataID)
	lock.Lock()
	defer lock.Unlock()

	next := t.maxVersion(dataID) + 1

	t.mu.Lock()
	if hw := t.allocated[dataID]; hw >= next {
		next = hw + 1
	}
	t.allocated[dataID] = next
	t.mu.Unlock()

	return next
}

func (t *Tracker) maxVersion(dataID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var max int64
	for _, rec := range t.versions[dataID] {
		if rec.Version > max {
			max = rec.Version
		}
	}
	return max
}

// Record upserts a node's version of a data item. Idempotent.
func (t *Tracker) Record(nodeID, dataID string, rec model.VersionedRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	holders, ok := t.versions[dataID]
	if !ok {
		holders = make(map[string]model.VersionedRecord)
		t.versions[dataID] = holders
	}
	holders[nodeID] = rec
}

// RemoveVersion drops a node's record of a data item, if present.
func (t *Tracker) RemoveVersion(nodeID, dataID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if holders, ok := t.versions[dataID]; ok {
		delete(holders, nodeID)
		if len(holders) == 0 {
			delete(t.versions, dataID)
		}
	}
}

// RemoveData drops every record of a data item across all nodes.
func (t *Tracker) RemoveData(dataID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.versions, dataID)
}

// NodeData returns a snapshot of every data item the node holds.
func (t *Tracker) NodeData(nodeID string) map[string]model.VersionedRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]model.VersionedRecord)
	for dataID, holders := range t.versions {
		if rec, ok := holders[nodeID]; ok {
			out[dataID] = rec
		}
	}
	return out
}

// RemoveNode strips the node from every holder set and returns the data
// items it held, for re-replication by the caller.
func (t *Tracker) RemoveNode(nodeID string) map[string]model.VersionedRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	affected := make(map[string]model.VersionedRecord)
	for dataID, holders := range t.versions {
		if rec, ok := holders[nodeID]; ok {
			affected[dataID] = rec
			delete(holders, nodeID)
			if len(holders) == 0 {
				delete(t.versions, dataID)
			}
		}
	}
	return affected
}

// Holders returns the ids of nodes known to hold the data item.
func (t *Tracker) Holders(dataID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	holders := t.versions[dataID]
	out := make([]string, 0, len(holders))
	for nodeID := range holders {
		out = append(out, nodeID)
	}
	return out
}

// HolderRecords returns a snapshot of node_id -> record for the data item.
func (t *Tracker) HolderRecords(dataID string) map[string]model.VersionedRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	holders := t.versions[dataID]
	out := make(map[string]model.VersionedRecord, len(holders))
	for nodeID, rec := range holders {
		out[nodeID] = rec
	}
	return out
}

// DataIDs returns all tracked data item ids.
func (t *Tracker) DataIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.versions))
	for dataID := range t.versions {
		out = append(out, dataID)
	}
	return out
}

// Latest resolves the current record for a data item under the requested
// consistency level.
//
// strong: every known holder must agree on one version.
// quorum: the version seen by the most holders must be seen by at least
// quorumSize of them.
// eventual: the (version, timestamp)-maximal record among holders, with
// no agreement requirement.
func (t *Tracker) Latest(dataID string, level model.ConsistencyLevel) (model.VersionedRecord, error) {
	records := t.HolderRecords(dataID)
	if len(records) == 0 {
		return model.VersionedRecord{}, coreerrors.NotFound(dataID)
	}

	switch level {
	case model.ConsistencyStrong:
		var first model.VersionedRecord
		seen := false
		for _, rec := range records {
			if !seen {
				first = rec
				seen = true
				continue
			}
			if rec.Version != first.Version {
				return model.VersionedRecord{}, coreerrors.Consistency(dataID, "holders disagree on version")
			}
		}
		return first, nil

	case model.ConsistencyQuorum:
		counts := make(map[int64]int)
		best := make(map[int64]model.VersionedRecord)
		for _, rec := range records {
			counts[rec.Version]++
			if cur, ok := best[rec.Version]; !ok || rec.Newer(cur) {
				best[rec.Version] = rec
			}
		}
		var topVersion int64
		topCount := -1
		for version, count := range counts {
			if count > topCount || (count == topCount && version > topVersion) {
				topVersion, topCount = version, count
			}
		}
		if topCount < t.quorumSize {
			return model.VersionedRecord{}, coreerrors.Consistency(dataID, "no version held by a quorum of nodes")
		}
		return best[topVersion], nil

	case model.ConsistencyEventual:
		var latest model.VersionedRecord
		seen := false
		for _, rec := range records {
			if !seen || rec.Newer(latest) {
				latest = rec
				seen = true
			}
		}
		return latest, nil

	default:
		return model.VersionedRecord{}, coreerrors.InvalidArgument("unknown consistency level", nil)
	}
}
