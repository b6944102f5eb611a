package election

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kevklatman/distfs/internal/model"
)

var (
	// ErrLeaseExists is returned by Create when the lease is already present.
	ErrLeaseExists = errors.New("lease already exists")
	// ErrLeaseNotFound is returned by Get/CompareAndSwap/Delete when absent.
	ErrLeaseNotFound = errors.New("lease not found")
	// ErrCASMismatch is returned when the expected holder/generation does
	// not match the stored lease. The caller lost the race.
	ErrCASMismatch = errors.New("lease holder or generation mismatch")
)

// LeaseStore is the shared coordination store behind leader election.
// Timestamps are assigned by the store, not the caller, so that holder
// validity is judged against a single clock. Any backend offering
// create / read / compare-and-swap / delete satisfies the contract.
type LeaseStore interface {
	// Create stores a new lease naming holderID, failing with
	// ErrLeaseExists if one is present (expired or not).
	Create(ctx context.Context, name, holderID string, duration time.Duration) (model.LeaseRecord, error)

	// Get reads the current lease.
	Get(ctx context.Context, name string) (model.LeaseRecord, error)

	// CompareAndSwap atomically replaces the lease if it is currently
	// held by expectedHolder at expectedGeneration. Used both for
	// renewal (newHolder == expectedHolder) and expired-lease takeover
	// (newHolder != expectedHolder, generation bumped).
	CompareAndSwap(ctx context.Context, name, expectedHolder string, expectedGeneration int64, newHolder string, duration time.Duration) (model.LeaseRecord, error)

	// Delete removes the lease if still held by holderID.
	Delete(ctx context.Context, name, holderID string) error
}

// MemoryLeaseStore is an in-process LeaseStore used by tests and
// single-process clusters.
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]model.LeaseRecord
	clock  func() time.Time
}

// NewMemoryLeaseStore creates an empty in-memory lease store.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{
		leases: make(map[string]model.LeaseRecord),
		clock:  time.Now,
	}
}

// Create implements LeaseStore.
func (s *MemoryLeaseStore) Create(_ context.Context, name, holderID string, duration time.Duration) (model.LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.leases[name]; ok {
		return model.LeaseRecord{}, ErrLeaseExists
	}

	now := s.clock()
	rec := model.LeaseRecord{
		Name:          name,
		HolderID:      holderID,
		LeaseDuration: duration,
		AcquiredAt:    now,
		RenewedAt:     now,
		Generation:    1,
	}
	s.leases[name] = rec
	return rec, nil
}

// Get implements LeaseStore.
func (s *MemoryLeaseStore) Get(_ context.Context, name string) (model.LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.leases[name]
	if !ok {
		return model.LeaseRecord{}, ErrLeaseNotFound
	}
	return rec, nil
}

// CompareAndSwap implements LeaseStore.
func (s *MemoryLeaseStore) CompareAndSwap(_ context.Context, name, expectedHolder string, expectedGeneration int64, newHolder string, duration time.Duration) (model.LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.leases[name]
	if !ok {
		return model.LeaseRecord{}, ErrLeaseNotFound
	}
	if rec.HolderID != expectedHolder || rec.Generation != expectedGeneration {
		return model.LeaseRecord{}, ErrCASMismatch
	}

	now := s.clock()
	rec.RenewedAt = now
	rec.LeaseDuration = duration
	if newHolder != rec.HolderID {
		rec.HolderID = newHolder
		rec.AcquiredAt = now
		rec.Generation++
	}
	s.leases[name] = rec
	return rec, nil
}

// Delete implements LeaseStore.
func (s *MemoryLeaseStore) Delete(_ context.Context, name, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.leases[name]
	if !ok {
		return ErrLeaseNotFound
	}
	if rec.HolderID != holderID {
		return ErrCASMismatch
	}
	delete(s.leases, name)
	return nil
}
