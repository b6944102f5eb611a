package election

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/model"
)

// State is the elector's view of its own role.
type State string

const (
	StateCandidate State = "candidate"
	StateLeader    State = "leader"
)

// DefaultClockSkewMargin pads lease expiry decisions in both directions:
// a holder steps down this much before its lease could be considered
// expired elsewhere, and a challenger waits this much past expiry before
// taking over.
const DefaultClockSkewMargin = 2 * time.Second

// Elector drives the renewable-lease leader election protocol for one
// node. At most one live node believes it is leader at any time; the
// shared lease store is the source of truth and the local state only a
// conservative cache of it.
type Elector struct {
	nodeID        string
	leaseName     string
	duration      time.Duration
	renewInterval time.Duration
	renewTimeout  time.Duration
	skewMargin    time.Duration
	store         LeaseStore
	logger        *zap.Logger

	mu          sync.Mutex
	state       State
	current     model.LeaseRecord
	leaderUntil time.Time // local deadline past which leadership is never assumed
	attempt     uint64    // renewal attempt counter, used to discard late results
}

// Config holds elector parameters.
type Config struct {
	NodeID        string
	LeaseName     string
	LeaseDuration time.Duration
	RenewInterval time.Duration
	RenewTimeout  time.Duration
	SkewMargin    time.Duration
}

// NewElector creates an elector in the candidate state.
func NewElector(cfg Config, store LeaseStore, logger *zap.Logger) *Elector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SkewMargin <= 0 {
		cfg.SkewMargin = DefaultClockSkewMargin
	}
	return &Elector{
		nodeID:        cfg.NodeID,
		leaseName:     cfg.LeaseName,
		duration:      cfg.LeaseDuration,
		renewInterval: cfg.RenewInterval,
		renewTimeout:  cfg.RenewTimeout,
		skewMargin:    cfg.SkewMargin,
		store:         store,
		logger:        logger,
		state:         StateCandidate,
	}
}

// IsLeader reports whether this node may currently act as leader. It
// returns false past the local lease deadline even if no renewal failure
// has been observed yet.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateLeader && time.Now().Before(e.leaderUntil)
}

// State returns the current role.
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateLeader && !time.Now().Before(e.leaderUntil) {
		return StateCandidate
	}
	return e.state
}

// CurrentHolder returns the last observed lease holder id, if any.
func (e *Elector) CurrentHolder(ctx context.Context) (string, error) {
	rec, err := e.store.Get(ctx, e.leaseName)
	if errors.Is(err, ErrLeaseNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.HolderID, nil
}

// TryAcquire attempts to become leader. If the lease exists and its
// holder is still valid, it fails with a LeaderElection error naming the
// holder. If the lease is expired it attempts a compare-and-swap
// takeover fenced by the read holder identity and generation.
func (e *Elector) TryAcquire(ctx context.Context) error {
	rec, err := e.store.Create(ctx, e.leaseName, e.nodeID, e.duration)
	if err == nil {
		e.becomeLeader(rec)
		return nil
	}
	if !errors.Is(err, ErrLeaseExists) {
		return err
	}

	cur, err := e.store.Get(ctx, e.leaseName)
	if errors.Is(err, ErrLeaseNotFound) {
		// Lease vanished between create and read; retry create once.
		rec, err = e.store.Create(ctx, e.leaseName, e.nodeID, e.duration)
		if err == nil {
			e.becomeLeader(rec)
			return nil
		}
		return coreerrors.LeaderElection("unknown")
	}
	if err != nil {
		return err
	}

	if cur.HolderID == e.nodeID {
		// Our own lease survived a restart or a demotion; re-adopt it
		// by renewing through CAS.
		rec, err = e.store.CompareAndSwap(ctx, e.leaseName, cur.HolderID, cur.Generation, e.nodeID, e.duration)
		if err == nil {
			e.becomeLeader(rec)
			return nil
		}
		return coreerrors.LeaderElection(cur.HolderID)
	}

	// Wait out the skew margin before treating another node's lease as
	// expired.
	if time.Since(cur.RenewedAt) <= cur.LeaseDuration+e.skewMargin {
		return coreerrors.LeaderElection(cur.HolderID)
	}

	rec, err = e.store.CompareAndSwap(ctx, e.leaseName, cur.HolderID, cur.Generation, e.nodeID, e.duration)
	if errors.Is(err, ErrCASMismatch) || errors.Is(err, ErrLeaseNotFound) {
		// Another candidate won the takeover race.
		return coreerrors.LeaderElection(cur.HolderID)
	}
	if err != nil {
		return err
	}

	e.logger.Info("took over expired lease",
		zap.String("previous_holder", cur.HolderID),
		zap.Int64("generation", rec.Generation))
	e.becomeLeader(rec)
	return nil
}

// Renew extends the lease for the current holder. It runs against its
// own timeout, shorter than the lease duration; on timeout the node
// demotes itself locally without waiting for anyone else, and a renewal
// that completes late is discarded.
func (e *Elector) Renew(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateLeader {
		e.mu.Unlock()
		return errors.New("not leader")
	}
	cur := e.current
	e.attempt++
	attempt := e.attempt
	e.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, e.renewTimeout)
	defer cancel()

	type result struct {
		rec model.LeaseRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := e.store.CompareAndSwap(context.WithoutCancel(rctx), e.leaseName, cur.HolderID, cur.Generation, e.nodeID, e.duration)
		done <- result{rec, err}
	}()

	select {
	case <-rctx.Done():
		// Demote now; if the store applies the renewal after this point
		// the result is dropped because the attempt counter moved on.
		e.demote("renew timeout")
		go func() {
			res := <-done
			if res.err == nil {
				e.logger.Warn("discarding late renewal success",
					zap.Uint64("attempt", attempt))
			}
		}()
		return rctx.Err()

	case res := <-done:
		if res.err != nil {
			// A failed CAS means the lease was taken from us.
			e.demote("renew rejected")
			return res.err
		}
		e.mu.Lock()
		if e.state == StateLeader && e.attempt == attempt {
			e.current = res.rec
			e.leaderUntil = time.Now().Add(e.duration - e.skewMargin)
		}
		e.mu.Unlock()
		return nil
	}
}

// Release steps down gracefully, deleting the lease if still held.
func (e *Elector) Release(ctx context.Context) error {
	e.mu.Lock()
	wasLeader := e.state == StateLeader
	e.state = StateCandidate
	e.leaderUntil = time.Time{}
	e.mu.Unlock()

	if !wasLeader {
		return nil
	}

	err := e.store.Delete(ctx, e.leaseName, e.nodeID)
	if errors.Is(err, ErrLeaseNotFound) || errors.Is(err, ErrCASMismatch) {
		return nil
	}
	return err
}

// Run drives the acquire/renew loop until the context is cancelled.
// Candidates retry acquisition at the renew interval; leaders renew at
// the renew interval, which must be under half the lease duration.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.IsLeader() {
				if err := e.Renew(ctx); err != nil {
					e.logger.Warn("lease renewal failed", zap.Error(err))
				}
				continue
			}
			if err := e.TryAcquire(ctx); err != nil {
				if coreerrors.GetCode(err) != coreerrors.ErrCodeLeaderElection {
					e.logger.Warn("lease acquisition failed", zap.Error(err))
				}
			}
		}
	}
}

func (e *Elector) becomeLeader(rec model.LeaseRecord) {
	e.mu.Lock()
	e.state = StateLeader
	e.current = rec
	e.leaderUntil = time.Now().Add(e.duration - e.skewMargin)
	e.mu.Unlock()

	e.logger.Info("became leader",
		zap.String("lease", e.leaseName),
		zap.Int64("generation", rec.Generation))
}

func (e *Elector) demote(reason string) {
	e.mu.Lock()
	was := e.state
	e.state = StateCandidate
	e.leaderUntil = time.Time{}
	e.mu.Unlock()

	if was == StateLeader {
		e.logger.Warn("demoted to candidate", zap.String("reason", reason))
	}
}
