package model

import "time"

// LeaseRecord is a time-bounded exclusive claim held in a shared
// coordination store. The store's copy is the source of truth for
// leadership; a local copy is only a cache of the last read/write.
type LeaseRecord struct {
	Name          string        `json:"name"`
	HolderID      string        `json:"holder_id"`
	LeaseDuration time.Duration `json:"lease_duration"`
	AcquiredAt    time.Time     `json:"acquired_at"`
	RenewedAt     time.Time     `json:"renewed_at"`
	Generation    int64         `json:"generation"` // fencing token, bumped on every takeover
}

// Expired reports whether the lease is past its renew deadline.
func (l *LeaseRecord) Expired(now time.Time) bool {
	return now.Sub(l.RenewedAt) > l.LeaseDuration
}
