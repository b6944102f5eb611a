package model

import (
	"errors"
	"time"
)

// ConsistencyLevel is the per-operation durability/agreement policy
type ConsistencyLevel string

const (
	ConsistencyStrong   ConsistencyLevel = "strong"
	ConsistencyQuorum   ConsistencyLevel = "quorum"
	ConsistencyEventual ConsistencyLevel = "eventual"
)

// ValidConsistencyLevel checks if the consistency level is valid
func ValidConsistencyLevel(level ConsistencyLevel) bool {
	switch level {
	case ConsistencyStrong, ConsistencyQuorum, ConsistencyEventual:
		return true
	default:
		return false
	}
}

// NormalizeConsistencyLevel returns the level to use, defaulting if empty
func NormalizeConsistencyLevel(level ConsistencyLevel, def ConsistencyLevel) (ConsistencyLevel, error) {
	if level == "" {
		return def, nil
	}
	if !ValidConsistencyLevel(level) {
		return "", errors.New("invalid consistency level: must be one of: strong, quorum, eventual")
	}
	return level, nil
}

// VersionedRecord is one stored version of a data item on one node.
// For a given (data_id, node) pair at most one VersionedRecord exists;
// divergence across nodes reconciles to the highest (version, timestamp).
type VersionedRecord struct {
	Content   []byte
	Version   int64
	Timestamp time.Time
	Checksum  string
}

// Newer reports whether r supersedes other under last-version-wins,
// tie-broken by timestamp. Node identity is never used as a tiebreak.
func (r VersionedRecord) Newer(other VersionedRecord) bool {
	if r.Version != other.Version {
		return r.Version > other.Version
	}
	return r.Timestamp.After(other.Timestamp)
}

// WriteOperation tracks an in-flight write for rollback purposes.
// It lives only for the duration of the operation.
type WriteOperation struct {
	OperationID string
	DataID      string
	Content     []byte
	Level       ConsistencyLevel
	Version     int64
	Checksum    string
	Timestamp   time.Time
	TargetNodes []string
}
