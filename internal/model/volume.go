package model

import "time"

// Volume aggregates a set of named data items so that an external
// protection manager can enumerate and migrate them as a unit.
type Volume struct {
	ID        string
	Name      string
	DataIDs   []string
	CreatedAt time.Time
}

// VolumePlacement maps a volume's data items to the nodes currently
// holding them. Built on demand from the consistency tracker's holder
// sets; it is a snapshot, not a live view.
type VolumePlacement struct {
	VolumeID string
	// Holders maps data_id to the node ids holding a copy.
	Holders map[string][]string
}
