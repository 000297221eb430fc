package asset

import (
	"github.com/streamkeep/streamkeep/internal/location"
)

// Status tracks where an offline asset is in its download lifecycle.
type Status string

const (
	// StatusIdle means the asset is queued and no download has started.
	StatusIdle Status = "IDLE"

	// StatusPending means a download is in flight.
	StatusPending Status = "PENDING"

	// StatusFinished means the asset is fully downloaded and saved on disk.
	StatusFinished Status = "FINISHED"

	// StatusFailed means the last download attempt failed; a fresh download
	// request for the same id retries it.
	StatusFailed Status = "FAILED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusPending, StatusFinished, StatusFailed:
		return true
	}

	return false
}

// Record describes one offline-downloadable HLS stream. The id is the
// uniqueness key for all lookups; the source URL may repeat across distinct
// logical assets.
type Record struct {
	ID             string
	SourceURL      string
	Status         Status
	Progress       float64
	SizeBytes      float64
	BitrateCeiling int64
	Location       *location.Ref
}

// New creates an idle record for a fresh download request.
func New(id, sourceURL string, bitrateCeiling int64) *Record {
	return &Record{
		ID:             id,
		SourceURL:      sourceURL,
		Status:         StatusIdle,
		BitrateCeiling: bitrateCeiling,
	}
}

// Snapshot returns a copy safe to hand to observers. The location reference
// is immutable once assigned, so sharing the pointer is fine.
func (r *Record) Snapshot() Record {
	return *r
}
