package storage

import (
	"context"

	"github.com/streamkeep/streamkeep/internal/asset"
)

// Store persists the full asset collection. Saves are full replaces; there
// is exactly one writer domain, so last-writer-wins is safe.
type Store interface {
	// LoadAll deserializes the persisted collection. Records whose location
	// reference no longer resolves are dropped from the result: their
	// on-disk content is gone, so the record is effectively absent.
	LoadAll(ctx context.Context) (map[string]*asset.Record, error)

	// SaveAll serializes and atomically overwrites the persisted collection.
	SaveAll(ctx context.Context, records map[string]*asset.Record) error
}
