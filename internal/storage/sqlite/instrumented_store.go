package sqlite

import (
	"context"
	"database/sql"

	"github.com/streamkeep/streamkeep/internal/asset"
	"github.com/streamkeep/streamkeep/internal/telemetry"
)

// InstrumentedAssetStore wraps AssetStore with telemetry.
type InstrumentedAssetStore struct {
	store     *AssetStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedAssetStore creates a new instrumented asset store.
func NewInstrumentedAssetStore(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedAssetStore {
	return &InstrumentedAssetStore{
		store:     NewAssetStore(db),
		telemetry: tel,
	}
}

// LoadAll reads the persisted collection with telemetry.
func (s *InstrumentedAssetStore) LoadAll(ctx context.Context) (map[string]*asset.Record, error) {
	var result map[string]*asset.Record

	var err error

	instrumentedErr := s.telemetry.InstrumentDBOperation(ctx, "load_assets", func(ctx context.Context) error {
		result, err = s.store.LoadAll(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// SaveAll overwrites the persisted collection with telemetry.
func (s *InstrumentedAssetStore) SaveAll(ctx context.Context, records map[string]*asset.Record) error {
	return s.telemetry.InstrumentDBOperation(ctx, "save_assets", func(ctx context.Context) error {
		return s.store.SaveAll(ctx, records)
	})
}
