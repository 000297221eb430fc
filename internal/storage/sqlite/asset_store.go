package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/streamkeep/streamkeep/internal/asset"
	"github.com/streamkeep/streamkeep/internal/logctx"
)

// assetsSlot is the single named slot holding the serialized collection.
const assetsSlot = "hls_assets"

// AssetStore persists the asset collection as one JSON document in a named
// slot, replaced wholesale on every save.
type AssetStore struct {
	db *sql.DB
}

func NewAssetStore(db *sql.DB) *AssetStore {
	return &AssetStore{db: db}
}

// LoadAll reads the persisted collection. A missing slot or an undecodable
// payload yields an empty collection: startup fails open, the problem is
// only logged.
func (s *AssetStore) LoadAll(ctx context.Context) (map[string]*asset.Record, error) {
	logger := logctx.LoggerFromContext(ctx)

	var payload []byte

	err := s.db.QueryRowContext(ctx, `SELECT payload FROM state_slots WHERE slot = ?`, assetsSlot).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]*asset.Record{}, nil
		}

		return nil, err
	}

	records, err := asset.DecodeAll(payload)
	if err != nil {
		logger.Warn("persisted asset collection is unreadable, starting empty", "err", err)

		return map[string]*asset.Record{}, nil
	}

	return resolveLocations(logger, records), nil
}

// SaveAll overwrites the persisted collection with records.
func (s *AssetStore) SaveAll(ctx context.Context, records map[string]*asset.Record) error {
	payload, err := asset.EncodeAll(records)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state_slots (slot, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, assetsSlot, payload, time.Now().Format(time.RFC3339))

	return err
}

// resolveLocations drops records whose backing content is gone or stale.
// A record without a location reference passes through untouched.
func resolveLocations(logger *slog.Logger, records map[string]*asset.Record) map[string]*asset.Record {
	resolved := make(map[string]*asset.Record, len(records))

	for id, rec := range records {
		if rec.Location != nil {
			if _, err := rec.Location.Resolve(); err != nil {
				logger.Debug("dropping asset with unresolvable location", "asset_id", id, "err", err)

				continue
			}
		}

		resolved[id] = rec
	}

	return resolved
}
