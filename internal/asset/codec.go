package asset

import (
	"encoding/json"
	"fmt"

	"github.com/streamkeep/streamkeep/internal/location"
)

// recordDTO is the persisted shape of a record. Progress is not stored: a
// finished asset is always complete and anything else starts over on reload.
type recordDTO struct {
	ID             string        `json:"id"`
	SourceURL      string        `json:"sourceURL"`
	SizeBytes      float64       `json:"sizeBytes"`
	Status         string        `json:"status"`
	BitrateCeiling int64         `json:"bitrateCeiling,omitempty"`
	Location       *location.Ref `json:"locationRef,omitempty"`
}

// EncodeAll serializes the full collection for a durable save. Idle records
// are queue-only state and are deliberately left out: they must not survive
// a process restart.
func EncodeAll(records map[string]*Record) ([]byte, error) {
	dtos := make(map[string]recordDTO, len(records))

	for id, rec := range records {
		if rec.Status == StatusIdle {
			continue
		}

		dtos[id] = recordDTO{
			ID:             rec.ID,
			SourceURL:      rec.SourceURL,
			SizeBytes:      rec.SizeBytes,
			Status:         string(rec.Status),
			BitrateCeiling: rec.BitrateCeiling,
			Location:       rec.Location,
		}
	}

	data, err := json.Marshal(dtos)
	if err != nil {
		return nil, fmt.Errorf("failed to encode asset collection: %w", err)
	}

	return data, nil
}

// DecodeAll deserializes a persisted collection. Records carrying an unknown
// status are rejected; callers decide whether that fails open or closed.
func DecodeAll(data []byte) (map[string]*Record, error) {
	var dtos map[string]recordDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, fmt.Errorf("failed to decode asset collection: %w", err)
	}

	records := make(map[string]*Record, len(dtos))

	for id, dto := range dtos {
		status := Status(dto.Status)
		if !status.Valid() {
			return nil, fmt.Errorf("asset %q has unknown status %q", id, dto.Status)
		}

		rec := &Record{
			ID:             dto.ID,
			SourceURL:      dto.SourceURL,
			Status:         status,
			SizeBytes:      dto.SizeBytes,
			BitrateCeiling: dto.BitrateCeiling,
			Location:       dto.Location,
		}
		if status == StatusFinished {
			rec.Progress = 1
		}

		records[id] = rec
	}

	return records, nil
}
