package hlsdl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/streamkeep/streamkeep/internal/transport"
)

// journalFile holds the engine's own task list under the download root. It
// is what lets a restarted process enumerate and pick up tasks that were in
// flight when the previous process died.
const journalFile = "tasks.json"

type journalEntry struct {
	Handle         transport.Handle `json:"handle"`
	AssetID        string           `json:"assetID"`
	SourceURL      string           `json:"sourceURL"`
	BitrateCeiling int64            `json:"bitrateCeiling"`
	Dir            string           `json:"dir"`
}

func loadJournal(dir string) (map[transport.Handle]journalEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, journalFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[transport.Handle]journalEntry{}, nil
		}

		return nil, fmt.Errorf("failed to read task journal: %w", err)
	}

	var entries map[transport.Handle]journalEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode task journal: %w", err)
	}

	return entries, nil
}

// saveJournal writes the task list atomically via a temp file rename.
func saveJournal(dir string, entries map[transport.Handle]journalEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode task journal: %w", err)
	}

	path := filepath.Join(dir, journalFile)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write task journal: %w", err)
	}

	return os.Rename(tmp, path)
}
