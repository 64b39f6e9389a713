package upstream

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
)

// CursorStore persists the last closed watermark per collection so a restart
// resumes the upstream subscription as-of it instead of replaying the
// snapshot burst.
type CursorStore struct {
	db *pebble.DB
}

// OpenCursorStore opens (or creates) the cursor database under dataDir.
func OpenCursorStore(dataDir string) (*CursorStore, error) {
	db, err := pebble.Open(filepath.Join(dataDir, "viewtail.db"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor db: %w", err)
	}
	return &CursorStore{db: db}, nil
}

type cursorRecord struct {
	LastWatermark int64     `json:"last_watermark"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func cursorKey(collection string) []byte {
	return []byte("cursor/" + collection)
}

// Get reads the persisted cursor for a collection. The second return is
// false when no cursor has been written yet.
func (s *CursorStore) Get(collection string) (int64, bool, error) {
	data, closer, err := s.db.Get(cursorKey(collection))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read cursor: %w", err)
	}
	defer closer.Close()

	var rec cursorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, fmt.Errorf("failed to unmarshal cursor: %w", err)
	}
	return rec.LastWatermark, true, nil
}

// Set writes the cursor for a collection.
func (s *CursorStore) Set(collection string, watermark int64) error {
	rec := cursorRecord{
		LastWatermark: watermark,
		UpdatedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := s.db.Set(cursorKey(collection), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *CursorStore) Close() error {
	return s.db.Close()
}
