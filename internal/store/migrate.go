package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/driftnote/driftnote/internal/note"
)

// legacyBlobName is the single-file layout older clients persisted
// everything into: one JSON blob holding all documents plus the
// workspace metadata.
const legacyBlobName = "notes.json"

type legacyBlob struct {
	ActiveID  string           `json:"active_id"`
	Order     []string         `json:"order"`
	Documents []legacyDocument `json:"documents"`
}

type legacyDocument struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`

	// Older clients stored epoch milliseconds; newer ones RFC 3339.
	LastSavedAt json.RawMessage `json:"last_saved_at"`

	RemoteID        string `json:"remote_id,omitempty"`
	RemoteUpdatedAt string `json:"remote_updated_at,omitempty"`
}

// migrateLegacyBlob imports a legacy single-blob layout on first access.
// The import only runs when the documents table is empty; afterwards the
// blob is renamed out of the way so the migration never repeats.
func (s *Store) migrateLegacyBlob(ctx context.Context) error {
	if s.path == ":memory:" {
		return nil
	}

	blobPath := filepath.Join(filepath.Dir(s.path), legacyBlobName)
	data, err := os.ReadFile(blobPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read legacy blob: %w", err)
	}

	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}
	if count > 0 {
		// Already migrated (or the blob is stale); leave it alone.
		s.logger.Printf("Legacy blob present but store is populated, skipping migration")
		return nil
	}

	var blob legacyBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("failed to decode legacy blob: %w", err)
	}

	imported := 0
	for _, legacy := range blob.Documents {
		doc, err := legacy.toDocument()
		if err != nil {
			s.logger.Printf("Warning: skipping legacy document %s: %v", legacy.ID, err)
			continue
		}
		if err := s.upsert(ctx, s.conn, doc); err != nil {
			return fmt.Errorf("failed to import legacy document %s: %w", legacy.ID, err)
		}
		imported++
	}

	if len(blob.Order) > 0 {
		if err := s.SetOrderedIDs(ctx, blob.Order); err != nil {
			return err
		}
	}
	if blob.ActiveID != "" {
		if err := s.SetActiveID(ctx, blob.ActiveID); err != nil {
			return err
		}
	}

	migratedPath := blobPath + ".migrated"
	if err := os.Rename(blobPath, migratedPath); err != nil {
		return fmt.Errorf("failed to retire legacy blob: %w", err)
	}

	s.logger.Printf("Migrated %d documents from legacy blob", imported)
	return nil
}

func (l *legacyDocument) toDocument() (*note.Document, error) {
	if l.ID == "" {
		return nil, fmt.Errorf("missing id")
	}

	doc := &note.Document{
		ID:       l.ID,
		Title:    l.Title,
		Content:  l.Content,
		RemoteID: l.RemoteID,
	}
	if doc.Title == "" {
		doc.Title = note.DefaultTitle
	}

	ts, err := parseLegacyTimestamp(l.LastSavedAt)
	if err != nil {
		return nil, fmt.Errorf("bad last_saved_at: %w", err)
	}
	doc.LastSavedAt = ts

	if l.RemoteUpdatedAt != "" {
		rt, err := time.Parse(time.RFC3339Nano, l.RemoteUpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("bad remote_updated_at: %w", err)
		}
		doc.RemoteUpdatedAt = &rt
	}

	return doc, nil
}

// parseLegacyTimestamp accepts epoch milliseconds or an RFC 3339
// string. A missing timestamp becomes "now" so the document is treated
// as freshly edited rather than silently ancient.
func parseLegacyTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Now(), nil
	}

	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(millis), nil
	}

	var iso string
	if err := json.Unmarshal(raw, &iso); err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %s", raw)
	}
	return time.Parse(time.RFC3339Nano, iso)
}
