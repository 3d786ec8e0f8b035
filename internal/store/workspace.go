package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Workspace metadata keys. Each is an independent row so a write to one
// never rewrites the others.
const (
	metaOrderedIDs  = "ordered_ids"
	metaActiveID    = "active_id"
	metaClockOffset = "clock_offset_ms"
)

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM workspace WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read workspace key %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO workspace (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return wrapWriteErr(fmt.Sprintf("failed to write workspace key %q", key), err)
}

// OrderedIDs returns the user-visible document ordering.
func (s *Store) OrderedIDs(ctx context.Context) ([]string, error) {
	raw, ok, err := s.getMeta(ctx, metaOrderedIDs)
	if err != nil || !ok {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode ordered ids: %w", err)
	}
	return ids, nil
}

// SetOrderedIDs persists the document ordering without touching
// document bodies.
func (s *Store) SetOrderedIDs(ctx context.Context, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode ordered ids: %w", err)
	}
	return s.setMeta(ctx, metaOrderedIDs, string(raw))
}

// ActiveID returns the id of the currently active document, or "".
func (s *Store) ActiveID(ctx context.Context) (string, error) {
	id, _, err := s.getMeta(ctx, metaActiveID)
	return id, err
}

// SetActiveID persists the active document id.
func (s *Store) SetActiveID(ctx context.Context, id string) error {
	return s.setMeta(ctx, metaActiveID, id)
}

// AppendToOrder adds a document id to the end of the ordering if it is
// not already present.
func (s *Store) AppendToOrder(ctx context.Context, id string) error {
	ids, err := s.OrderedIDs(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return s.SetOrderedIDs(ctx, append(ids, id))
}

// removeFromOrder drops a document id from the ordering.
func (s *Store) removeFromOrder(ctx context.Context, id string) error {
	ids, err := s.OrderedIDs(ctx)
	if err != nil {
		return err
	}

	out := ids[:0]
	removed := false
	for _, existing := range ids {
		if existing == id {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	if !removed {
		return nil
	}
	return s.SetOrderedIDs(ctx, out)
}

// LoadClockOffset implements clockskew.Persister.
func (s *Store) LoadClockOffset() (time.Duration, bool, error) {
	raw, ok, err := s.getMeta(context.Background(), metaClockOffset)
	if err != nil || !ok {
		return 0, false, err
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse stored clock offset %q: %w", raw, err)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// SaveClockOffset implements clockskew.Persister.
func (s *Store) SaveClockOffset(offset time.Duration) error {
	return s.setMeta(context.Background(), metaClockOffset, strconv.FormatInt(offset.Milliseconds(), 10))
}
