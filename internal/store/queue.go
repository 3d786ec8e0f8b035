package store

import (
	"context"
	"fmt"
	"time"

	"github.com/driftnote/driftnote/internal/note"
)

// LoadQueue reads the persisted sync queue snapshot, ordered by enqueue
// time.
func (s *Store) LoadQueue(ctx context.Context) ([]note.QueueItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT document_id, action, enqueued_at, retry_count, remote_id
		FROM queue ORDER BY enqueued_at, document_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	defer rows.Close()

	var items []note.QueueItem
	for rows.Next() {
		var (
			item       note.QueueItem
			action     string
			enqueuedAt string
		)
		if err := rows.Scan(&item.DocumentID, &action, &enqueuedAt, &item.RetryCount, &item.RemoteID); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.Action = note.QueueAction(action)
		ts, err := time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse enqueue timestamp %q: %w", enqueuedAt, err)
		}
		item.EnqueuedAt = ts
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue: %w", err)
	}
	return items, nil
}

// SaveQueue replaces the persisted queue snapshot. The queue is small
// (one entry per edited document) so a full rewrite per change keeps
// the on-disk state trivially consistent with the in-memory queue.
func (s *Store) SaveQueue(ctx context.Context, items []note.QueueItem) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapWriteErr("failed to begin queue save", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue`); err != nil {
		_ = tx.Rollback()
		return wrapWriteErr("failed to clear queue", err)
	}

	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue (document_id, action, enqueued_at, retry_count, remote_id)
			VALUES (?, ?, ?, ?, ?)`,
			item.DocumentID, string(item.Action),
			item.EnqueuedAt.UTC().Format(time.RFC3339Nano), item.RetryCount, item.RemoteID)
		if err != nil {
			_ = tx.Rollback()
			return wrapWriteErr("failed to save queue item", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapWriteErr("failed to commit queue save", err)
	}
	return nil
}
