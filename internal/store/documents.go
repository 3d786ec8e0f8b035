package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/driftnote/driftnote/internal/note"
)

const upsertDocumentSQL = `
	INSERT INTO documents (id, title, content, last_saved_at, server_aligned, remote_id, remote_updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		content = excluded.content,
		last_saved_at = excluded.last_saved_at,
		server_aligned = excluded.server_aligned,
		remote_id = excluded.remote_id,
		remote_updated_at = excluded.remote_updated_at`

// Load reads all documents from disk into the working cache and resets
// dirty tracking. Returns copies; mutations go through SetContent,
// SetTitle, and the save paths.
func (s *Store) Load(ctx context.Context) ([]*note.Document, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, title, content, last_saved_at, server_aligned, remote_id, remote_updated_at
		FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	defer rows.Close()

	var docs []*note.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	s.mu.Lock()
	s.docs = make(map[string]*note.Document, len(docs))
	s.persisted = make(map[string]string, len(docs))
	s.dirty = make(map[string]bool)
	for _, doc := range docs {
		s.docs[doc.ID] = doc
		s.persisted[doc.ID] = doc.Fingerprint()
	}
	s.mu.Unlock()

	out := make([]*note.Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a copy of the cached document, or nil if unknown.
func (s *Store) Get(id string) *note.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil
	}
	return doc.Clone()
}

// All returns copies of every cached document.
func (s *Store) All() []*note.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*note.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByRemoteID returns a copy of the cached document mapped to the
// given remote id, or nil.
func (s *Store) FindByRemoteID(remoteID string) *note.Document {
	if remoteID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.docs {
		if doc.RemoteID == remoteID {
			return doc.Clone()
		}
	}
	return nil
}

// SetContent records a content edit on a document, creating the
// document on first edit, and schedules the debounced batch save.
func (s *Store) SetContent(id, content string) {
	s.edit(id, func(doc *note.Document) { doc.Content = content })
}

// SetTitle records a rename and schedules the debounced batch save.
func (s *Store) SetTitle(id, title string) {
	s.edit(id, func(doc *note.Document) { doc.Title = title })
}

func (s *Store) edit(id string, apply func(*note.Document)) {
	s.mu.Lock()

	doc, ok := s.docs[id]
	if !ok {
		doc = &note.Document{ID: id, Title: note.DefaultTitle}
		s.docs[id] = doc
	}
	apply(doc)
	s.dirty[id] = doc.Fingerprint() != s.persisted[id]

	s.scheduleFlushLocked()
	s.mu.Unlock()
}

// IsDirty reports whether the document differs from its last persisted
// state.
func (s *Store) IsDirty(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty[id]
}

// DirtyIDs returns the ids of all currently dirty documents.
func (s *Store) DirtyIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, d := range s.dirty {
		if d {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OnPersisted registers the callback invoked with the ids saved by each
// debounced batch flush.
func (s *Store) OnPersisted(fn func(saved []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPersisted = fn
}

// SaveImmediately durably persists a document right away, bypassing the
// debounce. Unless preserveTimestamp is set, the save timestamp is
// stamped with unaligned local time. Returns the stored state.
//
// Quota exhaustion is returned as a *QuotaError; the caller must react
// because the data may not be durable.
func (s *Store) SaveImmediately(ctx context.Context, doc *note.Document, preserveTimestamp bool) (*note.Document, error) {
	stored := doc.Clone()
	if !preserveTimestamp {
		stored.LastSavedAt = time.Now()
		stored.ServerAligned = false
	}

	if err := s.upsert(ctx, s.conn, stored); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.docs[stored.ID] = stored.Clone()
	s.persisted[stored.ID] = stored.Fingerprint()
	delete(s.dirty, stored.ID)
	s.mu.Unlock()

	return stored, nil
}

// SetRemoteMeta updates only a document's remote identity and version,
// leaving content, save timestamp, and dirty state untouched. Used
// after uploads, where the content is already durable (or still dirty
// with newer edits that must not be clobbered).
func (s *Store) SetRemoteMeta(ctx context.Context, id, remoteID string, remoteUpdatedAt time.Time) error {
	var remoteIDVal any
	if remoteID != "" {
		remoteIDVal = remoteID
	}
	_, err := s.conn.ExecContext(ctx, `
		UPDATE documents SET remote_id = ?, remote_updated_at = ? WHERE id = ?`,
		remoteIDVal, remoteUpdatedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return wrapWriteErr("failed to save remote metadata", err)
	}

	s.mu.Lock()
	if doc, ok := s.docs[id]; ok {
		doc.RemoteID = remoteID
		ts := remoteUpdatedAt
		doc.RemoteUpdatedAt = &ts
	}
	s.mu.Unlock()
	return nil
}

// Flush persists all dirty documents immediately, without waiting for
// the debounce timer. Returns the ids that were saved.
func (s *Store) Flush(ctx context.Context) ([]string, error) {
	return s.flushDirty(ctx)
}

// Remove deletes a document from disk and from the cache.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return wrapWriteErr("failed to remove document", err)
	}

	s.mu.Lock()
	delete(s.docs, id)
	delete(s.persisted, id)
	delete(s.dirty, id)
	s.mu.Unlock()

	return s.removeFromOrder(ctx, id)
}

// scheduleFlushLocked (re)starts the debounce timer. Caller holds s.mu.
func (s *Store) scheduleFlushLocked() {
	if s.closed {
		return
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceTimer = time.AfterFunc(s.debounce, func() {
		if _, err := s.flushDirty(context.Background()); err != nil {
			// Debounced saves never surface errors to an edit path;
			// the items stay dirty and the next edit retries.
			s.logger.Printf("Batch save failed: %v", err)
		}
	})
}

// flushDirty persists every dirty document in one transaction.
func (s *Store) flushDirty(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	var batch []*note.Document
	for id, d := range s.dirty {
		if !d {
			continue
		}
		if doc, ok := s.docs[id]; ok {
			batch = append(batch, doc.Clone())
		}
	}
	onPersisted := s.onPersisted
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	now := time.Now()
	for _, doc := range batch {
		doc.LastSavedAt = now
		doc.ServerAligned = false
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapWriteErr("failed to begin batch save", err)
	}
	for _, doc := range batch {
		if err := s.upsert(ctx, tx, doc); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapWriteErr("failed to commit batch save", err)
	}

	saved := make([]string, 0, len(batch))
	s.mu.Lock()
	for _, doc := range batch {
		// An edit may have arrived while the transaction ran; only
		// mark clean if the cached state is what we just wrote.
		cached, ok := s.docs[doc.ID]
		if !ok {
			continue
		}
		s.persisted[doc.ID] = doc.Fingerprint()
		if cached.Fingerprint() == doc.Fingerprint() {
			cached.LastSavedAt = doc.LastSavedAt
			cached.ServerAligned = false
			delete(s.dirty, doc.ID)
		}
		saved = append(saved, doc.ID)
	}
	s.mu.Unlock()

	if onPersisted != nil {
		onPersisted(saved)
	}
	return saved, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsert(ctx context.Context, ex execer, doc *note.Document) error {
	var remoteID any
	if doc.RemoteID != "" {
		remoteID = doc.RemoteID
	}
	var remoteUpdated any
	if doc.RemoteUpdatedAt != nil {
		remoteUpdated = doc.RemoteUpdatedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := ex.ExecContext(ctx, upsertDocumentSQL,
		doc.ID, doc.Title, doc.Content,
		doc.LastSavedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(doc.ServerAligned),
		remoteID, remoteUpdated)
	return wrapWriteErr("failed to save document", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*note.Document, error) {
	var (
		doc           note.Document
		savedAt       string
		aligned       int
		remoteID      sql.NullString
		remoteUpdated sql.NullString
	)

	if err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &savedAt, &aligned, &remoteID, &remoteUpdated); err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse saved timestamp %q: %w", savedAt, err)
	}
	doc.LastSavedAt = ts
	doc.ServerAligned = aligned != 0
	if remoteID.Valid {
		doc.RemoteID = remoteID.String
	}
	if remoteUpdated.Valid {
		rt, err := time.Parse(time.RFC3339Nano, remoteUpdated.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse remote timestamp %q: %w", remoteUpdated.String, err)
		}
		doc.RemoteUpdatedAt = &rt
	}

	return &doc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
