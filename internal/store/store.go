// Package store provides durable local persistence for documents, the
// sync queue, and workspace metadata.
//
// The store is an embedded SQLite database opened in WAL mode for
// concurrent reads. Document bodies, the workspace metadata record
// (ordered document ids plus the active id), the serialized sync queue,
// and the learned clock offset are all keyed independently, so writing
// one never rewrites the others.
//
// Dirty tracking compares documents against a fingerprint of the last
// persisted state, not against the remote copy. Edits are accumulated
// in an in-memory cache and flushed by a debounced batch save; the
// immediate-save path exists for results that must be durable right
// away (merges, downloads).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/driftnote/driftnote/internal/note"
)

// DefaultDebounce is how long the batch save waits after the last edit
// before persisting, coalescing rapid keystrokes into one write.
const DefaultDebounce = 800 * time.Millisecond

// QuotaError reports that a write failed because local storage is
// exhausted. It is surfaced (not swallowed) because it means the data
// may not be durable.
type QuotaError struct {
	Err error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("local storage quota exhausted: %v", e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// Store is the durable local persistence layer.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	mu        sync.Mutex
	docs      map[string]*note.Document // in-memory working copies
	persisted map[string]string         // document id -> fingerprint of last durable state
	dirty     map[string]bool

	debounce      time.Duration
	debounceTimer *time.Timer
	onPersisted   func(saved []string)
	closed        bool
}

// Options configures a Store.
type Options struct {
	// Debounce overrides the batch-save debounce interval. Zero means
	// DefaultDebounce.
	Debounce time.Duration

	// Logger for store activity. Nil means a stderr logger.
	Logger *log.Logger
}

// Open opens (creating if necessary) the store at path and runs schema
// setup and any pending legacy migration. Use ":memory:" for tests.
//
// The caller must Close the store when done.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	debounce := opts.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}

	connStr := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	// A single writer keeps SQLite happy and matches the store's
	// serialized write model.
	conn.SetMaxOpenConns(1)

	s := &Store{
		conn:      conn,
		path:      path,
		logger:    logger,
		docs:      make(map[string]*note.Document),
		persisted: make(map[string]string),
		dirty:     make(map[string]bool),
		debounce:  debounce,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.migrateLegacyBlob(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates the tables if they don't exist. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		last_saved_at TEXT NOT NULL,
		server_aligned INTEGER NOT NULL DEFAULT 0,
		remote_id TEXT UNIQUE,
		remote_updated_at TEXT
	);

	-- Lightweight metadata keyed independently of document bodies.
	CREATE TABLE IF NOT EXISTS workspace (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS queue (
		document_id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		remote_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_documents_remote ON documents(remote_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close flushes the WAL and closes the database. Any pending debounced
// save is cancelled; unsaved edits remain dirty and are lost with the
// process, which is why callers flush before shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.conn = nil
	return nil
}

// wrapWriteErr classifies storage errors: quota exhaustion becomes a
// *QuotaError so callers can surface it, everything else is wrapped
// as-is.
func wrapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "disk is full") || strings.Contains(msg, "database or disk is full") {
		return &QuotaError{Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsQuota reports whether err indicates storage-quota exhaustion.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}
