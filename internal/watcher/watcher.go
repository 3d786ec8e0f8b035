// Package watcher feeds external edits into the sync pipeline. It
// watches a notes directory of plain markdown/text files and translates
// file events into document operations, standing in for an editing UI
// when driftnote runs headless.
//
// The watcher:
//  1. Imports every note file on startup
//  2. Watches the directory for creates, writes, and deletes
//  3. Debounces rapid writes so editors that save in bursts produce one
//     document update, not ten
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/driftnote/driftnote/internal/note"
)

// Sink receives document operations derived from file events. The sync
// orchestrator satisfies this.
type Sink interface {
	DocumentChanged(id, content string)
	DocumentRenamed(id, title string)
	DeleteDocument(ctx context.Context, id string) error
}

// Config holds configuration for the notes watcher.
type Config struct {
	// DebounceInterval is how long to wait before processing file
	// changes. This batches rapid editor saves together.
	DebounceInterval time.Duration

	// Extensions lists the file extensions treated as notes.
	Extensions []string

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		Extensions:       []string{".md", ".txt"},
		Logger:           log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Watcher monitors a notes directory and feeds document operations to a
// Sink.
type Watcher struct {
	dir    string
	sink   Sink
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> queued at
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for the given notes directory. Use Start to
// begin watching.
func New(dir string, sink Sink, config *Config) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		dir:         dir,
		sink:        sink,
		config:      config,
		watcher:     fw,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start imports existing note files, then begins watching. It blocks
// until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.config.Logger.Printf("Watching notes directory: %s", w.dir)

	if err := w.ImportAll(); err != nil {
		return fmt.Errorf("initial import failed: %w", err)
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch notes directory: %w", err)
	}

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	select {
	case <-ctx.Done():
		return w.Stop()
	case <-w.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the watcher down.
func (w *Watcher) Stop() error {
	w.cancel()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}

	w.wg.Wait()
	return nil
}

// ImportAll feeds every note file in the directory through the sink.
// Called on startup; safe to trigger manually.
func (w *Watcher) ImportAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read notes directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !w.isNoteFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(w.dir, entry.Name()))
	}
	sort.Strings(paths)

	w.config.Logger.Printf("Importing %d note files", len(paths))
	for _, path := range paths {
		if err := w.applyFile(path); err != nil {
			w.config.Logger.Printf("Warning: failed to import %s: %v", path, err)
		}
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Rename delivers the old path; treat it like a remove, the
			// new name arrives as its own create.
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.isNoteFile(event.Name) {
				continue
			}

			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

// processPendingChanges applies files that have been quiet long enough.
func (w *Watcher) processPendingChanges() {
	w.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		if err := w.applyFile(path); err != nil {
			w.config.Logger.Printf("Error processing %s: %v", path, err)
		}
	}
}

// applyFile reads a note file and feeds the corresponding document
// operation to the sink. A missing file is a delete.
func (w *Watcher) applyFile(path string) error {
	id := DocumentID(path)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		w.config.Logger.Printf("Note removed: %s", id)
		return w.sink.DeleteDocument(w.ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read note file: %w", err)
	}

	w.sink.DocumentRenamed(id, Title(path))
	w.sink.DocumentChanged(id, note.NormalizeNewlines(string(data)))
	return nil
}

func (w *Watcher) isNoteFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range w.config.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// DocumentID derives the stable document id for a note file: the
// filename without its extension.
func DocumentID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Title derives a document title from a note filename. Underscores and
// hyphens read as spaces.
func Title(path string) string {
	title := DocumentID(path)
	title = strings.ReplaceAll(title, "_", " ")
	title = strings.ReplaceAll(title, "-", " ")
	if title == "" {
		return note.DefaultTitle
	}
	return title
}
