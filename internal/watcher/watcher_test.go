package watcher

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recordingSink captures document operations for assertions.
type recordingSink struct {
	mu      sync.Mutex
	changed map[string]string // id -> last content
	renamed map[string]string // id -> last title
	deleted []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		changed: make(map[string]string),
		renamed: make(map[string]string),
	}
}

func (r *recordingSink) DocumentChanged(id, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed[id] = content
}

func (r *recordingSink) DocumentRenamed(id, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renamed[id] = title
}

func (r *recordingSink) DeleteDocument(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *recordingSink) content(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.changed[id]
	return c, ok
}

func (r *recordingSink) title(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.renamed[id]
	return t, ok
}

func (r *recordingSink) wasDeleted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deleted {
		if d == id {
			return true
		}
	}
	return false
}

func testConfig() *Config {
	return &Config{
		DebounceInterval: 20 * time.Millisecond,
		Extensions:       []string{".md", ".txt"},
		Logger:           log.New(io.Discard, "", 0),
	}
}

func startWatcher(t *testing.T, dir string, sink Sink) *Watcher {
	t.Helper()

	w, err := New(dir, sink, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	started := make(chan error, 1)
	go func() { started <- w.Start(context.Background()) }()
	t.Cleanup(func() {
		w.Stop()
		<-started
	})

	// Give the import and watch registration a moment to complete.
	time.Sleep(50 * time.Millisecond)
	return w
}

func writeNote(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write note: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestImportAllFeedsExistingNotes(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "groceries.md", "milk\neggs\n")
	writeNote(t, dir, "meeting-notes.txt", "agenda\n")
	writeNote(t, dir, "ignored.json", "{}")

	sink := newRecordingSink()
	startWatcher(t, dir, sink)

	if got, _ := sink.content("groceries"); got != "milk\neggs\n" {
		t.Fatalf("groceries content = %q", got)
	}
	if got, _ := sink.title("meeting-notes"); got != "meeting notes" {
		t.Fatalf("meeting-notes title = %q", got)
	}
	if _, ok := sink.content("ignored"); ok {
		t.Fatal("non-note file was imported")
	}
}

func TestWriteEventFeedsChange(t *testing.T) {
	dir := t.TempDir()
	sink := newRecordingSink()
	startWatcher(t, dir, sink)

	writeNote(t, dir, "new-note.md", "hello\n")

	waitFor(t, "new note", func() bool {
		got, ok := sink.content("new-note")
		return ok && got == "hello\n"
	})
}

func TestRapidWritesDebounceToFinalContent(t *testing.T) {
	dir := t.TempDir()
	sink := newRecordingSink()
	startWatcher(t, dir, sink)

	for i := 0; i < 5; i++ {
		writeNote(t, dir, "draft.md", "revision\n")
	}
	writeNote(t, dir, "draft.md", "final\n")

	waitFor(t, "final content", func() bool {
		got, ok := sink.content("draft")
		return ok && got == "final\n"
	})
}

func TestRemoveEventFeedsDelete(t *testing.T) {
	dir := t.TempDir()
	path := writeNote(t, dir, "doomed.md", "bye\n")

	sink := newRecordingSink()
	startWatcher(t, dir, sink)

	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove note: %v", err)
	}

	waitFor(t, "delete", func() bool { return sink.wasDeleted("doomed") })
}

func TestCRLFContentIsNormalized(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "windows.md", "line1\r\nline2\r\n")

	sink := newRecordingSink()
	startWatcher(t, dir, sink)

	if got, _ := sink.content("windows"); got != "line1\nline2\n" {
		t.Fatalf("content = %q, want normalized newlines", got)
	}
}

func TestDocumentIDAndTitle(t *testing.T) {
	tests := []struct {
		path  string
		id    string
		title string
	}{
		{"/notes/groceries.md", "groceries", "groceries"},
		{"/notes/meeting_notes.txt", "meeting_notes", "meeting notes"},
		{"/notes/2026-03-01-standup.md", "2026-03-01-standup", "2026 03 01 standup"},
	}

	for _, tt := range tests {
		if got := DocumentID(tt.path); got != tt.id {
			t.Errorf("DocumentID(%q) = %q, want %q", tt.path, got, tt.id)
		}
		if got := Title(tt.path); got != tt.title {
			t.Errorf("Title(%q) = %q, want %q", tt.path, got, tt.title)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", newRecordingSink(), nil); err == nil {
		t.Fatal("expected error for empty dir")
	}
	if _, err := New(t.TempDir(), nil, nil); err == nil {
		t.Fatal("expected error for nil sink")
	}
}
