// Package note defines the document model shared by the local store,
// the conflict resolver, and the sync orchestrator.
//
// A Document is the local, editable copy of a note. A RemoteDocument is
// the authoritative cloud record it maps to. The two are linked by
// Document.RemoteID once a first upload or download has happened; before
// that the (OriginLocalID, OriginDeviceID) pair on the remote record is
// used to recognize records this installation created.
package note

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// DefaultTitle is the title given to documents the user has not named.
const DefaultTitle = "Untitled"

// Document is the local copy of a note.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`

	// LastSavedAt is when this document was last persisted locally.
	// If ServerAligned is true the timestamp has already been expressed
	// in server time and must not be adjusted again.
	LastSavedAt   time.Time `json:"last_saved_at"`
	ServerAligned bool      `json:"server_aligned"`

	// RemoteID is the id of the cloud record this document maps to.
	// Empty until the document has been uploaded or downloaded.
	RemoteID string `json:"remote_id,omitempty"`

	// RemoteUpdatedAt is the last server updated_at observed for the
	// remote counterpart. Used as the optimistic-concurrency
	// precondition on updates.
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`
}

// RemoteDocument is the authoritative cloud record for a note.
// It is owned entirely by the cloud transport; local code only reads it
// or issues conditional writes against it.
type RemoteDocument struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	OriginDeviceID string    `json:"origin_device_id,omitempty"`
	OriginLocalID  string    `json:"origin_local_id,omitempty"`
}

// QueueAction is the kind of outbound sync work a queue item requests.
type QueueAction string

const (
	ActionCreate QueueAction = "create"
	ActionUpdate QueueAction = "update"
	ActionDelete QueueAction = "delete"
)

// QueueItem is one pending outbound sync operation. The queue holds at
// most one item per document id; a newer enqueue replaces the older one.
// Content is never snapshotted here - it is read fresh from the store
// when the queue drains.
type QueueItem struct {
	DocumentID string      `json:"document_id"`
	Action     QueueAction `json:"action"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	RetryCount int         `json:"retry_count"`

	// RemoteID pins the remote record a delete targets. Captured at
	// enqueue time because the local document (and with it the id
	// mapping) is already gone by the time the delete drains, possibly
	// in a later session.
	RemoteID string `json:"remote_id,omitempty"`
}

// RecentSyncRecord marks a document as just-synced so that the echo of
// our own upload (a realtime event, or a stale queue entry) is not
// mistaken for an external change. Records expire after a short window.
type RecentSyncRecord struct {
	DocumentID         string
	RemoteUpdatedAt    time.Time
	ObservedAt         time.Time
	ContentFingerprint string
}

// NormalizeNewlines converts CRLF and bare CR line endings to LF.
// All content comparisons and merges operate on normalized text.
func NormalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// Fingerprint returns a short stable fingerprint of a title/content
// pair, computed over normalized text.
func Fingerprint(title, content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(NormalizeNewlines(title)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(NormalizeNewlines(content)))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Fingerprint returns the document's content fingerprint.
func (d *Document) Fingerprint() string {
	return Fingerprint(d.Title, d.Content)
}

// EffectivelyEmpty reports whether the document is untitled and has no
// meaningful content. Such documents are never uploaded.
func (d *Document) EffectivelyEmpty() bool {
	title := strings.TrimSpace(d.Title)
	if title != "" && title != DefaultTitle {
		return false
	}
	return strings.TrimSpace(d.Content) == ""
}

// HasDefaultTitle reports whether the title is empty or the placeholder.
func HasDefaultTitle(title string) bool {
	t := strings.TrimSpace(title)
	return t == "" || t == DefaultTitle
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	c := *d
	if d.RemoteUpdatedAt != nil {
		t := *d.RemoteUpdatedAt
		c.RemoteUpdatedAt = &t
	}
	return &c
}
