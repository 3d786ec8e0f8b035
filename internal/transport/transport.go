// Package transport is the client-side adapter for the authoritative
// cloud document store.
//
// It exposes CRUD with an optimistic-concurrency update, plus a
// realtime change-event subscription over WebSocket. Every successful
// response carries the server's current time in an X-Server-Time
// header, which is fed to the clock reconciler so local timestamps can
// be compared to server timestamps.
//
// Failures are classified into structured error types so the sync
// orchestrator can branch without string matching: *ConflictError for
// a failed update precondition, *TransientError for network problems
// and server 5xx, *ValidationError for rejected payloads.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/driftnote/driftnote/internal/note"
)

// DocumentFields is the writable portion of a remote document.
type DocumentFields struct {
	Title          string `json:"title"`
	Content        string `json:"content"`
	OriginDeviceID string `json:"origin_device_id,omitempty"`
	OriginLocalID  string `json:"origin_local_id,omitempty"`
}

// EventType identifies a realtime change event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is the realtime notification envelope. The body is
// intentionally thin: consumers fetch the full record themselves, so a
// missed or reordered event can never apply stale content.
type ChangeEvent struct {
	Type           EventType `json:"type"`
	ID             string    `json:"id"`
	OriginDeviceID string    `json:"origin_device_id,omitempty"`
}

// Unsubscribe tears down a realtime subscription.
type Unsubscribe func()

// Client is the cloud transport consumed by the sync orchestrator.
type Client interface {
	// Create inserts a new remote document owned by the current user.
	Create(ctx context.Context, fields DocumentFields) (*note.RemoteDocument, error)

	// List returns all remote documents for the current user.
	List(ctx context.Context) ([]*note.RemoteDocument, error)

	// Get fetches a single remote document.
	Get(ctx context.Context, id string) (*note.RemoteDocument, error)

	// Update conditionally rewrites a remote document. The write only
	// succeeds if the record's updated_at still equals
	// expectedUpdatedAt; otherwise a *ConflictError carrying the
	// current server version is returned.
	Update(ctx context.Context, id string, fields DocumentFields, expectedUpdatedAt time.Time) (*note.RemoteDocument, error)

	// Delete removes a remote document.
	Delete(ctx context.Context, id string) error

	// SubscribeChanges opens the realtime change feed for the user.
	// onEvent is called for every event; onError is called once when
	// the channel fails, after which the subscription is dead and must
	// be re-established.
	SubscribeChanges(ctx context.Context, userID string, onEvent func(ChangeEvent), onError func(error)) (Unsubscribe, error)
}

// ConflictError reports a failed optimistic-concurrency precondition.
type ConflictError struct {
	// DocumentID is the remote document the update targeted.
	DocumentID string

	// CurrentUpdatedAt is the server's current version of the record,
	// usable as the precondition for a retry after re-resolving.
	CurrentUpdatedAt time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent update of document %s (server version %s)",
		e.DocumentID, e.CurrentUpdatedAt.Format(time.RFC3339Nano))
}

// TransientError reports a failure worth retrying: a network error or
// a server-side 5xx.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError reports a payload the server rejected. Retrying the
// same payload cannot succeed.
type ValidationError struct {
	Op     string
	Status int
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("server rejected %s (status %d): %s", e.Op, e.Status, e.Detail)
}
