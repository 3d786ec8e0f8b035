package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/driftnote/driftnote/internal/note"
	"github.com/driftnote/driftnote/internal/resolve"
)

// Initialize loads local state, performs the initial full
// reconciliation against the cloud, and opens the realtime
// subscription. With no transport configured it only loads local state.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	docs, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load local documents: %w", err)
	}

	o.mu.Lock()
	for _, doc := range docs {
		if doc.RemoteID != "" {
			o.localToRemote[doc.ID] = doc.RemoteID
		}
	}
	o.mu.Unlock()

	if o.transport == nil {
		return nil
	}

	o.mu.Lock()
	o.setStatusLocked(StatusSyncing)
	o.mu.Unlock()

	queued, err := o.store.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync queue: %w", err)
	}
	o.mu.Lock()
	for i := range queued {
		item := queued[i]
		o.queue[item.DocumentID] = &item
	}
	o.mu.Unlock()

	if err := o.reconcile(ctx); err != nil {
		// Offline start is not fatal: local editing continues and the
		// reconnect path retries the full reconciliation.
		o.logger.Printf("Initial reconciliation failed, starting offline: %v", err)
		o.mu.Lock()
		o.setStatusLocked(StatusOffline)
		o.scheduleReconnectLocked()
		o.mu.Unlock()
		return nil
	}

	o.subscribe(ctx)

	o.mu.Lock()
	o.initialized = true
	haveWork := len(o.queue) > 0
	if haveWork {
		o.scheduleDrainLocked()
	}
	o.mu.Unlock()

	if !haveWork {
		o.Drain(ctx)
	}
	return nil
}

// reconcile pulls the full remote document list and converges every
// local/remote pair through the resolver. Unmatched remote documents
// are materialized locally; local documents that should win are
// enqueued for upload.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	remotes, err := o.transport.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote documents: %w", err)
	}

	locals := o.store.All()

	claimed := make(map[string]bool, len(remotes))
	var updated []string
	var uploads []string

	for _, doc := range locals {
		remote := o.matchRemote(doc, remotes, claimed)
		if remote == nil {
			if doc.EffectivelyEmpty() {
				continue
			}
			uploads = append(uploads, doc.ID)
			continue
		}
		claimed[remote.ID] = true

		if resolve.Identical(doc, remote) {
			if doc.RemoteID != remote.ID || doc.RemoteUpdatedAt == nil || !doc.RemoteUpdatedAt.Equal(remote.UpdatedAt) {
				if err := o.store.SetRemoteMeta(ctx, doc.ID, remote.ID, remote.UpdatedAt); err != nil {
					return err
				}
			}
			o.setMapping(doc.ID, remote.ID)
			o.recordRecentSync(doc.ID, remote.UpdatedAt, doc.Fingerprint())
			continue
		}

		aligned := o.clock.Align(doc.LastSavedAt, doc.ServerAligned)
		res := resolve.Resolve(doc, remote, resolve.Options{AlignedLocalTime: aligned})

		merged, err := o.store.SaveImmediately(ctx, res.Result, true)
		if err != nil {
			return fmt.Errorf("failed to persist reconciled document %s: %w", doc.ID, err)
		}
		o.setMapping(doc.ID, remote.ID)

		if merged.Fingerprint() != doc.Fingerprint() {
			updated = append(updated, doc.ID)
		}
		if res.Strategy != resolve.StrategyCloudWins && !resolve.Identical(merged, remote) {
			uploads = append(uploads, doc.ID)
		} else {
			o.recordRecentSync(doc.ID, remote.UpdatedAt, merged.Fingerprint())
		}
	}

	// Remote documents with no local counterpart: created elsewhere,
	// or this device lost its local database. Materialize them, except
	// records a pending delete is about to remove; materializing those
	// would resurrect a document the user already deleted.
	o.mu.Lock()
	pendingDelete := make(map[string]bool)
	for _, item := range o.queue {
		if item.Action == note.ActionDelete && item.RemoteID != "" {
			pendingDelete[item.RemoteID] = true
		}
	}
	o.mu.Unlock()

	for _, remote := range remotes {
		if claimed[remote.ID] || pendingDelete[remote.ID] {
			continue
		}
		doc, err := o.materialize(ctx, remote)
		if err != nil {
			return err
		}
		updated = append(updated, doc.ID)
	}

	// Drop queue entries made moot by reconciliation: the document is
	// gone, or its content already matches what was just synced.
	o.mu.Lock()
	for id := range o.queue {
		if o.queue[id].Action == note.ActionDelete {
			continue
		}
		doc := o.store.Get(id)
		if doc == nil {
			delete(o.queue, id)
			continue
		}
		if rec, ok := o.recentSync[id]; ok && rec.ContentFingerprint == doc.Fingerprint() {
			delete(o.queue, id)
		}
	}
	for _, id := range uploads {
		if _, ok := o.queue[id]; ok {
			continue
		}
		action := note.ActionUpdate
		if o.localToRemote[id] == "" {
			action = note.ActionCreate
		}
		o.queue[id] = &note.QueueItem{DocumentID: id, Action: action, EnqueuedAt: o.now()}
	}
	o.mu.Unlock()

	o.persistQueue()
	o.notifyDocumentsUpdated(updated)
	return nil
}

// matchRemote finds the remote counterpart of a local document. Match
// order: recorded remote id, shared id, then origin provenance (this
// device created it before the upload response was recorded).
func (o *Orchestrator) matchRemote(doc *note.Document, remotes []*note.RemoteDocument, claimed map[string]bool) *note.RemoteDocument {
	byPredicate := func(match func(*note.RemoteDocument) bool) *note.RemoteDocument {
		for _, remote := range remotes {
			if !claimed[remote.ID] && match(remote) {
				return remote
			}
		}
		return nil
	}

	if doc.RemoteID != "" {
		if remote := byPredicate(func(r *note.RemoteDocument) bool { return r.ID == doc.RemoteID }); remote != nil {
			return remote
		}
	}
	if remote := byPredicate(func(r *note.RemoteDocument) bool { return r.ID == doc.ID }); remote != nil {
		return remote
	}
	if remote := byPredicate(func(r *note.RemoteDocument) bool {
		return r.OriginLocalID == doc.ID && r.OriginDeviceID == o.deviceID
	}); remote != nil {
		return remote
	}
	// Records uploaded before provenance stamping carry an origin local
	// id but no device id.
	return byPredicate(func(r *note.RemoteDocument) bool {
		return r.OriginLocalID == doc.ID && r.OriginDeviceID == ""
	})
}

// materialize creates a local document from a remote record that has
// no local counterpart, reusing the remote id locally.
func (o *Orchestrator) materialize(ctx context.Context, remote *note.RemoteDocument) (*note.Document, error) {
	ts := remote.UpdatedAt
	doc := &note.Document{
		ID:              remote.ID,
		Title:           remote.Title,
		Content:         note.NormalizeNewlines(remote.Content),
		LastSavedAt:     remote.UpdatedAt,
		ServerAligned:   true,
		RemoteID:        remote.ID,
		RemoteUpdatedAt: &ts,
	}

	saved, err := o.store.SaveImmediately(ctx, doc, true)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize remote document %s: %w", remote.ID, err)
	}
	if err := o.store.AppendToOrder(ctx, saved.ID); err != nil {
		return nil, err
	}

	o.setMapping(saved.ID, remote.ID)
	o.recordRecentSync(saved.ID, remote.UpdatedAt, saved.Fingerprint())
	return saved, nil
}

// ReconnectIfNeeded re-runs the full reconciliation and reopens the
// realtime subscription. With force false it is a no-op while the
// subscription is healthy; pass force true after a resume from sleep
// or an explicit user retry.
func (o *Orchestrator) ReconnectIfNeeded(ctx context.Context, force bool) {
	if o.transport == nil {
		return
	}

	o.mu.Lock()
	if o.connected && !force {
		o.mu.Unlock()
		return
	}
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.connected = false
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	if err := o.reconcile(ctx); err != nil {
		o.logger.Printf("Reconnect reconciliation failed: %v", err)
		o.mu.Lock()
		o.setStatusLocked(StatusOffline)
		o.scheduleReconnectLocked()
		o.mu.Unlock()
		return
	}

	o.subscribe(ctx)
	o.Drain(ctx)
}

// scheduleReconnectLocked arms a single reconnect attempt. Caller
// holds o.mu.
func (o *Orchestrator) scheduleReconnectLocked() {
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
	}
	o.reconnectTimer = time.AfterFunc(o.reconnectDelay, func() {
		o.ReconnectIfNeeded(o.ctx, false)
	})
}
