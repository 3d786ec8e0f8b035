package syncer

import (
	"context"
	"fmt"

	"github.com/driftnote/driftnote/internal/note"
	"github.com/driftnote/driftnote/internal/resolve"
	"github.com/driftnote/driftnote/internal/transport"
)

// subscribe opens the realtime change subscription. Failures are not
// fatal: the orchestrator stays functional on polling-free manual sync
// and the reconnect timer keeps trying.
func (o *Orchestrator) subscribe(ctx context.Context) {
	unsub, err := o.transport.SubscribeChanges(ctx, o.userID, o.handleEvent, o.handleChannelFailure)
	if err != nil {
		o.logger.Printf("Realtime subscription failed: %v", err)
		o.mu.Lock()
		o.setStatusLocked(StatusOffline)
		o.scheduleReconnectLocked()
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	o.unsubscribe = unsub
	o.connected = true
	o.mu.Unlock()
}

// handleChannelFailure reacts to a dropped realtime channel: flag the
// error and arm one reconnect attempt, which re-reconciles to recover
// any events missed while disconnected.
func (o *Orchestrator) handleChannelFailure(err error) {
	o.logger.Printf("Realtime channel failed: %v", err)

	o.mu.Lock()
	o.connected = false
	o.setStatusLocked(StatusError)
	o.scheduleReconnectLocked()
	o.mu.Unlock()
}

// handleEvent processes one pushed change event.
func (o *Orchestrator) handleEvent(ev transport.ChangeEvent) {
	// Echo suppression: changes this device just uploaded come back on
	// the channel and must not trigger a re-download.
	if ev.OriginDeviceID != "" && ev.OriginDeviceID == o.deviceID {
		return
	}

	ctx := o.ctx

	if ev.Type == transport.EventDelete {
		o.applyRemoteDelete(ctx, ev.ID)
		return
	}

	localID := o.localIDFor(ev.ID)

	if localID != "" && o.busyLocally(localID) {
		// The document has local work in flight. Buffer the event; the
		// queue drain settles the local side first and then retries it.
		o.mu.Lock()
		o.pendingIn[localID] = ev
		o.mu.Unlock()
		o.notifyPendingIncoming(localID)
		return
	}

	if err := o.applyRemoteChange(ctx, ev.ID, localID); err != nil {
		o.logger.Printf("Failed to apply remote change %s: %v", ev.ID, err)
	}
}

// localIDFor maps a remote document id to its local counterpart, empty
// if none exists yet.
func (o *Orchestrator) localIDFor(remoteID string) string {
	o.mu.Lock()
	for local, remote := range o.localToRemote {
		if remote == remoteID {
			o.mu.Unlock()
			return local
		}
	}
	o.mu.Unlock()

	if doc := o.store.FindByRemoteID(remoteID); doc != nil {
		return doc.ID
	}
	if doc := o.store.Get(remoteID); doc != nil {
		// Materialized documents reuse the remote id locally.
		return doc.ID
	}
	return ""
}

// busyLocally reports whether applying an incoming change now could
// clobber or tangle with in-progress local work on the document.
func (o *Orchestrator) busyLocally(id string) bool {
	o.mu.Lock()
	_, queued := o.queue[id]
	last, edited := o.lastEdit[id]
	recentEdit := edited && o.now().Sub(last) < o.recentEditWindow
	dirtyChecker := o.dirtyChecker
	recentEditChecker := o.recentEditChecker
	o.mu.Unlock()

	if queued || recentEdit || o.store.IsDirty(id) {
		return true
	}
	if dirtyChecker != nil && dirtyChecker(id) {
		return true
	}
	if recentEditChecker != nil && recentEditChecker(id) {
		return true
	}
	return false
}

// applyRemoteDelete removes the local counterpart of a deleted remote
// document. Deletes are never deferred: the remote record is gone, and
// holding a buffered delete invites resurrecting it.
func (o *Orchestrator) applyRemoteDelete(ctx context.Context, remoteID string) {
	localID := o.localIDFor(remoteID)
	if localID == "" {
		return
	}

	if err := o.store.Remove(ctx, localID); err != nil {
		o.logger.Printf("Failed to remove document %s after remote delete: %v", localID, err)
		return
	}

	o.mu.Lock()
	delete(o.localToRemote, localID)
	delete(o.queue, localID)
	delete(o.pendingIn, localID)
	delete(o.lastEdit, localID)
	delete(o.recentSync, localID)
	o.mu.Unlock()

	o.persistQueue()
	o.notifyDocumentDeleted(localID)
}

// applyRemoteChange fetches the full remote record and applies it:
// materializing a new local document, or resolving against the existing
// one.
func (o *Orchestrator) applyRemoteChange(ctx context.Context, remoteID, localID string) error {
	remote, err := o.transport.Get(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("failed to fetch changed document: %w", err)
	}

	if localID == "" {
		doc, err := o.materialize(ctx, remote)
		if err != nil {
			return err
		}
		o.notifyDocumentsUpdated([]string{doc.ID})
		return nil
	}

	doc := o.store.Get(localID)
	if doc == nil {
		created, err := o.materialize(ctx, remote)
		if err != nil {
			return err
		}
		o.notifyDocumentsUpdated([]string{created.ID})
		return nil
	}

	if resolve.Identical(doc, remote) {
		if err := o.store.SetRemoteMeta(ctx, localID, remote.ID, remote.UpdatedAt); err != nil {
			return err
		}
		o.setMapping(localID, remote.ID)
		return nil
	}

	aligned := o.clock.Align(doc.LastSavedAt, doc.ServerAligned)
	res := resolve.Resolve(doc, remote, resolve.Options{AlignedLocalTime: aligned})

	saved, err := o.store.SaveImmediately(ctx, res.Result, true)
	if err != nil {
		return fmt.Errorf("failed to persist incoming change: %w", err)
	}
	o.setMapping(localID, remote.ID)

	if res.Strategy != resolve.StrategyCloudWins && !resolve.Identical(saved, remote) {
		// Local side won or a merge produced new content; push it back.
		o.Enqueue(localID, note.ActionUpdate)
	} else {
		o.recordRecentSync(localID, remote.UpdatedAt, saved.Fingerprint())
	}

	if saved.Fingerprint() != doc.Fingerprint() {
		o.notifyDocumentsUpdated([]string{localID})
	}
	return nil
}

// DocumentClean signals that a document no longer has local work in
// flight (editor closed, buffer flushed). Any deferred incoming change
// for it is retried immediately.
func (o *Orchestrator) DocumentClean(id string) {
	o.mu.Lock()
	delete(o.lastEdit, id)
	ev, ok := o.pendingIn[id]
	if ok {
		delete(o.pendingIn, id)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	if o.busyLocally(id) {
		o.mu.Lock()
		o.pendingIn[id] = ev
		o.mu.Unlock()
		return
	}
	if err := o.applyRemoteChange(o.ctx, ev.ID, id); err != nil {
		o.logger.Printf("Failed to apply deferred change for %s: %v", id, err)
	}
}

// retryDeferred re-attempts every buffered incoming event whose
// document is no longer busy. Called after a successful drain.
func (o *Orchestrator) retryDeferred(ctx context.Context) {
	o.mu.Lock()
	pending := make(map[string]transport.ChangeEvent, len(o.pendingIn))
	for id, ev := range o.pendingIn {
		pending[id] = ev
	}
	o.mu.Unlock()

	for id, ev := range pending {
		if o.busyLocally(id) {
			continue
		}

		o.mu.Lock()
		delete(o.pendingIn, id)
		o.mu.Unlock()

		if err := o.applyRemoteChange(ctx, ev.ID, id); err != nil {
			o.logger.Printf("Failed to apply deferred change for %s: %v", id, err)
		}
	}
}
