package syncer

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/driftnote/driftnote/internal/note"
	"github.com/driftnote/driftnote/internal/resolve"
	"github.com/driftnote/driftnote/internal/transport"
)

// Enqueue stores or replaces the pending sync item for a document
// (last intent wins for the action type; content is always read fresh
// at drain time), persists the queue, and restarts the drain debounce.
func (o *Orchestrator) Enqueue(id string, action note.QueueAction) {
	if o.transport == nil {
		return
	}

	o.mu.Lock()
	item := &note.QueueItem{
		DocumentID: id,
		Action:     action,
		EnqueuedAt: o.now(),
	}
	if action == note.ActionDelete {
		// The local document is gone by the time a delete drains, so
		// the remote referent must survive on the item itself.
		item.RemoteID = o.localToRemote[id]
	}
	o.queue[id] = item
	o.scheduleDrainLocked()
	o.mu.Unlock()

	o.persistQueue()
}

// QueueDepth returns the number of pending sync items.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// scheduleDrainLocked (re)starts the drain debounce timer. Caller
// holds o.mu.
func (o *Orchestrator) scheduleDrainLocked() {
	if o.drainTimer != nil {
		o.drainTimer.Stop()
	}
	o.drainTimer = time.AfterFunc(o.drainDebounce, func() {
		o.Drain(o.ctx)
	})
}

// scheduleRetryLocked schedules a future drain with exponential
// backoff for a failed item. Caller holds o.mu.
func (o *Orchestrator) scheduleRetryLocked(retryCount int) {
	backoff := o.retryBase
	for i := 1; i < retryCount; i++ {
		backoff *= 2
	}

	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}
	o.retryTimer = time.AfterFunc(backoff, func() {
		o.Drain(o.ctx)
	})
}

// Drain processes the queued sync items in order. A second call while
// a drain is running is a no-op; items enqueued mid-drain are picked
// up by the next debounce-triggered drain, never by reentering this
// one.
func (o *Orchestrator) Drain(ctx context.Context) {
	if o.transport == nil {
		return
	}

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	o.sweepRecentSyncLocked()

	items := make([]note.QueueItem, 0, len(o.queue))
	for _, item := range o.queue {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].DocumentID < items[j].DocumentID
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})

	if len(items) > 0 {
		o.setStatusLocked(StatusSyncing)
	}
	o.mu.Unlock()

	sawTransient := false
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if !o.processItem(ctx, item) {
			sawTransient = true
		}
	}

	o.persistQueue()

	o.mu.Lock()
	o.draining = false
	switch {
	case sawTransient:
		o.setStatusLocked(StatusError)
	case len(o.queue) == 0:
		o.setStatusLocked(StatusSynced)
	default:
		o.setStatusLocked(StatusSyncing)
	}
	o.mu.Unlock()

	// A completed drain is the natural moment to give buffered
	// incoming changes another chance: documents that were queued are
	// no longer.
	o.retryDeferred(ctx)
}

// processItem handles one queue entry. Returns false only for
// transient failures that keep the item queued for backoff retry.
func (o *Orchestrator) processItem(ctx context.Context, item note.QueueItem) bool {
	var err error
	switch item.Action {
	case note.ActionDelete:
		err = o.processDelete(ctx, item)
	case note.ActionCreate, note.ActionUpdate:
		err = o.processUpsert(ctx, item)
	default:
		o.logger.Printf("Dropping queue item with unknown action %q", item.Action)
		o.dequeue(item.DocumentID)
		return true
	}

	if err == nil {
		return true
	}

	var ve *transport.ValidationError
	if errors.As(err, &ve) {
		// Retrying the same payload cannot succeed.
		o.logger.Printf("Dropping item %s after validation failure: %v", item.DocumentID, err)
		o.dequeue(item.DocumentID)
		return true
	}

	return o.recordFailure(item.DocumentID, err)
}

// recordFailure bumps the item's retry count, scheduling backoff or
// dropping it at the cap. The content remains safe locally either way;
// the next local edit re-enqueues a dropped item.
func (o *Orchestrator) recordFailure(id string, err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	item, ok := o.queue[id]
	if !ok {
		return true
	}

	item.RetryCount++
	if item.RetryCount >= o.maxRetries {
		o.logger.Printf("Dropping item %s after %d attempts: %v", id, item.RetryCount, err)
		delete(o.queue, id)
		return true
	}

	o.logger.Printf("Sync of %s failed (attempt %d/%d), backing off: %v", id, item.RetryCount, o.maxRetries, err)
	o.scheduleRetryLocked(item.RetryCount)
	return false
}

func (o *Orchestrator) processDelete(ctx context.Context, item note.QueueItem) error {
	remoteID := item.RemoteID
	if remoteID == "" {
		o.mu.Lock()
		remoteID = o.localToRemote[item.DocumentID]
		o.mu.Unlock()
	}

	if remoteID == "" {
		// Never uploaded; nothing to delete remotely.
		o.dequeue(item.DocumentID)
		return nil
	}

	if err := o.transport.Delete(ctx, remoteID); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.localToRemote, item.DocumentID)
	delete(o.recentSync, item.DocumentID)
	o.mu.Unlock()

	o.dequeue(item.DocumentID)
	return nil
}

func (o *Orchestrator) processUpsert(ctx context.Context, item note.QueueItem) error {
	doc := o.store.Get(item.DocumentID)
	if doc == nil {
		o.dequeue(item.DocumentID)
		return nil
	}
	if doc.EffectivelyEmpty() && doc.RemoteID == "" {
		// Empty, untitled, never uploaded: not worth a remote record.
		o.dequeue(item.DocumentID)
		return nil
	}

	// Race suppression: a document we just finished syncing with this
	// exact content does not need another round trip.
	o.mu.Lock()
	rec, recorded := o.recentSync[item.DocumentID]
	window := o.recentSyncWindow
	nowTs := o.now()
	o.mu.Unlock()
	if recorded && nowTs.Sub(rec.ObservedAt) < window && rec.ContentFingerprint == doc.Fingerprint() {
		o.dequeue(item.DocumentID)
		return nil
	}

	remoteID := doc.RemoteID
	if remoteID == "" {
		o.mu.Lock()
		remoteID = o.localToRemote[item.DocumentID]
		o.mu.Unlock()
	}

	if remoteID == "" {
		return o.create(ctx, doc)
	}
	return o.update(ctx, doc, remoteID)
}

func (o *Orchestrator) create(ctx context.Context, doc *note.Document) error {
	created, err := o.transport.Create(ctx, o.fields(doc))
	if err != nil {
		return err
	}
	return o.finishUpload(ctx, doc, created)
}

func (o *Orchestrator) update(ctx context.Context, doc *note.Document, remoteID string) error {
	// One fetch short-circuits identical-content no-ops: only metadata
	// needs persisting, no write round trip.
	remote, err := o.transport.Get(ctx, remoteID)
	if err != nil {
		return err
	}

	if resolve.Identical(doc, remote) {
		if err := o.store.SetRemoteMeta(ctx, doc.ID, remote.ID, remote.UpdatedAt); err != nil {
			return err
		}
		o.recordRecentSync(doc.ID, remote.UpdatedAt, doc.Fingerprint())
		o.setMapping(doc.ID, remote.ID)
		o.dequeue(doc.ID)
		return nil
	}

	expected := remote.UpdatedAt
	if doc.RemoteUpdatedAt != nil {
		expected = *doc.RemoteUpdatedAt
	}

	updated, err := o.transport.Update(ctx, remoteID, o.fields(doc), expected)

	var conflict *transport.ConflictError
	if errors.As(err, &conflict) {
		return o.mergeAndRetry(ctx, doc.ID, remoteID)
	}
	if err != nil {
		return err
	}

	return o.finishUpload(ctx, doc, updated)
}

// mergeAndRetry handles an optimistic-concurrency rejection: re-fetch
// the current remote copy, force-merge, persist the merged result, and
// re-upload with the fresh precondition. Bounded to avoid livelock
// under rapid concurrent writers.
func (o *Orchestrator) mergeAndRetry(ctx context.Context, localID, remoteID string) error {
	var lastErr error

	for attempt := 1; attempt <= o.conflictRetries; attempt++ {
		remote, err := o.transport.Get(ctx, remoteID)
		if err != nil {
			return err
		}

		doc := o.store.Get(localID)
		if doc == nil {
			o.dequeue(localID)
			return nil
		}

		aligned := o.clock.Align(doc.LastSavedAt, doc.ServerAligned)
		res := resolve.Resolve(doc, remote, resolve.Options{ForceMerge: true, AlignedLocalTime: aligned})

		merged, err := o.store.SaveImmediately(ctx, res.Result, true)
		if err != nil {
			return err
		}
		o.notifyDocumentsUpdated([]string{localID})

		if resolve.Identical(merged, remote) {
			// The merge collapsed to the remote content; nothing left
			// to upload.
			if err := o.store.SetRemoteMeta(ctx, localID, remote.ID, remote.UpdatedAt); err != nil {
				return err
			}
			o.recordRecentSync(localID, remote.UpdatedAt, merged.Fingerprint())
			o.setMapping(localID, remote.ID)
			o.dequeue(localID)
			return nil
		}

		updated, err := o.transport.Update(ctx, remoteID, o.fields(merged), remote.UpdatedAt)

		var conflict *transport.ConflictError
		if errors.As(err, &conflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}
		return o.finishUpload(ctx, merged, updated)
	}

	return lastErr
}

// finishUpload records a successful create/update: remote metadata
// persisted locally, a recent-sync record started, item dequeued.
func (o *Orchestrator) finishUpload(ctx context.Context, doc *note.Document, remote *note.RemoteDocument) error {
	if err := o.store.SetRemoteMeta(ctx, doc.ID, remote.ID, remote.UpdatedAt); err != nil {
		return err
	}

	o.recordRecentSync(doc.ID, remote.UpdatedAt, doc.Fingerprint())
	o.setMapping(doc.ID, remote.ID)
	o.dequeue(doc.ID)
	return nil
}

func (o *Orchestrator) fields(doc *note.Document) transport.DocumentFields {
	return transport.DocumentFields{
		Title:          doc.Title,
		Content:        doc.Content,
		OriginDeviceID: o.deviceID,
		OriginLocalID:  doc.ID,
	}
}

func (o *Orchestrator) dequeue(id string) {
	o.mu.Lock()
	delete(o.queue, id)
	o.mu.Unlock()
}

func (o *Orchestrator) setMapping(localID, remoteID string) {
	o.mu.Lock()
	o.localToRemote[localID] = remoteID
	o.mu.Unlock()
}

func (o *Orchestrator) recordRecentSync(id string, remoteUpdatedAt time.Time, fingerprint string) {
	o.mu.Lock()
	o.recentSync[id] = note.RecentSyncRecord{
		DocumentID:         id,
		RemoteUpdatedAt:    remoteUpdatedAt,
		ObservedAt:         o.now(),
		ContentFingerprint: fingerprint,
	}
	o.mu.Unlock()
}

// sweepRecentSyncLocked drops expired suppression records. Caller
// holds o.mu.
func (o *Orchestrator) sweepRecentSyncLocked() {
	cutoff := o.now().Add(-o.recentSyncWindow)
	for id, rec := range o.recentSync {
		if rec.ObservedAt.Before(cutoff) {
			delete(o.recentSync, id)
		}
	}
}

// persistQueue writes the current queue snapshot to the store.
func (o *Orchestrator) persistQueue() {
	if o.transport == nil {
		return
	}

	o.mu.Lock()
	items := make([]note.QueueItem, 0, len(o.queue))
	for _, item := range o.queue {
		items = append(items, *item)
	}
	o.mu.Unlock()

	if err := o.store.SaveQueue(o.ctx, items); err != nil {
		o.logger.Printf("Failed to persist queue: %v", err)
	}
}
