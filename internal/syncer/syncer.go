// Package syncer implements the sync orchestrator: the coordinator
// that keeps local documents and the authoritative cloud store
// convergent despite intermittent connectivity, clock skew, and
// concurrent edits from other devices.
//
// The orchestrator:
//  1. Owns the durable retry queue of outbound sync work
//  2. Debounces triggers and drains the queue against the transport
//  3. Reconciles realtime push events against local dirty state
//  4. Performs full reconciliation on session start and on reconnect
//  5. Exposes subscription hooks for UI state
//
// Shared mutable state (the queue, the recently-synced map, the
// local-to-remote id map) is owned exclusively by the orchestrator and
// mutated only from its own handlers. Queue draining is serialized by
// an in-flight guard: at most one drain cycle runs at a time, and items
// are processed sequentially so this client never issues two
// concurrent writes to the same remote record.
//
// Subscriber callbacks are dispatched from a single notifier goroutine
// fed by a channel, never synchronously from a storage or network
// completion path, so a callback can re-enter the orchestrator without
// deadlocking or reentering the drain loop.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/driftnote/driftnote/internal/clockskew"
	"github.com/driftnote/driftnote/internal/note"
	"github.com/driftnote/driftnote/internal/store"
	"github.com/driftnote/driftnote/internal/transport"
)

// Status is the orchestrator's overall sync state.
type Status string

const (
	// StatusDisabled means no backend credential is configured; the
	// orchestrator is inert and documents live only locally.
	StatusDisabled Status = "disabled"

	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// Default timing parameters. See Config to override.
const (
	DefaultDrainDebounce    = 5 * time.Second
	DefaultRetryBase        = 2 * time.Second
	DefaultMaxRetries       = 5
	DefaultConflictRetries  = 3
	DefaultRecentSyncWindow = 10 * time.Second
	DefaultRecentEditWindow = 5 * time.Second
	DefaultReconnectDelay   = 5 * time.Second
)

// Config holds orchestrator configuration.
type Config struct {
	// Store is the local persistence layer. Required.
	Store *store.Store

	// Transport is the cloud adapter. Nil disables sync entirely.
	Transport transport.Client

	// Clock is the server-clock reconciler. Required when Transport is set.
	Clock *clockskew.Reconciler

	// DeviceID is this installation's stable identifier.
	DeviceID string

	// UserID scopes the realtime subscription.
	UserID string

	// Timing overrides; zero values take the defaults above.
	DrainDebounce    time.Duration
	RetryBase        time.Duration
	MaxRetries       int
	ConflictRetries  int
	RecentSyncWindow time.Duration
	RecentEditWindow time.Duration
	ReconnectDelay   time.Duration

	// Logger for orchestrator activity. Nil means a stderr logger.
	Logger *log.Logger
}

// Orchestrator is the top-level sync coordinator.
type Orchestrator struct {
	store     *store.Store
	transport transport.Client
	clock     *clockskew.Reconciler
	deviceID  string
	userID    string
	logger    *log.Logger

	drainDebounce    time.Duration
	retryBase        time.Duration
	maxRetries       int
	conflictRetries  int
	recentSyncWindow time.Duration
	recentEditWindow time.Duration
	reconnectDelay   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	status        Status
	queue         map[string]*note.QueueItem
	recentSync    map[string]note.RecentSyncRecord
	pendingIn     map[string]transport.ChangeEvent // local id -> deferred incoming event
	localToRemote map[string]string
	lastEdit      map[string]time.Time
	draining      bool
	connected     bool
	initialized   bool

	drainTimer     *time.Timer
	retryTimer     *time.Timer
	reconnectTimer *time.Timer
	unsubscribe    transport.Unsubscribe

	dirtyChecker      func(id string) bool
	recentEditChecker func(id string) bool

	statusSubs     []func(Status)
	docsUpdated    []func(ids []string)
	docDeleted     []func(id string)
	pendingChanged []func(id string)

	notify   chan func()
	notifyWg sync.WaitGroup

	now func() time.Time // overridable for tests
}

// New creates an orchestrator. Call Initialize to start syncing and
// Close to tear down.
func New(config Config) (*Orchestrator, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.Transport != nil && config.Clock == nil {
		return nil, fmt.Errorf("clock reconciler required when transport is configured")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		store:     config.Store,
		transport: config.Transport,
		clock:     config.Clock,
		deviceID:  config.DeviceID,
		userID:    config.UserID,
		logger:    logger,

		drainDebounce:    defaultDuration(config.DrainDebounce, DefaultDrainDebounce),
		retryBase:        defaultDuration(config.RetryBase, DefaultRetryBase),
		maxRetries:       defaultInt(config.MaxRetries, DefaultMaxRetries),
		conflictRetries:  defaultInt(config.ConflictRetries, DefaultConflictRetries),
		recentSyncWindow: defaultDuration(config.RecentSyncWindow, DefaultRecentSyncWindow),
		recentEditWindow: defaultDuration(config.RecentEditWindow, DefaultRecentEditWindow),
		reconnectDelay:   defaultDuration(config.ReconnectDelay, DefaultReconnectDelay),

		ctx:    ctx,
		cancel: cancel,

		status:        StatusIdle,
		queue:         make(map[string]*note.QueueItem),
		recentSync:    make(map[string]note.RecentSyncRecord),
		pendingIn:     make(map[string]transport.ChangeEvent),
		localToRemote: make(map[string]string),
		lastEdit:      make(map[string]time.Time),

		notify: make(chan func(), 128),
		now:    time.Now,
	}

	if o.transport == nil {
		o.status = StatusDisabled
	}

	o.notifyWg.Add(1)
	go o.notifyLoop()

	return o, nil
}

func defaultDuration(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

func defaultInt(n, fallback int) int {
	if n == 0 {
		return fallback
	}
	return n
}

// Status returns the current overall sync status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// setStatusLocked updates the status and queues subscriber
// notifications. Caller holds o.mu.
func (o *Orchestrator) setStatusLocked(status Status) {
	if o.status == status || o.status == StatusDisabled {
		return
	}
	o.status = status

	subs := append([]func(Status){}, o.statusSubs...)
	o.emitLocked(func() {
		for _, fn := range subs {
			fn(status)
		}
	})
}

// SubscribeStatus registers a callback for status transitions.
func (o *Orchestrator) SubscribeStatus(fn func(Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statusSubs = append(o.statusSubs, fn)
}

// SubscribeDocumentsUpdated registers a callback fired with the batch
// of document ids rewritten by a sync operation.
func (o *Orchestrator) SubscribeDocumentsUpdated(fn func(ids []string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.docsUpdated = append(o.docsUpdated, fn)
}

// SubscribeDocumentDeleted registers a callback fired when a remote
// delete removes a local document.
func (o *Orchestrator) SubscribeDocumentDeleted(fn func(id string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.docDeleted = append(o.docDeleted, fn)
}

// SubscribePendingIncoming registers a callback fired when an incoming
// remote change is buffered because the document is busy locally.
func (o *Orchestrator) SubscribePendingIncoming(fn func(id string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingChanged = append(o.pendingChanged, fn)
}

// RegisterDirtyChecker injects a UI-held "does this document have
// unpersisted edits" predicate, consulted in addition to the store's
// own dirty tracking.
func (o *Orchestrator) RegisterDirtyChecker(fn func(id string) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dirtyChecker = fn
}

// RegisterRecentEditChecker injects a UI-held "is this document being
// typed in right now" predicate.
func (o *Orchestrator) RegisterRecentEditChecker(fn func(id string) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recentEditChecker = fn
}

// DocumentChanged records a content edit from the editing surface:
// persists it (debounced) and enqueues outbound sync.
func (o *Orchestrator) DocumentChanged(id, content string) {
	o.store.SetContent(id, content)

	o.mu.Lock()
	o.lastEdit[id] = o.now()
	action := note.ActionUpdate
	if o.localToRemote[id] == "" {
		action = note.ActionCreate
	}
	o.mu.Unlock()

	o.Enqueue(id, action)
}

// DocumentRenamed records a title edit from the editing surface.
func (o *Orchestrator) DocumentRenamed(id, title string) {
	o.store.SetTitle(id, title)

	o.mu.Lock()
	o.lastEdit[id] = o.now()
	action := note.ActionUpdate
	if o.localToRemote[id] == "" {
		action = note.ActionCreate
	}
	o.mu.Unlock()

	o.Enqueue(id, action)
}

// DocumentClosed flushes any pending debounced save for the document
// and gives deferred incoming changes a chance to apply.
func (o *Orchestrator) DocumentClosed(id string) {
	if _, err := o.store.Flush(o.ctx); err != nil {
		o.logger.Printf("Flush on close failed: %v", err)
	}
	o.DocumentClean(id)
}

// DeleteDocument removes a document locally and propagates the delete.
func (o *Orchestrator) DeleteDocument(ctx context.Context, id string) error {
	// Capture the remote referent before the row disappears; the
	// queued delete needs it, possibly in a later session.
	if doc := o.store.Get(id); doc != nil && doc.RemoteID != "" {
		o.mu.Lock()
		o.localToRemote[id] = doc.RemoteID
		o.mu.Unlock()
	}

	if err := o.store.Remove(ctx, id); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.lastEdit, id)
	delete(o.pendingIn, id)
	o.mu.Unlock()

	o.Enqueue(id, note.ActionDelete)
	return nil
}

// emit queues a callback for the notifier goroutine.
func (o *Orchestrator) emit(fn func()) {
	select {
	case o.notify <- fn:
	case <-o.ctx.Done():
	}
}

// emitLocked queues a callback while the caller holds o.mu. Blocking
// here with the lock held would deadlock against a slow subscriber
// whose callback needs the orchestrator, so when the channel is full
// the oldest queued notification is dropped to make room.
func (o *Orchestrator) emitLocked(fn func()) {
	for {
		select {
		case o.notify <- fn:
			return
		case <-o.ctx.Done():
			return
		default:
		}
		select {
		case <-o.notify:
		default:
		}
	}
}

func (o *Orchestrator) notifyLoop() {
	defer o.notifyWg.Done()

	for {
		select {
		case fn := <-o.notify:
			fn()
		case <-o.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case fn := <-o.notify:
					fn()
				default:
					return
				}
			}
		}
	}
}

// notifyDocumentsUpdated fires the batched documents-updated callback.
func (o *Orchestrator) notifyDocumentsUpdated(ids []string) {
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	o.mu.Lock()
	subs := append([]func([]string){}, o.docsUpdated...)
	o.mu.Unlock()

	o.emit(func() {
		for _, fn := range subs {
			fn(ids)
		}
	})
}

func (o *Orchestrator) notifyDocumentDeleted(id string) {
	o.mu.Lock()
	subs := append([]func(string){}, o.docDeleted...)
	o.mu.Unlock()

	o.emit(func() {
		for _, fn := range subs {
			fn(id)
		}
	})
}

func (o *Orchestrator) notifyPendingIncoming(id string) {
	o.mu.Lock()
	subs := append([]func(string){}, o.pendingChanged...)
	o.mu.Unlock()

	o.emit(func() {
		for _, fn := range subs {
			fn(id)
		}
	})
}

// Close tears the orchestrator down: timers stopped, realtime
// subscription closed, notifier drained.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	for _, t := range []*time.Timer{o.drainTimer, o.retryTimer, o.reconnectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	o.drainTimer, o.retryTimer, o.reconnectTimer = nil, nil, nil
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	o.cancel()
	o.notifyWg.Wait()
	return nil
}
