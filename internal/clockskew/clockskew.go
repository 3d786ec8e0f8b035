// Package clockskew tracks the offset between this machine's wall clock
// and the server's clock.
//
// The offset is learned passively: every successful transport response
// carries the server's current time, and the difference to the local
// clock at that moment becomes the new estimate. The estimate is
// persisted so a restarted client keeps a usable offset before its first
// network round trip completes.
//
// Timestamps stored against local documents that are not already known
// to be server-aligned must be passed through Align before being
// compared to a remote record's updated_at.
package clockskew

import (
	"fmt"
	"sync"
	"time"
)

// Persister stores the learned offset between sessions. The local store
// implements this against its workspace metadata table.
type Persister interface {
	LoadClockOffset() (offset time.Duration, ok bool, err error)
	SaveClockOffset(offset time.Duration) error
}

// Reconciler tracks the server clock offset. Safe for concurrent use;
// transport response handlers feed it from their own goroutines.
type Reconciler struct {
	mu      sync.Mutex
	offset  time.Duration
	known   bool
	persist Persister

	now func() time.Time // overridable for tests
}

// New creates a Reconciler, loading any persisted offset estimate.
// persist may be nil, in which case the offset lives only in memory.
func New(persist Persister) (*Reconciler, error) {
	r := &Reconciler{persist: persist, now: time.Now}

	if persist != nil {
		offset, ok, err := persist.LoadClockOffset()
		if err != nil {
			return nil, fmt.Errorf("failed to load clock offset: %w", err)
		}
		r.offset = offset
		r.known = ok
	}

	return r, nil
}

// UpdateFromServerTime records a fresh offset observation from a server
// timestamp taken off a response.
func (r *Reconciler) UpdateFromServerTime(serverTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.offset = serverTime.Sub(r.now())
	r.known = true

	if r.persist != nil {
		// Persistence failure is not fatal; the estimate survives in
		// memory for this session.
		_ = r.persist.SaveClockOffset(r.offset)
	}
}

// UpdateFromServerTimestamp parses an RFC 3339 server timestamp and
// records it as an offset observation.
func (r *Reconciler) UpdateFromServerTimestamp(iso string) error {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return fmt.Errorf("failed to parse server timestamp %q: %w", iso, err)
	}
	r.UpdateFromServerTime(t)
	return nil
}

// Offset returns the current offset estimate and whether one is known.
func (r *Reconciler) Offset() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset, r.known
}

// AlignedNow returns the current time expressed in server time when an
// offset is known, and unaligned local time otherwise. Before the first
// sync this is best effort, not a correctness requirement.
func (r *Reconciler) AlignedNow() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.known {
		return r.now().Add(r.offset), true
	}
	return r.now(), false
}

// Align expresses a local timestamp in server time. Timestamps already
// known to be server-aligned pass through unchanged.
func (r *Reconciler) Align(local time.Time, alreadyAligned bool) time.Time {
	if alreadyAligned {
		return local
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.known {
		return local.Add(r.offset)
	}
	return local
}
