// Package resolve implements the conflict-resolution algorithm that
// decides, for a local document and its remote counterpart, whether the
// local copy, the cloud copy, or a merged result is authoritative.
//
// Resolution is a pure function: no I/O, no state. Callers are
// responsible for persisting or uploading the result. The caller also
// supplies the local timestamp already expressed in server time (see
// the clockskew package), so this package never consults a clock.
//
// The merge is deliberately conservative: it never discards a line that
// appears in either input. The line diff is prefix/suffix only, not a
// general LCS - interleaved edits can produce an inelegant merge, and
// that is accepted in exchange for never losing user-authored text.
package resolve

import (
	"time"

	"github.com/driftnote/driftnote/internal/note"
)

// Strategy identifies which side a resolution favored.
type Strategy string

const (
	// StrategyLocalWins keeps the local document; only remote metadata
	// is attached.
	StrategyLocalWins Strategy = "local-wins"

	// StrategyCloudWins replaces local title/content with the remote's.
	StrategyCloudWins Strategy = "cloud-wins"

	// StrategyMerge combines both sides line-by-line.
	StrategyMerge Strategy = "merge"
)

// Options adjusts resolution behavior.
type Options struct {
	// ForceMerge skips the timestamp comparison and always merges.
	// Used after an optimistic-concurrency rejection, where timestamps
	// are known to be in conflict.
	ForceMerge bool

	// AlignedLocalTime is the local document's LastSavedAt expressed in
	// server time. Zero means "use the document's own timestamp
	// unadjusted" (best effort before the first clock observation).
	AlignedLocalTime time.Time
}

// Resolution is the outcome of resolving one local/remote pair.
type Resolution struct {
	Strategy Strategy
	Result   *note.Document
}

// Resolve decides between a local document and its remote counterpart.
func Resolve(local *note.Document, remote *note.RemoteDocument, opts Options) Resolution {
	localTs := opts.AlignedLocalTime
	if localTs.IsZero() {
		localTs = local.LastSavedAt
	}
	remoteTs := remote.UpdatedAt

	if !opts.ForceMerge && !remoteTs.IsZero() {
		if localTs.After(remoteTs) {
			return Resolution{Strategy: StrategyLocalWins, Result: attachRemoteMeta(local, remote)}
		}
		if remoteTs.After(localTs) {
			return Resolution{Strategy: StrategyCloudWins, Result: fromRemote(local.ID, remote)}
		}
	}

	// Equal timestamps, a missing remote timestamp, or a forced merge.
	return Resolution{Strategy: StrategyMerge, Result: merge(local, remote, localTs)}
}

// ShouldUpload reports whether the local document needs to be pushed to
// the cloud: there is no remote counterpart, or resolution does not
// favor the cloud and the resolved result differs from the remote copy.
func ShouldUpload(local *note.Document, remote *note.RemoteDocument, opts Options) bool {
	if remote == nil {
		return true
	}

	res := Resolve(local, remote, opts)
	if res.Strategy == StrategyCloudWins {
		return false
	}
	return !Identical(res.Result, remote)
}

// ShouldDownload reports whether the remote record needs to be applied
// locally: there is no local counterpart, or resolution does not favor
// the local copy and the resolved result differs from it.
func ShouldDownload(local *note.Document, remote *note.RemoteDocument, opts Options) bool {
	if local == nil {
		return true
	}

	res := Resolve(local, remote, opts)
	if res.Strategy == StrategyLocalWins {
		return false
	}
	return !sameText(res.Result.Title, res.Result.Content, local.Title, local.Content)
}

// Identical reports title+content equality between a local document and
// a remote record, after newline normalization.
func Identical(local *note.Document, remote *note.RemoteDocument) bool {
	return sameText(local.Title, local.Content, remote.Title, remote.Content)
}

func sameText(aTitle, aContent, bTitle, bContent string) bool {
	return note.NormalizeNewlines(aTitle) == note.NormalizeNewlines(bTitle) &&
		note.NormalizeNewlines(aContent) == note.NormalizeNewlines(bContent)
}

// attachRemoteMeta returns the local document with the remote identity
// and version attached, content untouched.
func attachRemoteMeta(local *note.Document, remote *note.RemoteDocument) *note.Document {
	doc := local.Clone()
	doc.RemoteID = remote.ID
	ts := remote.UpdatedAt
	doc.RemoteUpdatedAt = &ts
	return doc
}

// fromRemote builds the cloud-wins result: remote title/content with
// timestamps taken from the remote record.
func fromRemote(localID string, remote *note.RemoteDocument) *note.Document {
	ts := remote.UpdatedAt
	return &note.Document{
		ID:              localID,
		Title:           remote.Title,
		Content:         remote.Content,
		LastSavedAt:     remote.UpdatedAt,
		ServerAligned:   true,
		RemoteID:        remote.ID,
		RemoteUpdatedAt: &ts,
	}
}
