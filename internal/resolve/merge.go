package resolve

import (
	"strings"
	"time"

	"github.com/driftnote/driftnote/internal/note"
)

// separatorLines is the visual divider inserted between the two
// divergent middles of a merge: a "---" line surrounded by blank lines.
var separatorLines = []string{"", "---", ""}

// merge combines a local document and a remote record without ever
// discarding content. The merged result's timestamp is the remote
// timestamp plus one millisecond, server-aligned, so it is guaranteed
// to be re-uploadable as newer without creating an infinite tie.
func merge(local *note.Document, remote *note.RemoteDocument, alignedLocalTs time.Time) *note.Document {
	localText := note.NormalizeNewlines(local.Content)
	remoteText := note.NormalizeNewlines(remote.Content)

	mergedContent := mergeContent(localText, remoteText)
	mergedTitle := mergeTitle(local.Title, remote.Title)

	// Identical texts and titles: the local copy stands as-is, with the
	// remote identity attached.
	if mergedContent == localText && mergedTitle == local.Title {
		doc := attachRemoteMeta(local, remote)
		doc.Content = localText
		return doc
	}

	base := remote.UpdatedAt
	if base.IsZero() {
		base = alignedLocalTs
	}
	ts := remote.UpdatedAt

	doc := &note.Document{
		ID:            local.ID,
		Title:         mergedTitle,
		Content:       mergedContent,
		LastSavedAt:   base.Add(time.Millisecond),
		ServerAligned: true,
		RemoteID:      remote.ID,
	}
	if !remote.UpdatedAt.IsZero() {
		doc.RemoteUpdatedAt = &ts
	}
	return doc
}

// mergeContent merges two normalized texts.
func mergeContent(local, remote string) string {
	if local == remote {
		return local
	}

	// One side being a substring of the other means the shorter is a
	// subset or no-op edit; keep the superset.
	if strings.Contains(local, remote) {
		return local
	}
	if strings.Contains(remote, local) {
		return remote
	}

	localLines := strings.Split(local, "\n")
	remoteLines := strings.Split(remote, "\n")

	prefix := commonPrefixLen(localLines, remoteLines)
	suffix := commonSuffixLen(localLines, remoteLines, prefix)

	// No shared lines at all: keep both texts in full.
	if prefix == 0 && suffix == 0 {
		return strings.Join(append(append(localLines, separatorLines...), remoteLines...), "\n")
	}

	localMid := localLines[prefix : len(localLines)-suffix]
	remoteMid := remoteLines[prefix : len(remoteLines)-suffix]

	out := make([]string, 0, len(localLines)+len(remoteLines)+len(separatorLines))
	out = append(out, localLines[:prefix]...)
	out = append(out, localMid...)
	if len(localMid) > 0 && len(remoteMid) > 0 {
		out = append(out, separatorLines...)
	}
	out = append(out, remoteMid...)
	out = append(out, localLines[len(localLines)-suffix:]...)

	return strings.Join(out, "\n")
}

func commonPrefixLen(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// commonSuffixLen counts shared trailing lines, bounded so the suffix
// never overlaps the already-claimed prefix on either side.
func commonSuffixLen(a, b []string, prefix int) int {
	max := len(a) - prefix
	if m := len(b) - prefix; m < max {
		max = m
	}

	n := 0
	for n < max && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

// mergeTitle picks a title for a merged document: prefer a non-default,
// non-empty title; if both are meaningful and differ, prefer whichever
// contains the other; otherwise keep both.
func mergeTitle(local, remote string) string {
	localDefault := note.HasDefaultTitle(local)
	remoteDefault := note.HasDefaultTitle(remote)

	switch {
	case localDefault && remoteDefault:
		return local
	case localDefault:
		return remote
	case remoteDefault:
		return local
	}

	if local == remote {
		return local
	}
	if strings.Contains(local, remote) {
		return local
	}
	if strings.Contains(remote, local) {
		return remote
	}
	return local + " / " + remote
}
