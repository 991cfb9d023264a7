package app

import "github.com/dkeye/Huddle/internal/domain"

type readyKey struct {
	room   domain.RoomID
	member domain.ConnectionID
}

// MediaReadyTracker remembers which members already broadcast media-ready
// for their current membership. Not safe for concurrent use; the Registry
// guards it with its own lock.
type MediaReadyTracker struct {
	seen map[readyKey]struct{}
}

func NewMediaReadyTracker() *MediaReadyTracker {
	return &MediaReadyTracker{seen: make(map[readyKey]struct{})}
}

// Mark records the announcement and reports whether it is the first one.
func (t *MediaReadyTracker) Mark(room domain.RoomID, member domain.ConnectionID) bool {
	k := readyKey{room, member}
	if _, ok := t.seen[k]; ok {
		return false
	}
	t.seen[k] = struct{}{}
	return true
}

func (t *MediaReadyTracker) Has(room domain.RoomID, member domain.ConnectionID) bool {
	_, ok := t.seen[readyKey{room, member}]
	return ok
}

func (t *MediaReadyTracker) Clear(room domain.RoomID, member domain.ConnectionID) {
	delete(t.seen, readyKey{room, member})
}

func (t *MediaReadyTracker) Len() int { return len(t.seen) }
