// Package media models local and remote media as the client sees it:
// tracks that can be toggled, streams grouping them, and the acquisition
// of a local stream from capture devices.
package media

import (
	"context"
	"slices"
	"sync"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type ReadyState int

const (
	Live ReadyState = iota
	Ended
)

func (s ReadyState) String() string {
	if s == Ended {
		return "ended"
	}
	return "live"
}

// Track is one audio or video track. Enabled is the application-level
// switch; Muted reports that the source currently delivers no media.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(bool)
	ReadyState() ReadyState
	Muted() bool
	Stop()
}

// Stream groups the tracks of one source. The track set may grow when a
// remote peer adds tracks; tracks are never mutated through the stream.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tracks)
}

// AddTrack appends t unless a track with the same id is already present.
func (s *Stream) AddTrack(t Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.tracks, func(x Track) bool { return x.ID() == t.ID() }) {
		return false
	}
	s.tracks = append(s.tracks, t)
	return true
}

func (s *Stream) TrackOf(kind Kind) (Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

// Stop ends every track of the stream.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

type Constraints struct {
	Audio bool
	Video bool
}

// Acquirer opens capture devices and returns a live local stream.
// Failures are MediaAcquisitionFailure errors; see Cause.
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}
