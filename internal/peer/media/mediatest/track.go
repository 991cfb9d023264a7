// Package mediatest provides in-memory media tracks for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Huddle/internal/peer/media"
)

type Track struct {
	id   string
	kind media.Kind

	mu      sync.Mutex
	enabled bool
	muted   bool
	state   media.ReadyState
	toggles int
}

func NewTrack(id string, kind media.Kind) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() media.Kind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled != v {
		t.toggles++
	}
	t.enabled = v
}

func (t *Track) ReadyState() media.ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Track) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *Track) SetMuted(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = v
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = media.Ended
}

// Toggles counts enabled-state changes.
func (t *Track) Toggles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toggles
}

// Acquirer hands out fresh fake streams, or Err when set.
type Acquirer struct {
	Err   error
	calls atomic.Int32
}

func (a *Acquirer) Acquire(_ context.Context, c media.Constraints) (*media.Stream, error) {
	n := a.calls.Add(1)
	if a.Err != nil {
		return nil, a.Err
	}
	s := media.NewStream(fmt.Sprintf("local-%d", n))
	if c.Audio {
		s.AddTrack(NewTrack(fmt.Sprintf("audio-%d", n), media.KindAudio))
	}
	if c.Video {
		s.AddTrack(NewTrack(fmt.Sprintf("video-%d", n), media.KindVideo))
	}
	return s, nil
}

func (a *Acquirer) Calls() int { return int(a.calls.Load()) }
