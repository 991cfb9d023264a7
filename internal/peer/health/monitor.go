package health

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/media"
)

type Options struct {
	Interval  time.Duration
	Threshold int

	// OnTracksChanged gets the peer id, or "" for the local stream.
	OnTracksChanged   func(peer domain.ConnectionID)
	OnLocalUnhealthy  func()
	OnRemoteUnhealthy func(peer domain.ConnectionID)
}

// Monitor runs one Supervisor for the local stream and one per remote peer.
type Monitor struct {
	ctx  context.Context
	opts Options

	mu     sync.Mutex
	local  *Supervisor
	remote map[domain.ConnectionID]*Supervisor
	closed bool
}

func NewMonitor(ctx context.Context, opts Options) *Monitor {
	return &Monitor{
		ctx:    ctx,
		opts:   opts,
		remote: make(map[domain.ConnectionID]*Supervisor),
	}
}

// WatchLocal starts supervising stream, or switches the running local
// supervisor over to it.
func (m *Monitor) WatchLocal(stream *media.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.local != nil {
		m.local.SetStream(stream)
		return
	}
	m.local = NewSupervisor(stream, SupervisorOptions{
		Label:     "local",
		Source:    Local,
		Interval:  m.opts.Interval,
		Threshold: m.opts.Threshold,
		OnTracksChanged: func() {
			if m.opts.OnTracksChanged != nil {
				m.opts.OnTracksChanged("")
			}
		},
		OnUnhealthy: m.opts.OnLocalUnhealthy,
	})
	m.local.Start(m.ctx)
}

// WatchRemote is idempotent for the same stream.
func (m *Monitor) WatchRemote(peer domain.ConnectionID, stream *media.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if sup, ok := m.remote[peer]; ok {
		sup.SetStream(stream)
		return
	}
	sup := NewSupervisor(stream, SupervisorOptions{
		Label:     string(peer),
		Source:    Remote,
		Interval:  m.opts.Interval,
		Threshold: m.opts.Threshold,
		OnTracksChanged: func() {
			if m.opts.OnTracksChanged != nil {
				m.opts.OnTracksChanged(peer)
			}
		},
		OnUnhealthy: func() {
			if m.opts.OnRemoteUnhealthy != nil {
				m.opts.OnRemoteUnhealthy(peer)
			}
		},
	})
	m.remote[peer] = sup
	sup.Start(m.ctx)
}

func (m *Monitor) StopRemote(peer domain.ConnectionID) {
	m.mu.Lock()
	sup, ok := m.remote[peer]
	delete(m.remote, peer)
	m.mu.Unlock()
	if ok {
		sup.Stop()
	}
}

// SetLocalTrackEnabled is the user's mute/camera toggle.
func (m *Monitor) SetLocalTrackEnabled(kind media.Kind, enabled bool) {
	m.mu.Lock()
	sup := m.local
	m.mu.Unlock()
	if sup != nil {
		sup.SetIntended(kind, enabled)
	}
}

// SetRemoteTrackEnabled overrides the enabled-by-default intent for a peer.
func (m *Monitor) SetRemoteTrackEnabled(peer domain.ConnectionID, kind media.Kind, enabled bool) {
	m.mu.Lock()
	sup, ok := m.remote[peer]
	m.mu.Unlock()
	if ok {
		sup.SetIntended(kind, enabled)
	}
}

func (m *Monitor) Watching() []domain.ConnectionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ConnectionID, 0, len(m.remote))
	for id := range m.remote {
		out = append(out, id)
	}
	return out
}

func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	sups := make([]*Supervisor, 0, len(m.remote)+1)
	if m.local != nil {
		sups = append(sups, m.local)
	}
	for _, sup := range m.remote {
		sups = append(sups, sup)
	}
	m.local = nil
	clear(m.remote)
	m.mu.Unlock()

	for _, sup := range sups {
		sup.Stop()
	}
}
