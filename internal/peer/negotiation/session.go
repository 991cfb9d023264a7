package negotiation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/pion/webrtc/v4"
)

// Session is the negotiation state for one remote peer. All fields are
// guarded by mu except gen, which native callbacks read without locking.
type Session struct {
	peer domain.ConnectionID

	mu         sync.Mutex
	name       string
	state      State
	pc         PeerConnection
	negotiated bool
	pending    []webrtc.ICECandidateInit
	retries    int
	retryTimer *time.Timer
	offerTimer *time.Timer
	offerSeq   uint64
	remote     *media.Stream
	// lastOffer and lastAnswer let a retransmitted offer be answered again
	// without touching the connection.
	lastOffer  string
	lastAnswer *webrtc.SessionDescription

	gen atomic.Uint64
}

func newSession(peer domain.ConnectionID, name string) *Session {
	return &Session{
		peer:   peer,
		name:   name,
		remote: media.NewStream("remote-" + string(peer)),
	}
}

func (s *Session) Peer() domain.ConnectionID { return s.peer }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteStream collects the tracks received from the peer.
func (s *Session) RemoteStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{Peer: s.peer, Name: s.name, State: s.state}
}

// detachLocked forgets the native connection and returns it for closing
// outside the lock. Callbacks of the old connection become stale.
func (s *Session) detachLocked() PeerConnection {
	pc := s.pc
	s.pc = nil
	s.negotiated = false
	s.pending = nil
	s.lastOffer = ""
	s.lastAnswer = nil
	s.gen.Add(1)
	s.stopOfferTimerLocked()
	return pc
}

func (s *Session) stopOfferTimerLocked() {
	if s.offerTimer != nil {
		s.offerTimer.Stop()
		s.offerTimer = nil
	}
}

func (s *Session) stopTimersLocked() {
	s.stopOfferTimerLocked()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}
