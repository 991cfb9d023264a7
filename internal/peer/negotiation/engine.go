package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotWaitingForAnswer = errors.New("no local offer pending")
	ErrGiveUp              = errors.New("transport retries exhausted")
)

type Options struct {
	RetryBackoff        time.Duration
	MaxTransportRetries int
	OfferRetransmit     time.Duration

	// IsMember reports whether peer is still in the room; retries stop when
	// it returns false. Nil means always.
	IsMember func(domain.ConnectionID) bool

	// Callbacks run with the peer's session locked and must not call back
	// into the Engine.
	OnStateChange  func(peer domain.ConnectionID, s State)
	OnRemoteStream func(peer domain.ConnectionID, s *media.Stream)
	OnGiveUp       func(peer domain.ConnectionID, err error)
}

func (o Options) withDefaults() Options {
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.MaxTransportRetries < 0 {
		o.MaxTransportRetries = 0
	}
	return o
}

// Engine owns every Session of the local client. Sessions are independent:
// a failure in one never touches another.
type Engine struct {
	self    domain.ConnectionID
	factory ConnectionFactory
	signal  Signaler
	opts    Options

	mu       sync.Mutex
	sessions map[domain.ConnectionID]*Session
	local    *media.Stream
	closed   bool
}

func NewEngine(self domain.ConnectionID, factory ConnectionFactory, signaler Signaler, opts Options) *Engine {
	return &Engine{
		self:     self,
		factory:  factory,
		signal:   signaler,
		opts:     opts.withDefaults(),
		sessions: make(map[domain.ConnectionID]*Session),
	}
}

func (e *Engine) Self() domain.ConnectionID { return e.self }

func (e *Engine) localStream() *media.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

func (e *Engine) session(peer domain.ConnectionID, name string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	s, ok := e.sessions[peer]
	if !ok {
		s = newSession(peer, name)
		e.sessions[peer] = s
	}
	return s, true
}

func (e *Engine) lookup(peer domain.ConnectionID) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[peer]
	return s, ok
}

func (e *Engine) setStateLocked(s *Session, st State) {
	if s.state == st {
		return
	}
	log.Debug().Str("module", "negotiation").Str("peer", string(s.peer)).Str("from", s.state.String()).Str("to", st.String()).Msg("state")
	s.state = st
	if e.opts.OnStateChange != nil {
		e.opts.OnStateChange(s.peer, st)
	}
}

// Connect makes peer a negotiation target. The tie-break initiator sends an
// offer; the other side asks the initiator to start.
func (e *Engine) Connect(peer domain.Member) {
	if peer.ID == e.self {
		return
	}
	s, ok := e.session(peer.ID, peer.DisplayName)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if peer.DisplayName != "" {
		s.name = peer.DisplayName
	}

	if !IsInitiator(e.self, peer.ID) {
		if s.state == Idle || s.state == Failed {
			e.send(protocol.TypeInitiateConnection, peer.ID, SessionPayload{Reason: "ready"})
		}
		return
	}
	switch s.state {
	case Idle, Failed:
		if err := e.offerLocked(s, false); err != nil {
			log.Error().Err(err).Str("module", "negotiation").Str("peer", string(peer.ID)).Msg("initial offer")
		}
	default:
		log.Debug().Str("module", "negotiation").Str("peer", string(peer.ID)).Str("state", s.state.String()).Msg("connect: already negotiating")
	}
}

func (e *Engine) send(kind protocol.Type, to domain.ConnectionID, p SessionPayload) {
	if err := e.signal.Send(kind, to, p); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Str("peer", string(to)).Str("type", string(kind)).Msg("signal send failed")
	}
}

// ensureConnLocked creates the native connection if absent and reports
// whether it is new.
func (e *Engine) ensureConnLocked(s *Session) (bool, error) {
	if s.pc != nil {
		return false, nil
	}
	gen := s.gen.Add(1)
	peer := s.peer
	pc, err := e.factory.NewConnection(peer, e.localStream(), Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			if s.gen.Load() != gen {
				return
			}
			e.send(protocol.TypeICECandidate, peer, SessionPayload{Candidate: &c})
		},
		OnConnectionState: func(st webrtc.PeerConnectionState) {
			e.onConnectionState(s, gen, st)
		},
		OnNegotiationNeeded: func() {
			e.onNegotiationNeeded(s, gen)
		},
		OnTrack: func(t media.Track) {
			e.onTrack(s, gen, t)
		},
	})
	if err != nil {
		return false, domain.NewError(domain.KindNegotiationFailure, "new connection", err)
	}
	s.pc = pc
	s.remote = media.NewStream("remote-" + string(peer))
	return true, nil
}

func (e *Engine) offerLocked(s *Session, iceRestart bool) error {
	fresh, err := e.ensureConnLocked(s)
	if err != nil {
		return err
	}
	offer, err := s.pc.CreateOffer(iceRestart && !fresh)
	if err != nil {
		return domain.NewError(domain.KindNegotiationFailure, "create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return domain.NewError(domain.KindNegotiationFailure, "set local offer", err)
	}

	payload := SessionPayload{Description: &offer, Fresh: fresh, ICERestart: iceRestart && !fresh}
	e.send(protocol.TypeOffer, s.peer, payload)

	if s.state == Connected || s.state == Disconnected || s.state == Renegotiating {
		e.setStateLocked(s, Renegotiating)
	} else {
		e.setStateLocked(s, OfferSent)
	}
	if fresh {
		e.armRetransmitLocked(s, payload)
	}
	return nil
}

// armRetransmitLocked resends the initial offer once if no answer arrived.
func (e *Engine) armRetransmitLocked(s *Session, payload SessionPayload) {
	if e.opts.OfferRetransmit <= 0 {
		return
	}
	s.stopOfferTimerLocked()
	s.offerSeq++
	seq, gen := s.offerSeq, s.gen.Load()
	s.offerTimer = time.AfterFunc(e.opts.OfferRetransmit, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.offerSeq != seq || s.gen.Load() != gen || s.state != OfferSent {
			return
		}
		s.offerTimer = nil
		log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Msg("retransmitting offer")
		e.send(protocol.TypeOffer, s.peer, payload)
	})
}

// HandleSignal applies one relayed negotiation message.
func (e *Engine) HandleSignal(sig protocol.Signal) error {
	var p SessionPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return domain.InvalidInput("signal payload", err)
	}
	from := sig.SenderID
	if from == "" || from == e.self {
		return domain.InvalidInput("signal", domain.ErrTargetMissing)
	}

	s, ok := e.session(from, sig.SenderName)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig.SenderName != "" {
		s.name = sig.SenderName
	}

	var err error
	switch sig.Type() {
	case protocol.TypeInitiateConnection:
		err = e.onHintLocked(s, p)
	case protocol.TypeOffer:
		err = e.onOfferLocked(s, p)
	case protocol.TypeAnswer:
		err = e.onAnswerLocked(s, p)
	case protocol.TypeICECandidate:
		err = e.onCandidateLocked(s, p)
	case protocol.TypeRenegotiate:
		log.Info().Str("module", "negotiation").Str("peer", string(from)).Str("reason", p.Reason).Msg("renegotiation requested by peer")
		err = e.offerLocked(s, true)
	default:
		err = domain.InvalidInput("signal", fmt.Errorf("%w: %q", domain.ErrUnknownType, sig.Type()))
	}
	if err != nil {
		log.Error().Err(err).Str("module", "negotiation").Str("peer", string(from)).Str("type", string(sig.Type())).Str("state", s.state.String()).Msg("signal handling failed")
	}
	return err
}

func (e *Engine) onHintLocked(s *Session, p SessionPayload) error {
	if !IsInitiator(e.self, s.peer) {
		log.Debug().Str("module", "negotiation").Str("peer", string(s.peer)).Msg("initiate hint ignored, peer initiates")
		return nil
	}
	if p.Fresh && s.pc != nil {
		log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Str("reason", p.Reason).Msg("peer dropped its connection, starting over")
		pc := s.detachLocked()
		go closeQuietly(s.peer, pc)
		e.setStateLocked(s, Idle)
		return e.offerLocked(s, false)
	}
	switch s.state {
	case Idle, Failed:
		return e.offerLocked(s, false)
	case Connected, Disconnected:
		if p.ICERestart {
			return e.offerLocked(s, true)
		}
	}
	return nil
}

func (e *Engine) onOfferLocked(s *Session, p SessionPayload) error {
	if p.Description == nil || p.Description.Type != webrtc.SDPTypeOffer {
		return domain.InvalidInput("offer", domain.ErrPayloadMissing)
	}
	if s.pc != nil && s.lastAnswer != nil && s.lastOffer == p.Description.SDP {
		log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Msg("duplicate offer, answering again")
		e.send(protocol.TypeAnswer, s.peer, SessionPayload{Description: s.lastAnswer})
		return nil
	}

	var stale PeerConnection
	if p.Fresh && s.negotiated {
		log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Msg("peer restarted its connection, recreating ours")
		stale = s.detachLocked()
		s.retries = 0
	} else if s.pc != nil && s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if IsInitiator(e.self, s.peer) {
			log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Msg("glare: keeping our offer")
			return nil
		}
		log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Msg("glare: rolling back our offer")
		if err := s.pc.Rollback(); err != nil {
			return domain.NewError(domain.KindNegotiationFailure, "rollback", err)
		}
		s.stopOfferTimerLocked()
	}
	if stale != nil {
		go closeQuietly(s.peer, stale)
	}

	if _, err := e.ensureConnLocked(s); err != nil {
		return err
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if err := s.pc.SetRemoteDescription(*p.Description); err != nil {
		return domain.NewError(domain.KindNegotiationFailure, "set remote offer", err)
	}
	s.negotiated = true
	e.setStateLocked(s, OfferReceived)
	e.flushCandidatesLocked(s)

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return domain.NewError(domain.KindNegotiationFailure, "create answer", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return domain.NewError(domain.KindNegotiationFailure, "set local answer", err)
	}
	s.lastOffer = p.Description.SDP
	s.lastAnswer = &answer
	e.send(protocol.TypeAnswer, s.peer, SessionPayload{Description: &answer})
	e.setStateLocked(s, Connected)
	return nil
}

func (e *Engine) onAnswerLocked(s *Session, p SessionPayload) error {
	if p.Description == nil || p.Description.Type != webrtc.SDPTypeAnswer {
		return domain.InvalidInput("answer", domain.ErrPayloadMissing)
	}
	if s.pc == nil || s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Warn().Str("module", "negotiation").Str("peer", string(s.peer)).Str("state", s.state.String()).Msg("unexpected answer dropped")
		return nil
	}
	if err := s.pc.SetRemoteDescription(*p.Description); err != nil {
		return domain.NewError(domain.KindNegotiationFailure, "set remote answer", err)
	}
	s.negotiated = true
	s.stopOfferTimerLocked()
	e.flushCandidatesLocked(s)
	e.setStateLocked(s, Connected)
	return nil
}

func (e *Engine) onCandidateLocked(s *Session, p SessionPayload) error {
	if p.Candidate == nil {
		return domain.InvalidInput("candidate", domain.ErrPayloadMissing)
	}
	if s.pc == nil || !s.pc.HasRemoteDescription() {
		s.pending = append(s.pending, *p.Candidate)
		return nil
	}
	if err := s.pc.AddICECandidate(*p.Candidate); err != nil {
		return domain.NewError(domain.KindNegotiationFailure, "add candidate", err)
	}
	return nil
}

func (e *Engine) flushCandidatesLocked(s *Session) {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "negotiation").Str("peer", string(s.peer)).Msg("buffered candidate rejected")
		}
	}
}

func (e *Engine) onConnectionState(s *Session, gen uint64, st webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen || s.state == Closed {
		return
	}
	log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Str("pc_state", st.String()).Msg("connection state")

	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.retries = 0
		if s.state != Renegotiating && s.state != OfferSent {
			e.setStateLocked(s, Connected)
		}
	case webrtc.PeerConnectionStateDisconnected:
		e.setStateLocked(s, Disconnected)
	case webrtc.PeerConnectionStateFailed:
		e.failLocked(s)
	}
}

func (e *Engine) failLocked(s *Session) {
	e.setStateLocked(s, Failed)
	if pc := s.detachLocked(); pc != nil {
		go closeQuietly(s.peer, pc)
	}

	if e.opts.IsMember != nil && !e.opts.IsMember(s.peer) {
		return
	}
	if s.retries >= e.opts.MaxTransportRetries {
		err := domain.NewError(domain.KindTransportFailure, "connect", ErrGiveUp)
		log.Warn().Err(err).Str("module", "negotiation").Str("peer", string(s.peer)).Int("retries", s.retries).Msg("giving up")
		if e.opts.OnGiveUp != nil {
			e.opts.OnGiveUp(s.peer, err)
		}
		return
	}
	s.retries++
	delay := e.opts.RetryBackoff * time.Duration(s.retries)
	gen := s.gen.Load()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() { e.retryAfterFailure(s, gen) })
	log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Int("attempt", s.retries).Dur("backoff", delay).Msg("retry scheduled")
}

func (e *Engine) retryAfterFailure(s *Session, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryTimer = nil
	if s.gen.Load() != gen || s.state != Failed {
		return
	}
	if e.opts.IsMember != nil && !e.opts.IsMember(s.peer) {
		return
	}
	e.restartLocked(s)
}

// restartLocked re-enters negotiation from scratch on a new connection.
func (e *Engine) restartLocked(s *Session) {
	if IsInitiator(e.self, s.peer) {
		if err := e.offerLocked(s, false); err != nil {
			log.Error().Err(err).Str("module", "negotiation").Str("peer", string(s.peer)).Msg("restart offer")
		}
		return
	}
	e.send(protocol.TypeInitiateConnection, s.peer, SessionPayload{Reason: "retry", Fresh: true})
}

func (e *Engine) onNegotiationNeeded(s *Session, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen || s.state != Connected {
		return
	}
	if IsInitiator(e.self, s.peer) {
		if err := e.offerLocked(s, true); err != nil {
			log.Error().Err(err).Str("module", "negotiation").Str("peer", string(s.peer)).Msg("renegotiation offer")
		}
		return
	}
	e.send(protocol.TypeRenegotiate, s.peer, SessionPayload{Reason: "negotiation needed"})
}

func (e *Engine) onTrack(s *Session, gen uint64, t media.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen {
		t.Stop()
		return
	}
	if s.remote.AddTrack(t) && e.opts.OnRemoteStream != nil {
		e.opts.OnRemoteStream(s.peer, s.remote)
	}
	log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Str("kind", string(t.Kind())).Str("track", t.ID()).Msg("remote track")
}

// RequestRenegotiation asks peer to re-run offer/answer with an ICE restart.
func (e *Engine) RequestRenegotiation(peer domain.ConnectionID, reason string) {
	if _, ok := e.lookup(peer); !ok {
		return
	}
	e.send(protocol.TypeRenegotiate, peer, SessionPayload{Reason: reason, ICERestart: true})
}

// Renegotiate sends a new offer with an ICE restart right away.
func (e *Engine) Renegotiate(peer domain.ConnectionID) error {
	s, ok := e.lookup(peer)
	if !ok {
		return domain.NotFound("renegotiate", domain.ErrNoPeerConnection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return domain.NotFound("renegotiate", domain.ErrNoPeerConnection)
	}
	return e.offerLocked(s, true)
}

// RemovePeer closes the peer's connection and forgets its session.
func (e *Engine) RemovePeer(peer domain.ConnectionID) {
	e.mu.Lock()
	s, ok := e.sessions[peer]
	delete(e.sessions, peer)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.closeSession(s)
}

func (e *Engine) closeSession(s *Session) {
	s.mu.Lock()
	s.stopTimersLocked()
	pc := s.detachLocked()
	remote := s.remote
	e.setStateLocked(s, Closed)
	s.mu.Unlock()

	remote.Stop()
	if pc != nil {
		closeQuietly(s.peer, pc)
	}
	log.Info().Str("module", "negotiation").Str("peer", string(s.peer)).Msg("session closed")
}

// Retry tears down the peer's connection and negotiates again.
func (e *Engine) Retry(peer domain.ConnectionID) {
	s, ok := e.lookup(peer)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
	if pc := s.detachLocked(); pc != nil {
		go closeQuietly(s.peer, pc)
	}
	s.retries = 0
	e.setStateLocked(s, Idle)
	e.restartLocked(s)
}

func (e *Engine) RetryAll() {
	for _, info := range e.Sessions() {
		e.Retry(info.Peer)
	}
}

// ReplaceLocalStream swaps the outgoing media on every connection.
func (e *Engine) ReplaceLocalStream(stream *media.Stream) {
	e.mu.Lock()
	e.local = stream
	sessions := slices.Collect(maps.Values(e.sessions))
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.pc != nil {
			if err := s.pc.ReplaceLocalStream(stream); err != nil {
				log.Error().Err(err).Str("module", "negotiation").Str("peer", string(s.peer)).Msg("replace local stream")
			}
		}
		s.mu.Unlock()
	}
}

func (e *Engine) State(peer domain.ConnectionID) (State, bool) {
	s, ok := e.lookup(peer)
	if !ok {
		return Idle, false
	}
	return s.State(), true
}

func (e *Engine) Sessions() []SessionInfo {
	e.mu.Lock()
	sessions := slices.Collect(maps.Values(e.sessions))
	e.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		switch {
		case a.Peer < b.Peer:
			return -1
		case a.Peer > b.Peer:
			return 1
		}
		return 0
	})
	return out
}

// Close removes every session; the Engine accepts no new peers afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	sessions := slices.Collect(maps.Values(e.sessions))
	e.sessions = make(map[domain.ConnectionID]*Session)
	e.mu.Unlock()

	for _, s := range sessions {
		e.closeSession(s)
	}
}

func closeQuietly(peer domain.ConnectionID, pc PeerConnection) {
	if err := pc.Close(); err != nil {
		log.Debug().Err(err).Str("module", "negotiation").Str("peer", string(peer)).Msg("close connection")
	}
}
