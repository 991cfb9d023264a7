package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

var errInvalidState = errors.New("invalid signaling state")

// fakePC models the signaling-state transitions of a native connection.
type fakePC struct {
	mu         sync.Mutex
	name       string
	h          Handlers
	state      webrtc.SignalingState
	remoteSet  bool
	closed     bool
	offers     int
	restarts   int
	rollbacks  int
	candidates []webrtc.ICECandidateInit
	local      *media.Stream
	failRemote bool
}

func (p *fakePC) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errInvalidState
	}
	p.offers++
	if iceRestart {
		p.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("%s-offer-%d", p.name, p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errInvalidState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.name + "-answer"}, nil
}

func (p *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.state = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveRemoteOffer:
		p.state = webrtc.SignalingStateStable
	default:
		return errInvalidState
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRemote {
		return errors.New("sdp rejected")
	}
	switch {
	case d.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveLocalOffer:
		p.state = webrtc.SignalingStateStable
	default:
		return errInvalidState
	}
	p.remoteSet = true
	return nil
}

func (p *fakePC) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveLocalOffer {
		return errInvalidState
	}
	p.rollbacks++
	p.state = webrtc.SignalingStateStable
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == 0 {
		return webrtc.SignalingStateStable
	}
	return p.state
}

func (p *fakePC) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

func (p *fakePC) ReplaceLocalStream(s *media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = s
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	name       string
	pcs        map[domain.ConnectionID][]*fakePC
	failRemote bool
}

func newFakeFactory(name string) *fakeFactory {
	return &fakeFactory{name: name, pcs: make(map[domain.ConnectionID][]*fakePC)}
}

func (f *fakeFactory) NewConnection(peer domain.ConnectionID, local *media.Stream, h Handlers) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{
		name:       fmt.Sprintf("%s-%d", f.name, len(f.pcs[peer])+1),
		h:          h,
		state:      webrtc.SignalingStateStable,
		local:      local,
		failRemote: f.failRemote,
	}
	f.pcs[peer] = append(f.pcs[peer], pc)
	return pc, nil
}

func (f *fakeFactory) count(peer domain.ConnectionID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs[peer])
}

func (f *fakeFactory) last(peer domain.ConnectionID) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	pcs := f.pcs[peer]
	if len(pcs) == 0 {
		return nil
	}
	return pcs[len(pcs)-1]
}

type sentSignal struct {
	Kind    protocol.Type
	To      domain.ConnectionID
	Payload SessionPayload
}

type fakeSignaler struct {
	mu    sync.Mutex
	queue []sentSignal
	all   []sentSignal
}

func (s *fakeSignaler) Send(kind protocol.Type, to domain.ConnectionID, p SessionPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := sentSignal{Kind: kind, To: to, Payload: p}
	s.queue = append(s.queue, m)
	s.all = append(s.all, m)
	return nil
}

func (s *fakeSignaler) drain() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *fakeSignaler) countOf(kind protocol.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.all {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

type peerNode struct {
	id      domain.ConnectionID
	engine  *Engine
	factory *fakeFactory
	out     *fakeSignaler
}

func newNode(id domain.ConnectionID, opts Options) *peerNode {
	n := &peerNode{id: id, factory: newFakeFactory(string(id)), out: &fakeSignaler{}}
	n.engine = NewEngine(id, n.factory, n.out, opts)
	return n
}

func toSignal(t *testing.T, from domain.ConnectionID, m sentSignal) protocol.Signal {
	t.Helper()
	raw, err := json.Marshal(m.Payload)
	require.NoError(t, err)
	return protocol.Signal{Kind: m.Kind, RoomID: "R1", TargetID: m.To, SenderID: from, SenderName: string(from), Payload: raw}
}

// pump delivers queued signals between the nodes until both queues are empty.
func pump(t *testing.T, nodes ...*peerNode) {
	t.Helper()
	byID := map[domain.ConnectionID]*peerNode{}
	for _, n := range nodes {
		byID[n.id] = n
	}
	for range 100 {
		moved := false
		for _, n := range nodes {
			for _, m := range n.out.drain() {
				moved = true
				target, ok := byID[m.To]
				require.True(t, ok, "unknown target %s", m.To)
				_ = target.engine.HandleSignal(toSignal(t, n.id, m))
			}
		}
		if !moved {
			return
		}
	}
	t.Fatal("signals did not settle")
}
