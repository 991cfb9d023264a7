package coordinator

import (
	"sync"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/dkeye/Huddle/internal/peer/negotiation"
	"github.com/dkeye/Huddle/internal/protocol"
)

type fakeChannel struct {
	in   chan protocol.Message
	done chan struct{}

	mu   sync.Mutex
	sent []protocol.Message
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan protocol.Message, 64), done: make(chan struct{})}
}

func (f *fakeChannel) Send(m protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeChannel) Incoming() <-chan protocol.Message { return f.in }

func (f *fakeChannel) Done() <-chan struct{} { return f.done }

func (f *fakeChannel) Sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

func (f *fakeChannel) ofType(t protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, m := range f.Sent() {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeNegotiator struct {
	self domain.ConnectionID
	sig  negotiation.Signaler
	opts negotiation.Options

	mu       sync.Mutex
	connects []domain.ConnectionID
	signals  []protocol.Signal
	removed  []domain.ConnectionID
	renegs   []domain.ConnectionID
	local    *media.Stream
	retries  int
	closed   bool
}

func (f *fakeNegotiator) Connect(m domain.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, m.ID)
}

func (f *fakeNegotiator) HandleSignal(s protocol.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
	return nil
}

func (f *fakeNegotiator) RemovePeer(id domain.ConnectionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

func (f *fakeNegotiator) RetryAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
}

func (f *fakeNegotiator) ReplaceLocalStream(s *media.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = s
}

func (f *fakeNegotiator) RequestRenegotiation(id domain.ConnectionID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renegs = append(f.renegs, id)
}

func (f *fakeNegotiator) Sessions() []negotiation.SessionInfo { return nil }

func (f *fakeNegotiator) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeNegotiator) Connects() []domain.ConnectionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ConnectionID(nil), f.connects...)
}

func (f *fakeNegotiator) Removed() []domain.ConnectionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ConnectionID(nil), f.removed...)
}

func (f *fakeNegotiator) Local() *media.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}
