// Package coordinator decides when the client negotiates with each room
// member: only once local media is ready and the member has announced its
// own readiness.
package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/health"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/dkeye/Huddle/internal/peer/negotiation"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrChannelClosed = errors.New("signaling channel closed")
	ErrNotJoined     = errors.New("not in a room")
)

// Channel is the client end of the signaling connection.
type Channel interface {
	Send(protocol.Message) error
	Incoming() <-chan protocol.Message
	Done() <-chan struct{}
}

// Negotiator is the part of negotiation.Engine the coordinator drives.
type Negotiator interface {
	Connect(domain.Member)
	HandleSignal(protocol.Signal) error
	RemovePeer(domain.ConnectionID)
	RetryAll()
	ReplaceLocalStream(*media.Stream)
	RequestRenegotiation(domain.ConnectionID, string)
	Sessions() []negotiation.SessionInfo
	Close()
}

// NegotiatorFactory builds the negotiator once the server has assigned our
// connection id.
type NegotiatorFactory func(self domain.ConnectionID, signaler negotiation.Signaler, opts negotiation.Options) Negotiator

type Options struct {
	Room        string
	Name        string
	Constraints media.Constraints

	JoinTimeout  time.Duration
	StaggerDelay time.Duration
	// StallAfter is how long the room may have members but no connected
	// peer before OnStall fires. Zero disables the watchdog.
	StallAfter time.Duration
	// MaxReacquireFailures consecutive failed re-acquisitions escalate
	// to OnMediaError.
	MaxReacquireFailures int

	Negotiation negotiation.Options
	Health      health.Options

	OnMembers       func(self domain.Member, others []domain.Member)
	OnPeerState     func(peer domain.ConnectionID, s negotiation.State)
	OnRemoteStream  func(peer domain.ConnectionID, s *media.Stream)
	OnTracksChanged func(peer domain.ConnectionID)
	OnChat          func(protocol.NewMessage)
	OnServerError   func(protocol.ServerError)
	OnMediaError    func(err error, userMessage string)
	OnPeerGiveUp    func(peer domain.ConnectionID, err error)
	OnStall         func()
}

func (o Options) withDefaults() Options {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.StaggerDelay < 0 {
		o.StaggerDelay = 0
	}
	if o.MaxReacquireFailures <= 0 {
		o.MaxReacquireFailures = 3
	}
	if !o.Constraints.Audio && !o.Constraints.Video {
		o.Constraints = media.Constraints{Audio: true, Video: true}
	}
	return o
}

// Coordinator never calls the negotiator while holding mu: negotiator
// callbacks come back into the coordinator with a session locked.
type Coordinator struct {
	ch            Channel
	acquirer      media.Acquirer
	newNegotiator NegotiatorFactory
	opts          Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	room       domain.RoomID
	self       domain.Member
	joined     bool
	left       bool
	members    []domain.Member
	version    uint64
	peerReady  map[domain.ConnectionID]bool
	attempted  map[domain.ConnectionID]bool
	local      *media.Stream
	localReady bool
	announced  bool
	engine     Negotiator
	monitor    *health.Monitor

	stateMu    sync.Mutex
	peerStates map[domain.ConnectionID]negotiation.State
	stallSince time.Time

	reacquiring       atomic.Bool
	reacquireFailures atomic.Int32
}

func New(ch Channel, acquirer media.Acquirer, newNegotiator NegotiatorFactory, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ch:            ch,
		acquirer:      acquirer,
		newNegotiator: newNegotiator,
		opts:          opts.withDefaults(),
		ctx:           ctx,
		cancel:        cancel,
		peerReady:     make(map[domain.ConnectionID]bool),
		attempted:     make(map[domain.ConnectionID]bool),
		peerStates:    make(map[domain.ConnectionID]negotiation.State),
	}
}

// Join asks the server for membership and waits for the acknowledgement.
func (c *Coordinator) Join(ctx context.Context) (protocol.JoinSuccess, error) {
	room, err := domain.NormalizeRoomID(c.opts.Room)
	if err != nil {
		return protocol.JoinSuccess{}, domain.InvalidInput("join", err)
	}
	name, err := domain.NormalizeDisplayName(c.opts.Name)
	if err != nil {
		return protocol.JoinSuccess{}, domain.InvalidInput("join", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.JoinTimeout)
	defer cancel()

	if err := c.ch.Send(protocol.JoinRoom{RoomID: room, DisplayName: name}); err != nil {
		return protocol.JoinSuccess{}, domain.NewError(domain.KindTransportFailure, "join", err)
	}
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return protocol.JoinSuccess{}, domain.NewError(domain.KindTimeout, "join", domain.ErrJoinTimeout)
			}
			return protocol.JoinSuccess{}, ctx.Err()
		case <-c.ch.Done():
			return protocol.JoinSuccess{}, domain.NewError(domain.KindTransportFailure, "join", ErrChannelClosed)
		case m, ok := <-c.ch.Incoming():
			if !ok {
				return protocol.JoinSuccess{}, domain.NewError(domain.KindTransportFailure, "join", ErrChannelClosed)
			}
			switch m := m.(type) {
			case protocol.JoinSuccess:
				c.onJoined(m)
				return m, nil
			case protocol.ServerError:
				return protocol.JoinSuccess{}, domain.NewError(m.Code, "join", errors.New(m.Message))
			default:
				log.Debug().Str("module", "coordinator").Str("type", string(m.Type())).Msg("ignored before join")
			}
		}
	}
}

func (c *Coordinator) onJoined(m protocol.JoinSuccess) {
	c.mu.Lock()
	c.room = m.RoomID
	c.self = m.Self
	c.joined = true
	c.version = m.Version
	c.setMembersLocked(m.Members)

	sig := roomSignaler{ch: c.ch, room: m.RoomID}
	c.engine = c.newNegotiator(m.Self.ID, sig, c.negotiationOptions())
	c.monitor = health.NewMonitor(c.ctx, c.healthOptions())

	eng, mon, local := c.engine, c.monitor, c.local
	announce, ready := c.announceLocked()
	self, others := c.self, slices.Clone(c.members)
	c.mu.Unlock()

	log.Info().Str("module", "coordinator").Str("room", string(m.RoomID)).Str("self", string(m.Self.ID)).
		Int("members", len(m.Members)).Msg("joined")

	if local != nil {
		eng.ReplaceLocalStream(local)
		mon.WatchLocal(local)
	}
	if announce {
		c.announce(ready)
	}
	c.notifyMembers(self, others)
}

func (c *Coordinator) negotiationOptions() negotiation.Options {
	opts := c.opts.Negotiation
	opts.IsMember = c.IsMember
	opts.OnStateChange = func(peer domain.ConnectionID, s negotiation.State) {
		c.stateMu.Lock()
		if s == negotiation.Closed {
			delete(c.peerStates, peer)
		} else {
			c.peerStates[peer] = s
		}
		c.stateMu.Unlock()
		if c.opts.OnPeerState != nil {
			c.opts.OnPeerState(peer, s)
		}
	}
	opts.OnRemoteStream = func(peer domain.ConnectionID, s *media.Stream) {
		c.mu.Lock()
		mon := c.monitor
		c.mu.Unlock()
		if mon != nil {
			mon.WatchRemote(peer, s)
		}
		if c.opts.OnRemoteStream != nil {
			c.opts.OnRemoteStream(peer, s)
		}
	}
	opts.OnGiveUp = func(peer domain.ConnectionID, err error) {
		if c.opts.OnPeerGiveUp != nil {
			c.opts.OnPeerGiveUp(peer, err)
		}
	}
	return opts
}

func (c *Coordinator) healthOptions() health.Options {
	opts := c.opts.Health
	opts.OnTracksChanged = c.opts.OnTracksChanged
	opts.OnLocalUnhealthy = func() {
		go c.reacquire()
	}
	opts.OnRemoteUnhealthy = func(peer domain.ConnectionID) {
		c.mu.Lock()
		eng := c.engine
		c.mu.Unlock()
		if eng != nil {
			eng.RequestRenegotiation(peer, "remote media unhealthy")
		}
	}
	return opts
}

// Run handles server messages until ctx ends or the channel closes.
func (c *Coordinator) Run(ctx context.Context) error {
	var stall <-chan time.Time
	if c.opts.StallAfter > 0 {
		t := time.NewTicker(c.opts.StallAfter / 4)
		defer t.Stop()
		stall = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return nil
		case <-c.ch.Done():
			return ErrChannelClosed
		case m, ok := <-c.ch.Incoming():
			if !ok {
				return ErrChannelClosed
			}
			c.Handle(m)
		case now := <-stall:
			c.checkStall(now)
		}
	}
}

// Handle applies one server message.
func (c *Coordinator) Handle(m protocol.Message) {
	switch m := m.(type) {
	case protocol.JoinSuccess:
		c.onPresence(m.Members, m.Version)
	case protocol.MemberJoined:
		c.onMemberJoined(m)
	case protocol.MemberLeft:
		log.Info().Str("module", "coordinator").Str("peer", string(m.MemberID)).Str("name", m.DisplayName).Msg("member left")
		c.onPresence(m.Members, m.Version)
	case protocol.RoomMembers:
		c.onRoomMembers(m)
	case protocol.MediaReady:
		c.onMediaReady(m)
	case protocol.Signal:
		c.onSignal(m)
	case protocol.NewMessage:
		if c.opts.OnChat != nil {
			c.opts.OnChat(m)
		}
	case protocol.ServerError:
		log.Warn().Str("module", "coordinator").Str("code", string(m.Code)).Str("message", m.Message).Msg("server error")
		if c.opts.OnServerError != nil {
			c.opts.OnServerError(m)
		}
	case protocol.Pong:
	default:
		log.Debug().Str("module", "coordinator").Str("type", string(m.Type())).Msg("unhandled message")
	}
}

func (c *Coordinator) onMemberJoined(m protocol.MemberJoined) {
	c.mu.Lock()
	self, room, announced := c.self.ID, c.room, c.announced
	c.mu.Unlock()

	if m.Member.ID != self {
		log.Info().Str("module", "coordinator").Str("peer", string(m.Member.ID)).Str("name", m.Member.DisplayName).Msg("member joined")
		if announced {
			// The server announces media-ready once per membership, so a
			// newcomer learns about us only from this targeted notice.
			c.send(protocol.MediaReady{RoomID: room, TargetID: m.Member.ID})
		}
	}
	c.onPresence(m.Members, m.Version)
}

func (c *Coordinator) onRoomMembers(m protocol.RoomMembers) {
	c.onPresence(m.Members, m.Version)

	c.mu.Lock()
	ready := c.readyPeersLocked()
	c.mu.Unlock()
	c.staggerConnect(ready)
}

// onPresence replaces the member list and tears down peers that are gone.
// A list older than the one already applied is dropped.
func (c *Coordinator) onPresence(members []domain.Member, version uint64) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	if version != 0 && version < c.version {
		c.mu.Unlock()
		log.Debug().Str("module", "coordinator").Uint64("version", version).Msg("stale member list dropped")
		return
	}
	if version > c.version {
		c.version = version
	}
	gone := c.setMembersLocked(members)
	eng, mon := c.engine, c.monitor
	self, others := c.self, slices.Clone(c.members)
	c.mu.Unlock()

	for _, id := range gone {
		if eng != nil {
			eng.RemovePeer(id)
		}
		if mon != nil {
			mon.StopRemote(id)
		}
	}
	c.notifyMembers(self, others)
}

func (c *Coordinator) setMembersLocked(members []domain.Member) []domain.ConnectionID {
	next := make([]domain.Member, 0, len(members))
	for _, m := range members {
		if m.ID != c.self.ID {
			next = append(next, m)
		}
	}
	var gone []domain.ConnectionID
	for _, old := range c.members {
		if !slices.ContainsFunc(next, func(m domain.Member) bool { return m.ID == old.ID }) {
			gone = append(gone, old.ID)
			delete(c.peerReady, old.ID)
			delete(c.attempted, old.ID)
		}
	}
	c.members = next
	return gone
}

func (c *Coordinator) memberLocked(id domain.ConnectionID) (domain.Member, bool) {
	i := slices.IndexFunc(c.members, func(m domain.Member) bool { return m.ID == id })
	if i < 0 {
		return domain.Member{}, false
	}
	return c.members[i], true
}

func (c *Coordinator) onMediaReady(m protocol.MediaReady) {
	c.mu.Lock()
	if !c.joined || m.SenderID == "" || m.SenderID == c.self.ID {
		c.mu.Unlock()
		return
	}
	if _, ok := c.memberLocked(m.SenderID); !ok {
		c.members = append(c.members, domain.Member{ID: m.SenderID, DisplayName: m.SenderName})
	}
	c.peerReady[m.SenderID] = true
	localReady := c.localReady
	c.mu.Unlock()

	if !localReady {
		log.Debug().Str("module", "coordinator").Str("peer", string(m.SenderID)).Msg("peer ready, waiting for local media")
		return
	}
	c.connect(m.SenderID)
}

func (c *Coordinator) onSignal(sig protocol.Signal) {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		return
	}
	if err := eng.HandleSignal(sig); err != nil {
		log.Warn().Err(err).Str("module", "coordinator").Str("peer", string(sig.SenderID)).Str("type", string(sig.Kind)).Msg("signal not applied")
	}
}

// SetLocalMedia makes stream the outgoing media. The first call announces
// readiness to the room and connects to every member already ready.
func (c *Coordinator) SetLocalMedia(stream *media.Stream) {
	c.mu.Lock()
	c.local = stream
	c.localReady = true
	eng, mon := c.engine, c.monitor
	announce, ready := c.announceLocked()
	c.mu.Unlock()

	if eng != nil {
		eng.ReplaceLocalStream(stream)
	}
	if mon != nil {
		mon.WatchLocal(stream)
	}
	if announce {
		c.announce(ready)
	}
}

// AcquireLocalMedia opens capture devices with the configured constraints.
func (c *Coordinator) AcquireLocalMedia(ctx context.Context) error {
	stream, err := c.acquirer.Acquire(ctx, c.opts.Constraints)
	if err != nil {
		log.Error().Err(err).Str("module", "coordinator").Msg("acquire local media")
		if c.opts.OnMediaError != nil {
			c.opts.OnMediaError(err, media.UserMessage(err))
		}
		return err
	}
	c.SetLocalMedia(stream)
	return nil
}

func (c *Coordinator) announceLocked() (bool, []domain.Member) {
	if !c.joined || !c.localReady || c.announced {
		return false, nil
	}
	c.announced = true
	return true, c.readyPeersLocked()
}

func (c *Coordinator) announce(ready []domain.Member) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()

	c.send(protocol.MediaReady{RoomID: room})
	c.send(protocol.GetRoomMembers{RoomID: room})
	c.staggerConnect(ready)
}

func (c *Coordinator) readyPeersLocked() []domain.Member {
	var out []domain.Member
	for _, m := range c.members {
		if c.peerReady[m.ID] && !c.attempted[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// staggerConnect spreads connection attempts StaggerDelay apart.
func (c *Coordinator) staggerConnect(peers []domain.Member) {
	for i, m := range peers {
		if i == 0 || c.opts.StaggerDelay == 0 {
			c.connect(m.ID)
			continue
		}
		id := m.ID
		time.AfterFunc(time.Duration(i)*c.opts.StaggerDelay, func() { c.connect(id) })
	}
}

func (c *Coordinator) connect(id domain.ConnectionID) {
	c.mu.Lock()
	if c.left || !c.localReady || c.attempted[id] {
		c.mu.Unlock()
		return
	}
	m, ok := c.memberLocked(id)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.attempted[id] = true
	eng := c.engine
	c.mu.Unlock()

	if eng == nil {
		return
	}
	log.Info().Str("module", "coordinator").Str("peer", string(id)).Str("name", m.DisplayName).Msg("connecting")
	eng.Connect(m)
}

// reacquire replaces a local stream that stayed unhealthy.
func (c *Coordinator) reacquire() {
	if !c.reacquiring.CompareAndSwap(false, true) {
		return
	}
	defer c.reacquiring.Store(false)

	c.mu.Lock()
	old := c.local
	left := c.left
	c.mu.Unlock()
	if left {
		return
	}

	log.Warn().Str("module", "coordinator").Msg("re-acquiring local media")
	if old != nil {
		old.Stop()
	}
	stream, err := c.acquirer.Acquire(c.ctx, c.opts.Constraints)
	if err != nil {
		n := int(c.reacquireFailures.Add(1))
		log.Error().Err(err).Str("module", "coordinator").Int("failures", n).Msg("re-acquire local media")
		if n >= c.opts.MaxReacquireFailures && c.opts.OnMediaError != nil {
			c.opts.OnMediaError(err, media.UserMessage(err))
		}
		return
	}
	c.reacquireFailures.Store(0)
	c.SetLocalMedia(stream)
}

// SetTrackEnabled is the user's local mute or camera switch.
func (c *Coordinator) SetTrackEnabled(kind media.Kind, enabled bool) {
	c.mu.Lock()
	mon, local := c.monitor, c.local
	c.mu.Unlock()
	if mon != nil {
		mon.SetLocalTrackEnabled(kind, enabled)
		return
	}
	if local != nil {
		if t, ok := local.TrackOf(kind); ok {
			t.SetEnabled(enabled)
		}
	}
}

// RetryConnections tears down and restarts every negotiation.
func (c *Coordinator) RetryConnections() {
	c.mu.Lock()
	eng := c.engine
	ready := c.readyPeersLocked()
	c.mu.Unlock()
	if eng == nil {
		return
	}
	log.Info().Str("module", "coordinator").Msg("retrying all connections")
	eng.RetryAll()
	c.staggerConnect(ready)
}

func (c *Coordinator) SendChat(text string) error {
	c.mu.Lock()
	room, name, joined := c.room, c.self.DisplayName, c.joined
	c.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	return c.ch.Send(protocol.SendMessage{RoomID: room, Text: text, Sender: name})
}

func (c *Coordinator) checkStall(now time.Time) {
	c.mu.Lock()
	others := len(c.members)
	c.mu.Unlock()

	c.stateMu.Lock()
	connected := 0
	for _, s := range c.peerStates {
		if s == negotiation.Connected {
			connected++
		}
	}
	fire := false
	switch {
	case others == 0 || connected > 0:
		c.stallSince = time.Time{}
	case c.stallSince.IsZero():
		c.stallSince = now
	case now.Sub(c.stallSince) >= c.opts.StallAfter:
		c.stallSince = now
		fire = true
	}
	c.stateMu.Unlock()

	if fire {
		log.Warn().Str("module", "coordinator").Int("members", others).Msg("no connected peers")
		if c.opts.OnStall != nil {
			c.opts.OnStall()
		}
	}
}

// Leave tells the server we are going and releases local resources. The
// server cleans up on disconnect too, so a failed send is only logged.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.left = true
	joined, room, name := c.joined, c.room, c.self.DisplayName
	eng, mon, local := c.engine, c.monitor, c.local
	c.mu.Unlock()

	if joined {
		c.send(protocol.LeaveRoom{RoomID: room, DisplayName: name})
	}
	c.cancel()
	if mon != nil {
		mon.Close()
	}
	if eng != nil {
		eng.Close()
	}
	if local != nil {
		local.Stop()
	}
	log.Info().Str("module", "coordinator").Str("room", string(room)).Msg("left")
}

func (c *Coordinator) IsMember(id domain.ConnectionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.memberLocked(id)
	return ok
}

// Members returns the other members in join order.
func (c *Coordinator) Members() []domain.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.members)
}

func (c *Coordinator) Self() domain.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Coordinator) Sessions() []negotiation.SessionInfo {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.Sessions()
}

func (c *Coordinator) send(m protocol.Message) {
	if err := c.ch.Send(m); err != nil {
		log.Warn().Err(err).Str("module", "coordinator").Str("type", string(m.Type())).Msg("send failed")
	}
}

func (c *Coordinator) notifyMembers(self domain.Member, others []domain.Member) {
	if c.opts.OnMembers != nil {
		c.opts.OnMembers(self, others)
	}
}
