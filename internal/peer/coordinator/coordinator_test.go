package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/health"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/dkeye/Huddle/internal/peer/media/mediatest"
	"github.com/dkeye/Huddle/internal/peer/negotiation"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = domain.Member{ID: "a1", DisplayName: "Alice"}
	bob   = domain.Member{ID: "b2", DisplayName: "Bob"}
	carol = domain.Member{ID: "c3", DisplayName: "Carol"}
	dave  = domain.Member{ID: "d4", DisplayName: "Dave"}
)

type harness struct {
	ch  *fakeChannel
	acq *mediatest.Acquirer
	c   *Coordinator

	mu  sync.Mutex
	neg *fakeNegotiator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{ch: newFakeChannel(), acq: &mediatest.Acquirer{}}
	if opts.Room == "" {
		opts.Room = "R1"
	}
	if opts.Name == "" {
		opts.Name = alice.DisplayName
	}
	if opts.Health.Interval == 0 {
		opts.Health.Interval = time.Hour
	}
	h.c = New(h.ch, h.acq, func(self domain.ConnectionID, sig negotiation.Signaler, o negotiation.Options) Negotiator {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.neg = &fakeNegotiator{self: self, sig: sig, opts: o}
		return h.neg
	}, opts)
	t.Cleanup(h.c.Leave)
	return h
}

func (h *harness) negotiator() *fakeNegotiator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.neg
}

func (h *harness) join(t *testing.T, members ...domain.Member) {
	t.Helper()
	h.ch.in <- protocol.JoinSuccess{RoomID: "R1", Self: alice, Members: append([]domain.Member{alice}, members...)}
	_, err := h.c.Join(context.Background())
	require.NoError(t, err)
}

func ready(id domain.ConnectionID, name string) protocol.MediaReady {
	return protocol.MediaReady{RoomID: "R1", SenderID: id, SenderName: name}
}

func TestJoin_Success(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, bob)

	joins := h.ch.ofType(protocol.TypeJoinRoom)
	require.Len(t, joins, 1)
	assert.Equal(t, protocol.JoinRoom{RoomID: "R1", DisplayName: "Alice"}, joins[0])
	assert.Equal(t, alice, h.c.Self())
	assert.Equal(t, []domain.Member{bob}, h.c.Members())
	assert.Equal(t, alice.ID, h.negotiator().self)
}

func TestJoin_Timeout(t *testing.T) {
	h := newHarness(t, Options{JoinTimeout: 30 * time.Millisecond})
	_, err := h.c.Join(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
	assert.ErrorIs(t, err, domain.ErrJoinTimeout)
}

func TestJoin_ServerError(t *testing.T) {
	h := newHarness(t, Options{})
	h.ch.in <- protocol.ServerError{Code: domain.KindInvalidInput, Message: "too many join attempts"}
	_, err := h.c.Join(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestJoin_InvalidNameNotSent(t *testing.T) {
	h := newHarness(t, Options{Name: "   "})
	_, err := h.c.Join(context.Background())
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
	assert.Empty(t, h.ch.Sent())
}

func TestJoin_ChannelClosed(t *testing.T) {
	h := newHarness(t, Options{})
	close(h.ch.done)
	_, err := h.c.Join(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Equal(t, domain.KindTransportFailure, domain.KindOf(err))
}

func TestLocalMedia_AnnouncedOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, bob)

	first := media.NewStream("s1", mediatest.NewTrack("a", media.KindAudio))
	second := media.NewStream("s2", mediatest.NewTrack("a2", media.KindAudio))
	h.c.SetLocalMedia(first)
	h.c.SetLocalMedia(second)

	readies := h.ch.ofType(protocol.TypeMediaReady)
	require.Len(t, readies, 1)
	assert.Equal(t, protocol.MediaReady{RoomID: "R1"}, readies[0])
	assert.Len(t, h.ch.ofType(protocol.TypeGetRoomMembers), 1)
	assert.Same(t, second, h.negotiator().Local())
	assert.Empty(t, h.negotiator().Connects(), "bob has not announced media")
}

func TestLocalMedia_BeforeJoinAnnouncedAfter(t *testing.T) {
	h := newHarness(t, Options{})
	stream := media.NewStream("s1", mediatest.NewTrack("a", media.KindAudio))
	h.c.SetLocalMedia(stream)
	assert.Empty(t, h.ch.ofType(protocol.TypeMediaReady))

	h.join(t)
	assert.Len(t, h.ch.ofType(protocol.TypeMediaReady), 1)
	assert.Same(t, stream, h.negotiator().Local())
}

func TestPeerReadyBeforeLocal_Deferred(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, bob)

	h.c.Handle(ready(bob.ID, bob.DisplayName))
	assert.Empty(t, h.negotiator().Connects())

	require.NoError(t, h.c.AcquireLocalMedia(context.Background()))
	assert.Equal(t, []domain.ConnectionID{bob.ID}, h.negotiator().Connects())

	h.c.Handle(ready(bob.ID, bob.DisplayName))
	assert.Len(t, h.negotiator().Connects(), 1, "one attempt per peer")
}

func TestPeerReadyAfterLocal_ConnectsNow(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, bob)
	h.c.SetLocalMedia(media.NewStream("s1"))

	h.c.Handle(ready(bob.ID, bob.DisplayName))
	assert.Equal(t, []domain.ConnectionID{bob.ID}, h.negotiator().Connects())
}

func TestOwnMediaReadyIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t)
	h.c.SetLocalMedia(media.NewStream("s1"))
	h.c.Handle(ready(alice.ID, alice.DisplayName))
	assert.Empty(t, h.negotiator().Connects())
}

func TestMemberJoined_TargetedReadyToNewcomer(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t)

	h.c.Handle(protocol.MemberJoined{RoomID: "R1", Member: bob, Members: []domain.Member{alice, bob}})
	assert.Empty(t, h.ch.ofType(protocol.TypeMediaReady), "nothing to announce yet")

	h.c.SetLocalMedia(media.NewStream("s1"))
	h.c.Handle(protocol.MemberJoined{RoomID: "R1", Member: carol, Members: []domain.Member{alice, bob, carol}})

	readies := h.ch.ofType(protocol.TypeMediaReady)
	require.Len(t, readies, 2)
	assert.Equal(t, protocol.MediaReady{RoomID: "R1", TargetID: carol.ID}, readies[1])
	assert.Empty(t, h.negotiator().Connects())

	h.c.Handle(ready(carol.ID, carol.DisplayName))
	assert.Equal(t, []domain.ConnectionID{carol.ID}, h.negotiator().Connects())
}

func TestRoomMembers_StaggeredConnects(t *testing.T) {
	h := newHarness(t, Options{StaggerDelay: 20 * time.Millisecond})
	h.join(t, bob, carol, dave)
	for _, m := range []domain.Member{bob, carol, dave} {
		h.c.Handle(ready(m.ID, m.DisplayName))
	}

	h.c.SetLocalMedia(media.NewStream("s1"))
	assert.Equal(t, []domain.ConnectionID{bob.ID}, h.negotiator().Connects())

	require.Eventually(t, func() bool {
		return len(h.negotiator().Connects()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.ConnectionID{bob.ID, carol.ID, dave.ID}, h.negotiator().Connects())

	h.c.Handle(protocol.RoomMembers{RoomID: "R1", Members: []domain.Member{bob, carol, dave}})
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.negotiator().Connects(), 3)
}

func TestMemberLeft_TearsDownPeer(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, bob)
	h.c.SetLocalMedia(media.NewStream("s1"))
	h.c.Handle(ready(bob.ID, bob.DisplayName))

	h.c.Handle(protocol.MemberLeft{RoomID: "R1", MemberID: bob.ID, DisplayName: bob.DisplayName, Members: []domain.Member{alice}})
	assert.Equal(t, []domain.ConnectionID{bob.ID}, h.negotiator().Removed())
	assert.Empty(t, h.c.Members())
	assert.False(t, h.negotiator().opts.IsMember(bob.ID))

	h.c.Handle(protocol.MemberJoined{RoomID: "R1", Member: bob, Members: []domain.Member{alice, bob}})
	h.c.Handle(ready(bob.ID, bob.DisplayName))
	assert.Equal(t, []domain.ConnectionID{bob.ID, bob.ID}, h.negotiator().Connects())
}

func TestPresence_StaleMemberListIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.ch.in <- protocol.JoinSuccess{RoomID: "R1", Self: alice, Members: []domain.Member{alice, bob}, Version: 4}
	_, err := h.c.Join(context.Background())
	require.NoError(t, err)
	h.c.SetLocalMedia(media.NewStream("s1"))

	h.c.Handle(protocol.MemberJoined{RoomID: "R1", Member: carol, Members: []domain.Member{alice, bob, carol}, Version: 6})
	h.c.Handle(ready(carol.ID, carol.DisplayName))
	require.Equal(t, []domain.ConnectionID{carol.ID}, h.negotiator().Connects())

	// The join of bob, delivered after carol's.
	h.c.Handle(protocol.MemberJoined{RoomID: "R1", Member: bob, Members: []domain.Member{alice, bob}, Version: 5})
	assert.Empty(t, h.negotiator().Removed())
	assert.Equal(t, []domain.Member{bob, carol}, h.c.Members())

	h.c.Handle(protocol.MemberLeft{RoomID: "R1", MemberID: carol.ID, DisplayName: carol.DisplayName, Members: []domain.Member{alice, bob}, Version: 7})
	assert.Equal(t, []domain.ConnectionID{carol.ID}, h.negotiator().Removed())
}

func TestSignals_ForwardedAndAddressed(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, bob)

	sig := protocol.Signal{Kind: protocol.TypeOffer, RoomID: "R1", TargetID: alice.ID, SenderID: bob.ID, Payload: json.RawMessage(`{}`)}
	h.c.Handle(sig)
	neg := h.negotiator()
	require.Len(t, neg.signals, 1)
	assert.Equal(t, sig, neg.signals[0])

	require.NoError(t, neg.sig.Send(protocol.TypeAnswer, bob.ID, negotiation.SessionPayload{Reason: "x"}))
	out := h.ch.ofType(protocol.TypeAnswer)
	require.Len(t, out, 1)
	got := out[0].(protocol.Signal)
	assert.Equal(t, domain.RoomID("R1"), got.RoomID)
	assert.Equal(t, bob.ID, got.TargetID)
	assert.JSONEq(t, `{"reason":"x"}`, string(got.Payload))
}

func TestAcquireFailure_UserMessage(t *testing.T) {
	var (
		mu  sync.Mutex
		msg string
	)
	h := newHarness(t, Options{OnMediaError: func(_ error, m string) {
		mu.Lock()
		defer mu.Unlock()
		msg = m
	}})
	h.acq.Err = media.AcquisitionFailure("acquire", media.CausePermissionDenied, errors.New("denied"))
	h.join(t)

	err := h.c.AcquireLocalMedia(context.Background())
	assert.Equal(t, domain.KindMediaAcquisitionFailure, domain.KindOf(err))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, media.CausePermissionDenied.UserMessage(), msg)
	assert.Empty(t, h.ch.ofType(protocol.TypeMediaReady))
}

func TestLocalUnhealthy_Reacquires(t *testing.T) {
	h := newHarness(t, Options{Health: healthFast()})
	h.join(t)
	require.NoError(t, h.c.AcquireLocalMedia(context.Background()))
	old := h.negotiator().Local()
	old.Stop()

	require.Eventually(t, func() bool {
		return h.acq.Calls() >= 2 && h.negotiator().Local() != old
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.ch.ofType(protocol.TypeMediaReady), 1, "re-acquisition is not a new announcement")
}

func TestLocalUnhealthy_EscalatesAfterRepeatedFailures(t *testing.T) {
	escalated := make(chan string, 1)
	h := newHarness(t, Options{
		Health:               healthFast(),
		MaxReacquireFailures: 2,
		OnMediaError: func(_ error, m string) {
			select {
			case escalated <- m:
			default:
			}
		},
	})
	h.join(t)
	require.NoError(t, h.c.AcquireLocalMedia(context.Background()))
	h.acq.Err = media.AcquisitionFailure("acquire", media.CauseDeviceBusy, errors.New("busy"))
	h.negotiator().Local().Stop()

	select {
	case m := <-escalated:
		assert.Equal(t, media.CauseDeviceBusy.UserMessage(), m)
	case <-time.After(3 * time.Second):
		t.Fatal("no escalation")
	}
}

func TestRemoteUnhealthy_RequestsRenegotiation(t *testing.T) {
	h := newHarness(t, Options{Health: healthFast()})
	h.join(t, bob)

	track := mediatest.NewTrack("rv", media.KindVideo)
	track.SetMuted(true)
	neg := h.negotiator()
	neg.opts.OnRemoteStream(bob.ID, media.NewStream("remote", track))

	require.Eventually(t, func() bool {
		neg.mu.Lock()
		defer neg.mu.Unlock()
		return len(neg.renegs) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.acq.Calls(), "remote trouble never re-acquires local media")
}

func TestStallWatchdog(t *testing.T) {
	var (
		mu     sync.Mutex
		stalls int
	)
	h := newHarness(t, Options{StallAfter: time.Second, OnStall: func() {
		mu.Lock()
		defer mu.Unlock()
		stalls++
	}})
	h.join(t, bob)
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return stalls
	}

	t0 := time.Unix(1000, 0)
	h.c.checkStall(t0)
	h.c.checkStall(t0.Add(500 * time.Millisecond))
	assert.Equal(t, 0, count())
	h.c.checkStall(t0.Add(time.Second))
	assert.Equal(t, 1, count())

	h.negotiator().opts.OnStateChange(bob.ID, negotiation.Connected)
	h.c.checkStall(t0.Add(5 * time.Second))
	assert.Equal(t, 1, count())

	h.negotiator().opts.OnStateChange(bob.ID, negotiation.Failed)
	h.c.checkStall(t0.Add(6 * time.Second))
	h.c.checkStall(t0.Add(7 * time.Second))
	assert.Equal(t, 2, count())
}

func TestStallWatchdog_EmptyRoomNeverStalls(t *testing.T) {
	called := false
	h := newHarness(t, Options{StallAfter: time.Second, OnStall: func() { called = true }})
	h.join(t)
	t0 := time.Unix(1000, 0)
	h.c.checkStall(t0)
	h.c.checkStall(t0.Add(10 * time.Second))
	assert.False(t, called)
}

func TestRetryConnections(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, bob)
	h.c.RetryConnections()
	neg := h.negotiator()
	neg.mu.Lock()
	defer neg.mu.Unlock()
	assert.Equal(t, 1, neg.retries)
}

func TestChat(t *testing.T) {
	var got []protocol.NewMessage
	h := newHarness(t, Options{OnChat: func(m protocol.NewMessage) { got = append(got, m) }})
	require.ErrorIs(t, h.c.SendChat("early"), ErrNotJoined)
	h.join(t)

	require.NoError(t, h.c.SendChat("hello"))
	sent := h.ch.ofType(protocol.TypeSendMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.SendMessage{RoomID: "R1", Text: "hello", Sender: "Alice"}, sent[0])

	h.c.Handle(protocol.NewMessage{ID: "m1", RoomID: "R1", SenderID: bob.ID, Sender: "Bob", Text: "hi"})
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Text)
}

func TestLeave_Idempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t, bob)
	stream := media.NewStream("s1", mediatest.NewTrack("a", media.KindAudio))
	h.c.SetLocalMedia(stream)

	h.c.Leave()
	h.c.Leave()

	leaves := h.ch.ofType(protocol.TypeLeaveRoom)
	require.Len(t, leaves, 1)
	assert.Equal(t, protocol.LeaveRoom{RoomID: "R1", DisplayName: "Alice"}, leaves[0])
	assert.True(t, h.negotiator().closed)
	track, _ := stream.TrackOf(media.KindAudio)
	assert.Equal(t, media.Ended, track.ReadyState())

	h.c.Handle(ready(bob.ID, bob.DisplayName))
	assert.Empty(t, h.negotiator().Connects())
}

func TestRun_DispatchesUntilChannelCloses(t *testing.T) {
	h := newHarness(t, Options{})
	h.join(t)

	errc := make(chan error, 1)
	go func() { errc <- h.c.Run(context.Background()) }()

	h.ch.in <- protocol.MemberJoined{RoomID: "R1", Member: bob, Members: []domain.Member{alice, bob}}
	require.Eventually(t, func() bool { return len(h.c.Members()) == 1 }, time.Second, 5*time.Millisecond)

	close(h.ch.done)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func healthFast() health.Options {
	return health.Options{Interval: 10 * time.Millisecond, Threshold: 2}
}
