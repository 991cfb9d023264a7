package app

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	h := NewHub(NewRegistry())
	h.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	h.newID = func() string { return "msg-1" }
	return h
}

func serverErrorOf(t *testing.T, msgs []protocol.Message) protocol.ServerError {
	t.Helper()
	require.Len(t, msgs, 1)
	se, ok := msgs[0].(protocol.ServerError)
	require.True(t, ok, "got %T", msgs[0])
	return se
}

func TestHub_ScenarioJoinDisconnectLeave(t *testing.T) {
	h := newTestHub()

	// A: X joins R1 as Alice.
	outs := h.Handle("X", protocol.JoinRoom{RoomID: "R1", DisplayName: "Alice"})
	ack, ok := messagesFor(outs, "X")[0].(protocol.JoinSuccess)
	require.True(t, ok)
	assert.Equal(t, []domain.Member{{ID: "X", DisplayName: "Alice"}}, ack.Members)

	// B: Y joins as Bob, both see [Alice, Bob].
	outs = h.Handle("Y", protocol.JoinRoom{RoomID: "R1", DisplayName: "Bob"})
	for _, id := range []domain.ConnectionID{"X", "Y"} {
		var found bool
		for _, m := range messagesFor(outs, id) {
			if mj, ok := m.(protocol.MemberJoined); ok {
				found = true
				assert.Equal(t, []string{"Alice", "Bob"}, names(mj.Members))
			}
		}
		assert.True(t, found, "member-joined for %s", id)
	}

	// C: X drops without leave-room.
	outs = h.Disconnect("X", "read error")
	got := messagesFor(outs, "Y")
	require.Len(t, got, 1)
	ml := got[0].(protocol.MemberLeft)
	assert.Equal(t, domain.ConnectionID("X"), ml.MemberID)
	assert.Equal(t, []string{"Bob"}, names(ml.Members))
	_, ok = h.Registry.Members("R1")
	assert.True(t, ok, "room survives while non-empty")

	// D: Y leaves, room is gone, next join starts fresh.
	assert.Empty(t, h.Handle("Y", protocol.LeaveRoom{RoomID: "R1", DisplayName: "Bob"}))
	_, ok = h.Registry.Members("R1")
	assert.False(t, ok)

	outs = h.Handle("Z", protocol.JoinRoom{RoomID: "R1", DisplayName: "Carol"})
	ack = messagesFor(outs, "Z")[0].(protocol.JoinSuccess)
	assert.Equal(t, []string{"Carol"}, names(ack.Members))
}

func TestHub_GetRoomMembersExcludesCaller(t *testing.T) {
	h := newTestHub()
	h.Handle("X", protocol.JoinRoom{RoomID: "R1", DisplayName: "Alice"})
	h.Handle("Y", protocol.JoinRoom{RoomID: "R1", DisplayName: "Bob"})

	outs := h.Handle("X", protocol.GetRoomMembers{RoomID: "R1"})
	require.Len(t, outs, 1)
	resp := outs[0].Msg.(protocol.RoomMembers)
	assert.Equal(t, []string{"Bob"}, names(resp.Members))

	outs = h.Handle("X", protocol.GetRoomMembers{RoomID: "unknown"})
	assert.Empty(t, outs[0].Msg.(protocol.RoomMembers).Members)
}

func TestHub_MediaReadyBroadcastOnce(t *testing.T) {
	h := newTestHub()
	h.Handle("X", protocol.JoinRoom{RoomID: "R1", DisplayName: "Alice"})
	h.Handle("Y", protocol.JoinRoom{RoomID: "R1", DisplayName: "Bob"})

	outs := h.Handle("X", protocol.MediaReady{RoomID: "R1"})
	require.Len(t, outs, 1)
	assert.Equal(t, domain.ConnectionID("Y"), outs[0].To)
	mr := outs[0].Msg.(protocol.MediaReady)
	assert.Equal(t, domain.ConnectionID("X"), mr.SenderID)
	assert.Equal(t, "Alice", mr.SenderName)

	assert.Empty(t, h.Handle("X", protocol.MediaReady{RoomID: "R1"}), "duplicate suppressed")

	// Targeted announcements are never suppressed.
	outs = h.Handle("X", protocol.MediaReady{RoomID: "R1", TargetID: "Y"})
	require.Len(t, outs, 1)
	assert.Equal(t, domain.ConnectionID("Y"), outs[0].To)
}

func TestHub_MediaReadyFromOutsider(t *testing.T) {
	h := newTestHub()
	h.Handle("X", protocol.JoinRoom{RoomID: "R1", DisplayName: "Alice"})

	se := serverErrorOf(t, messagesFor(h.Handle("Q", protocol.MediaReady{RoomID: "R1"}), "Q"))
	assert.Equal(t, domain.KindNotFound, se.Code)
}

func TestHub_ChatFanout(t *testing.T) {
	h := newTestHub()
	h.Handle("X", protocol.JoinRoom{RoomID: "R1", DisplayName: "Alice"})
	h.Handle("Y", protocol.JoinRoom{RoomID: "R1", DisplayName: "Bob"})

	outs := h.Handle("X", protocol.SendMessage{RoomID: "R1", Text: "hi", Sender: "spoofed", Attachment: json.RawMessage(`{"name":"a.png"}`)})
	require.Len(t, outs, 2)
	for _, o := range outs {
		nm := o.Msg.(protocol.NewMessage)
		assert.Equal(t, "msg-1", nm.ID)
		assert.Equal(t, "Alice", nm.Sender)
		assert.Equal(t, "hi", nm.Text)
		assert.JSONEq(t, `{"name":"a.png"}`, string(nm.Attachment))
	}
}

func TestHub_PingAndUnknown(t *testing.T) {
	h := newTestHub()
	outs := h.Handle("X", protocol.Ping{})
	require.Len(t, outs, 1)
	assert.IsType(t, protocol.Pong{}, outs[0].Msg)

	se := serverErrorOf(t, messagesFor(h.Handle("X", protocol.Pong{}), "X"))
	assert.Equal(t, domain.KindInvalidInput, se.Code)
}

func TestHub_InvalidJoinKeepsConnectionUsable(t *testing.T) {
	h := newTestHub()
	se := serverErrorOf(t, messagesFor(h.Handle("X", protocol.JoinRoom{RoomID: "R1"}), "X"))
	assert.Equal(t, domain.KindInvalidInput, se.Code)
	assert.Contains(t, se.Message, "display name empty")

	outs := h.Handle("X", protocol.JoinRoom{RoomID: "R1", DisplayName: "Alice"})
	assert.IsType(t, protocol.JoinSuccess{}, outs[0].Msg)
}

func handleFrame(t *testing.T, h *Hub, conn domain.ConnectionID, frame string) []core.Outbound {
	t.Helper()
	msg, err := protocol.Decode([]byte(frame))
	require.NoError(t, err)
	return h.Handle(conn, msg)
}

func TestHub_PaddedRoomIDReachesSameRoom(t *testing.T) {
	h := newTestHub()
	handleFrame(t, h, "X", `{"type":"join-room","payload":{"roomId":" R1 ","displayName":"Alice"}}`)
	handleFrame(t, h, "Y", `{"type":"join-room","payload":{"roomId":"R1","displayName":"Bob"}}`)

	outs := handleFrame(t, h, "X", `{"type":"get-room-members","payload":{"roomId":"R1 "}}`)
	assert.Equal(t, []string{"Bob"}, names(outs[0].Msg.(protocol.RoomMembers).Members))

	outs = handleFrame(t, h, "X", `{"type":"media-ready","payload":{"roomId":" R1"}}`)
	require.Len(t, messagesFor(outs, "Y"), 1)

	outs = handleFrame(t, h, "X", `{"type":"send-message","payload":{"roomId":" R1 ","text":"hi"}}`)
	assert.Len(t, outs, 2)

	outs = handleFrame(t, h, "X", `{"type":"webrtc-offer","payload":{"roomId":" R1 ","targetId":"Y","payload":{"sdp":"v=0"}}}`)
	require.Len(t, messagesFor(outs, "Y"), 1)

	outs = handleFrame(t, h, "X", `{"type":"leave-room","payload":{"roomId":" R1 "}}`)
	ml := messagesFor(outs, "Y")[0].(protocol.MemberLeft)
	assert.Equal(t, []string{"Bob"}, names(ml.Members))
	_, ok := h.Registry.RoomOf("X")
	assert.False(t, ok)
}
