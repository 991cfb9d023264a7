// Package protocol defines the closed set of signaling messages exchanged
// between clients and the room server. Every message travels as
// {"type": "...", "payload": {...}} and is validated at the boundary.
package protocol

type Type string

const (
	TypeJoinRoom           Type = "join-room"
	TypeJoinSuccess        Type = "join-success"
	TypeMemberJoined       Type = "member-joined"
	TypeLeaveRoom          Type = "leave-room"
	TypeMemberLeft         Type = "member-left"
	TypeGetRoomMembers     Type = "get-room-members"
	TypeRoomMembers        Type = "room-members-response"
	TypeMediaReady         Type = "media-ready"
	TypeInitiateConnection Type = "initiate-connection"
	TypeOffer              Type = "webrtc-offer"
	TypeAnswer             Type = "webrtc-answer"
	TypeICECandidate       Type = "webrtc-ice-candidate"
	TypeRenegotiate        Type = "webrtc-renegotiate"
	TypeSendMessage        Type = "send-message"
	TypeNewMessage         Type = "new-message"
	TypeServerError        Type = "server-error"
	TypePing               Type = "ping"
	TypePong               Type = "pong"
)

// SignalTypes are relayed verbatim to a single target member.
var SignalTypes = []Type{
	TypeInitiateConnection,
	TypeOffer,
	TypeAnswer,
	TypeICECandidate,
	TypeRenegotiate,
}

func IsSignalType(t Type) bool {
	for _, s := range SignalTypes {
		if s == t {
			return true
		}
	}
	return false
}

// Message is implemented by every concrete message type.
type Message interface {
	Type() Type
}
