package protocol

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
)

const MaxChatTextLen = 4096

// canonicalRoom returns the trimmed room id, or id unchanged when it does
// not normalize.
func canonicalRoom(id domain.RoomID) domain.RoomID {
	n, err := domain.NormalizeRoomID(string(id))
	if err != nil {
		return id
	}
	return n
}

type JoinRoom struct {
	RoomID      domain.RoomID `json:"roomId"`
	DisplayName string        `json:"displayName"`
}

func (JoinRoom) Type() Type { return TypeJoinRoom }

func (m JoinRoom) Validate() error {
	if _, err := domain.NormalizeRoomID(string(m.RoomID)); err != nil {
		return err
	}
	_, err := domain.NormalizeDisplayName(m.DisplayName)
	return err
}

func (m JoinRoom) normalized() Message {
	m.RoomID = canonicalRoom(m.RoomID)
	return m
}

// Member lists carry the registry version they were taken at. A receiver
// drops a list older than one it has already applied; zero means unversioned.
type JoinSuccess struct {
	RoomID  domain.RoomID   `json:"roomId"`
	Self    domain.Member   `json:"self"`
	Members []domain.Member `json:"members"`
	Version uint64          `json:"version,omitempty"`
}

func (JoinSuccess) Type() Type { return TypeJoinSuccess }

type MemberJoined struct {
	RoomID  domain.RoomID   `json:"roomId"`
	Member  domain.Member   `json:"member"`
	Members []domain.Member `json:"members"`
	Version uint64          `json:"version,omitempty"`
}

func (MemberJoined) Type() Type { return TypeMemberJoined }

type LeaveRoom struct {
	RoomID      domain.RoomID `json:"roomId"`
	DisplayName string        `json:"displayName,omitempty"`
}

func (LeaveRoom) Type() Type { return TypeLeaveRoom }

func (m LeaveRoom) Validate() error {
	_, err := domain.NormalizeRoomID(string(m.RoomID))
	return err
}

func (m LeaveRoom) normalized() Message {
	m.RoomID = canonicalRoom(m.RoomID)
	return m
}

// MemberLeft carries the departed name because the member record is already
// gone from Members.
type MemberLeft struct {
	RoomID      domain.RoomID       `json:"roomId"`
	MemberID    domain.ConnectionID `json:"memberId"`
	DisplayName string              `json:"displayName"`
	Members     []domain.Member     `json:"members"`
	Version     uint64              `json:"version,omitempty"`
}

func (MemberLeft) Type() Type { return TypeMemberLeft }

type GetRoomMembers struct {
	RoomID domain.RoomID `json:"roomId"`
}

func (GetRoomMembers) Type() Type { return TypeGetRoomMembers }

func (m GetRoomMembers) Validate() error {
	_, err := domain.NormalizeRoomID(string(m.RoomID))
	return err
}

func (m GetRoomMembers) normalized() Message {
	m.RoomID = canonicalRoom(m.RoomID)
	return m
}

// RoomMembers lists the room without the requesting member.
type RoomMembers struct {
	RoomID  domain.RoomID   `json:"roomId"`
	Members []domain.Member `json:"members"`
	Version uint64          `json:"version,omitempty"`
}

func (RoomMembers) Type() Type { return TypeRoomMembers }

// MediaReady is sent by a client without sender fields; the server fills
// them in before delivery. An empty TargetID means "whole room".
type MediaReady struct {
	RoomID     domain.RoomID       `json:"roomId"`
	TargetID   domain.ConnectionID `json:"targetId,omitempty"`
	SenderID   domain.ConnectionID `json:"senderId,omitempty"`
	SenderName string              `json:"senderName,omitempty"`
}

func (MediaReady) Type() Type { return TypeMediaReady }

func (m MediaReady) Validate() error {
	_, err := domain.NormalizeRoomID(string(m.RoomID))
	return err
}

func (m MediaReady) normalized() Message {
	m.RoomID = canonicalRoom(m.RoomID)
	return m
}

// Signal is the common shape of every relayed negotiation message. Payload is
// opaque to the server.
type Signal struct {
	Kind       Type                `json:"-"`
	RoomID     domain.RoomID       `json:"roomId"`
	TargetID   domain.ConnectionID `json:"targetId"`
	SenderID   domain.ConnectionID `json:"senderId,omitempty"`
	SenderName string              `json:"senderName,omitempty"`
	Payload    json.RawMessage     `json:"payload"`
}

func (s Signal) Type() Type { return s.Kind }

func (s Signal) Validate() error {
	if _, err := domain.NormalizeRoomID(string(s.RoomID)); err != nil {
		return err
	}
	if s.TargetID == "" {
		return domain.ErrTargetMissing
	}
	if len(s.Payload) == 0 || string(s.Payload) == "null" {
		return domain.ErrPayloadMissing
	}
	return nil
}

func (s Signal) normalized() Message {
	s.RoomID = canonicalRoom(s.RoomID)
	return s
}

type SendMessage struct {
	RoomID     domain.RoomID   `json:"roomId"`
	Text       string          `json:"text"`
	Sender     string          `json:"sender"`
	Attachment json.RawMessage `json:"attachment,omitempty"`
}

func (SendMessage) Type() Type { return TypeSendMessage }

func (m SendMessage) Validate() error {
	if _, err := domain.NormalizeRoomID(string(m.RoomID)); err != nil {
		return err
	}
	if m.Text == "" && len(m.Attachment) == 0 {
		return domain.ErrMessageEmpty
	}
	if len(m.Text) > MaxChatTextLen {
		return domain.ErrMessageTooLong
	}
	return nil
}

func (m SendMessage) normalized() Message {
	m.RoomID = canonicalRoom(m.RoomID)
	return m
}

type NewMessage struct {
	ID         string              `json:"id"`
	RoomID     domain.RoomID       `json:"roomId"`
	SenderID   domain.ConnectionID `json:"senderId"`
	Sender     string              `json:"sender"`
	Text       string              `json:"text"`
	Attachment json.RawMessage     `json:"attachment,omitempty"`
	SentAt     time.Time           `json:"sentAt"`
}

func (NewMessage) Type() Type { return TypeNewMessage }

type ServerError struct {
	Code    domain.ErrorKind `json:"code"`
	Message string           `json:"message"`
}

func (ServerError) Type() Type { return TypeServerError }

type Ping struct{}

func (Ping) Type() Type { return TypePing }

type Pong struct{}

func (Pong) Type() Type { return TypePong }
