package core

import (
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

// Outbound is a message addressed to exactly one connection.
// Handlers return outbounds instead of writing to sockets, the adapter delivers them.
type Outbound struct {
	To  domain.ConnectionID
	Msg protocol.Message
}

// RoomInfo is a read-only view for APIs (no transport fields).
type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}
