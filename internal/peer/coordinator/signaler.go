package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/negotiation"
	"github.com/dkeye/Huddle/internal/protocol"
)

// roomSignaler addresses negotiation messages to one member of room.
type roomSignaler struct {
	ch   Channel
	room domain.RoomID
}

func (s roomSignaler) Send(kind protocol.Type, to domain.ConnectionID, payload negotiation.SessionPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return s.ch.Send(protocol.Signal{Kind: kind, RoomID: s.room, TargetID: to, Payload: raw})
}
