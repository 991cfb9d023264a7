package app

import (
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Relay forwards negotiation messages between two members of one room. It
// keeps no state of its own and never looks inside the payload.
type Relay struct {
	reg *Registry
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{reg: reg}
}

func (r *Relay) RelayOffer(from domain.ConnectionID, s protocol.Signal) ([]core.Outbound, error) {
	s.Kind = protocol.TypeOffer
	return r.Forward(from, s)
}

func (r *Relay) RelayAnswer(from domain.ConnectionID, s protocol.Signal) ([]core.Outbound, error) {
	s.Kind = protocol.TypeAnswer
	return r.Forward(from, s)
}

func (r *Relay) RelayICECandidate(from domain.ConnectionID, s protocol.Signal) ([]core.Outbound, error) {
	s.Kind = protocol.TypeICECandidate
	return r.Forward(from, s)
}

func (r *Relay) RelayRenegotiationRequest(from domain.ConnectionID, s protocol.Signal) ([]core.Outbound, error) {
	s.Kind = protocol.TypeRenegotiate
	return r.Forward(from, s)
}

func (r *Relay) RelayConnectionInitiationHint(from domain.ConnectionID, s protocol.Signal) ([]core.Outbound, error) {
	s.Kind = protocol.TypeInitiateConnection
	return r.Forward(from, s)
}

// Forward validates s and addresses it to its target only. The sender fields
// are overwritten with a fresh registry lookup.
func (r *Relay) Forward(from domain.ConnectionID, s protocol.Signal) ([]core.Outbound, error) {
	if !protocol.IsSignalType(s.Kind) {
		return nil, domain.InvalidInput("relay", domain.ErrUnknownType)
	}
	if err := s.Validate(); err != nil {
		return nil, domain.InvalidInput(string(s.Kind), err)
	}
	sender, target, err := r.reg.Pair(s.RoomID, from, s.TargetID)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("type", string(s.Kind)).
			Str("from", string(from)).Str("target", string(s.TargetID)).Str("room", string(s.RoomID)).
			Msg("relay rejected")
		return nil, err
	}

	s.SenderID = sender.ID
	s.SenderName = sender.DisplayName
	log.Debug().Str("module", "app.relay").Str("type", string(s.Kind)).
		Str("from", string(from)).Str("target", string(target.ID)).Msg("relay")
	return []core.Outbound{{To: target.ID, Msg: s}}, nil
}
