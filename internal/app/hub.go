package app

import (
	"fmt"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Hub maps each decoded client message onto the registry and relay
// operations and returns the messages to deliver. It never touches sockets.
type Hub struct {
	Registry *Registry
	Relay    *Relay

	now   func() time.Time
	newID func() string
}

func NewHub(reg *Registry) *Hub {
	return &Hub{
		Registry: reg,
		Relay:    NewRelay(reg),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (h *Hub) Handle(conn domain.ConnectionID, msg protocol.Message) []core.Outbound {
	outs, err := h.dispatch(conn, msg)
	if err != nil {
		return h.Reject(conn, err)
	}
	return outs
}

func (h *Hub) dispatch(conn domain.ConnectionID, msg protocol.Message) ([]core.Outbound, error) {
	switch m := msg.(type) {
	case protocol.JoinRoom:
		_, outs, err := h.Registry.Join(conn, string(m.RoomID), m.DisplayName)
		return outs, err
	case protocol.LeaveRoom:
		return h.Registry.Leave(conn, m.RoomID), nil
	case protocol.GetRoomMembers:
		others, version := h.Registry.ListOthers(conn, m.RoomID)
		return []core.Outbound{{
			To:  conn,
			Msg: protocol.RoomMembers{RoomID: m.RoomID, Members: others, Version: version},
		}}, nil
	case protocol.MediaReady:
		return h.mediaReady(conn, m)
	case protocol.Signal:
		switch m.Kind {
		case protocol.TypeOffer:
			return h.Relay.RelayOffer(conn, m)
		case protocol.TypeAnswer:
			return h.Relay.RelayAnswer(conn, m)
		case protocol.TypeICECandidate:
			return h.Relay.RelayICECandidate(conn, m)
		case protocol.TypeRenegotiate:
			return h.Relay.RelayRenegotiationRequest(conn, m)
		case protocol.TypeInitiateConnection:
			return h.Relay.RelayConnectionInitiationHint(conn, m)
		}
		return nil, domain.InvalidInput("relay", domain.ErrUnknownType)
	case protocol.SendMessage:
		return h.chat(conn, m)
	case protocol.Ping:
		return []core.Outbound{{To: conn, Msg: protocol.Pong{}}}, nil
	default:
		return nil, domain.InvalidInput("dispatch", fmt.Errorf("%w: %q", domain.ErrUnknownType, msg.Type()))
	}
}

// Disconnect performs the same cleanup as an explicit leave, so either path
// may run first.
func (h *Hub) Disconnect(conn domain.ConnectionID, reason string) []core.Outbound {
	log.Info().Str("module", "app.hub").Str("conn", string(conn)).Str("reason", reason).Msg("disconnect")
	return h.Registry.LeaveAll(conn)
}

// Reject converts err into a server-error for conn only.
func (h *Hub) Reject(conn domain.ConnectionID, err error) []core.Outbound {
	kind := domain.KindOf(err)
	metrics.HandlerErrorsTotal.WithLabelValues(string(kind)).Inc()
	log.Warn().Err(err).Str("module", "app.hub").Str("conn", string(conn)).Str("code", string(kind)).Msg("request rejected")
	return []core.Outbound{{
		To:  conn,
		Msg: protocol.ServerError{Code: kind, Message: err.Error()},
	}}
}

func (h *Hub) mediaReady(conn domain.ConnectionID, m protocol.MediaReady) ([]core.Outbound, error) {
	if m.TargetID != "" {
		sender, target, err := h.Registry.Pair(m.RoomID, conn, m.TargetID)
		if err != nil {
			return nil, err
		}
		return []core.Outbound{{
			To:  target.ID,
			Msg: protocol.MediaReady{RoomID: m.RoomID, TargetID: target.ID, SenderID: sender.ID, SenderName: sender.DisplayName},
		}}, nil
	}

	sender, others, first, err := h.Registry.AnnounceMediaReady(m.RoomID, conn)
	if err != nil {
		return nil, err
	}
	if !first {
		metrics.MediaReadySuppressedTotal.Inc()
		log.Debug().Str("module", "app.hub").Str("conn", string(conn)).Str("room", string(m.RoomID)).Msg("duplicate media-ready suppressed")
		return nil, nil
	}
	outs := make([]core.Outbound, 0, len(others))
	for _, o := range others {
		outs = append(outs, core.Outbound{
			To:  o.ID,
			Msg: protocol.MediaReady{RoomID: m.RoomID, SenderID: sender.ID, SenderName: sender.DisplayName},
		})
	}
	return outs, nil
}

func (h *Hub) chat(conn domain.ConnectionID, m protocol.SendMessage) ([]core.Outbound, error) {
	sender, ok := h.Registry.Member(m.RoomID, conn)
	if !ok {
		return nil, domain.NotFound("send-message", domain.ErrNotMember)
	}
	members, _ := h.Registry.Members(m.RoomID)
	msg := protocol.NewMessage{
		ID:         h.newID(),
		RoomID:     m.RoomID,
		SenderID:   sender.ID,
		Sender:     sender.DisplayName,
		Text:       m.Text,
		Attachment: m.Attachment,
		SentAt:     h.now().UTC(),
	}
	outs := make([]core.Outbound, 0, len(members))
	for _, mem := range members {
		outs = append(outs, core.Outbound{To: mem.ID, Msg: msg})
	}
	return outs, nil
}
