package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Huddle/internal/domain"
)

type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type validator interface {
	Validate() error
}

// normalizer rewrites identifiers to their canonical form after validation.
type normalizer interface {
	normalized() Message
}

func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return json.Marshal(Envelope{Type: m.Type(), Payload: payload})
}

// Decode parses one frame into its concrete message value and validates it.
// Every failure is a domain InvalidInput error.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.InvalidInput("decode", err)
	}

	var (
		m   Message
		err error
	)
	switch env.Type {
	case TypeJoinRoom:
		m, err = decodeAs[JoinRoom](env.Payload)
	case TypeJoinSuccess:
		m, err = decodeAs[JoinSuccess](env.Payload)
	case TypeMemberJoined:
		m, err = decodeAs[MemberJoined](env.Payload)
	case TypeLeaveRoom:
		m, err = decodeAs[LeaveRoom](env.Payload)
	case TypeMemberLeft:
		m, err = decodeAs[MemberLeft](env.Payload)
	case TypeGetRoomMembers:
		m, err = decodeAs[GetRoomMembers](env.Payload)
	case TypeRoomMembers:
		m, err = decodeAs[RoomMembers](env.Payload)
	case TypeMediaReady:
		m, err = decodeAs[MediaReady](env.Payload)
	case TypeInitiateConnection, TypeOffer, TypeAnswer, TypeICECandidate, TypeRenegotiate:
		var s Signal
		s, err = decodeAs[Signal](env.Payload)
		s.Kind = env.Type
		m = s
	case TypeSendMessage:
		m, err = decodeAs[SendMessage](env.Payload)
	case TypeNewMessage:
		m, err = decodeAs[NewMessage](env.Payload)
	case TypeServerError:
		m, err = decodeAs[ServerError](env.Payload)
	case TypePing:
		m = Ping{}
	case TypePong:
		m = Pong{}
	default:
		return nil, domain.InvalidInput("decode", fmt.Errorf("%w: %q", domain.ErrUnknownType, env.Type))
	}
	if err != nil {
		return nil, domain.InvalidInput("decode "+string(env.Type), err)
	}

	if v, ok := m.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, domain.InvalidInput(string(env.Type), err)
		}
	}
	if n, ok := m.(normalizer); ok {
		m = n.normalized()
	}
	return m, nil
}

func decodeAs[T Message](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
