package rtc

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/negotiation"
	"github.com/dkeye/Huddle/internal/protocol"
)

type negotiationMsg struct {
	sig protocol.Signal
}

type loopSignaler struct {
	from domain.ConnectionID
	out  chan<- negotiationMsg
}

func (s *loopSignaler) Send(kind protocol.Type, to domain.ConnectionID, p negotiation.SessionPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.out <- negotiationMsg{sig: protocol.Signal{Kind: kind, RoomID: "R1", TargetID: to, SenderID: s.from, Payload: raw}}
	return nil
}

func serve(ctx context.Context, e *negotiation.Engine, in <-chan negotiationMsg) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-in:
			_ = e.HandleSignal(m.sig)
		}
	}
}
