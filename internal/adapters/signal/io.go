package signal

import (
	"context"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ping failed")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, c *WsSignalConn) {
	reason := "closed"
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Str("reason", reason).Msg("readPump closing")
		ctl.unregister(c.id)
		ctl.apply(func() []core.Outbound { return ctl.Hub.Disconnect(c.id, reason) })
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			reason = "server shutdown"
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
				}
				reason = err.Error()
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
			ctl.handleFrame(c, data)
		}
	}
}

func (ctl *SignalWSController) handleFrame(c *WsSignalConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid", "in").Inc()
		ctl.deliver(ctl.Hub.Reject(c.id, err))
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Type()), "in").Inc()

	if msg.Type() == protocol.TypeJoinRoom {
		if err := ctl.allowJoin(c); err != nil {
			ctl.deliver(ctl.Hub.Reject(c.id, err))
			return
		}
	}
	ctl.apply(func() []core.Outbound { return ctl.Hub.Handle(c.id, msg) })
}

// apply runs one hub operation and queues its outbounds before any other
// operation can change the registry.
func (ctl *SignalWSController) apply(op func() []core.Outbound) {
	ctl.hubMu.Lock()
	defer ctl.hubMu.Unlock()
	ctl.deliver(op())
}

// deliver encodes each outbound and queues it on the addressed connection.
// Outbounds for connections that are already gone are dropped.
func (ctl *SignalWSController) deliver(outs []core.Outbound) {
	for _, o := range outs {
		c, ok := ctl.lookup(o.To)
		if !ok {
			log.Debug().Str("module", "signal").Str("conn", string(o.To)).Str("type", string(o.Msg.Type())).Msg("deliver: connection gone")
			continue
		}
		frame, err := protocol.Encode(o.Msg)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Str("type", string(o.Msg.Type())).Msg("deliver: encode")
			continue
		}
		if err := c.TrySend(frame); err != nil {
			ctl.onSendError(c, o, err)
			continue
		}
		metrics.MessagesTotal.WithLabelValues(string(o.Msg.Type()), "out").Inc()
	}
}
