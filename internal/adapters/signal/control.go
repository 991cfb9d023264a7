package signal

import (
	"errors"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) allowJoin(c *WsSignalConn) error {
	if ctl.Limiter == nil {
		return nil
	}
	key := c.token
	if key == "" {
		key = string(c.id)
	}
	if ctl.Limiter.Allow(key) {
		return nil
	}
	metrics.RateLimitedJoinsTotal.Inc()
	log.Warn().Str("module", "signal").Str("conn", string(c.id)).Str("token", c.token).Msg("join rate limited")
	return domain.InvalidInput("join", domain.ErrRateLimited)
}

func (ctl *SignalWSController) onSendError(c *WsSignalConn, o core.Outbound, err error) {
	if !errors.Is(err, ErrBackpressure) {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("deliver: send failed")
		return
	}
	action := ctl.Policy.OnBackPressure(c.id)
	metrics.SlowConsumersTotal.WithLabelValues(action.String()).Inc()
	log.Warn().Str("module", "signal").Str("conn", string(c.id)).Str("type", string(o.Msg.Type())).Str("action", action.String()).Msg("send queue full")

	if action == app.KickMember {
		c.Close()
	}
}
