package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 65536
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.PongWait <= o.PingPeriod {
		o.PongWait = o.PingPeriod * 10 / 9
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

// SignalWSController owns every live signaling connection and delivers the
// outbounds produced by the Hub.
type SignalWSController struct {
	Hub     *app.Hub
	Policy  app.Policy
	Limiter *RoomRateLimiter

	opts Options

	// hubMu orders hub mutations with the queueing of their outbounds, so
	// every connection sees member lists in registry order. TrySend never
	// blocks, which keeps the critical section short.
	hubMu sync.Mutex

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*WsSignalConn
}

func NewSignalWSController(hub *app.Hub, policy app.Policy, limiter *RoomRateLimiter, opts Options) *SignalWSController {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &SignalWSController{
		Hub:     hub,
		Policy:  policy,
		Limiter: limiter,
		opts:    opts.withDefaults(),
		conns:   make(map[domain.ConnectionID]*WsSignalConn),
	}
}

type WsSignalConn struct {
	id    domain.ConnectionID
	token string
	conn  *websocket.Conn
	send  chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

func (c *WsSignalConn) ID() domain.ConnectionID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the connection until either
// side closes it or ctx is cancelled.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		id:    domain.ConnectionID(uuid.NewString()),
		token: token,
		conn:  ws,
		send:  make(chan core.Frame, ctl.opts.SendBuffer),
	}
	ctl.register(conn)
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("token", token).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, conn)
	}()
}

func (ctl *SignalWSController) register(c *WsSignalConn) {
	ctl.mu.Lock()
	ctl.conns[c.id] = c
	ctl.mu.Unlock()
	metrics.ConnectionsTotal.Inc()
	metrics.ActiveConnections.Inc()
}

func (ctl *SignalWSController) unregister(id domain.ConnectionID) {
	ctl.mu.Lock()
	_, ok := ctl.conns[id]
	delete(ctl.conns, id)
	ctl.mu.Unlock()
	if ok {
		metrics.ActiveConnections.Dec()
	}
}

func (ctl *SignalWSController) lookup(id domain.ConnectionID) (*WsSignalConn, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	c, ok := ctl.conns[id]
	return c, ok
}

// Connections returns the number of registered connections.
func (ctl *SignalWSController) Connections() int {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	return len(ctl.conns)
}

// CloseAll closes every connection; their read pumps then run disconnect cleanup.
func (ctl *SignalWSController) CloseAll() {
	ctl.mu.RLock()
	conns := make([]*WsSignalConn, 0, len(ctl.conns))
	for _, c := range ctl.conns {
		conns = append(conns, c)
	}
	ctl.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
