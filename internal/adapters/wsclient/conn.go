package wsclient

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Conn is one live signaling connection. Incoming is closed when the
// connection ends; Done is closed at the same time.
type Conn struct {
	ws       *websocket.Conn
	send     chan []byte
	incoming chan protocol.Message
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
	err    error
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		incoming: make(chan protocol.Message, sendBuffer),
		done:     make(chan struct{}),
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readPump()
	go c.writePump()
	return c
}

func (c *Conn) Incoming() <-chan protocol.Message { return c.incoming }

func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, if it has.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Send queues m without blocking.
func (c *Conn) Send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Close() {
	c.closeWith(nil)
}

func (c *Conn) closeWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
}

func (c *Conn) readPump() {
	defer func() {
		_ = c.ws.Close()
		close(c.incoming)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWith(err)
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("bad message from server")
			continue
		}
		select {
		case c.incoming <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.closeWith(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.closeWith(err)
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, so a leave-room sent right before
// Close reaches the server.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
