// Package wsclient is the client side of the signaling channel.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Manager owns at most one live connection. Concurrent Connect calls share
// a single dial.
type Manager struct {
	url    string
	dialer *websocket.Dialer
	header http.Header

	group singleflight.Group

	mu      sync.Mutex
	current *Conn
}

func NewManager(url string, header http.Header) *Manager {
	return &Manager{url: url, dialer: websocket.DefaultDialer, header: header}
}

// Connect returns the live connection, dialing if there is none.
func (m *Manager) Connect(ctx context.Context) (*Conn, error) {
	if c, ok := m.Current(); ok {
		return c, nil
	}
	v, err, shared := m.group.Do("connect", func() (any, error) {
		if c, ok := m.Current(); ok {
			return c, nil
		}
		ws, _, err := m.dialer.DialContext(ctx, m.url, m.header)
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		c := newConn(ws)
		m.mu.Lock()
		m.current = c
		m.mu.Unlock()
		log.Info().Str("module", "wsclient").Str("url", m.url).Msg("connected")
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("module", "wsclient").Msg("joined in-flight connect")
	}
	return v.(*Conn), nil
}

// Current returns the connection if it is still open.
func (m *Manager) Current() (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, false
	}
	select {
	case <-m.current.Done():
		m.current = nil
		return nil, false
	default:
		return m.current, true
	}
}

func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.current
	m.current = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
		log.Info().Str("module", "wsclient").Msg("disconnected")
	}
}
