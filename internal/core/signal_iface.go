package core

import "github.com/dkeye/Huddle/internal/domain"

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts the per-client signaling transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() domain.ConnectionID
	TrySend(Frame) error
	Close()
}
