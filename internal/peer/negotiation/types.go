// Package negotiation runs one offer/answer state machine per remote peer.
package negotiation

import (
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type State int

const (
	Idle State = iota
	OfferSent
	OfferReceived
	Connected
	Renegotiating
	Disconnected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case OfferReceived:
		return "offer-received"
	case Connected:
		return "connected"
	case Renegotiating:
		return "renegotiating"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// SessionPayload is the opaque body carried by relayed negotiation messages.
type SessionPayload struct {
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	// Fresh marks the first offer of a newly created peer connection; the
	// receiver must discard any connection it already negotiated.
	Fresh      bool   `json:"fresh,omitempty"`
	ICERestart bool   `json:"iceRestart,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// PeerConnection is the native connection surface the engine drives.
type PeerConnection interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	HasRemoteDescription() bool
	ReplaceLocalStream(*media.Stream) error
	Close() error
}

// Handlers are the native notifications a PeerConnection reports. They may
// fire on any goroutine.
type Handlers struct {
	OnICECandidate      func(webrtc.ICECandidateInit)
	OnConnectionState   func(webrtc.PeerConnectionState)
	OnNegotiationNeeded func()
	OnTrack             func(media.Track)
}

type ConnectionFactory interface {
	NewConnection(peer domain.ConnectionID, local *media.Stream, h Handlers) (PeerConnection, error)
}

// Signaler sends one negotiation message to a room member. It must not block.
type Signaler interface {
	Send(kind protocol.Type, to domain.ConnectionID, payload SessionPayload) error
}

type SessionInfo struct {
	Peer  domain.ConnectionID
	Name  string
	State State
}

// IsInitiator reports whether self sends the first offer to peer. The
// smaller connection id initiates.
func IsInitiator(self, peer domain.ConnectionID) bool {
	return self < peer
}
