package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/dkeye/Huddle/internal/peer/negotiation"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNotLocalTrack = errors.New("track is not backed by a pion local track")

// localTrack is implemented by tracks that can be sent over pion.
type localTrack interface {
	media.Track
	TrackLocal() webrtc.TrackLocal
}

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	peer   domain.ConnectionID
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	senders map[media.Kind]*webrtc.RTPSender
	remotes []*RemoteTrack
}

var _ negotiation.PeerConnection = (*WebRTCConnection)(nil)

// Factory creates pion-backed connections for the negotiation engine.
type Factory struct {
	API    *webrtc.API
	Config webrtc.Configuration
}

func (f *Factory) NewConnection(peer domain.ConnectionID, local *media.Stream, h negotiation.Handlers) (negotiation.PeerConnection, error) {
	return NewWebRTCConnection(f.API, f.Config, peer, local, h)
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, peer domain.ConnectionID, local *media.Stream, h negotiation.Handlers) (*WebRTCConnection, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{
		pc:      pc,
		peer:    peer,
		ctx:     ctx,
		cancel:  cancel,
		senders: make(map[media.Kind]*webrtc.RTPSender),
	}
	c.bind(h)

	if local != nil {
		for _, t := range local.Tracks() {
			if err := c.addTrack(t); err != nil {
				c.Close()
				return nil, err
			}
		}
	}
	// Always offer to receive both kinds even when sending nothing.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, ok := c.senders[kindOf(kind)]; ok {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func kindOf(k webrtc.RTPCodecType) media.Kind {
	if k == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

func (c *WebRTCConnection) bind(h negotiation.Handlers) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", string(c.peer)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateClosed {
			c.cancel()
		}
		if h.OnConnectionState != nil {
			h.OnConnectionState(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && h.OnICECandidate != nil {
			h.OnICECandidate(cand.ToJSON())
		}
	})

	c.pc.OnNegotiationNeeded(func() {
		if h.OnNegotiationNeeded != nil {
			h.OnNegotiationNeeded()
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		rt := NewRemoteTrack(track, receiver, c.pc)
		c.mu.Lock()
		c.remotes = append(c.remotes, rt)
		c.mu.Unlock()
		go rt.Run(c.ctx)
		if h.OnTrack != nil {
			h.OnTrack(rt)
		}
	})
}

func (c *WebRTCConnection) addTrack(t media.Track) error {
	lt, ok := t.(localTrack)
	if !ok {
		return ErrNotLocalTrack
	}
	sender, err := c.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return err
	}
	c.senders[t.Kind()] = sender
	go drainRTCP(c.ctx, sender)
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return c.pc.CreateOffer(opts)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *WebRTCConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *WebRTCConnection) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *WebRTCConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *WebRTCConnection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

// ReplaceLocalStream swaps the sent track of each kind in place. Kinds that
// had no sender are added, which makes pion ask for renegotiation.
func (c *WebRTCConnection) ReplaceLocalStream(s *media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, t := range s.Tracks() {
		lt, ok := t.(localTrack)
		if !ok {
			errs = append(errs, ErrNotLocalTrack)
			continue
		}
		if sender, ok := c.senders[t.Kind()]; ok {
			if err := sender.ReplaceTrack(lt.TrackLocal()); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := c.addTrack(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoteTracks returns the tracks received so far.
func (c *WebRTCConnection) RemoteTracks() []*RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*RemoteTrack, len(c.remotes))
	copy(out, c.remotes)
	return out
}

func (c *WebRTCConnection) Close() error {
	c.cancel()
	err := c.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Msg("closed")
	}
	return err
}
