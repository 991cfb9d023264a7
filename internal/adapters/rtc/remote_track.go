package rtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RemoteMuteAfter is how long a remote track may stay silent before it
// reports Muted.
const RemoteMuteAfter = 2 * time.Second

type rtcpWriter interface {
	WriteRTCP([]rtcp.Packet) error
}

// RemoteTrack watches an incoming pion track. Enabled is the local playback
// switch; liveness comes from the RTP read loop.
type RemoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	rtcp     rtcpWriter

	enabled  atomic.Bool
	ended    atomic.Bool
	lastSeen atomic.Int64
	started  time.Time

	mu      sync.Mutex
	lastSeq uint16
	packets uint64
}

var _ media.Track = (*RemoteTrack)(nil)

func NewRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, w rtcpWriter) *RemoteTrack {
	t := &RemoteTrack{track: track, receiver: receiver, rtcp: w, started: time.Now()}
	t.enabled.Store(true)
	return t
}

func (t *RemoteTrack) ID() string { return t.track.ID() }

func (t *RemoteTrack) Kind() media.Kind { return kindOf(t.track.Kind()) }

func (t *RemoteTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled toggles playback. Re-enabling video asks the sender for a
// keyframe so the picture recovers at once.
func (t *RemoteTrack) SetEnabled(v bool) {
	was := t.enabled.Swap(v)
	if v && !was && t.Kind() == media.KindVideo {
		if err := t.RequestKeyframe(); err != nil {
			log.Debug().Err(err).Str("module", "webrtc").Str("track", t.ID()).Msg("keyframe request")
		}
	}
}

func (t *RemoteTrack) ReadyState() media.ReadyState {
	if t.ended.Load() {
		return media.Ended
	}
	return media.Live
}

func (t *RemoteTrack) Muted() bool {
	last := t.lastSeen.Load()
	if last == 0 {
		return time.Since(t.started) > RemoteMuteAfter
	}
	return time.Since(time.Unix(0, last)) > RemoteMuteAfter
}

func (t *RemoteTrack) Stop() {
	t.ended.Store(true)
	if t.receiver != nil {
		_ = t.receiver.Stop()
	}
}

// Packets returns the number of RTP packets received.
func (t *RemoteTrack) Packets() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packets
}

func (t *RemoteTrack) LastSequence() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

func (t *RemoteTrack) RequestKeyframe() error {
	if t.rtcp == nil {
		return nil
	}
	return t.rtcp.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(t.track.SSRC())},
	})
}

func (t *RemoteTrack) observe(pkt *rtp.Packet) {
	t.lastSeen.Store(time.Now().UnixNano())
	t.mu.Lock()
	t.lastSeq = pkt.SequenceNumber
	t.packets++
	t.mu.Unlock()
}

// Run reads RTP until the track ends or ctx is cancelled.
func (t *RemoteTrack) Run(ctx context.Context) {
	defer t.ended.Store(true)
	for ctx.Err() == nil {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "webrtc").Str("track", t.ID()).Msg("remote track read")
			}
			return
		}
		t.observe(pkt)
	}
}
