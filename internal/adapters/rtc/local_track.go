package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// Placeholder payloads written in place of real frames while a track is
// disabled.
var (
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	vp8Blank    = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
)

func placeholderFrame(kind media.Kind) []byte {
	if kind == media.KindVideo {
		return vp8Blank
	}
	return opusSilence
}

// LocalTrack is a sample-fed outgoing track. While disabled it writes
// silence or a blank frame instead, so the far side keeps receiving RTP and
// does not mistake a user mute for a dead stream.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  media.Kind
	write func(pmedia.Sample) error

	enabled atomic.Bool
	ended   atomic.Bool
	lastErr atomic.Int64 // unix nanos of the last failed write

	stopOnce sync.Once
	stop     chan struct{}
}

var _ media.Track = (*LocalTrack)(nil)

func NewLocalTrack(kind media.Kind, streamID string) (*LocalTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == media.KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	track, err := webrtc.NewTrackLocalStaticSample(capability, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{track: track, kind: kind, write: track.WriteSample, stop: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string { return t.track.ID() }

func (t *LocalTrack) Kind() media.Kind { return t.kind }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(v bool) { t.enabled.Store(v) }

func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) ReadyState() media.ReadyState {
	if t.ended.Load() {
		return media.Ended
	}
	return media.Live
}

// Muted reports a source that failed to deliver within the last second.
func (t *LocalTrack) Muted() bool {
	last := t.lastErr.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < time.Second
}

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.ended.Store(true)
		close(t.stop)
	})
}

// WriteSample forwards one encoded frame, or a placeholder of the same
// duration while the track is disabled. Ended tracks write nothing.
func (t *LocalTrack) WriteSample(s pmedia.Sample) error {
	if t.ended.Load() {
		return nil
	}
	if !t.enabled.Load() {
		s = pmedia.Sample{Data: placeholderFrame(t.kind), Duration: s.Duration}
	}
	if err := t.write(s); err != nil {
		t.lastErr.Store(time.Now().UnixNano())
		return err
	}
	t.lastErr.Store(0)
	return nil
}

// Run feeds placeholder frames at the codec's natural rate until ctx is done
// or the track is stopped. It stands in for a capture device.
func (t *LocalTrack) Run(ctx context.Context) {
	interval, frame := 20*time.Millisecond, placeholderFrame(t.kind)
	if t.kind == media.KindVideo {
		interval = 33 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if err := t.WriteSample(pmedia.Sample{Data: frame, Duration: interval}); err != nil {
				log.Debug().Err(err).Str("module", "webrtc").Str("track", t.ID()).Msg("write sample")
			}
		}
	}
}
