package rtc

import (
	"context"
	"errors"

	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNoMediaRequested = errors.New("neither audio nor video requested")

// SampleAcquirer produces local streams of generated samples. A headless
// client has no capture devices; each track runs its own feeder.
type SampleAcquirer struct {
	ctx context.Context
}

// NewSampleAcquirer ties every produced track's feeder to ctx.
func NewSampleAcquirer(ctx context.Context) *SampleAcquirer {
	return &SampleAcquirer{ctx: ctx}
}

func (a *SampleAcquirer) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if !c.Audio && !c.Video {
		return nil, media.AcquisitionFailure("acquire", media.CauseConstraintsUnsatisfiable, ErrNoMediaRequested)
	}
	if err := ctx.Err(); err != nil {
		return nil, media.AcquisitionFailure("acquire", media.CauseUnknown, err)
	}

	streamID := "local-" + uuid.NewString()
	stream := media.NewStream(streamID)
	var kinds []media.Kind
	if c.Audio {
		kinds = append(kinds, media.KindAudio)
	}
	if c.Video {
		kinds = append(kinds, media.KindVideo)
	}
	for _, kind := range kinds {
		t, err := NewLocalTrack(kind, streamID)
		if err != nil {
			stream.Stop()
			return nil, media.AcquisitionFailure("acquire", media.CauseDeviceNotFound, err)
		}
		stream.AddTrack(t)
		go t.Run(a.ctx)
	}
	log.Info().Str("module", "webrtc").Str("stream", streamID).Bool("audio", c.Audio).Bool("video", c.Video).Msg("local media acquired")
	return stream, nil
}
