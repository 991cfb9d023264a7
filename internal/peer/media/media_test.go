package media_test

import (
	"errors"
	"testing"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/dkeye/Huddle/internal/peer/media/mediatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_AddTrackDedupes(t *testing.T) {
	s := media.NewStream("s1")
	a := mediatest.NewTrack("a", media.KindAudio)
	assert.True(t, s.AddTrack(a))
	assert.False(t, s.AddTrack(a))
	require.Len(t, s.Tracks(), 1)

	got, ok := s.TrackOf(media.KindAudio)
	require.True(t, ok)
	assert.Equal(t, "a", got.ID())
	_, ok = s.TrackOf(media.KindVideo)
	assert.False(t, ok)

	s.Stop()
	assert.Equal(t, media.Ended, a.ReadyState())
}

func TestAcquisitionFailure_Mapping(t *testing.T) {
	causes := map[media.Cause]string{
		media.CausePermissionDenied:         "denied",
		media.CauseDeviceNotFound:           "No camera or microphone was found",
		media.CauseDeviceBusy:               "in use",
		media.CauseConstraintsUnsatisfiable: "do not support",
	}
	for cause, fragment := range causes {
		t.Run(cause.String(), func(t *testing.T) {
			err := media.AcquisitionFailure("acquire", cause, errors.New("driver said no"))
			assert.Equal(t, domain.KindMediaAcquisitionFailure, domain.KindOf(err))
			got, ok := media.CauseOf(err)
			require.True(t, ok)
			assert.Equal(t, cause, got)
			assert.Contains(t, media.UserMessage(err), fragment)
		})
	}

	_, ok := media.CauseOf(errors.New("other"))
	assert.False(t, ok)
	assert.Equal(t, "Could not start camera or microphone.", media.UserMessage(errors.New("other")))
}
