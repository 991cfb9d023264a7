// Package health keeps media tracks in the enabled state the user intends
// and reports streams that stay unhealthy.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/rs/zerolog/log"
)

type Source int

const (
	Local Source = iota
	Remote
)

func (s Source) String() string {
	if s == Remote {
		return "remote"
	}
	return "local"
}

const maxBackoffShift = 5

type trackState struct {
	enabled bool
	state   media.ReadyState
	muted   bool
}

// Supervisor watches one stream. Each Check compares every track with the
// intended state, corrects drift and counts consecutive unhealthy cycles.
type Supervisor struct {
	label     string
	source    Source
	interval  time.Duration
	threshold int

	onChanged   func()
	onUnhealthy func()

	mu       sync.Mutex
	stream   *media.Stream
	intended map[media.Kind]bool
	failures int
	// escalations since the last healthy cycle; each one doubles the
	// failures needed for the next.
	escalations int
	last        map[string]trackState

	cancel context.CancelFunc
	done   chan struct{}
}

type SupervisorOptions struct {
	Label     string
	Source    Source
	Interval  time.Duration
	Threshold int
	// OnTracksChanged fires at most once per check cycle.
	OnTracksChanged func()
	// OnUnhealthy fires after Threshold consecutive unhealthy cycles. While
	// the stream stays unhealthy each further report needs twice the cycles
	// of the previous one, up to maxBackoffShift doublings.
	OnUnhealthy func()
}

func NewSupervisor(stream *media.Stream, opts SupervisorOptions) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	return &Supervisor{
		label:       opts.Label,
		source:      opts.Source,
		interval:    opts.Interval,
		threshold:   opts.Threshold,
		onChanged:   opts.OnTracksChanged,
		onUnhealthy: opts.OnUnhealthy,
		stream:      stream,
		intended:    make(map[media.Kind]bool),
		last:        make(map[string]trackState),
	}
}

func (s *Supervisor) Stream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// SetStream swaps the watched stream. Intended state is kept per kind, so a
// re-acquired stream comes up the way the user left the old one.
func (s *Supervisor) SetStream(stream *media.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == stream {
		return
	}
	s.stream = stream
	s.failures = 0
	s.escalations = 0
	clear(s.last)
	for _, t := range stream.Tracks() {
		if want, ok := s.intended[t.Kind()]; ok {
			t.SetEnabled(want)
		}
	}
}

// SetIntended records what the user wants for kind and applies it now.
func (s *Supervisor) SetIntended(kind media.Kind, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intended[kind] = enabled
	if t, ok := s.stream.TrackOf(kind); ok {
		t.SetEnabled(enabled)
	}
}

func (s *Supervisor) Intended(kind media.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intendedLocked(kind)
}

func (s *Supervisor) intendedLocked(kind media.Kind) bool {
	want, ok := s.intended[kind]
	return !ok || want
}

func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Check runs one cycle and reports whether any track was corrected.
func (s *Supervisor) Check() bool {
	changed, unhealthy := s.check()
	if changed && s.onChanged != nil {
		s.onChanged()
	}
	if unhealthy && s.onUnhealthy != nil {
		s.onUnhealthy()
	}
	return changed
}

func (s *Supervisor) check() (changed, escalate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracks := s.stream.Tracks()
	bad := false
	for _, t := range tracks {
		want := s.intendedLocked(t.Kind())
		st := trackState{enabled: t.Enabled(), state: t.ReadyState(), muted: t.Muted()}

		if st.state == media.Ended {
			bad = true
		} else if st.enabled != want {
			t.SetEnabled(want)
			st.enabled = want
			changed = true
			log.Info().Str("module", "health").Str("stream", s.label).Str("source", s.source.String()).
				Str("track", t.ID()).Bool("enabled", want).Msg("track state corrected")
		} else if want && st.muted {
			bad = true
		}

		if prev, ok := s.last[t.ID()]; ok && prev != st {
			log.Debug().Str("module", "health").Str("stream", s.label).Str("track", t.ID()).
				Str("ready", st.state.String()).Bool("muted", st.muted).Msg("track state")
		}
		s.last[t.ID()] = st
	}

	if !bad {
		s.failures = 0
		s.escalations = 0
		return changed, false
	}
	s.failures++
	if s.failures < s.threshold<<min(s.escalations, maxBackoffShift) {
		return changed, false
	}
	log.Warn().Str("module", "health").Str("stream", s.label).Str("source", s.source.String()).
		Int("failures", s.failures).Int("escalations", s.escalations+1).Msg("stream unhealthy")
	s.failures = 0
	s.escalations++
	return changed, true
}

// Start runs Check every interval until Stop or ctx is done.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Check()
			}
		}
	}()
}

// Stop ends the check loop and waits for it. Callbacks must not call Stop.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
