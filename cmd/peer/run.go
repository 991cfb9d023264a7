package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/adapters/rtc"
	"github.com/dkeye/Huddle/internal/adapters/wsclient"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer/coordinator"
	"github.com/dkeye/Huddle/internal/peer/health"
	"github.com/dkeye/Huddle/internal/peer/media"
	"github.com/dkeye/Huddle/internal/peer/negotiation"
	"github.com/dkeye/Huddle/internal/protocol"
)

func run(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadClient(clientViper)
	if err != nil {
		return err
	}
	config.ApplyLogLevel(cfg.LogLevel)
	if cfg.Room == "" || cfg.Name == "" {
		return errors.New("--room and --name are required")
	}

	api, err := rtc.NewAPI()
	if err != nil {
		return err
	}
	factory := &rtc.Factory{API: api, Config: rtc.ConfigWithSTUN(cfg.STUNURLs)}

	mgr := wsclient.NewManager(cfg.ServerURL, nil)
	conn, err := mgr.Connect(ctx)
	if err != nil {
		return err
	}
	defer mgr.Disconnect()

	out := newPrinter(os.Stdout)
	var coord *coordinator.Coordinator
	coord = coordinator.New(conn, rtc.NewSampleAcquirer(ctx),
		func(self domain.ConnectionID, sig negotiation.Signaler, opts negotiation.Options) coordinator.Negotiator {
			return negotiation.NewEngine(self, factory, sig, opts)
		},
		coordinator.Options{
			Room:         cfg.Room,
			Name:         cfg.Name,
			Constraints:  media.Constraints{Audio: cfg.Audio, Video: cfg.Video},
			JoinTimeout:  cfg.JoinTimeout,
			StaggerDelay: cfg.StaggerDelay,
			StallAfter:   cfg.StallAfter,
			Negotiation: negotiation.Options{
				RetryBackoff:        cfg.RetryBackoff,
				MaxTransportRetries: cfg.MaxTransportRetries,
				OfferRetransmit:     cfg.OfferRetransmit,
			},
			Health: health.Options{
				Interval:  cfg.HealthInterval,
				Threshold: cfg.HealthThreshold,
			},
			OnMembers: out.members,
			OnPeerState: func(peer domain.ConnectionID, s negotiation.State) {
				log.Info().Str("module", "peer").Str("peer", string(peer)).Str("state", s.String()).Msg("peer state")
			},
			OnChat: out.chat,
			OnServerError: func(e protocol.ServerError) {
				out.line("server: %s", e.Message)
			},
			OnMediaError: func(err error, msg string) {
				out.line("media: %s", msg)
			},
			OnPeerGiveUp: func(peer domain.ConnectionID, err error) {
				out.line("could not connect to %s, will retry on stall", peer)
			},
			OnStall: func() {
				out.line("no connected peers, retrying")
				coord.RetryConnections()
			},
		})

	joined, err := coord.Join(ctx)
	if err != nil {
		return err
	}
	out.line("joined %s as %s (%s)", joined.RoomID, joined.Self.DisplayName, joined.Self.ID)

	if err := coord.AcquireLocalMedia(ctx); err != nil {
		coord.Leave()
		return err
	}

	go readChat(ctx, coord)

	errc := make(chan error, 1)
	go func() { errc <- coord.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err = <-errc:
		if errors.Is(err, coordinator.ErrChannelClosed) {
			err = fmt.Errorf("lost connection to server: %w", err)
		}
	}
	out.sessions(coord.Sessions())
	coord.Leave()
	return err
}

// readChat sends each stdin line to the room.
func readChat(ctx context.Context, coord *coordinator.Coordinator) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := sc.Text()
		if text == "" {
			continue
		}
		if err := coord.SendChat(text); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("send chat")
		}
	}
}
