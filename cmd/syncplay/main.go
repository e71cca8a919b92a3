// Command syncplay joins a listening session as a host, which broadcasts
// audio to every member, or as a receiver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/syncplay/config"
	"github.com/mossy-p/syncplay/internal/media"
	"github.com/mossy-p/syncplay/internal/participant"
	"github.com/mossy-p/syncplay/internal/peer"
	"github.com/mossy-p/syncplay/internal/sessioncode"
)

func main() {
	if err := run(); err != nil {
		slog.Error("syncplay exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	mode := flag.String("mode", "receiver", "participant role: host or receiver")
	codeFlag := flag.String("code", "", "session code; hosts generate one when empty")
	flag.Parse()

	cfg, err := config.LoadParticipant()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var role participant.Role
	switch *mode {
	case "host":
		role = participant.RoleHost
	case "receiver":
		role = participant.RoleReceiver
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}

	code := sessioncode.Normalize(*codeFlag)
	if code == "" && role == participant.RoleHost {
		if code, err = sessioncode.Generate(); err != nil {
			return fmt.Errorf("generate session code: %w", err)
		}
	}
	if !sessioncode.Valid(code) {
		return fmt.Errorf("session code must be %d letters or digits", sessioncode.Length)
	}

	api, err := peer.NewAPI(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := participant.Dial(ctx, participant.Config{
		URL:                 cfg.SignalingURL,
		Role:                role,
		Factory:             peer.NewPionFactory(api, cfg.ICEServers),
		Logger:              logger,
		PendingCandidateTTL: cfg.PendingCandidateTTL,
		OnTrack:             consumeTrack(logger),
		OnPeerCount: func(n int) {
			logger.Info("connected peers changed", "peers", n)
		},
		OnRoomCount: func(n int) {
			logger.Info("session members changed", "members", n)
		},
	})
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	if err := p.Join(code); err != nil {
		return err
	}
	logger.Info("joined session", "code", code, "peer_id", p.ID(), "role", role.String())

	if role == participant.RoleHost {
		stream, err := media.NewSilenceStream(p.ID())
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		if err := p.StartBroadcast(stream); err != nil {
			stream.Stop()
			return err
		}
	}

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if msg := p.LastError(); msg != "" {
		logger.Warn("last session error", "message", msg)
	}
	return nil
}

// consumeTrack reads remote audio until the track ends.
func consumeTrack(logger *slog.Logger) func(string, *webrtc.TrackRemote) {
	return func(from string, track *webrtc.TrackRemote) {
		logger.Info("receiving audio", "from", from, "codec", track.Codec().MimeType)
		var packets int
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				logger.Info("remote audio ended", "from", from, "packets", packets)
				return
			}
			packets++
			if packets%500 == 0 {
				logger.Debug("audio packets received", "from", from, "packets", packets)
			}
		}
	}
}
