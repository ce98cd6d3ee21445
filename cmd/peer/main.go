package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/services"
	"relaymesh/internal/infrastructure/monitoring"
	"relaymesh/internal/infrastructure/repositories/memory"
	signalinfra "relaymesh/internal/infrastructure/signal"
	webrtcinfra "relaymesh/internal/infrastructure/webrtc"
	"relaymesh/pkg/logger"
	"relaymesh/pkg/validation"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	url            string
	partyID        string
	publish        string
	stun           []string
	logLevel       string
	connectTimeout time.Duration
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("relaymesh-peer", pflag.ContinueOnError)
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "gateway signaling endpoint")
	flags.StringVar(&opts.partyID, "party-id", "", "party ID to connect as (random when empty)")
	flags.StringVar(&opts.publish, "publish", "", "IVF (VP8) file to publish as this party's video")
	flags.StringSliceVar(&opts.stun, "ice-server", []string{"stun:stun.l.google.com:19302"}, "ICE server URL, repeatable")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flags.DurationVar(&opts.connectTimeout, "connect-timeout", 30*time.Second, "how long to wait for the transport to connect")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.partyID == "" {
		opts.partyID = uuid.NewString()
	}

	zapLogger := logger.NewWithFormat(opts.logLevel, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(opts, log); err != nil {
		log.Errorw("peer stopped with error", "error", err)
		os.Exit(1)
	}
}

func validate(opts options) error {
	if err := validation.ValidateSignalURL(opts.url); err != nil {
		return err
	}
	if err := validation.ValidatePartyID(opts.partyID); err != nil {
		return err
	}
	for _, server := range opts.stun {
		if err := validation.ValidateICEServerURL(server); err != nil {
			return err
		}
	}
	return nil
}

func run(opts options, log *zap.SugaredLogger) error {
	if err := validate(opts); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewPrometheusCollector(prometheus.NewRegistry())
	sessions := webrtcinfra.NewSessionFactory(webrtcinfra.Config{
		ICEServers: []webrtc.ICEServer{{URLs: opts.stun}},
	}, metrics, log)
	dialer := signalinfra.NewDialer(opts.url, signalinfra.DefaultChannelOptions(), log)

	agent := services.NewPeerAgent(domain.PeerID(opts.partyID), memory.NewMemoryStreamRegistry(), dialer, sessions, metrics, log)
	agent.On(services.EventPeerUpdated, func(streams []domain.PublicationRecord) {
		for _, s := range streams {
			log.Infow("stream",
				"stream_id", s.StreamID,
				"direction", s.Direction,
				"channel_id", s.ChannelID,
				"has_track", s.HasTrack(),
			)
		}
		log.Infow("peer updated", "streams", len(streams))
	})
	defer agent.Close()

	connectCtx, cancel := context.WithTimeout(ctx, opts.connectTimeout)
	defer cancel()
	if err := agent.Connect(connectCtx); err != nil {
		return err
	}
	if err := agent.WaitConnected(connectCtx); err != nil {
		return fmt.Errorf("transport did not connect: %w", err)
	}
	log.Infow("connected to gateway", "party_id", opts.partyID, "url", opts.url)

	if opts.publish != "" {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video",
			opts.partyID,
		)
		if err != nil {
			return fmt.Errorf("failed to create video track: %w", err)
		}
		agent.PublishVideo(track)
		go func() {
			if err := streamIVF(ctx, opts.publish, track); err != nil {
				log.Warnw("publishing stopped", "file", opts.publish, "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
		agent.UnpublishVideo()
		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = agent.Drain(drainCtx)
	case <-agent.Done():
		log.Warn("gateway connection closed")
	}
	return nil
}

// streamIVF writes the frames of an IVF file to track in real time,
// looping until ctx ends.
func streamIVF(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample) error {
	for {
		if err := playIVF(ctx, path, track); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func playIVF(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("invalid ivf file: %w", err)
	}
	frameDuration := time.Second / 30
	if header.TimebaseDenominator > 0 {
		frameDuration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}
