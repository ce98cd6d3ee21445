package webrtc

import (
	"errors"
	"io"

	"relaymesh/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RelayMetrics receives media plane counters from relayed tracks.
type RelayMetrics interface {
	RecordRelayedBytes(n int)
	RecordFeedback(kind string)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) RecordRelayedBytes(int)  {}
func (nopRelayMetrics) RecordFeedback(string) {}

// relayTrack is the local copy of an upstream track. Every downstream
// channel it is attached to receives the same RTP stream.
type relayTrack struct {
	*webrtc.TrackLocalStaticRTP

	// requestKeyframe asks the publishing party for a new keyframe.
	requestKeyframe func()
}

var _ domain.Track = (*relayTrack)(nil)

func newRelayTrack(remote *webrtc.TrackRemote, writeRTCP func([]rtcp.Packet) error) (*relayTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), remote.StreamID())
	if err != nil {
		return nil, err
	}
	ssrc := uint32(remote.SSRC())
	return &relayTrack{
		TrackLocalStaticRTP: local,
		requestKeyframe: func() {
			_ = writeRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		},
	}, nil
}

// forward copies RTP from remote into track until the remote ends.
func forward(remote *webrtc.TrackRemote, track *relayTrack, metrics RelayMetrics, logger *zap.SugaredLogger) {
	buf := make([]byte, 1500)
	packet := &rtp.Packet{}

	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugw("relay read stopped", "track_id", remote.ID(), "error", err)
			}
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			logger.Debugw("dropping malformed rtp packet", "track_id", remote.ID(), "error", err)
			continue
		}
		if err := track.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Warnw("relay write failed", "track_id", remote.ID(), "error", err)
			return
		}
		metrics.RecordRelayedBytes(n)
	}
}

// drainRTCP reads feedback until the reader closes. Keyframe requests from
// downstream receivers are passed to onKeyframe.
func drainRTCP(reader func() ([]rtcp.Packet, error), metrics RelayMetrics, onKeyframe func()) {
	for {
		packets, err := reader()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication:
				metrics.RecordFeedback("pli")
				if onKeyframe != nil {
					onKeyframe()
				}
			case *rtcp.FullIntraRequest:
				metrics.RecordFeedback("fir")
				if onKeyframe != nil {
					onKeyframe()
				}
			case *rtcp.TransportLayerNack:
				metrics.RecordFeedback("nack")
			case *rtcp.ReceiverReport:
				metrics.RecordFeedback("receiver_report")
			case *rtcp.SenderReport:
				metrics.RecordFeedback("sender_report")
			}
		}
	}
}
