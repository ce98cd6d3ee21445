package ports

import (
	"context"
	"time"

	"relaymesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Session is the transport capability set an agent negotiates through.
type Session interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState

	AddChannel(direction domain.ChannelDirection) (domain.ChannelRecord, error)
	Channels() []domain.ChannelRecord
	// AttachTrack binds track to the channel's sender. The desired direction
	// gains send.
	AttachTrack(id domain.ChannelID, track domain.Track) error
	// DetachTrack clears the channel's sender. The desired direction loses
	// send and the channel stays reusable.
	DetachTrack(id domain.ChannelID) error
	SetChannelDirection(id domain.ChannelID, direction domain.ChannelDirection) error
	StopChannel(id domain.ChannelID) error

	OnTrack(handler func(id domain.ChannelID, track domain.Track))
	OnICECandidate(handler func(candidate webrtc.ICECandidateInit))
	OnConnectionStateChange(handler func(state webrtc.PeerConnectionState))
	Close() error
}

type SessionFactory interface {
	NewSession(ctx context.Context, partyID domain.PeerID) (Session, error)
}

type SignalHandler func(msg domain.SignalMessage)

// SignalingChannel carries typed messages between one peer agent and its
// gateway agent. Handlers for one channel run in delivery order.
type SignalingChannel interface {
	Send(kind domain.SignalKind, payload interface{}) error
	On(kind domain.SignalKind, handler SignalHandler)
	Close() error
	Done() <-chan struct{}
}

// GatewayConnector accepts a party's signaling channel on the gateway side.
type GatewayConnector interface {
	Connect(ctx context.Context, partyID domain.PeerID, channel SignalingChannel) error
}

// GatewayDialer opens a signaling channel to a gateway on behalf of a party.
type GatewayDialer interface {
	Dial(ctx context.Context, partyID domain.PeerID) (SignalingChannel, error)
}

type MetricsRecorder interface {
	RecordPartyConnected()
	RecordPartyDisconnected()
	SetStreamsPublished(count int)
	RecordNegotiation(role, task string, duration time.Duration, err error)
	RecordChannelAllocation(role string, reused bool)
	RecordSignalMessage(kind domain.SignalKind, outbound bool)
}
