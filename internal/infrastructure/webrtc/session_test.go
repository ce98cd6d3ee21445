package webrtc

import (
	"context"
	"fmt"
	"testing"

	"relaymesh/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const answerSDP = `v=0
o=- 4215775240449105457 2 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE 0 1 2
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:0
a=sendonly
a=rtpmap:96 VP8/90000
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:1
a=rtpmap:96 VP8/90000
m=video 0 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:2
a=inactive
`

type opaqueTrack struct{}

func (opaqueTrack) ID() string       { return "opaque" }
func (opaqueTrack) StreamID() string { return "opaque-stream" }

func newSession(t *testing.T, factory *SessionFactory, partyID domain.PeerID) *Session {
	t.Helper()
	session, err := factory.NewSession(context.Background(), partyID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session.(*Session)
}

func newFactory() *SessionFactory {
	return NewSessionFactory(Config{}, nil, zap.NewNop().Sugar())
}

func exchange(t *testing.T, offerer, answerer *Session) {
	t.Helper()
	ctx := context.Background()

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(ctx, offer))
	require.NoError(t, answerer.SetRemoteDescription(ctx, offer))

	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(ctx, answer))
	require.NoError(t, offerer.SetRemoteDescription(ctx, answer))
}

func TestMediaDirections(t *testing.T) {
	directions, err := mediaDirections(answerSDP)
	require.NoError(t, err)

	assert.Equal(t, domain.ChannelSendOnly, directions["0"])
	assert.Equal(t, domain.ChannelSendRecv, directions["1"], "missing attribute defaults to sendrecv")
	assert.Equal(t, domain.ChannelStopped, directions["2"], "rejected section")

	_, err = mediaDirections("not a session description")
	assert.ErrorIs(t, err, errNotSessionDescription)
}

func TestSession_AddChannelAssignsMids(t *testing.T) {
	session := newSession(t, newFactory(), "alice")

	first, err := session.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)
	second, err := session.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)

	assert.Equal(t, domain.ChannelID("0"), first.ID)
	assert.Equal(t, domain.ChannelID("1"), second.ID)
	assert.Equal(t, domain.ChannelRecvOnly, first.Direction)
	assert.Equal(t, domain.ChannelUnset, first.CurrentDirection)
	assert.False(t, first.HasSender)
	assert.Len(t, session.Channels(), 2)

	_, err = session.AddChannel(domain.ChannelStopped)
	assert.ErrorIs(t, err, domain.ErrDirectionChange)
}

func TestSession_OfferAnswerMatchesChannels(t *testing.T) {
	factory := newFactory()
	peer := newSession(t, factory, "alice")
	gateway := newSession(t, factory, "gateway")

	_, err := peer.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)

	exchange(t, peer, gateway)

	assert.Equal(t, webrtc.SignalingStateStable, peer.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, gateway.SignalingState())

	gatewayChannels := gateway.Channels()
	require.Len(t, gatewayChannels, 1)
	assert.Equal(t, domain.ChannelID("0"), gatewayChannels[0].ID)
	assert.Equal(t, domain.ChannelSendOnly, gatewayChannels[0].Direction)
	assert.Equal(t, domain.ChannelSendOnly, gatewayChannels[0].CurrentDirection)

	peerChannels := peer.Channels()
	require.Len(t, peerChannels, 1)
	assert.Equal(t, domain.ChannelRecvOnly, peerChannels[0].CurrentDirection)
	assert.False(t, peerChannels[0].NegotiatedActive())
}

func channelByID(t *testing.T, session *Session, id domain.ChannelID) domain.ChannelRecord {
	t.Helper()
	for _, ch := range session.Channels() {
		if ch.ID == id {
			return ch
		}
	}
	require.FailNow(t, "channel not found", "channel %s", id)
	return domain.ChannelRecord{}
}

func TestSession_PublishCyclesReuseUpstreamChannel(t *testing.T) {
	factory := newFactory()
	peer := newSession(t, factory, "alice")
	gateway := newSession(t, factory, "gateway")

	_, err := peer.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)
	exchange(t, peer, gateway)

	up, err := peer.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			fmt.Sprintf("cam-%d", round), fmt.Sprintf("stream-%d", round),
		)
		require.NoError(t, err)

		require.NoError(t, peer.AttachTrack(up.ID, track))
		exchange(t, peer, gateway)

		published := channelByID(t, peer, up.ID)
		assert.Equal(t, domain.ChannelSendOnly, published.CurrentDirection, "round %d", round)
		assert.True(t, published.NegotiatedActive())
		assert.Equal(t, domain.ChannelRecvOnly, channelByID(t, gateway, up.ID).CurrentDirection)

		require.NoError(t, peer.DetachTrack(up.ID))
		exchange(t, peer, gateway)

		withdrawn := channelByID(t, peer, up.ID)
		assert.Equal(t, domain.ChannelInactive, withdrawn.CurrentDirection, "round %d", round)
		assert.Equal(t, domain.ChannelRecvOnly, withdrawn.Direction)
		assert.False(t, withdrawn.HasSender)
		assert.False(t, withdrawn.Stopped())
		assert.Equal(t, domain.ChannelInactive, channelByID(t, gateway, up.ID).CurrentDirection)

		assert.Len(t, peer.Channels(), 2, "round %d", round)
		assert.Len(t, gateway.Channels(), 2, "round %d", round)
	}
}

func TestSession_RemoteStopEndsChannel(t *testing.T) {
	factory := newFactory()
	peer := newSession(t, factory, "alice")
	gateway := newSession(t, factory, "gateway")

	_, err := peer.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)
	down, err := peer.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)
	exchange(t, peer, gateway)

	require.NoError(t, peer.StopChannel(down.ID))
	exchange(t, peer, gateway)

	assert.True(t, channelByID(t, peer, down.ID).Stopped())
	assert.True(t, channelByID(t, gateway, down.ID).Stopped())
	assert.False(t, channelByID(t, gateway, "0").Stopped())
}

func TestSession_AttachAndDetachTrack(t *testing.T) {
	factory := newFactory()
	peer := newSession(t, factory, "alice")
	gateway := newSession(t, factory, "gateway")

	_, err := peer.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)
	exchange(t, peer, gateway)

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "cam-b", "stream-b")
	require.NoError(t, err)

	require.NoError(t, gateway.AttachTrack("0", track))
	ch := gateway.Channels()[0]
	assert.True(t, ch.HasSender)
	assert.Equal(t, domain.ChannelSendOnly, ch.Direction)

	require.NoError(t, gateway.DetachTrack("0"))
	ch = gateway.Channels()[0]
	assert.False(t, ch.HasSender)
	assert.Equal(t, domain.ChannelInactive, ch.Direction)

	require.NoError(t, gateway.DetachTrack("0"), "detaching twice is a no-op")

	assert.ErrorIs(t, gateway.AttachTrack("0", opaqueTrack{}), domain.ErrUnsupportedTrack)
	assert.ErrorIs(t, gateway.AttachTrack("9", track), domain.ErrChannelNotFound)
}

func TestSession_StopChannel(t *testing.T) {
	session := newSession(t, newFactory(), "alice")

	ch, err := session.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)
	require.NoError(t, session.StopChannel(ch.ID))

	assert.True(t, session.Channels()[0].Stopped())

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "cam", "stream")
	require.NoError(t, err)
	assert.ErrorIs(t, session.AttachTrack(ch.ID, track), domain.ErrChannelStopped)
}

func TestSession_SetChannelDirection(t *testing.T) {
	session := newSession(t, newFactory(), "alice")

	ch, err := session.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, err)

	assert.NoError(t, session.SetChannelDirection(ch.ID, domain.ChannelRecvOnly))
	assert.ErrorIs(t, session.SetChannelDirection(ch.ID, domain.ChannelInactive), domain.ErrDirectionChange)
}
