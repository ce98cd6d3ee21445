package services

import (
	"context"
	"testing"
	"time"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockMetricsRecorder struct {
	mock.Mock
}

func (m *MockMetricsRecorder) RecordPartyConnected()    { m.Called() }
func (m *MockMetricsRecorder) RecordPartyDisconnected() { m.Called() }
func (m *MockMetricsRecorder) SetStreamsPublished(count int) {
	m.Called(count)
}
func (m *MockMetricsRecorder) RecordNegotiation(role, task string, duration time.Duration, err error) {
	m.Called(role, task, duration, err)
}
func (m *MockMetricsRecorder) RecordChannelAllocation(role string, reused bool) {
	m.Called(role, reused)
}
func (m *MockMetricsRecorder) RecordSignalMessage(kind domain.SignalKind, outbound bool) {
	m.Called(kind, outbound)
}

func noReservations(domain.ChannelID) (domain.StreamID, bool) { return "", false }

// negotiateOnce runs one offer/answer round between a local session and a
// remote one.
func negotiateOnce(t *testing.T, local, remote *testutils.LoopbackSession) {
	t.Helper()
	ctx := context.Background()

	offer, err := local.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, local.SetLocalDescription(ctx, offer))
	require.NoError(t, remote.SetRemoteDescription(ctx, offer))
	answer, err := remote.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(ctx, answer))
	require.NoError(t, local.SetRemoteDescription(ctx, answer))
}

func TestTransceiverPool_Acquire(t *testing.T) {
	t.Run("allocates when nothing is reusable", func(t *testing.T) {
		session := testutils.NewLoopbackSession("alice")
		metrics := new(MockMetricsRecorder)
		metrics.On("RecordChannelAllocation", "peer", false).Once()

		pool := NewTransceiverPool(session, "peer", downstreamAvailable, noReservations, metrics, zap.NewNop().Sugar())
		ch, reused, err := pool.Acquire("s1")
		require.NoError(t, err)
		assert.False(t, reused)
		assert.Equal(t, domain.ChannelRecvOnly, ch.Direction)
		assert.Len(t, session.Channels(), 1)
		metrics.AssertExpectations(t)
	})

	t.Run("skips a channel the remote sends on", func(t *testing.T) {
		local := testutils.NewLoopbackSession("alice")
		remote := testutils.NewLoopbackSession("gateway")
		_, err := local.AddChannel(domain.ChannelRecvOnly)
		require.NoError(t, err)
		negotiateOnce(t, local, remote)

		require.Equal(t, domain.ChannelRecvOnly, local.Channels()[0].CurrentDirection)

		pool := NewTransceiverPool(local, "peer", downstreamAvailable, noReservations, testutils.NopMetrics{}, zap.NewNop().Sugar())
		_, ok := pool.FindReusable("s1")
		assert.False(t, ok)
	})

	t.Run("reuses a negotiated inactive channel", func(t *testing.T) {
		local := testutils.NewLoopbackSession("alice")
		remote := testutils.NewLoopbackSession("gateway")
		ch, err := local.AddChannel(domain.ChannelRecvOnly)
		require.NoError(t, err)
		require.NoError(t, local.AttachTrack(ch.ID, testutils.NewLoopbackTrack("t1", "s0")))
		negotiateOnce(t, local, remote)
		require.NoError(t, local.DetachTrack(ch.ID))
		negotiateOnce(t, local, remote)

		require.Equal(t, domain.ChannelInactive, local.Channels()[0].CurrentDirection)

		metrics := new(MockMetricsRecorder)
		metrics.On("RecordChannelAllocation", "peer", true).Once()
		pool := NewTransceiverPool(local, "peer", downstreamAvailable, noReservations, metrics, zap.NewNop().Sugar())

		ch, reused, err := pool.Acquire("s1")
		require.NoError(t, err)
		assert.True(t, reused)
		assert.Equal(t, domain.ChannelID("0"), ch.ID)
		assert.Len(t, local.Channels(), 1)
		metrics.AssertExpectations(t)
	})

	t.Run("skips channels held by another stream", func(t *testing.T) {
		session := testutils.NewLoopbackSession("alice")
		held, err := session.AddChannel(domain.ChannelRecvOnly)
		require.NoError(t, err)

		reserved := func(id domain.ChannelID) (domain.StreamID, bool) {
			if id == held.ID {
				return "s0", true
			}
			return "", false
		}
		metrics := new(MockMetricsRecorder)
		metrics.On("RecordChannelAllocation", "peer", false).Once()
		pool := NewTransceiverPool(session, "peer", downstreamAvailable, reserved, metrics, zap.NewNop().Sugar())

		ch, reused, err := pool.Acquire("s1")
		require.NoError(t, err)
		assert.False(t, reused)
		assert.NotEqual(t, held.ID, ch.ID)

		assert.True(t, pool.Reusable(session.Channels()[0], "s0"))
	})

	t.Run("skips stopped and sending channels", func(t *testing.T) {
		session := testutils.NewLoopbackSession("alice")
		stopped, _ := session.AddChannel(domain.ChannelRecvOnly)
		require.NoError(t, session.StopChannel(stopped.ID))
		sending, _ := session.AddChannel(domain.ChannelRecvOnly)
		require.NoError(t, session.AttachTrack(sending.ID, testutils.NewLoopbackTrack("t1", "s9")))

		pool := NewTransceiverPool(session, "peer", upstreamAvailable, noReservations, testutils.NopMetrics{}, zap.NewNop().Sugar())
		_, ok := pool.FindReusable("s1")
		assert.False(t, ok)

		ch, reused, err := pool.Acquire("s1")
		require.NoError(t, err)
		assert.False(t, reused)
		assert.Equal(t, domain.ChannelID("2"), ch.ID)
	})

	t.Run("upstream pool refuses sendrecv channels", func(t *testing.T) {
		session := testutils.NewLoopbackSession("alice")
		ch, _ := session.AddChannel(domain.ChannelSendRecv)

		up := NewTransceiverPool(session, "peer", upstreamAvailable, noReservations, testutils.NopMetrics{}, zap.NewNop().Sugar())
		down := NewTransceiverPool(session, "peer", downstreamAvailable, noReservations, testutils.NopMetrics{}, zap.NewNop().Sugar())

		assert.False(t, up.Reusable(session.Channels()[0], "s1"))
		assert.True(t, down.Reusable(session.Channels()[0], "s1"))

		// the session cannot turn the channel receive-only, so a new one is added
		got, reused, err := down.Acquire("s1")
		require.NoError(t, err)
		assert.False(t, reused)
		assert.NotEqual(t, ch.ID, got.ID)
		assert.Equal(t, domain.ChannelRecvOnly, got.Direction)
		assert.Len(t, session.Channels(), 2)
	})
}

func TestTransceiverPool_Validate(t *testing.T) {
	session := testutils.NewLoopbackSession("gateway")
	open, _ := session.AddChannel(domain.ChannelRecvOnly)
	stopped, _ := session.AddChannel(domain.ChannelRecvOnly)
	require.NoError(t, session.StopChannel(stopped.ID))
	held, _ := session.AddChannel(domain.ChannelRecvOnly)

	reserved := func(id domain.ChannelID) (domain.StreamID, bool) {
		if id == held.ID {
			return "s0", true
		}
		return "", false
	}
	pool := NewTransceiverPool(session, "gateway", downstreamAvailable, reserved, testutils.NopMetrics{}, zap.NewNop().Sugar())

	ch, err := pool.Validate(open.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, open.ID, ch.ID)

	_, err = pool.Validate("missing", "s1")
	assert.ErrorIs(t, err, domain.ErrChannelNotFound)

	_, err = pool.Validate(stopped.ID, "s1")
	assert.ErrorIs(t, err, domain.ErrChannelStopped)

	_, err = pool.Validate(held.ID, "s1")
	assert.ErrorIs(t, err, domain.ErrChannelReserved)

	_, err = pool.Validate(held.ID, "s0")
	assert.NoError(t, err)
}
