package signal

import (
	"context"
	"errors"
	"testing"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) Connect(ctx context.Context, partyID domain.PeerID, channel ports.SignalingChannel) error {
	args := m.Called(ctx, partyID, channel)
	return args.Error(0)
}

func TestPipe(t *testing.T) {
	t.Run("delivers to the other end", func(t *testing.T) {
		client, server := NewPipe()

		var got []domain.StreamAddedPayload
		client.On(domain.SignalStreamAdded, func(msg domain.SignalMessage) {
			var payload domain.StreamAddedPayload
			require.NoError(t, msg.Decode(&payload))
			got = append(got, payload)
		})

		require.NoError(t, server.Send(domain.SignalStreamAdded, domain.StreamAddedPayload{StreamID: "s1", PeerID: "alice"}))
		require.NoError(t, server.Send(domain.SignalStreamAdded, domain.StreamAddedPayload{StreamID: "s2", PeerID: "bob"}))

		require.Len(t, got, 2)
		assert.Equal(t, domain.StreamID("s1"), got[0].StreamID)
		assert.Equal(t, domain.PeerID("bob"), got[1].PeerID)
	})

	t.Run("does not echo to the sender", func(t *testing.T) {
		client, server := NewPipe()

		delivered := false
		server.On(domain.SignalUpstreamRemoved, func(domain.SignalMessage) { delivered = true })
		echoed := false
		client.On(domain.SignalUpstreamRemoved, func(domain.SignalMessage) { echoed = true })

		require.NoError(t, client.Send(domain.SignalUpstreamRemoved, nil))
		assert.True(t, delivered)
		assert.False(t, echoed)
	})

	t.Run("string payload", func(t *testing.T) {
		client, server := NewPipe()

		var removed domain.StreamID
		client.On(domain.SignalStreamRemoved, func(msg domain.SignalMessage) {
			require.NoError(t, msg.Decode(&removed))
		})
		require.NoError(t, server.Send(domain.SignalStreamRemoved, domain.StreamID("s1")))
		assert.Equal(t, domain.StreamID("s1"), removed)
	})

	t.Run("closing one end closes both", func(t *testing.T) {
		client, server := NewPipe()
		require.NoError(t, client.Close())

		select {
		case <-server.Done():
		default:
			t.Fatal("server end still open")
		}
		err := server.Send(domain.SignalStreamRemoved, "s1")
		assert.True(t, errors.Is(err, domain.ErrChannelClosed))
		assert.NoError(t, server.Close())
	})

	t.Run("unknown kind", func(t *testing.T) {
		client, _ := NewPipe()
		err := client.Send(domain.SignalKind("bogus"), nil)
		assert.True(t, errors.Is(err, domain.ErrUnknownSignalKind))
	})
}

func TestLocalDialer(t *testing.T) {
	t.Run("hands the server end to the connector", func(t *testing.T) {
		connector := new(MockConnector)
		offers := 0
		connector.On("Connect", mock.Anything, domain.PeerID("alice"), mock.Anything).
			Run(func(args mock.Arguments) {
				ch := args.Get(2).(ports.SignalingChannel)
				ch.On(domain.SignalCreateOffer, func(domain.SignalMessage) { offers++ })
			}).
			Return(nil)

		dialer := NewLocalDialer(connector)
		ch, err := dialer.Dial(context.Background(), "alice")
		require.NoError(t, err)

		require.NoError(t, ch.Send(domain.SignalCreateOffer, domain.OfferPayload{}))
		assert.Equal(t, 1, offers)
		connector.AssertExpectations(t)
	})

	t.Run("connector failure", func(t *testing.T) {
		connector := new(MockConnector)
		connector.On("Connect", mock.Anything, domain.PeerID("alice"), mock.Anything).
			Return(errors.New("gateway closed"))

		dialer := NewLocalDialer(connector)
		ch, err := dialer.Dial(context.Background(), "alice")
		assert.Error(t, err)
		assert.Nil(t, ch)
	})
}
