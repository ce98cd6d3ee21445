package monitoring

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/infrastructure/repositories/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordPartyConnected()
	c.RecordPartyConnected()
	c.RecordPartyDisconnected()
	c.SetStreamsPublished(3)
	c.RecordNegotiation("peer", "publish", 20*time.Millisecond, nil)
	c.RecordNegotiation("peer", "publish", 5*time.Millisecond, errors.New("no answer"))
	c.RecordChannelAllocation("gateway", true)
	c.RecordSignalMessage(domain.SignalCreateOffer, true)
	c.RecordSignalMessage(domain.SignalCreateOffer, false)
	c.RecordRelayedBytes(1200)
	c.RecordFeedback("PictureLossIndication")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.partiesConnected))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.streamsPublished))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.negotiationsTotal.WithLabelValues("peer", "publish", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.negotiationsTotal.WithLabelValues("peer", "publish", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelAllocations.WithLabelValues("gateway", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalMessages.WithLabelValues("createOffer", "inbound")))
	assert.Equal(t, 1200.0, testutil.ToFloat64(c.relayedBytes))

	expected := `
# HELP relaymesh_rtcp_packets_total RTCP packets read from senders and receivers, by type
# TYPE relaymesh_rtcp_packets_total counter
relaymesh_rtcp_packets_total{type="PictureLossIndication"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "relaymesh_rtcp_packets_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(c.negotiationDuration))
}

func TestHealthChecker(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		h := NewHealthChecker(zap.NewNop().Sugar())
		h.AddRegistryCheck(memory.NewMemoryStreamRegistry(), time.Minute, time.Second)

		status := h.CheckAll(context.Background())
		assert.True(t, status.Healthy())
		assert.Equal(t, StatusHealthy, status.Checks["registry"].Status)
		assert.Empty(t, status.Checks["registry"].Error)
	})

	t.Run("failing check", func(t *testing.T) {
		h := NewHealthChecker(zap.NewNop().Sugar())
		h.AddRegistryCheck(memory.NewMemoryStreamRegistry(), time.Minute, time.Second)
		h.AddCheck("redis", func(ctx context.Context) error {
			return errors.New("connection refused")
		}, time.Minute, time.Second)

		status := h.CheckAll(context.Background())
		assert.False(t, status.Healthy())
		assert.Equal(t, StatusHealthy, status.Checks["registry"].Status)
		assert.Equal(t, StatusUnhealthy, status.Checks["redis"].Status)
		assert.Equal(t, "connection refused", status.Checks["redis"].Error)
	})

	t.Run("timeout", func(t *testing.T) {
		h := NewHealthChecker(zap.NewNop().Sugar())
		h.AddCheck("stuck", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, time.Minute, 10*time.Millisecond)

		status := h.CheckAll(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Checks["stuck"].Status)
		assert.Contains(t, status.Checks["stuck"].Error, "deadline exceeded")
	})

	t.Run("logs transitions only", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		h := NewHealthChecker(zap.New(core).Sugar())
		failing := true
		h.AddCheck("redis", func(ctx context.Context) error {
			if failing {
				return errors.New("connection refused")
			}
			return nil
		}, time.Minute, time.Second)

		h.CheckAll(context.Background())
		h.CheckAll(context.Background())
		failing = false
		h.CheckAll(context.Background())

		require.Equal(t, 2, logs.Len())
		assert.Equal(t, "health check failing", logs.All()[0].Message)
		assert.Equal(t, "health check recovered", logs.All()[1].Message)
	})
}
