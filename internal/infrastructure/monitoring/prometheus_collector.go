package monitoring

import (
	"strconv"
	"time"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	partiesConnected prometheus.Gauge
	streamsPublished prometheus.Gauge

	// Counters
	negotiationsTotal  *prometheus.CounterVec
	channelAllocations *prometheus.CounterVec
	signalMessages     *prometheus.CounterVec
	relayedBytes       prometheus.Counter
	feedbackPackets    *prometheus.CounterVec

	// Histograms
	negotiationDuration *prometheus.HistogramVec
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the relaymesh metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		partiesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaymesh_parties_connected",
			Help: "Number of parties with an open gateway agent",
		}),

		streamsPublished: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaymesh_streams_published",
			Help: "Number of streams in the shared registry",
		}),

		negotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_negotiations_total",
			Help: "Negotiation tasks run, by role, task and outcome",
		}, []string{"role", "task", "outcome"}),

		channelAllocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_channel_allocations_total",
			Help: "Channels handed out by the transceiver pools",
		}, []string{"role", "reused"}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_signal_messages_total",
			Help: "Signaling messages by kind and direction",
		}, []string{"kind", "direction"}),

		relayedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_relayed_bytes_total",
			Help: "RTP payload bytes forwarded from upstream tracks",
		}),

		feedbackPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_rtcp_packets_total",
			Help: "RTCP packets read from senders and receivers, by type",
		}, []string{"type"}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaymesh_negotiation_duration_seconds",
			Help:    "Duration of negotiation tasks",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"role"}),
	}
}

func (p *PrometheusCollector) RecordPartyConnected() {
	p.partiesConnected.Inc()
}

func (p *PrometheusCollector) RecordPartyDisconnected() {
	p.partiesConnected.Dec()
}

func (p *PrometheusCollector) SetStreamsPublished(count int) {
	p.streamsPublished.Set(float64(count))
}

func (p *PrometheusCollector) RecordNegotiation(role, task string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.negotiationsTotal.WithLabelValues(role, task, outcome).Inc()
	p.negotiationDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordChannelAllocation(role string, reused bool) {
	p.channelAllocations.WithLabelValues(role, strconv.FormatBool(reused)).Inc()
}

func (p *PrometheusCollector) RecordSignalMessage(kind domain.SignalKind, outbound bool) {
	direction := "inbound"
	if outbound {
		direction = "outbound"
	}
	p.signalMessages.WithLabelValues(string(kind), direction).Inc()
}

func (p *PrometheusCollector) RecordRelayedBytes(bytes int) {
	p.relayedBytes.Add(float64(bytes))
}

func (p *PrometheusCollector) RecordFeedback(packetType string) {
	p.feedbackPackets.WithLabelValues(packetType).Inc()
}
