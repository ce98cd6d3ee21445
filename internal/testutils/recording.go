package testutils

import (
	"context"
	"sync"
	"time"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
)

// RecordingChannel wraps a signaling channel and remembers the kinds sent
// and received through it.
type RecordingChannel struct {
	ports.SignalingChannel

	mu       sync.Mutex
	sent     []domain.SignalKind
	received []domain.SignalKind
}

func NewRecordingChannel(inner ports.SignalingChannel) *RecordingChannel {
	return &RecordingChannel{SignalingChannel: inner}
}

func (c *RecordingChannel) Send(kind domain.SignalKind, payload interface{}) error {
	c.mu.Lock()
	c.sent = append(c.sent, kind)
	c.mu.Unlock()
	return c.SignalingChannel.Send(kind, payload)
}

func (c *RecordingChannel) On(kind domain.SignalKind, handler ports.SignalHandler) {
	c.SignalingChannel.On(kind, func(msg domain.SignalMessage) {
		c.mu.Lock()
		c.received = append(c.received, msg.Type)
		c.mu.Unlock()
		handler(msg)
	})
}

func (c *RecordingChannel) Sent() []domain.SignalKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SignalKind(nil), c.sent...)
}

func (c *RecordingChannel) Received() []domain.SignalKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SignalKind(nil), c.received...)
}

// Reset forgets everything recorded so far.
func (c *RecordingChannel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
	c.received = nil
}

// RecordingDialer wraps every dialed channel in a RecordingChannel.
type RecordingDialer struct {
	Dialer ports.GatewayDialer

	mu       sync.Mutex
	channels map[domain.PeerID]*RecordingChannel
}

func NewRecordingDialer(dialer ports.GatewayDialer) *RecordingDialer {
	return &RecordingDialer{Dialer: dialer, channels: make(map[domain.PeerID]*RecordingChannel)}
}

func (d *RecordingDialer) Dial(ctx context.Context, partyID domain.PeerID) (ports.SignalingChannel, error) {
	inner, err := d.Dialer.Dial(ctx, partyID)
	if err != nil {
		return nil, err
	}
	ch := NewRecordingChannel(inner)

	d.mu.Lock()
	d.channels[partyID] = ch
	d.mu.Unlock()
	return ch, nil
}

// Channel returns the last channel dialed for partyID.
func (d *RecordingDialer) Channel(partyID domain.PeerID) *RecordingChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[partyID]
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

var _ ports.MetricsRecorder = NopMetrics{}

func (NopMetrics) RecordPartyConnected()                                  {}
func (NopMetrics) RecordPartyDisconnected()                               {}
func (NopMetrics) SetStreamsPublished(int)                                {}
func (NopMetrics) RecordNegotiation(string, string, time.Duration, error) {}
func (NopMetrics) RecordChannelAllocation(string, bool)                   {}
func (NopMetrics) RecordSignalMessage(domain.SignalKind, bool)            {}
