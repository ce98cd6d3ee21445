package services

import (
	"fmt"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"

	"go.uber.org/zap"
)

var (
	upstreamAvailable   = []domain.ChannelDirection{domain.ChannelRecvOnly, domain.ChannelInactive}
	downstreamAvailable = []domain.ChannelDirection{domain.ChannelRecvOnly, domain.ChannelInactive, domain.ChannelSendRecv}
)

// ReservationLookup reports which stream, if any, holds a channel.
type ReservationLookup func(id domain.ChannelID) (domain.StreamID, bool)

// TransceiverPool maps streams onto the channels of one session, reusing
// idle channels before allocating new ones.
type TransceiverPool struct {
	session   ports.Session
	role      string
	available map[domain.ChannelDirection]struct{}
	reserved  ReservationLookup
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
}

func NewTransceiverPool(
	session ports.Session,
	role string,
	available []domain.ChannelDirection,
	reserved ReservationLookup,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *TransceiverPool {
	set := make(map[domain.ChannelDirection]struct{}, len(available))
	for _, d := range available {
		set[d] = struct{}{}
	}
	return &TransceiverPool{
		session:   session,
		role:      role,
		available: set,
		reserved:  reserved,
		metrics:   metrics,
		logger:    logger,
	}
}

// Reusable reports whether ch can carry streamID without a new allocation.
func (p *TransceiverPool) Reusable(ch domain.ChannelRecord, streamID domain.StreamID) bool {
	if ch.Stopped() || ch.HasSender {
		return false
	}
	if _, ok := p.available[ch.Direction]; !ok {
		return false
	}
	if ch.CurrentDirection != domain.ChannelUnset && ch.CurrentDirection != domain.ChannelInactive {
		return false
	}
	if owner, ok := p.reserved(ch.ID); ok && owner != streamID {
		return false
	}
	return true
}

// FindReusable returns the first reusable channel for streamID.
func (p *TransceiverPool) FindReusable(streamID domain.StreamID) (domain.ChannelRecord, bool) {
	for _, ch := range p.session.Channels() {
		if p.Reusable(ch, streamID) {
			return ch, true
		}
	}
	return domain.ChannelRecord{}, false
}

// Acquire returns a receive-only channel for streamID and whether it was
// reused. A missing reusable channel is not an error; a new one is added.
func (p *TransceiverPool) Acquire(streamID domain.StreamID) (domain.ChannelRecord, bool, error) {
	for _, ch := range p.session.Channels() {
		if !p.Reusable(ch, streamID) {
			continue
		}
		if ch.Direction != domain.ChannelRecvOnly {
			if err := p.session.SetChannelDirection(ch.ID, domain.ChannelRecvOnly); err != nil {
				p.logger.Debugw("skipping channel that cannot be redirected",
					"role", p.role,
					"channel_id", ch.ID,
					"direction", ch.Direction,
					"error", err,
				)
				continue
			}
			ch.Direction = domain.ChannelRecvOnly
		}

		p.metrics.RecordChannelAllocation(p.role, true)
		p.logger.Debugw("reusing channel",
			"role", p.role,
			"channel_id", ch.ID,
			"stream_id", streamID,
		)
		return ch, true, nil
	}

	ch, err := p.session.AddChannel(domain.ChannelRecvOnly)
	if err != nil {
		return domain.ChannelRecord{}, false, fmt.Errorf("failed to add channel for stream %s: %w", streamID, err)
	}
	p.metrics.RecordChannelAllocation(p.role, false)
	p.logger.Debugw("allocated channel",
		"role", p.role,
		"channel_id", ch.ID,
		"stream_id", streamID,
	)
	return ch, false, nil
}

// Validate checks that a channel chosen by the remote side can carry
// streamID.
func (p *TransceiverPool) Validate(id domain.ChannelID, streamID domain.StreamID) (domain.ChannelRecord, error) {
	for _, ch := range p.session.Channels() {
		if ch.ID != id {
			continue
		}
		if ch.Stopped() {
			return ch, fmt.Errorf("channel %s: %w", id, domain.ErrChannelStopped)
		}
		if owner, ok := p.reserved(id); ok && owner != streamID {
			return ch, fmt.Errorf("channel %s held by %s: %w", id, owner, domain.ErrChannelReserved)
		}
		return ch, nil
	}
	return domain.ChannelRecord{}, fmt.Errorf("channel %s: %w", id, domain.ErrChannelNotFound)
}

// Lookup returns the current record of a channel.
func (p *TransceiverPool) Lookup(id domain.ChannelID) (domain.ChannelRecord, bool) {
	for _, ch := range p.session.Channels() {
		if ch.ID == id {
			return ch, true
		}
	}
	return domain.ChannelRecord{}, false
}
