package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
	"relaymesh/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const rolePeer = "peer"

type PeerEvent string

// EventPeerUpdated fires whenever the party's local view of streams changes.
const EventPeerUpdated PeerEvent = "peerUpdated"

type PeerListener func(streams []domain.PublicationRecord)

// PeerAgent is the client half of a connection. It publishes at most one
// upstream and receives the streams its gateway announces.
type PeerAgent struct {
	partyID  domain.PeerID
	local    ports.StreamRegistry
	dialer   ports.GatewayDialer
	sessions ports.SessionFactory
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	session    ports.Session
	channel    ports.SignalingChannel
	queue      *NegotiationQueue
	upPool     *TransceiverPool
	downPool   *TransceiverPool
	candidates *candidateBuffer
	listeners  map[PeerEvent][]PeerListener
	unsubLocal []func()

	answers     chan webrtc.SessionDescription
	connected   chan struct{}
	established chan struct{}
	connOnce    sync.Once
	estOnce     sync.Once

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

func NewPeerAgent(
	partyID domain.PeerID,
	local ports.StreamRegistry,
	dialer ports.GatewayDialer,
	sessions ports.SessionFactory,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *PeerAgent {
	a := &PeerAgent{
		partyID:     partyID,
		local:       local,
		dialer:      dialer,
		sessions:    sessions,
		metrics:     metrics,
		logger:      logger.With("role", rolePeer, "party_id", partyID),
		listeners:   make(map[PeerEvent][]PeerListener),
		answers:     make(chan webrtc.SessionDescription, 1),
		connected:   make(chan struct{}),
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
	a.state.Store(int32(domain.StateIdle))
	return a
}

// On registers a listener for event.
func (a *PeerAgent) On(event PeerEvent, listener PeerListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners[event] = append(a.listeners[event], listener)
}

// Connect dials the gateway, opens a transport session and queues the first
// exchange. Use WaitConnected to block until the transport is up.
func (a *PeerAgent) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.channel != nil {
		a.mu.Unlock()
		return fmt.Errorf("party %s is already connected", a.partyID)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return domain.ErrAgentClosed
	default:
	}

	session, err := a.sessions.NewSession(ctx, a.partyID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	channel, err := a.dialer.Dial(ctx, a.partyID)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.channel = channel
	a.queue = NewNegotiationQueue(rolePeer, a.partyID, a.metrics, a.logger)
	a.upPool = NewTransceiverPool(session, rolePeer, upstreamAvailable, a.channelOwner, a.metrics, a.logger)
	a.downPool = NewTransceiverPool(session, rolePeer, downstreamAvailable, a.channelOwner, a.metrics, a.logger)
	a.candidates = newCandidateBuffer(session, a.partyID, a.logger)
	a.mu.Unlock()

	session.OnTrack(a.handleTrack)
	session.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		a.send(domain.SignalPeerICECandidate, domain.CandidatePayload{Candidate: candidate})
	})
	session.OnConnectionStateChange(a.handleConnectionState)

	channel.On(domain.SignalCreateAnswer, a.handleAnswer)
	channel.On(domain.SignalICECandidate, a.handleCandidate)
	channel.On(domain.SignalStreamAdded, a.handleStreamAdded)
	channel.On(domain.SignalStreamRemoved, a.handleStreamRemoved)

	notify := func(domain.RegistryEvent) { a.notify(EventPeerUpdated) }
	a.mu.Lock()
	a.unsubLocal = append(a.unsubLocal,
		a.local.On(domain.RegistryInsert, notify),
		a.local.On(domain.RegistryDelete, notify),
	)
	a.mu.Unlock()

	go func() {
		select {
		case <-channel.Done():
			a.logger.Infow("signaling channel closed")
			a.Close()
		case <-a.done:
		}
	}()

	if _, err := session.AddChannel(domain.ChannelRecvOnly); err != nil {
		a.Close()
		return fmt.Errorf("failed to add initial channel: %w", err)
	}

	a.queue.Enqueue("connect", func(ctx context.Context) error {
		if err := a.negotiate(ctx); err != nil {
			return err
		}
		select {
		case <-a.connected:
		case <-ctx.Done():
			return ctx.Err()
		}
		a.estOnce.Do(func() { close(a.established) })
		a.logger.Infow("connected to gateway")
		return nil
	})
	return nil
}

// WaitConnected blocks until the first exchange completed and the transport
// reports connected.
func (a *PeerAgent) WaitConnected(ctx context.Context) error {
	select {
	case <-a.established:
		return nil
	case <-a.done:
		return domain.ErrAgentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *PeerAgent) PartyID() domain.PeerID {
	return a.partyID
}

func (a *PeerAgent) State() domain.AgentState {
	return domain.AgentState(a.state.Load())
}

// Streams returns the party's local view: its upstream and the downstreams
// it receives.
func (a *PeerAgent) Streams() []domain.PublicationRecord {
	return a.local.Snapshot()
}

func (a *PeerAgent) Channels() []domain.ChannelRecord {
	session := a.currentSession()
	if session == nil {
		return nil
	}
	return session.Channels()
}

func (a *PeerAgent) LocalDescription() *webrtc.SessionDescription {
	session := a.currentSession()
	if session == nil {
		return nil
	}
	return session.LocalDescription()
}

func (a *PeerAgent) RemoteDescription() *webrtc.SessionDescription {
	session := a.currentSession()
	if session == nil {
		return nil
	}
	return session.RemoteDescription()
}

// Drain waits for queued negotiation tasks to finish.
func (a *PeerAgent) Drain(ctx context.Context) error {
	a.mu.Lock()
	queue := a.queue
	a.mu.Unlock()
	if queue == nil {
		return nil
	}
	return queue.Drain(ctx)
}

func (a *PeerAgent) Done() <-chan struct{} {
	return a.done
}

// PublishVideo queues publication of track as the party's upstream. An
// existing upstream is replaced on the same channel.
func (a *PeerAgent) PublishVideo(track domain.Track) {
	if !a.enqueue("publish", func(ctx context.Context) error {
		return a.publish(ctx, track)
	}) {
		a.logger.Warnw("publish ignored, agent not connected", "track_id", track.ID())
	}
}

// UnpublishVideo queues withdrawal of the upstream. It does nothing when no
// upstream is published.
func (a *PeerAgent) UnpublishVideo() {
	if !a.enqueue("unpublish", a.unpublish) {
		a.logger.Warnw("unpublish ignored, agent not connected")
	}
}

// Close tears the connection down. Pending negotiations are dropped.
func (a *PeerAgent) Close() {
	a.closeOnce.Do(func() {
		a.state.Store(int32(domain.StateClosed))

		a.mu.Lock()
		queue := a.queue
		session := a.session
		channel := a.channel
		unsub := a.unsubLocal
		a.unsubLocal = nil
		a.mu.Unlock()

		for _, fn := range unsub {
			fn()
		}
		if queue != nil {
			queue.Close()
		}
		if channel != nil {
			if err := channel.Close(); err != nil {
				a.logger.Debugw("failed to close signaling channel", "error", err)
			}
		}
		if session != nil {
			if err := session.Close(); err != nil {
				a.logger.Warnw("failed to close session", "error", err)
			}
		}
		close(a.done)
		a.logger.Infow("peer agent closed")
	})
}

func (a *PeerAgent) currentSession() ports.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *PeerAgent) enqueue(name string, fn TaskFunc) bool {
	a.mu.Lock()
	queue := a.queue
	a.mu.Unlock()
	if queue == nil {
		return false
	}
	return queue.Enqueue(name, fn)
}

func (a *PeerAgent) setState(state domain.AgentState) {
	for {
		current := a.state.Load()
		if domain.AgentState(current) == domain.StateClosed {
			return
		}
		if a.state.CompareAndSwap(current, int32(state)) {
			return
		}
	}
}

func (a *PeerAgent) send(kind domain.SignalKind, payload interface{}) error {
	a.mu.Lock()
	channel := a.channel
	a.mu.Unlock()

	if err := channel.Send(kind, payload); err != nil {
		a.logger.Warnw("failed to send signal", "kind", kind, "error", err)
		return err
	}
	a.metrics.RecordSignalMessage(kind, true)
	return nil
}

func (a *PeerAgent) notify(event PeerEvent) {
	a.mu.Lock()
	listeners := append([]PeerListener(nil), a.listeners[event]...)
	a.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	streams := a.local.Snapshot()
	for _, listener := range listeners {
		listener(streams)
	}
}

func (a *PeerAgent) channelOwner(id domain.ChannelID) (domain.StreamID, bool) {
	for _, record := range a.local.Snapshot() {
		if record.ChannelID == id {
			return record.StreamID, true
		}
	}
	return "", false
}

func (a *PeerAgent) upstream() (domain.PublicationRecord, bool) {
	for _, record := range a.local.Snapshot() {
		if record.Direction == domain.DirectionUp {
			return record, true
		}
	}
	return domain.PublicationRecord{}, false
}

func (a *PeerAgent) downstreamByChannel(id domain.ChannelID) (domain.PublicationRecord, bool) {
	for _, record := range a.local.Snapshot() {
		if record.Direction == domain.DirectionDown && record.ChannelID == id {
			return record, true
		}
	}
	return domain.PublicationRecord{}, false
}

func (a *PeerAgent) createOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := a.session.CreateOffer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := a.session.SetLocalDescription(ctx, offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set offer: %w", err)
	}
	return offer, nil
}

// exchange sends an offer that is already applied locally and applies the
// answer that comes back.
func (a *PeerAgent) exchange(ctx context.Context, payload domain.OfferPayload) error {
	a.setState(domain.StateNegotiating)
	defer a.setState(domain.StateStable)

	// an answer left over from an abandoned exchange must not be applied
	select {
	case <-a.answers:
	default:
	}

	if err := a.send(domain.SignalCreateOffer, payload); err != nil {
		return err
	}

	var answer webrtc.SessionDescription
	select {
	case answer = <-a.answers:
	case <-a.channel.Done():
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := a.session.SetRemoteDescription(ctx, answer); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	a.candidates.Flush()
	return nil
}

func (a *PeerAgent) negotiate(ctx context.Context) error {
	offer, err := a.createOffer(ctx)
	if err != nil {
		return err
	}
	return a.exchange(ctx, domain.OfferPayload{Offer: offer})
}

func (a *PeerAgent) publish(ctx context.Context, track domain.Track) error {
	if track == nil {
		return domain.ErrUnsupportedTrack
	}
	streamID := domain.StreamID(track.StreamID())
	if streamID == "" {
		return fmt.Errorf("track %s has no stream id: %w", track.ID(), domain.ErrUnsupportedTrack)
	}

	previous, hasPrevious := a.upstream()

	var ch domain.ChannelRecord
	fresh := false
	if hasPrevious {
		existing, ok := a.upPool.Lookup(previous.ChannelID)
		if !ok || existing.Stopped() {
			hasPrevious = false
		} else {
			ch = existing
		}
	}
	if hasPrevious {
		if err := a.replaceUpstream(previous, ch, streamID); err != nil {
			return err
		}
	} else {
		acquired, _, err := a.upPool.Acquire(streamID)
		if err != nil {
			return err
		}
		ch = acquired
		fresh = true
	}

	if err := a.session.AttachTrack(ch.ID, track); err != nil {
		return fmt.Errorf("failed to attach track to channel %s: %w", ch.ID, err)
	}
	if err := a.negotiate(ctx); err != nil {
		if fresh {
			if detachErr := a.session.DetachTrack(ch.ID); detachErr != nil {
				a.logger.Debugw("failed to roll back upstream channel", "channel_id", ch.ID, "error", detachErr)
			}
		}
		return err
	}

	prior, _ := a.upstream()
	if prior.StreamID != "" && prior.StreamID != streamID {
		a.local.Remove(prior.StreamID)
	}
	a.local.Put(streamID, domain.PublicationRecord{
		StreamID:  streamID,
		PeerID:    a.partyID,
		Direction: domain.DirectionUp,
		ChannelID: ch.ID,
		Track:     track,
	})

	a.logger.Infow("video published",
		"stream_id", streamID,
		"channel_id", ch.ID,
		"track_id", track.ID(),
	)
	return nil
}

// replaceUpstream frees the sender of the upstream channel so the next track
// goes out with a new SSRC, which the gateway sees as a new track. A
// different stream is withdrawn first.
func (a *PeerAgent) replaceUpstream(previous domain.PublicationRecord, ch domain.ChannelRecord, streamID domain.StreamID) error {
	if previous.StreamID != streamID {
		if err := a.send(domain.SignalUpstreamRemoved, nil); err != nil {
			return err
		}
	}
	if !ch.HasSender {
		return nil
	}
	if err := a.session.DetachTrack(ch.ID); err != nil {
		return fmt.Errorf("failed to detach upstream channel %s: %w", ch.ID, err)
	}
	return nil
}

func (a *PeerAgent) unpublish(ctx context.Context) error {
	record, ok := a.upstream()
	if !ok {
		return nil
	}

	if err := a.send(domain.SignalUpstreamRemoved, nil); err != nil {
		return err
	}

	ch, found := a.upPool.Lookup(record.ChannelID)
	switch {
	case !found:
		a.logger.Warnw("upstream channel missing", "channel_id", record.ChannelID)
	case ch.NegotiatedActive():
		if err := a.session.DetachTrack(ch.ID); err != nil {
			return fmt.Errorf("failed to detach upstream channel %s: %w", ch.ID, err)
		}
	default:
		if err := a.session.StopChannel(ch.ID); err != nil {
			return fmt.Errorf("failed to stop upstream channel %s: %w", ch.ID, err)
		}
	}

	if err := a.negotiate(ctx); err != nil {
		return err
	}

	a.local.Remove(record.StreamID)
	a.logger.Infow("video unpublished",
		"stream_id", record.StreamID,
		"channel_id", record.ChannelID,
	)
	return nil
}

func (a *PeerAgent) subscribe(ctx context.Context, payload domain.StreamAddedPayload) error {
	if _, known := a.local.Get(payload.StreamID); known {
		return nil
	}

	ch, _, err := a.downPool.Acquire(payload.StreamID)
	if err != nil {
		return err
	}
	tracing.Annotate(ctx,
		tracing.StreamIDKey.String(string(payload.StreamID)),
		tracing.ChannelIDKey.String(string(ch.ID)),
	)
	offer, err := a.createOffer(ctx)
	if err != nil {
		return err
	}

	a.local.Put(payload.StreamID, domain.PublicationRecord{
		StreamID:  payload.StreamID,
		PeerID:    payload.PeerID,
		Direction: domain.DirectionDown,
		ChannelID: ch.ID,
	})

	err = a.exchange(ctx, domain.OfferPayload{
		Offer:     offer,
		ChannelID: ch.ID,
		StreamID:  payload.StreamID,
	})
	if err != nil {
		a.local.Remove(payload.StreamID)
		return fmt.Errorf("failed to subscribe to stream %s: %w", payload.StreamID, err)
	}

	a.logger.Infow("subscribed to stream",
		"stream_id", payload.StreamID,
		"source_party_id", payload.PeerID,
		"channel_id", ch.ID,
	)
	return nil
}

func (a *PeerAgent) unsubscribe(ctx context.Context, streamID domain.StreamID) error {
	record, ok := a.local.Get(streamID)
	if !ok || record.Direction != domain.DirectionDown {
		return nil
	}
	a.local.Remove(streamID)

	if err := a.negotiate(ctx); err != nil {
		return err
	}
	a.logger.Infow("unsubscribed from stream",
		"stream_id", streamID,
		"channel_id", record.ChannelID,
	)
	return nil
}

func (a *PeerAgent) handleAnswer(msg domain.SignalMessage) {
	a.metrics.RecordSignalMessage(msg.Type, false)

	var payload domain.AnswerPayload
	if err := msg.Decode(&payload); err != nil {
		a.logger.Warnw("dropping malformed answer", "error", err)
		return
	}
	select {
	case a.answers <- payload.Answer:
	default:
		a.logger.Warnw("dropping unexpected answer")
	}
}

func (a *PeerAgent) handleCandidate(msg domain.SignalMessage) {
	a.metrics.RecordSignalMessage(msg.Type, false)

	var payload domain.CandidatePayload
	if err := msg.Decode(&payload); err != nil {
		a.logger.Warnw("dropping malformed ICE candidate", "error", err)
		return
	}
	a.candidates.Add(payload.Candidate)
}

func (a *PeerAgent) handleStreamAdded(msg domain.SignalMessage) {
	a.metrics.RecordSignalMessage(msg.Type, false)

	var payload domain.StreamAddedPayload
	if err := msg.Decode(&payload); err != nil {
		a.logger.Warnw("dropping malformed stream announcement", "error", err)
		return
	}
	a.enqueue("subscribe", func(ctx context.Context) error {
		return a.subscribe(ctx, payload)
	})
}

func (a *PeerAgent) handleStreamRemoved(msg domain.SignalMessage) {
	a.metrics.RecordSignalMessage(msg.Type, false)

	var streamID domain.StreamID
	if err := msg.Decode(&streamID); err != nil {
		a.logger.Warnw("dropping malformed stream removal", "error", err)
		return
	}
	a.enqueue("unsubscribe", func(ctx context.Context) error {
		return a.unsubscribe(ctx, streamID)
	})
}

func (a *PeerAgent) handleTrack(channelID domain.ChannelID, track domain.Track) {
	record, ok := a.downstreamByChannel(channelID)
	if !ok {
		a.logger.Debugw("track arrived on unmapped channel",
			"channel_id", channelID,
			"track_id", track.ID(),
		)
		return
	}
	record.Track = track
	a.local.Put(record.StreamID, record)
}

func (a *PeerAgent) handleConnectionState(state webrtc.PeerConnectionState) {
	a.logger.Infow("peer connection state changed", "connection_state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		a.connOnce.Do(func() { close(a.connected) })
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		go a.Close()
	}
}
