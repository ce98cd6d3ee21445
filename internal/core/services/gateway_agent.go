package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
	"relaymesh/pkg/tracing"
	"relaymesh/pkg/validation"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const roleGateway = "gateway"

type attachment struct {
	record    domain.PublicationRecord
	channelID domain.ChannelID
}

// GatewayAgent negotiates with one party. It announces the streams of other
// parties as downstreams and publishes the party's own track into the shared
// registry.
type GatewayAgent struct {
	partyID    domain.PeerID
	registry   ports.StreamRegistry
	channel    ports.SignalingChannel
	session    ports.Session
	queue      *NegotiationQueue
	pool       *TransceiverPool
	candidates *candidateBuffer
	metrics    ports.MetricsRecorder
	logger     *zap.SugaredLogger

	mu          sync.Mutex
	upstream    *domain.PublicationRecord
	pending     map[domain.StreamID]domain.PublicationRecord
	attached    map[domain.StreamID]attachment
	ready       bool
	closed      bool
	unsubscribe []func()

	connected chan struct{}
	connOnce  sync.Once

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

func newGatewayAgent(
	partyID domain.PeerID,
	registry ports.StreamRegistry,
	channel ports.SignalingChannel,
	session ports.Session,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *GatewayAgent {
	a := &GatewayAgent{
		partyID:   partyID,
		registry:  registry,
		channel:   channel,
		session:   session,
		metrics:   metrics,
		logger:    logger.With("role", roleGateway, "party_id", partyID),
		pending:   make(map[domain.StreamID]domain.PublicationRecord),
		attached:  make(map[domain.StreamID]attachment),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	a.queue = NewNegotiationQueue(roleGateway, partyID, metrics, logger)
	a.pool = NewTransceiverPool(session, roleGateway, downstreamAvailable, a.channelOwner, metrics, a.logger)
	a.candidates = newCandidateBuffer(session, partyID, a.logger)
	a.state.Store(int32(domain.StateIdle))
	return a
}

func (a *GatewayAgent) start() {
	a.session.OnTrack(a.handleTrack)
	a.session.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		_ = a.send(domain.SignalICECandidate, domain.CandidatePayload{Candidate: candidate})
	})
	a.session.OnConnectionStateChange(a.handleConnectionState)

	a.mu.Lock()
	a.unsubscribe = append(a.unsubscribe,
		a.registry.On(domain.RegistryInsert, a.handleRegistryInsert),
		a.registry.On(domain.RegistryDelete, a.handleRegistryDelete),
	)
	a.mu.Unlock()

	a.channel.On(domain.SignalCreateOffer, a.handleOffer)
	a.channel.On(domain.SignalPeerICECandidate, a.handlePeerCandidate)
	a.channel.On(domain.SignalUpstreamRemoved, a.handleUpstreamRemoved)

	go func() {
		select {
		case <-a.channel.Done():
			a.logger.Infow("signaling channel closed")
			a.Close()
		case <-a.done:
		}
	}()

	a.metrics.RecordPartyConnected()
}

func (a *GatewayAgent) PartyID() domain.PeerID {
	return a.partyID
}

func (a *GatewayAgent) State() domain.AgentState {
	return domain.AgentState(a.state.Load())
}

func (a *GatewayAgent) Channels() []domain.ChannelRecord {
	return a.session.Channels()
}

func (a *GatewayAgent) LocalDescription() *webrtc.SessionDescription {
	return a.session.LocalDescription()
}

func (a *GatewayAgent) RemoteDescription() *webrtc.SessionDescription {
	return a.session.RemoteDescription()
}

// Upstream returns the party's published stream, if any.
func (a *GatewayAgent) Upstream() (domain.PublicationRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.upstream == nil {
		return domain.PublicationRecord{}, false
	}
	return *a.upstream, true
}

// Downstreams returns the streams currently attached to a channel, ordered
// by stream ID.
func (a *GatewayAgent) Downstreams() []domain.PublicationRecord {
	a.mu.Lock()
	records := make([]domain.PublicationRecord, 0, len(a.attached))
	for _, att := range a.attached {
		record := att.record
		record.Direction = domain.DirectionDown
		record.ChannelID = att.channelID
		records = append(records, record)
	}
	a.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].StreamID < records[j].StreamID
	})
	return records
}

// Announced returns the streams announced to the party but not yet matched
// to a channel.
func (a *GatewayAgent) Announced() []domain.StreamID {
	a.mu.Lock()
	ids := make([]domain.StreamID, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Drain waits for the queued negotiation tasks to finish.
func (a *GatewayAgent) Drain(ctx context.Context) error {
	return a.queue.Drain(ctx)
}

// Connected is closed once the transport first reports connected.
func (a *GatewayAgent) Connected() <-chan struct{} {
	return a.connected
}

func (a *GatewayAgent) Done() <-chan struct{} {
	return a.done
}

// Close stops negotiating, withdraws the party's upstream from the registry
// and releases the session and channel.
func (a *GatewayAgent) Close() {
	a.closeOnce.Do(func() {
		a.state.Store(int32(domain.StateClosed))

		a.mu.Lock()
		a.closed = true
		unsubscribe := a.unsubscribe
		a.unsubscribe = nil
		upstream := a.upstream
		a.upstream = nil
		a.mu.Unlock()

		for _, unsub := range unsubscribe {
			unsub()
		}
		a.queue.Close()

		if upstream != nil {
			a.registry.Remove(upstream.StreamID)
			a.metrics.SetStreamsPublished(a.registry.Len())
		}

		if err := a.session.Close(); err != nil {
			a.logger.Warnw("failed to close session", "error", err)
		}
		if err := a.channel.Close(); err != nil {
			a.logger.Debugw("failed to close signaling channel", "error", err)
		}

		a.metrics.RecordPartyDisconnected()
		close(a.done)
		a.logger.Infow("gateway agent closed")
	})
}

func (a *GatewayAgent) setState(state domain.AgentState) {
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

func (a *GatewayAgent) send(kind domain.SignalKind, payload interface{}) error {
	err := a.channel.Send(kind, payload)
	if err != nil {
		a.logger.Warnw("failed to send signal",
			"kind", kind,
			"error", err,
		)
		return err
	}
	a.metrics.RecordSignalMessage(kind, true)
	return nil
}

func (a *GatewayAgent) channelOwner(id domain.ChannelID) (domain.StreamID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for streamID, att := range a.attached {
		if att.channelID == id {
			return streamID, true
		}
	}
	return "", false
}

func (a *GatewayAgent) handleOffer(msg domain.SignalMessage) {
	a.metrics.RecordSignalMessage(msg.Type, false)

	var payload domain.OfferPayload
	if err := msg.Decode(&payload); err != nil {
		a.logger.Warnw("dropping malformed offer", "error", err)
		return
	}
	if payload.HasHint() {
		if err := validateHint(payload); err != nil {
			a.logger.Warnw("ignoring invalid channel hint", "error", err)
			payload.ChannelID, payload.StreamID = "", ""
		}
	}
	a.queue.Enqueue("answer", func(ctx context.Context) error {
		return a.answerOffer(ctx, payload)
	})
}

func validateHint(payload domain.OfferPayload) error {
	if err := validation.ValidateChannelID(string(payload.ChannelID)); err != nil {
		return err
	}
	return validation.ValidateStreamID(string(payload.StreamID))
}

func (a *GatewayAgent) answerOffer(ctx context.Context, payload domain.OfferPayload) error {
	a.setState(domain.StateNegotiating)
	defer a.setState(domain.StateStable)

	if err := a.session.SetRemoteDescription(ctx, payload.Offer); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}
	a.candidates.Flush()

	if payload.HasHint() {
		tracing.Annotate(ctx,
			tracing.StreamIDKey.String(string(payload.StreamID)),
			tracing.ChannelIDKey.String(string(payload.ChannelID)),
		)
		if err := a.attachDownstream(payload.StreamID, payload.ChannelID); err != nil {
			a.logger.Warnw("downstream not attached",
				"stream_id", payload.StreamID,
				"channel_id", payload.ChannelID,
				"error", err,
			)
		}
	}

	answer, err := a.session.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := a.session.SetLocalDescription(ctx, answer); err != nil {
		return fmt.Errorf("failed to set answer: %w", err)
	}
	if err := a.send(domain.SignalCreateAnswer, domain.AnswerPayload{Answer: answer}); err != nil {
		return err
	}

	a.mu.Lock()
	first := !a.ready
	a.ready = true
	a.mu.Unlock()

	if first {
		a.replay()
	}
	return nil
}

func (a *GatewayAgent) attachDownstream(streamID domain.StreamID, channelID domain.ChannelID) error {
	a.mu.Lock()
	record, ok := a.pending[streamID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %s was not announced: %w", streamID, domain.ErrStreamNotFound)
	}
	if record.Track == nil {
		return fmt.Errorf("stream %s has no track: %w", streamID, domain.ErrStreamNotFound)
	}

	ch, err := a.pool.Validate(channelID, streamID)
	if err != nil {
		return err
	}
	if err := a.session.AttachTrack(ch.ID, record.Track); err != nil {
		return fmt.Errorf("failed to attach stream %s: %w", streamID, err)
	}

	a.mu.Lock()
	delete(a.pending, streamID)
	a.attached[streamID] = attachment{record: record, channelID: ch.ID}
	a.mu.Unlock()

	a.logger.Infow("downstream attached",
		"stream_id", streamID,
		"channel_id", ch.ID,
		"source_party_id", record.PeerID,
	)
	return nil
}

// replay announces every stream already in the registry.
func (a *GatewayAgent) replay() {
	snapshot := a.registry.Snapshot()
	announced := 0
	for _, record := range snapshot {
		if record.PeerID == a.partyID {
			continue
		}
		if a.announce(record) {
			announced++
		}
	}
	a.logger.Infow("replayed registry to party", "streams", announced)
}

// announce reserves a pending slot for record and tells the party about it.
// A stream that is already attached only has its track refreshed.
func (a *GatewayAgent) announce(record domain.PublicationRecord) bool {
	a.mu.Lock()
	if att, ok := a.attached[record.StreamID]; ok {
		a.mu.Unlock()
		a.refreshDownstream(att, record)
		return false
	}
	if _, ok := a.pending[record.StreamID]; ok {
		a.pending[record.StreamID] = record
		a.mu.Unlock()
		return false
	}
	a.pending[record.StreamID] = record
	a.mu.Unlock()

	return a.send(domain.SignalStreamAdded, domain.StreamAddedPayload{
		StreamID: record.StreamID,
		PeerID:   record.PeerID,
	}) == nil
}

func (a *GatewayAgent) refreshDownstream(att attachment, record domain.PublicationRecord) {
	if record.Track == nil || (att.record.Track != nil && att.record.Track.ID() == record.Track.ID()) {
		return
	}
	if err := a.session.AttachTrack(att.channelID, record.Track); err != nil {
		a.logger.Warnw("failed to replace downstream track",
			"stream_id", record.StreamID,
			"channel_id", att.channelID,
			"error", err,
		)
		return
	}

	a.mu.Lock()
	if current, ok := a.attached[record.StreamID]; ok && current.channelID == att.channelID {
		a.attached[record.StreamID] = attachment{record: record, channelID: att.channelID}
	}
	a.mu.Unlock()
}

func (a *GatewayAgent) handleRegistryInsert(event domain.RegistryEvent) {
	if event.Record == nil || event.Record.PeerID == a.partyID {
		return
	}
	record := *event.Record
	a.queue.Enqueue("announce", func(ctx context.Context) error {
		a.mu.Lock()
		ready := a.ready
		a.mu.Unlock()
		// the replay after the first answer covers earlier inserts
		if !ready {
			return nil
		}
		a.announce(record)
		return nil
	})
}

func (a *GatewayAgent) handleRegistryDelete(event domain.RegistryEvent) {
	streamID := event.StreamID
	a.queue.Enqueue("withdraw", func(ctx context.Context) error {
		return a.withdraw(streamID)
	})
}

func (a *GatewayAgent) withdraw(streamID domain.StreamID) error {
	a.mu.Lock()
	if a.upstream != nil && a.upstream.StreamID == streamID {
		a.upstream = nil
		a.mu.Unlock()
		return nil
	}
	if _, ok := a.pending[streamID]; ok {
		delete(a.pending, streamID)
		a.mu.Unlock()
		return a.send(domain.SignalStreamRemoved, streamID)
	}
	att, ok := a.attached[streamID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.attached, streamID)
	a.mu.Unlock()

	detachErr := a.session.DetachTrack(att.channelID)
	if detachErr == nil {
		a.logger.Infow("downstream detached",
			"stream_id", streamID,
			"channel_id", att.channelID,
		)
	}
	if err := a.send(domain.SignalStreamRemoved, streamID); err != nil {
		return err
	}
	if detachErr != nil {
		return fmt.Errorf("failed to detach stream %s from channel %s: %w", streamID, att.channelID, detachErr)
	}
	return nil
}

func (a *GatewayAgent) handleTrack(channelID domain.ChannelID, track domain.Track) {
	streamID := domain.StreamID(track.StreamID())
	if streamID == "" {
		streamID = domain.StreamID(uuid.NewString())
	}
	record := domain.PublicationRecord{
		StreamID:  streamID,
		PeerID:    a.partyID,
		Direction: domain.DirectionUp,
		ChannelID: channelID,
		Track:     track,
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	previous := a.upstream
	a.upstream = &record
	a.mu.Unlock()

	if previous != nil && previous.StreamID != streamID {
		a.registry.Remove(previous.StreamID)
	}
	a.registry.Put(streamID, record)
	a.metrics.SetStreamsPublished(a.registry.Len())

	a.logger.Infow("upstream published",
		"stream_id", streamID,
		"channel_id", channelID,
		"track_id", track.ID(),
	)
}

func (a *GatewayAgent) handleUpstreamRemoved(msg domain.SignalMessage) {
	a.metrics.RecordSignalMessage(msg.Type, false)
	a.queue.Enqueue("remove-upstream", func(ctx context.Context) error {
		a.mu.Lock()
		upstream := a.upstream
		a.upstream = nil
		a.mu.Unlock()

		if upstream == nil {
			return nil
		}
		a.registry.Remove(upstream.StreamID)
		a.metrics.SetStreamsPublished(a.registry.Len())
		a.logger.Infow("upstream withdrawn", "stream_id", upstream.StreamID)
		return nil
	})
}

func (a *GatewayAgent) handlePeerCandidate(msg domain.SignalMessage) {
	a.metrics.RecordSignalMessage(msg.Type, false)

	var payload domain.CandidatePayload
	if err := msg.Decode(&payload); err != nil {
		a.logger.Warnw("dropping malformed ICE candidate", "error", err)
		return
	}
	a.candidates.Add(payload.Candidate)
}

func (a *GatewayAgent) handleConnectionState(state webrtc.PeerConnectionState) {
	a.logger.Infow("peer connection state changed", "connection_state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		a.connOnce.Do(func() { close(a.connected) })
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		go a.Close()
	}
}
