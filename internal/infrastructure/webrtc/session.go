package webrtc

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures the peer connections created by a SessionFactory.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// Relay republishes every received track as a local track so it can be
	// attached to channels of other sessions.
	Relay bool

	// IncludeLoopback gathers candidates on the loopback interface.
	IncludeLoopback bool
}

// SessionFactory creates pion-backed sessions.
type SessionFactory struct {
	config  Config
	metrics RelayMetrics
	logger  *zap.SugaredLogger
}

var _ ports.SessionFactory = (*SessionFactory)(nil)

func NewSessionFactory(config Config, metrics RelayMetrics, logger *zap.SugaredLogger) *SessionFactory {
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	return &SessionFactory{config: config, metrics: metrics, logger: logger}
}

// newAPI builds a fresh media engine per connection; pion does not allow
// sharing one between peer connections.
func (f *SessionFactory) newAPI() (*webrtc.API, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, interceptors); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(f.config.IncludeLoopback)
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		if err := settings.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithInterceptorRegistry(interceptors),
		webrtc.WithSettingEngine(settings),
	), nil
}

func (f *SessionFactory) NewSession(ctx context.Context, partyID domain.PeerID) (ports.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	api, err := f.newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{
		partyID:   partyID,
		api:       api,
		pc:        pc,
		relay:     f.config.Relay,
		metrics:   f.metrics,
		logger:    f.logger.With("party_id", partyID),
		stopped:   make(map[domain.ChannelID]bool),
		current:   make(map[domain.ChannelID]domain.ChannelDirection),
		keyframes: make(map[domain.ChannelID]func()),
	}
	pc.OnTrack(s.handleTrack)
	pc.OnICECandidate(s.handleCandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)
	return s, nil
}

// Session maps the channel model onto the transceivers of one pion peer
// connection. A channel is identified by its transceiver's mid.
type Session struct {
	partyID domain.PeerID
	api     *webrtc.API
	pc      *webrtc.PeerConnection
	relay   bool
	metrics RelayMetrics
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	stopped   map[domain.ChannelID]bool
	current   map[domain.ChannelID]domain.ChannelDirection
	keyframes map[domain.ChannelID]func()

	onTrack     func(id domain.ChannelID, track domain.Track)
	onCandidate func(candidate webrtc.ICECandidateInit)
	onState     func(state webrtc.PeerConnectionState)
}

var _ ports.Session = (*Session)(nil)

func (s *Session) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return s.pc.CreateOffer(nil)
}

func (s *Session) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return s.pc.CreateAnswer(nil)
}

func (s *Session) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	if desc.Type == webrtc.SDPTypeAnswer {
		return s.applyAnswer()
	}
	return nil
}

func (s *Session) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	known := s.mids()
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return s.applyOffer(desc.SDP, known)
	case webrtc.SDPTypeAnswer:
		return s.applyAnswer()
	}
	return nil
}

func (s *Session) mids() map[domain.ChannelID]bool {
	out := make(map[domain.ChannelID]bool)
	for _, t := range s.pc.GetTransceivers() {
		if t.Mid() != "" {
			out[domain.ChannelID(t.Mid())] = true
		}
	}
	return out
}

// applyOffer tracks the channels a remote offer ends. pion stops an existing
// transceiver the remote offers as inactive.
func (s *Session) applyOffer(raw string, known map[domain.ChannelID]bool) error {
	directions, err := mediaDirections(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, direction := range directions {
		if !known[id] {
			continue
		}
		if direction == domain.ChannelInactive || direction == domain.ChannelStopped {
			s.stopped[id] = true
			delete(s.keyframes, id)
		}
	}
	return nil
}

// applyAnswer records the negotiated direction of every channel once an
// exchange completes: the local half of the exchange intersected with the
// remote half.
func (s *Session) applyAnswer() error {
	local, remote := s.pc.CurrentLocalDescription(), s.pc.CurrentRemoteDescription()
	if local == nil || remote == nil {
		return nil
	}
	localDirections, err := mediaDirections(local.SDP)
	if err != nil {
		return err
	}
	remoteDirections, err := mediaDirections(remote.SDP)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, direction := range localDirections {
		remoteDirection, ok := remoteDirections[id]
		if !ok {
			continue
		}
		current := domain.NegotiateDirection(direction, remoteDirection)
		if current == domain.ChannelStopped {
			s.stopped[id] = true
		}
		s.current[id] = current
	}
	return nil
}

func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(candidate)
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	return s.pc.LocalDescription()
}

func (s *Session) RemoteDescription() *webrtc.SessionDescription {
	return s.pc.RemoteDescription()
}

func (s *Session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

func (s *Session) AddChannel(direction domain.ChannelDirection) (domain.ChannelRecord, error) {
	pionDirection, err := toPionDirection(direction)
	if err != nil {
		return domain.ChannelRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: pionDirection})
	if err != nil {
		return domain.ChannelRecord{}, fmt.Errorf("failed to add transceiver: %w", err)
	}
	if err := t.SetMid(s.nextMid()); err != nil {
		return domain.ChannelRecord{}, fmt.Errorf("failed to assign mid: %w", err)
	}
	return s.recordLocked(t), nil
}

// nextMid returns one past the highest numeric mid in use.
func (s *Session) nextMid() string {
	next := 0
	for _, t := range s.pc.GetTransceivers() {
		if n, err := strconv.Atoi(t.Mid()); err == nil && n >= next {
			next = n + 1
		}
	}
	return strconv.Itoa(next)
}

func (s *Session) Channels() []domain.ChannelRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	transceivers := s.pc.GetTransceivers()
	records := make([]domain.ChannelRecord, 0, len(transceivers))
	for _, t := range transceivers {
		if t.Mid() == "" {
			continue
		}
		records = append(records, s.recordLocked(t))
	}
	return records
}

func (s *Session) recordLocked(t *webrtc.RTPTransceiver) domain.ChannelRecord {
	id := domain.ChannelID(t.Mid())
	direction := fromPionDirection(t.Direction())
	if s.stopped[id] {
		direction = domain.ChannelStopped
	}
	return domain.ChannelRecord{
		ID:               id,
		Direction:        direction,
		CurrentDirection: s.current[id],
		HasSender:        t.Sender() != nil,
		HasReceiver:      t.Receiver() != nil,
	}
}

// transceiver resolves a usable channel.
func (s *Session) transceiver(id domain.ChannelID) (*webrtc.RTPTransceiver, error) {
	s.mu.Lock()
	stopped := s.stopped[id]
	s.mu.Unlock()

	for _, t := range s.pc.GetTransceivers() {
		if domain.ChannelID(t.Mid()) != id {
			continue
		}
		if stopped {
			return nil, fmt.Errorf("channel %s: %w", id, domain.ErrChannelStopped)
		}
		return t, nil
	}
	return nil, fmt.Errorf("channel %s: %w", id, domain.ErrChannelNotFound)
}

func (s *Session) AttachTrack(id domain.ChannelID, track domain.Track) error {
	local, ok := track.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("%T: %w", track, domain.ErrUnsupportedTrack)
	}
	t, err := s.transceiver(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if relay, ok := track.(*relayTrack); ok {
		s.keyframes[id] = relay.requestKeyframe
	} else {
		delete(s.keyframes, id)
	}
	s.mu.Unlock()

	if sender := t.Sender(); sender != nil {
		return t.SetSender(sender, local)
	}

	sender, err := s.api.NewRTPSender(local, s.pc.SCTP().Transport())
	if err != nil {
		return fmt.Errorf("failed to create sender: %w", err)
	}
	if err := t.SetSender(sender, local); err != nil {
		_ = sender.Stop()
		return fmt.Errorf("failed to attach track to channel %s: %w", id, err)
	}

	go drainRTCP(func() ([]rtcp.Packet, error) {
		packets, _, err := sender.ReadRTCP()
		return packets, err
	}, s.metrics, func() { s.requestKeyframe(id) })
	return nil
}

func (s *Session) requestKeyframe(id domain.ChannelID) {
	s.mu.Lock()
	request := s.keyframes[id]
	s.mu.Unlock()
	if request != nil {
		request()
	}
}

func (s *Session) DetachTrack(id domain.ChannelID) error {
	t, err := s.transceiver(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.keyframes, id)
	s.mu.Unlock()

	sender := t.Sender()
	if sender == nil {
		return nil
	}
	return s.pc.RemoveTrack(sender)
}

// SetChannelDirection only accepts the direction a channel already has;
// pion derives transceiver directions from sender changes.
func (s *Session) SetChannelDirection(id domain.ChannelID, direction domain.ChannelDirection) error {
	t, err := s.transceiver(id)
	if err != nil {
		return err
	}
	if fromPionDirection(t.Direction()) != direction {
		return fmt.Errorf("channel %s from %s to %s: %w", id, t.Direction(), direction, domain.ErrDirectionChange)
	}
	return nil
}

func (s *Session) StopChannel(id domain.ChannelID) error {
	t, err := s.transceiver(id)
	if err != nil {
		return err
	}
	if err := t.Stop(); err != nil {
		return fmt.Errorf("failed to stop channel %s: %w", id, err)
	}

	s.mu.Lock()
	s.stopped[id] = true
	delete(s.keyframes, id)
	s.mu.Unlock()
	return nil
}

func (s *Session) OnTrack(handler func(id domain.ChannelID, track domain.Track)) {
	s.mu.Lock()
	s.onTrack = handler
	s.mu.Unlock()
}

func (s *Session) OnICECandidate(handler func(candidate webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onCandidate = handler
	s.mu.Unlock()
}

func (s *Session) OnConnectionStateChange(handler func(state webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onState = handler
	s.mu.Unlock()
}

func (s *Session) Close() error {
	return s.pc.Close()
}

func (s *Session) channelOf(receiver *webrtc.RTPReceiver) domain.ChannelID {
	for _, t := range s.pc.GetTransceivers() {
		if t.Receiver() == receiver {
			return domain.ChannelID(t.Mid())
		}
	}
	return ""
}

func (s *Session) handleTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	id := s.channelOf(receiver)
	s.logger.Infow("remote track started",
		"channel_id", id,
		"track_id", remote.ID(),
		"stream_id", remote.StreamID(),
		"codec", remote.Codec().MimeType,
	)

	var track domain.Track = remote
	if s.relay {
		relay, err := newRelayTrack(remote, s.pc.WriteRTCP)
		if err != nil {
			s.logger.Errorw("failed to create relay track", "track_id", remote.ID(), "error", err)
			return
		}
		go forward(remote, relay, s.metrics, s.logger)
		go drainRTCP(func() ([]rtcp.Packet, error) {
			packets, _, err := receiver.ReadRTCP()
			return packets, err
		}, s.metrics, nil)
		track = relay
	}

	s.mu.Lock()
	handler := s.onTrack
	s.mu.Unlock()
	if handler != nil {
		handler(id, track)
	}
}

func (s *Session) handleCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	s.mu.Lock()
	handler := s.onCandidate
	s.mu.Unlock()
	if handler != nil {
		handler(candidate.ToJSON())
	}
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Infow("connection state changed", "connection_state", state.String())

	s.mu.Lock()
	handler := s.onState
	s.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

func toPionDirection(direction domain.ChannelDirection) (webrtc.RTPTransceiverDirection, error) {
	switch direction {
	case domain.ChannelSendRecv:
		return webrtc.RTPTransceiverDirectionSendrecv, nil
	case domain.ChannelSendOnly:
		return webrtc.RTPTransceiverDirectionSendonly, nil
	case domain.ChannelRecvOnly:
		return webrtc.RTPTransceiverDirectionRecvonly, nil
	case domain.ChannelInactive:
		return webrtc.RTPTransceiverDirectionInactive, nil
	default:
		return 0, fmt.Errorf("direction %q: %w", direction, domain.ErrDirectionChange)
	}
}

func fromPionDirection(direction webrtc.RTPTransceiverDirection) domain.ChannelDirection {
	switch direction {
	case webrtc.RTPTransceiverDirectionSendrecv:
		return domain.ChannelSendRecv
	case webrtc.RTPTransceiverDirectionSendonly:
		return domain.ChannelSendOnly
	case webrtc.RTPTransceiverDirectionRecvonly:
		return domain.ChannelRecvOnly
	case webrtc.RTPTransceiverDirectionInactive:
		return domain.ChannelInactive
	default:
		return domain.ChannelUnset
	}
}
