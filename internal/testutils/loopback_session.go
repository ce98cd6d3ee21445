package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// LoopbackTrack is a media-less track identified by its IDs.
type LoopbackTrack struct {
	mu       sync.Mutex
	id       string
	streamID string
}

func NewLoopbackTrack(id, streamID string) *LoopbackTrack {
	return &LoopbackTrack{id: id, streamID: streamID}
}

func (t *LoopbackTrack) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *LoopbackTrack) StreamID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamID
}

func (t *LoopbackTrack) relabel(id, streamID string) {
	t.mu.Lock()
	t.id, t.streamID = id, streamID
	t.mu.Unlock()
}

type loopbackMedia struct {
	Mid       domain.ChannelID        `json:"mid"`
	Direction domain.ChannelDirection `json:"direction"`
	SSRC      uint32                  `json:"ssrc,omitempty"`
	TrackID   string                  `json:"track_id,omitempty"`
	StreamID  string                  `json:"stream_id,omitempty"`
}

type loopbackSDP struct {
	Media []loopbackMedia `json:"media"`
}

func (d loopbackSDP) direction(id domain.ChannelID) (domain.ChannelDirection, bool) {
	for _, m := range d.Media {
		if m.Mid == id {
			return m.Direction, true
		}
	}
	return domain.ChannelUnset, false
}

type loopbackChannel struct {
	id         domain.ChannelID
	direction  domain.ChannelDirection
	current    domain.ChannelDirection
	sender     domain.Track
	senderSSRC uint32
	remote     *LoopbackTrack
	remoteSSRC uint32
	stopped    bool
}

func (c *loopbackChannel) record() domain.ChannelRecord {
	direction := c.direction
	if c.stopped {
		direction = domain.ChannelStopped
	}
	return domain.ChannelRecord{
		ID:               c.id,
		Direction:        direction,
		CurrentDirection: c.current,
		HasSender:        c.sender != nil,
		HasReceiver:      c.remote != nil,
	}
}

// media describes the channel the way it appears in a description: a
// stopped channel is inactive, and an attached sender is advertised whatever
// the direction.
func (c *loopbackChannel) media() loopbackMedia {
	m := loopbackMedia{Mid: c.id, Direction: c.direction}
	if c.stopped {
		m.Direction = domain.ChannelInactive
		return m
	}
	if c.sender != nil {
		m.SSRC = c.senderSSRC
		m.TrackID = c.sender.ID()
		m.StreamID = c.sender.StreamID()
	}
	return m
}

func (c *loopbackChannel) stop() {
	c.stopped = true
	c.direction = domain.ChannelInactive
	c.sender = nil
	c.senderSSRC = 0
	c.remote = nil
	c.remoteSSRC = 0
}

// LoopbackSession is a deterministic in-process transport session. Its
// descriptions are JSON documents listing one media entry per channel. It
// follows the rules of the pion peer connection the gateway runs on:
// answers carry each channel's own direction, channels created by a remote
// offer take the direction pion gives them, and negotiated directions are
// the intersection of offer and answer. A track is identified by the SSRC
// of its sender, so replacing the track of a sender relabels the remote
// track instead of announcing a new one. It never moves media.
type LoopbackSession struct {
	partyID        domain.PeerID
	emitCandidates bool

	mu        sync.Mutex
	channels  []*loopbackChannel
	nextMid   int
	nextSSRC  uint32
	state     webrtc.SignalingState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	connected bool
	closed    bool
	added     []webrtc.ICECandidateInit

	onTrack      func(domain.ChannelID, domain.Track)
	onCandidate  func(webrtc.ICECandidateInit)
	onConnection func(webrtc.PeerConnectionState)
}

var _ ports.Session = (*LoopbackSession)(nil)

func NewLoopbackSession(partyID domain.PeerID) *LoopbackSession {
	return &LoopbackSession{
		partyID: partyID,
		state:   webrtc.SignalingStateStable,
	}
}

func (s *LoopbackSession) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return webrtc.SessionDescription{}, domain.ErrChannelClosed
	}
	if s.state != webrtc.SignalingStateStable && s.state != webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer in %s: %w", s.state, domain.ErrInvalidSignalState)
	}

	doc := loopbackSDP{}
	for _, c := range s.channels {
		doc.Media = append(doc.Media, c.media())
	}
	return encodeDescription(webrtc.SDPTypeOffer, doc)
}

func (s *LoopbackSession) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return webrtc.SessionDescription{}, domain.ErrChannelClosed
	}
	if s.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s: %w", s.state, domain.ErrInvalidSignalState)
	}
	offer, err := decodeDescription(*s.remote)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	doc := loopbackSDP{}
	for _, om := range offer.Media {
		if c := s.channel(om.Mid); c != nil {
			doc.Media = append(doc.Media, c.media())
		}
	}
	return encodeDescription(webrtc.SDPTypeAnswer, doc)
}

func (s *LoopbackSession) SetLocalDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	doc, err := decodeDescription(desc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var callbacks []func()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if s.state != webrtc.SignalingStateStable && s.state != webrtc.SignalingStateHaveLocalOffer {
			s.mu.Unlock()
			return fmt.Errorf("set local offer in %s: %w", s.state, domain.ErrInvalidSignalState)
		}
		s.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if s.state != webrtc.SignalingStateHaveRemoteOffer {
			s.mu.Unlock()
			return fmt.Errorf("set local answer in %s: %w", s.state, domain.ErrInvalidSignalState)
		}
		offer, err := decodeDescription(*s.remote)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.negotiate(doc, offer)
		s.state = webrtc.SignalingStateStable
		callbacks = append(callbacks, s.markConnected()...)
	default:
		s.mu.Unlock()
		return fmt.Errorf("unsupported local description %s: %w", desc.Type, domain.ErrInvalidSignalState)
	}
	copied := desc
	s.local = &copied
	if s.emitCandidates && s.onCandidate != nil {
		handler := s.onCandidate
		candidate := webrtc.ICECandidateInit{
			Candidate: fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", 50000+len(s.channels)),
		}
		callbacks = append(callbacks, func() { handler(candidate) })
	}
	s.mu.Unlock()

	run(callbacks)
	return nil
}

func (s *LoopbackSession) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	doc, err := decodeDescription(desc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var callbacks []func()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if s.state != webrtc.SignalingStateStable && s.state != webrtc.SignalingStateHaveRemoteOffer {
			s.mu.Unlock()
			return fmt.Errorf("set remote offer in %s: %w", s.state, domain.ErrInvalidSignalState)
		}
		for _, m := range doc.Media {
			c := s.channel(m.Mid)
			switch {
			case c == nil:
				c = &loopbackChannel{id: m.Mid, direction: acceptingDirection(m.Direction)}
				s.channels = append(s.channels, c)
				if n, err := strconv.Atoi(string(m.Mid)); err == nil && n >= s.nextMid {
					s.nextMid = n + 1
				}
			case m.Direction == domain.ChannelInactive:
				c.stop()
			case m.Direction == domain.ChannelRecvOnly && c.direction == domain.ChannelSendRecv:
				c.direction = domain.ChannelSendOnly
			case m.Direction == domain.ChannelSendRecv && c.direction == domain.ChannelSendOnly:
				c.direction = domain.ChannelSendRecv
			}
			if !c.stopped {
				callbacks = append(callbacks, s.applyRemoteTrack(c, m)...)
			}
		}
		s.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if s.state != webrtc.SignalingStateHaveLocalOffer {
			s.mu.Unlock()
			return fmt.Errorf("set remote answer in %s: %w", s.state, domain.ErrInvalidSignalState)
		}
		offer, err := decodeDescription(*s.local)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.negotiate(offer, doc)
		for _, m := range doc.Media {
			if c := s.channel(m.Mid); c != nil && !c.stopped {
				callbacks = append(callbacks, s.applyRemoteTrack(c, m)...)
			}
		}
		s.state = webrtc.SignalingStateStable
		callbacks = append(callbacks, s.markConnected()...)
	default:
		s.mu.Unlock()
		return fmt.Errorf("unsupported remote description %s: %w", desc.Type, domain.ErrInvalidSignalState)
	}
	copied := desc
	s.remote = &copied
	s.mu.Unlock()

	run(callbacks)
	return nil
}

// negotiate records the current direction of every channel from the local
// and remote halves of a completed exchange.
func (s *LoopbackSession) negotiate(local, remote loopbackSDP) {
	for _, m := range local.Media {
		c := s.channel(m.Mid)
		if c == nil {
			continue
		}
		remoteDirection, ok := remote.direction(m.Mid)
		if !ok {
			continue
		}
		c.current = domain.NegotiateDirection(m.Direction, remoteDirection)
	}
}

func (s *LoopbackSession) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return fmt.Errorf("candidate before remote description: %w", domain.ErrInvalidSignalState)
	}
	s.added = append(s.added, candidate)
	return nil
}

// Candidates returns the remote candidates applied so far.
func (s *LoopbackSession) Candidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.added...)
}

func (s *LoopbackSession) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return nil
	}
	copied := *s.local
	return &copied
}

func (s *LoopbackSession) RemoteDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil
	}
	copied := *s.remote
	return &copied
}

func (s *LoopbackSession) SignalingState() webrtc.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *LoopbackSession) AddChannel(direction domain.ChannelDirection) (domain.ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ChannelRecord{}, domain.ErrChannelClosed
	}
	c := &loopbackChannel{id: domain.ChannelID(strconv.Itoa(s.nextMid)), direction: direction}
	s.nextMid++
	s.channels = append(s.channels, c)
	return c.record(), nil
}

func (s *LoopbackSession) Channels() []domain.ChannelRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]domain.ChannelRecord, 0, len(s.channels))
	for _, c := range s.channels {
		records = append(records, c.record())
	}
	return records
}

// AttachTrack sends track on the channel. A channel without a sender gets a
// new one with a fresh SSRC; an existing sender keeps its SSRC.
func (s *LoopbackSession) AttachTrack(id domain.ChannelID, track domain.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.usable(id)
	if err != nil {
		return err
	}
	if c.sender == nil {
		s.nextSSRC++
		c.senderSSRC = s.nextSSRC
	}
	c.sender = track
	switch c.direction {
	case domain.ChannelRecvOnly:
		c.direction = domain.ChannelSendRecv
	case domain.ChannelInactive:
		c.direction = domain.ChannelSendOnly
	}
	return nil
}

func (s *LoopbackSession) DetachTrack(id domain.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.usable(id)
	if err != nil {
		return err
	}
	if c.sender == nil {
		return nil
	}
	c.sender = nil
	c.senderSSRC = 0
	switch c.direction {
	case domain.ChannelSendRecv:
		c.direction = domain.ChannelRecvOnly
	case domain.ChannelSendOnly:
		c.direction = domain.ChannelInactive
	}
	return nil
}

// SetChannelDirection only accepts the direction a channel already has,
// like the pion session.
func (s *LoopbackSession) SetChannelDirection(id domain.ChannelID, direction domain.ChannelDirection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.usable(id)
	if err != nil {
		return err
	}
	if c.direction != direction {
		return fmt.Errorf("channel %s from %s to %s: %w", id, c.direction, direction, domain.ErrDirectionChange)
	}
	return nil
}

func (s *LoopbackSession) StopChannel(id domain.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.usable(id)
	if err != nil {
		return err
	}
	c.stop()
	return nil
}

func (s *LoopbackSession) OnTrack(handler func(id domain.ChannelID, track domain.Track)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrack = handler
}

func (s *LoopbackSession) OnICECandidate(handler func(candidate webrtc.ICECandidateInit)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCandidate = handler
}

func (s *LoopbackSession) OnConnectionStateChange(handler func(state webrtc.PeerConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnection = handler
}

// Fail reports a failed transport to the connection state handler.
func (s *LoopbackSession) Fail() {
	s.mu.Lock()
	handler := s.onConnection
	s.mu.Unlock()
	if handler != nil {
		handler(webrtc.PeerConnectionStateFailed)
	}
}

func (s *LoopbackSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = webrtc.SignalingStateClosed
	handler := s.onConnection
	s.mu.Unlock()

	if handler != nil {
		handler(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (s *LoopbackSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *LoopbackSession) channel(id domain.ChannelID) *loopbackChannel {
	for _, c := range s.channels {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (s *LoopbackSession) usable(id domain.ChannelID) (*loopbackChannel, error) {
	c := s.channel(id)
	if c == nil {
		return nil, fmt.Errorf("channel %s: %w", id, domain.ErrChannelNotFound)
	}
	if c.stopped {
		return nil, fmt.Errorf("channel %s: %w", id, domain.ErrChannelStopped)
	}
	return c, nil
}

// applyRemoteTrack mirrors how pion starts receivers: a known SSRC only
// relabels the existing remote track, a new SSRC on a receiving channel
// announces a new track.
func (s *LoopbackSession) applyRemoteTrack(c *loopbackChannel, m loopbackMedia) []func() {
	if !m.Direction.Sends() || m.SSRC == 0 {
		c.remote = nil
		c.remoteSSRC = 0
		return nil
	}
	if c.remote != nil && c.remoteSSRC == m.SSRC {
		c.remote.relabel(m.TrackID, m.StreamID)
		return nil
	}
	if !c.direction.Receives() {
		return nil
	}
	track := NewLoopbackTrack(m.TrackID, m.StreamID)
	c.remote = track
	c.remoteSSRC = m.SSRC
	if s.onTrack == nil {
		return nil
	}
	handler, id := s.onTrack, c.id
	return []func(){func() { handler(id, track) }}
}

func (s *LoopbackSession) markConnected() []func() {
	if s.connected {
		return nil
	}
	s.connected = true
	if s.onConnection == nil {
		return nil
	}
	handler := s.onConnection
	return []func(){func() { handler(webrtc.PeerConnectionStateConnected) }}
}

// acceptingDirection is the direction pion gives a channel created by a
// remote offer.
func acceptingDirection(remote domain.ChannelDirection) domain.ChannelDirection {
	switch remote {
	case domain.ChannelRecvOnly:
		return domain.ChannelSendOnly
	case domain.ChannelInactive:
		return domain.ChannelInactive
	default:
		return domain.ChannelRecvOnly
	}
}

func encodeDescription(kind webrtc.SDPType, doc loopbackSDP) (webrtc.SessionDescription, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: kind, SDP: string(raw)}, nil
}

func decodeDescription(desc webrtc.SessionDescription) (loopbackSDP, error) {
	var doc loopbackSDP
	if err := json.Unmarshal([]byte(desc.SDP), &doc); err != nil {
		return loopbackSDP{}, fmt.Errorf("invalid loopback description: %w", err)
	}
	return doc, nil
}

func run(callbacks []func()) {
	for _, cb := range callbacks {
		cb()
	}
}

// LoopbackFactory hands out loopback sessions and remembers them per party.
type LoopbackFactory struct {
	EmitCandidates bool

	mu       sync.Mutex
	sessions map[domain.PeerID][]*LoopbackSession
}

var _ ports.SessionFactory = (*LoopbackFactory)(nil)

func NewLoopbackFactory() *LoopbackFactory {
	return &LoopbackFactory{sessions: make(map[domain.PeerID][]*LoopbackSession)}
}

func (f *LoopbackFactory) NewSession(ctx context.Context, partyID domain.PeerID) (ports.Session, error) {
	s := NewLoopbackSession(partyID)
	s.emitCandidates = f.EmitCandidates

	f.mu.Lock()
	f.sessions[partyID] = append(f.sessions[partyID], s)
	f.mu.Unlock()
	return s, nil
}

// Session returns the most recent session created for partyID.
func (f *LoopbackFactory) Session(partyID domain.PeerID) *LoopbackSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.sessions[partyID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Parties returns the party IDs that opened a session, sorted.
func (f *LoopbackFactory) Parties() []domain.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]domain.PeerID, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
