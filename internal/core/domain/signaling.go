package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

type SignalKind string

const (
	SignalCreateOffer      SignalKind = "createOffer"
	SignalCreateAnswer     SignalKind = "createAnswer"
	SignalICECandidate     SignalKind = "iceCandidate"
	SignalPeerICECandidate SignalKind = "peerIceCandidate"
	SignalStreamAdded      SignalKind = "streamAdded"
	SignalStreamRemoved    SignalKind = "streamRemoved"
	SignalUpstreamRemoved  SignalKind = "upstreamRemoved"
)

var signalKinds = map[SignalKind]struct{}{
	SignalCreateOffer:      {},
	SignalCreateAnswer:     {},
	SignalICECandidate:     {},
	SignalPeerICECandidate: {},
	SignalStreamAdded:      {},
	SignalStreamRemoved:    {},
	SignalUpstreamRemoved:  {},
}

// Valid reports whether k is one of the known message kinds.
func (k SignalKind) Valid() bool {
	_, ok := signalKinds[k]
	return ok
}

// SignalMessage is the envelope exchanged on a signaling channel.
type SignalMessage struct {
	Type    SignalKind      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewSignalMessage encodes payload into a message of the given kind. A nil
// payload produces a message without a body.
func NewSignalMessage(kind SignalKind, payload interface{}) (SignalMessage, error) {
	if !kind.Valid() {
		return SignalMessage{}, fmt.Errorf("%w: %q", ErrUnknownSignalKind, kind)
	}
	msg := SignalMessage{Type: kind}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m SignalMessage) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

type OfferPayload struct {
	Offer     webrtc.SessionDescription `json:"offer"`
	ChannelID ChannelID                 `json:"channelId,omitempty"`
	StreamID  StreamID                  `json:"streamId,omitempty"`
}

// HasHint reports whether the offer maps a channel to an announced stream.
func (p OfferPayload) HasHint() bool {
	return p.ChannelID != "" && p.StreamID != ""
}

type AnswerPayload struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type StreamAddedPayload struct {
	StreamID StreamID `json:"streamId"`
	PeerID   PeerID   `json:"peerId"`
}
