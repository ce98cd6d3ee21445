package domain

import "errors"

var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrChannelReserved    = errors.New("channel reserved by another stream")
	ErrChannelStopped     = errors.New("channel stopped")
	ErrPartyNotFound      = errors.New("party not found")
	ErrUnknownSignalKind  = errors.New("unknown signal kind")
	ErrUnsupportedTrack   = errors.New("unsupported track type")
	ErrDirectionChange    = errors.New("channel direction change not supported")
	ErrInvalidSignalState = errors.New("invalid signaling state")
	ErrChannelClosed      = errors.New("signaling channel closed")
	ErrAgentClosed        = errors.New("agent closed")
)
