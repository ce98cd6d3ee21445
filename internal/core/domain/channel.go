package domain

// ChannelID identifies a bidirectional media channel within one session. It
// is the channel's media identification tag.
type ChannelID string

type ChannelDirection string

const (
	ChannelUnset    ChannelDirection = ""
	ChannelSendRecv ChannelDirection = "sendrecv"
	ChannelSendOnly ChannelDirection = "sendonly"
	ChannelRecvOnly ChannelDirection = "recvonly"
	ChannelInactive ChannelDirection = "inactive"
	ChannelStopped  ChannelDirection = "stopped"
)

// Sends reports whether media leaves the local side in this direction.
func (d ChannelDirection) Sends() bool {
	return d == ChannelSendRecv || d == ChannelSendOnly
}

// Receives reports whether media arrives at the local side in this direction.
func (d ChannelDirection) Receives() bool {
	return d == ChannelSendRecv || d == ChannelRecvOnly
}

// Reverse returns the direction as seen from the remote side.
func (d ChannelDirection) Reverse() ChannelDirection {
	switch d {
	case ChannelSendOnly:
		return ChannelRecvOnly
	case ChannelRecvOnly:
		return ChannelSendOnly
	default:
		return d
	}
}

// ComposeDirection builds a direction from its send and receive halves.
func ComposeDirection(send, recv bool) ChannelDirection {
	switch {
	case send && recv:
		return ChannelSendRecv
	case send:
		return ChannelSendOnly
	case recv:
		return ChannelRecvOnly
	default:
		return ChannelInactive
	}
}

// NegotiateDirection is the direction media actually flows once local and
// remote have agreed: local sends only what the remote accepts and receives
// only what the remote sends. Either side stopping stops the channel.
func NegotiateDirection(local, remote ChannelDirection) ChannelDirection {
	if local == ChannelStopped || remote == ChannelStopped {
		return ChannelStopped
	}
	return ComposeDirection(local.Sends() && remote.Receives(), local.Receives() && remote.Sends())
}

// ChannelRecord is a read-only view of a transport channel.
type ChannelRecord struct {
	ID               ChannelID        `json:"id"`
	Direction        ChannelDirection `json:"direction"`
	CurrentDirection ChannelDirection `json:"current_direction"`
	HasSender        bool             `json:"has_sender"`
	HasReceiver      bool             `json:"has_receiver"`
}

// Stopped reports whether the channel reached its terminal state.
func (c ChannelRecord) Stopped() bool {
	return c.Direction == ChannelStopped || c.CurrentDirection == ChannelStopped
}

// NegotiatedActive reports whether the remote side has accepted media sent
// on this channel.
func (c ChannelRecord) NegotiatedActive() bool {
	return c.CurrentDirection.Sends()
}
