package domain

type StreamID string
type PeerID string

// Direction tells whether a publication flows from the owning party into the
// directory (up) or from the directory to the owning party (down).
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Track is an opaque media track handle. pion's local and remote tracks
// satisfy it.
type Track interface {
	ID() string
	StreamID() string
}

// PublicationRecord describes one stream known to a registry.
type PublicationRecord struct {
	StreamID  StreamID  `json:"stream_id"`
	PeerID    PeerID    `json:"peer_id"`
	Direction Direction `json:"direction"`
	ChannelID ChannelID `json:"channel_id,omitempty"`
	Track     Track     `json:"-"`
}

// HasTrack reports whether media has been bound to the record.
func (r PublicationRecord) HasTrack() bool {
	return r.Track != nil
}

// RegistryEventKind is the kind of a registry mutation.
type RegistryEventKind string

const (
	RegistryInsert RegistryEventKind = "insert"
	RegistryDelete RegistryEventKind = "delete"
)

// RegistryEvent is delivered to registry subscribers. Record is nil for
// deletes.
type RegistryEvent struct {
	Kind     RegistryEventKind
	StreamID StreamID
	Record   *PublicationRecord
}
