package webrtc

import (
	"errors"
	"fmt"
	"strings"

	"relaymesh/internal/core/domain"

	"github.com/pion/sdp/v3"
)

var errNotSessionDescription = errors.New("session description must start with a version line")

// mediaDirections returns the direction of every media section in raw,
// keyed by mid. Rejected sections (port zero) are reported as stopped.
func mediaDirections(raw string) (map[domain.ChannelID]domain.ChannelDirection, error) {
	if !strings.HasPrefix(strings.TrimLeft(raw, " \r\n"), "v=") {
		return nil, errNotSessionDescription
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse session description: %w", err)
	}

	out := make(map[domain.ChannelID]domain.ChannelDirection, len(parsed.MediaDescriptions))
	for _, media := range parsed.MediaDescriptions {
		mid, ok := media.Attribute(sdp.AttrKeyMID)
		if !ok {
			continue
		}
		if media.MediaName.Port.Value == 0 {
			out[domain.ChannelID(mid)] = domain.ChannelStopped
			continue
		}
		out[domain.ChannelID(mid)] = sectionDirection(media)
	}
	return out, nil
}

// sectionDirection reads the direction attribute, which defaults to
// sendrecv when absent.
func sectionDirection(media *sdp.MediaDescription) domain.ChannelDirection {
	for _, attr := range media.Attributes {
		switch attr.Key {
		case sdp.AttrKeySendRecv:
			return domain.ChannelSendRecv
		case sdp.AttrKeySendOnly:
			return domain.ChannelSendOnly
		case sdp.AttrKeyRecvOnly:
			return domain.ChannelRecvOnly
		case sdp.AttrKeyInactive:
			return domain.ChannelInactive
		}
	}
	return domain.ChannelSendRecv
}
