package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// PartyIDRegex validates party ID format
	PartyIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// StreamIDRegex accepts media stream identifiers, including the braced
	// UUIDs some browsers generate.
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.{}-]+$`)

	// ChannelIDRegex validates media identification tags
	ChannelIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidatePartyID validates party ID
func ValidatePartyID(partyID string) error {
	if partyID == "" {
		return fmt.Errorf("party ID is required")
	}
	if len(partyID) > 100 {
		return fmt.Errorf("party ID is too long (max 100 characters)")
	}
	if !PartyIDRegex.MatchString(partyID) {
		return fmt.Errorf("invalid party ID format")
	}
	return nil
}

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > 100 {
		return fmt.Errorf("stream ID is too long (max 100 characters)")
	}
	if !StreamIDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

// ValidateChannelID validates a channel's media identification tag
func ValidateChannelID(channelID string) error {
	if channelID == "" {
		return fmt.Errorf("channel ID is required")
	}
	if len(channelID) > 32 {
		return fmt.Errorf("channel ID is too long (max 32 characters)")
	}
	if !ChannelIDRegex.MatchString(channelID) {
		return fmt.Errorf("invalid channel ID format")
	}
	return nil
}

// ValidateSignalURL validates the websocket URL of a gateway
func ValidateSignalURL(urlStr string) error {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a STUN or TURN server URL
func ValidateICEServerURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	scheme, rest, found := strings.Cut(urlStr, ":")
	if !found || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", urlStr)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	default:
		return fmt.Errorf("invalid ICE server scheme %q (must be stun, stuns, turn, or turns)", scheme)
	}
}
