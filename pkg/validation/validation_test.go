package validation

import (
	"strings"
	"testing"
)

func TestValidatePartyID(t *testing.T) {
	tests := []struct {
		name    string
		partyID string
		wantErr bool
	}{
		{"valid", "alice", false},
		{"valid with dash and underscore", "party_1-a", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"invalid chars", "alice bob", true},
		{"query injection", "alice&x=1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePartyID(tt.partyID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePartyID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStreamID(t *testing.T) {
	tests := []struct {
		name     string
		streamID string
		wantErr  bool
	}{
		{"valid", "stream-1", false},
		{"braced uuid", "{4f1c2e0a-9d1b-4c1e-8e7a-2b7d0c9e1f00}", false},
		{"empty", "", true},
		{"too long", strings.Repeat("s", 101), true},
		{"slash", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamID(tt.streamID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStreamID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChannelID(t *testing.T) {
	tests := []struct {
		name      string
		channelID string
		wantErr   bool
	}{
		{"numeric mid", "0", false},
		{"named mid", "video-1", false},
		{"empty", "", true},
		{"space", "0 1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannelID(tt.channelID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChannelID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSignalURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8080/ws", false},
		{"wss", "wss://gateway.example.com/ws", false},
		{"http", "http://localhost:8080/ws", true},
		{"empty", "", true},
		{"no host", "ws:///ws", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignalURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSignalURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateICEServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"stun", "stun:stun.l.google.com:19302", false},
		{"turn", "turn:turn.example.com:3478?transport=udp", false},
		{"http", "http://example.com", true},
		{"empty", "", true},
		{"bare scheme", "stun:", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateICEServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateICEServerURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
