package services

import (
	"sync"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// candidateBuffer holds remote ICE candidates until a remote description is
// applied.
type candidateBuffer struct {
	session ports.Session
	partyID domain.PeerID
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func newCandidateBuffer(session ports.Session, partyID domain.PeerID, logger *zap.SugaredLogger) *candidateBuffer {
	return &candidateBuffer{
		session: session,
		partyID: partyID,
		logger:  logger,
	}
}

func (b *candidateBuffer) Add(candidate webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.remoteSet {
		b.pending = append(b.pending, candidate)
		return
	}
	b.apply(candidate)
}

// Flush applies buffered candidates. Call it after every remote description.
func (b *candidateBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remoteSet = true
	for _, candidate := range b.pending {
		b.apply(candidate)
	}
	b.pending = nil
}

func (b *candidateBuffer) apply(candidate webrtc.ICECandidateInit) {
	if err := b.session.AddICECandidate(candidate); err != nil {
		b.logger.Warnw("failed to add ICE candidate",
			"party_id", b.partyID,
			"error", err,
		)
	}
}
