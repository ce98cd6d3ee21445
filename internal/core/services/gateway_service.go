package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"

	"go.uber.org/zap"
)

// GatewayService owns the shared registry and one GatewayAgent per
// connected party.
type GatewayService struct {
	registry ports.StreamRegistry
	sessions ports.SessionFactory
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	agents         map[domain.PeerID]*GatewayAgent
	connectTimeout time.Duration
	mu             sync.RWMutex
}

func NewGatewayService(
	registry ports.StreamRegistry,
	sessions ports.SessionFactory,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *GatewayService {
	return &GatewayService{
		registry: registry,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		agents:   make(map[domain.PeerID]*GatewayAgent),
	}
}

var _ ports.GatewayConnector = (*GatewayService)(nil)

// SetConnectTimeout closes agents whose transport has not connected within
// d of joining. Zero disables the limit.
func (s *GatewayService) SetConnectTimeout(d time.Duration) {
	s.mu.Lock()
	s.connectTimeout = d
	s.mu.Unlock()
}

// Connect starts a gateway agent for partyID on channel. An agent already
// serving the same party is closed first.
func (s *GatewayService) Connect(ctx context.Context, partyID domain.PeerID, channel ports.SignalingChannel) error {
	if partyID == "" {
		return fmt.Errorf("party id is required")
	}

	session, err := s.sessions.NewSession(ctx, partyID)
	if err != nil {
		return fmt.Errorf("failed to create session for %s: %w", partyID, err)
	}

	s.mu.Lock()
	previous := s.agents[partyID]
	delete(s.agents, partyID)
	s.mu.Unlock()

	if previous != nil {
		s.logger.Infow("closing previous agent for reconnecting party", "party_id", partyID)
		previous.Close()
	}

	agent := newGatewayAgent(partyID, s.registry, channel, session, s.metrics, s.logger)

	s.mu.Lock()
	s.agents[partyID] = agent
	timeout := s.connectTimeout
	s.mu.Unlock()

	agent.start()
	go s.forget(agent)
	if timeout > 0 {
		go s.expire(agent, timeout)
	}

	s.logger.Infow("party connected", "party_id", partyID)
	return nil
}

func (s *GatewayService) forget(agent *GatewayAgent) {
	<-agent.Done()

	s.mu.Lock()
	if current, ok := s.agents[agent.PartyID()]; ok && current == agent {
		delete(s.agents, agent.PartyID())
	}
	s.mu.Unlock()
}

func (s *GatewayService) expire(agent *GatewayAgent, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-agent.Connected():
	case <-agent.Done():
	case <-timer.C:
		s.logger.Warnw("transport did not connect in time, closing party",
			"party_id", agent.PartyID(),
			"timeout", timeout,
		)
		agent.Close()
	}
}

// Disconnect closes the agent serving partyID.
func (s *GatewayService) Disconnect(partyID domain.PeerID) error {
	agent, ok := s.Agent(partyID)
	if !ok {
		return fmt.Errorf("disconnect %s: %w", partyID, domain.ErrPartyNotFound)
	}
	agent.Close()
	return nil
}

func (s *GatewayService) Agent(partyID domain.PeerID) (*GatewayAgent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[partyID]
	return agent, ok
}

// Agents returns the connected agents ordered by party ID.
func (s *GatewayService) Agents() []*GatewayAgent {
	s.mu.RLock()
	agents := make([]*GatewayAgent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, agent)
	}
	s.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].PartyID() < agents[j].PartyID()
	})
	return agents
}

func (s *GatewayService) Registry() ports.StreamRegistry {
	return s.registry
}

// Close shuts every agent down.
func (s *GatewayService) Close() {
	for _, agent := range s.Agents() {
		agent.Close()
	}
}
