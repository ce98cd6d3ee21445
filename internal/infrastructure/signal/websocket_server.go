package signal

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
	"relaymesh/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketServer accepts signaling connections and hands each one to the
// gateway as a SignalingChannel. Parties are attached with the server's
// context rather than the request's.
type WebSocketServer struct {
	ctx       context.Context
	connector ports.GatewayConnector
	options   ChannelOptions
	upgrader  websocket.Upgrader

	connections map[domain.PeerID]*WebSocketChannel
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

func NewWebSocketServer(ctx context.Context, connector ports.GatewayConnector, options ChannelOptions, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		ctx:       ctx,
		connector: connector,
		options:   options,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		connections: make(map[domain.PeerID]*WebSocketChannel),
		logger:      logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	partyID := domain.PeerID(r.URL.Query().Get("party_id"))
	if err := validation.ValidatePartyID(string(partyID)); err != nil {
		s.logger.Warnw("rejecting signaling connection", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "party_id", partyID, "error", err)
		return
	}

	ch := NewWebSocketChannel(conn, partyID, s.options, s.logger)

	s.mu.Lock()
	previous, isReconnect := s.connections[partyID]
	s.connections[partyID] = ch
	s.mu.Unlock()

	if isReconnect {
		s.logger.Infow("closing old connection for reconnecting party", "party_id", partyID)
		previous.Close()
	}

	if err := s.connector.Connect(s.ctx, partyID, ch); err != nil {
		s.logger.Errorw("failed to attach party to gateway", "party_id", partyID, "error", err)
		ch.closeWith(websocket.CloseInternalServerErr, "gateway unavailable")
		s.forget(partyID, ch)
		return
	}

	s.logger.Infow("party connected via websocket", "party_id", partyID, "reconnect", isReconnect)
	ch.Run()
	<-ch.Done()

	s.forget(partyID, ch)
	s.logger.Infow("party disconnected", "party_id", partyID)
}

func (s *WebSocketServer) forget(partyID domain.PeerID, ch *WebSocketChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.connections[partyID]; ok && current == ch {
		delete(s.connections, partyID)
	}
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) ConnectedParties() []domain.PeerID {
	s.mu.RLock()
	parties := make([]domain.PeerID, 0, len(s.connections))
	for partyID := range s.connections {
		parties = append(parties, partyID)
	}
	s.mu.RUnlock()

	sort.Slice(parties, func(i, j int) bool { return parties[i] < parties[j] })
	return parties
}

func (s *WebSocketServer) IsPartyConnected(partyID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[partyID]
	return ok
}

// Close drops every open connection.
func (s *WebSocketServer) Close() {
	s.mu.RLock()
	channels := make([]*WebSocketChannel, 0, len(s.connections))
	for _, ch := range s.connections {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()

	for _, ch := range channels {
		ch.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
