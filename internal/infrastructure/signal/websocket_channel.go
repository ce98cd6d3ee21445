package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
	"relaymesh/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ChannelOptions tune a websocket signaling channel.
type ChannelOptions struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// MessagesPerSecond limits inbound messages. Zero disables the limit.
	MessagesPerSecond float64
	Burst             int
}

func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    1 << 20,
		MessagesPerSecond: 50,
		Burst:             100,
	}
}

// WebSocketChannel is a SignalingChannel over one websocket connection.
// Handlers run on the read goroutine in arrival order.
type WebSocketChannel struct {
	conn     *websocket.Conn
	partyID  domain.PeerID
	options  ChannelOptions
	handlers *handlerSet
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger

	writeMu   sync.Mutex
	runOnce   sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

var _ ports.SignalingChannel = (*WebSocketChannel)(nil)

func NewWebSocketChannel(conn *websocket.Conn, partyID domain.PeerID, options ChannelOptions, logger *zap.SugaredLogger) *WebSocketChannel {
	var limiter *rate.Limiter
	if options.MessagesPerSecond > 0 {
		burst := options.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(options.MessagesPerSecond), burst)
	}
	return &WebSocketChannel{
		conn:     conn,
		partyID:  partyID,
		options:  options,
		handlers: newHandlerSet(),
		limiter:  limiter,
		logger:   logger.With("party_id", partyID),
		done:     make(chan struct{}),
	}
}

// Run starts the read and keepalive loops. Messages of a kind with no
// handler are dropped.
func (c *WebSocketChannel) Run() {
	c.runOnce.Do(func() {
		go c.readLoop()
		go c.pingLoop()
	})
}

func (c *WebSocketChannel) Send(kind domain.SignalKind, payload interface{}) error {
	msg, err := domain.NewSignalMessage(kind, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", kind, err)
	}

	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.options.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to write %s message: %w", kind, err)
	}
	return nil
}

func (c *WebSocketChannel) On(kind domain.SignalKind, handler ports.SignalHandler) {
	c.handlers.add(kind, handler)
}

func (c *WebSocketChannel) Done() <-chan struct{} {
	return c.done
}

func (c *WebSocketChannel) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *WebSocketChannel) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.writeMu.Unlock()

		err = c.conn.Close()
		close(c.done)
	})
	return err
}

func (c *WebSocketChannel) readLoop() {
	defer c.Close()

	if c.options.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.options.MaxMessageSize)
	}
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Infow("signaling connection lost", "error", err)
			}
			return
		}
		c.extendReadDeadline()

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warnw("signaling rate limit exceeded, closing connection")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		var msg domain.SignalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warnw("dropping malformed signaling message", "error", err)
			continue
		}
		if !msg.Type.Valid() {
			c.logger.Warnw("dropping unknown signaling message", "kind", msg.Type)
			continue
		}
		c.deliver(msg)
	}
}

func (c *WebSocketChannel) deliver(msg domain.SignalMessage) {
	_, span := tracing.TraceSignal(context.Background(), string(msg.Type), string(c.partyID))
	defer span.End()

	if !c.handlers.dispatch(msg) {
		c.logger.Debugw("no handler for signaling message", "kind", msg.Type)
	}
}

func (c *WebSocketChannel) pingLoop() {
	if c.options.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.options.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Infow("error sending ping", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketChannel) extendReadDeadline() {
	if c.options.PongTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.options.PongTimeout))
	}
}
