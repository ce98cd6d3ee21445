package signal

import (
	"context"
	"fmt"
	"net/url"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dialer opens websocket signaling channels to a remote gateway.
type Dialer struct {
	url     string
	options ChannelOptions
	dialer  *websocket.Dialer
	logger  *zap.SugaredLogger
}

var _ ports.GatewayDialer = (*Dialer)(nil)

func NewDialer(gatewayURL string, options ChannelOptions, logger *zap.SugaredLogger) *Dialer {
	return &Dialer{
		url:     gatewayURL,
		options: options,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
	}
}

func (d *Dialer) Dial(ctx context.Context, partyID domain.PeerID) (ports.SignalingChannel, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url %q: %w", d.url, err)
	}
	q := u.Query()
	q.Set("party_id", string(partyID))
	u.RawQuery = q.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	ch := NewWebSocketChannel(conn, partyID, d.options, d.logger)
	ch.Run()
	d.logger.Infow("signaling channel opened", "party_id", partyID, "url", u.Redacted())
	return ch, nil
}
