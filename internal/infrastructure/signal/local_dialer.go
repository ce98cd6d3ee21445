package signal

import (
	"context"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
)

// LocalDialer connects peer agents to a gateway running in the same process.
type LocalDialer struct {
	connector ports.GatewayConnector
}

var _ ports.GatewayDialer = (*LocalDialer)(nil)

func NewLocalDialer(connector ports.GatewayConnector) *LocalDialer {
	return &LocalDialer{connector: connector}
}

func (d *LocalDialer) Dial(ctx context.Context, partyID domain.PeerID) (ports.SignalingChannel, error) {
	client, server := NewPipe()
	if err := d.connector.Connect(ctx, partyID, server); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
