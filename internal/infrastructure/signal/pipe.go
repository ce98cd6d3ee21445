package signal

import (
	"encoding/json"
	"fmt"
	"sync"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
)

type pipeState struct {
	done      chan struct{}
	closeOnce sync.Once
}

// PipeChannel is one end of an in-process signaling channel. Messages are
// encoded exactly as on the wire and delivered synchronously to the other
// end's handlers.
type PipeChannel struct {
	handlers *handlerSet
	peer     *PipeChannel
	state    *pipeState
}

var _ ports.SignalingChannel = (*PipeChannel)(nil)

// NewPipe returns the two connected ends of a channel. Closing either end
// closes both.
func NewPipe() (*PipeChannel, *PipeChannel) {
	state := &pipeState{done: make(chan struct{})}
	a := &PipeChannel{handlers: newHandlerSet(), state: state}
	b := &PipeChannel{handlers: newHandlerSet(), state: state}
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeChannel) Send(kind domain.SignalKind, payload interface{}) error {
	select {
	case <-p.state.done:
		return domain.ErrChannelClosed
	default:
	}

	msg, err := domain.NewSignalMessage(kind, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", kind, err)
	}
	var delivered domain.SignalMessage
	if err := json.Unmarshal(raw, &delivered); err != nil {
		return fmt.Errorf("failed to decode %s message: %w", kind, err)
	}

	p.peer.handlers.dispatch(delivered)
	return nil
}

func (p *PipeChannel) On(kind domain.SignalKind, handler ports.SignalHandler) {
	p.handlers.add(kind, handler)
}

func (p *PipeChannel) Close() error {
	p.state.closeOnce.Do(func() {
		close(p.state.done)
	})
	return nil
}

func (p *PipeChannel) Done() <-chan struct{} {
	return p.state.done
}
