package signal

import (
	"sync"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
)

// handlerSet dispatches messages to the handlers registered per kind.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[domain.SignalKind][]ports.SignalHandler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[domain.SignalKind][]ports.SignalHandler)}
}

func (h *handlerSet) add(kind domain.SignalKind, handler ports.SignalHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = append(h.handlers[kind], handler)
}

// dispatch reports whether any handler received msg.
func (h *handlerSet) dispatch(msg domain.SignalMessage) bool {
	h.mu.RLock()
	handlers := append([]ports.SignalHandler(nil), h.handlers[msg.Type]...)
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
	return len(handlers) > 0
}
