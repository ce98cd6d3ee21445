package ports

import (
	"relaymesh/internal/core/domain"
)

type RegistryListener func(event domain.RegistryEvent)

// StreamRegistry is an observable directory of publications. Listeners run
// synchronously inside Put and Remove and must not mutate the registry.
type StreamRegistry interface {
	Put(id domain.StreamID, record domain.PublicationRecord)
	Remove(id domain.StreamID) bool
	Get(id domain.StreamID) (domain.PublicationRecord, bool)
	Snapshot() []domain.PublicationRecord
	Len() int
	On(kind domain.RegistryEventKind, listener RegistryListener) (unsubscribe func())
}
