package memory

import (
	"sort"
	"sync"

	"relaymesh/internal/core/domain"
	"relaymesh/internal/core/ports"
)

type registryListener struct {
	id       uint64
	listener ports.RegistryListener
}

// MemoryStreamRegistry is the in-process StreamRegistry. Mutations and their
// notifications are serialized, so every subscriber observes the same order.
type MemoryStreamRegistry struct {
	streams map[domain.StreamID]domain.PublicationRecord
	mu      sync.RWMutex

	// held across a mutation and its fan-out
	notifyMu  sync.Mutex
	listeners map[domain.RegistryEventKind][]registryListener
	nextID    uint64
	lmu       sync.Mutex
}

func NewMemoryStreamRegistry() *MemoryStreamRegistry {
	return &MemoryStreamRegistry{
		streams:   make(map[domain.StreamID]domain.PublicationRecord),
		listeners: make(map[domain.RegistryEventKind][]registryListener),
	}
}

var _ ports.StreamRegistry = (*MemoryStreamRegistry)(nil)

func (r *MemoryStreamRegistry) Put(id domain.StreamID, record domain.PublicationRecord) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	record.StreamID = id
	r.mu.Lock()
	r.streams[id] = record
	r.mu.Unlock()

	r.notify(domain.RegistryEvent{
		Kind:     domain.RegistryInsert,
		StreamID: id,
		Record:   &record,
	})
}

// Remove deletes id and reports whether it was present. Absent keys produce
// no notification.
func (r *MemoryStreamRegistry) Remove(id domain.StreamID) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	_, exists := r.streams[id]
	delete(r.streams, id)
	r.mu.Unlock()

	if !exists {
		return false
	}

	r.notify(domain.RegistryEvent{
		Kind:     domain.RegistryDelete,
		StreamID: id,
	})
	return true
}

func (r *MemoryStreamRegistry) Get(id domain.StreamID) (domain.PublicationRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.streams[id]
	return record, exists
}

// Snapshot returns the records ordered by stream ID.
func (r *MemoryStreamRegistry) Snapshot() []domain.PublicationRecord {
	r.mu.RLock()
	records := make([]domain.PublicationRecord, 0, len(r.streams))
	for _, record := range r.streams {
		records = append(records, record)
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].StreamID < records[j].StreamID
	})
	return records
}

func (r *MemoryStreamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

func (r *MemoryStreamRegistry) On(kind domain.RegistryEventKind, listener ports.RegistryListener) func() {
	r.lmu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[kind] = append(r.listeners[kind], registryListener{id: id, listener: listener})
	r.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.lmu.Lock()
			defer r.lmu.Unlock()

			current := r.listeners[kind]
			for i, l := range current {
				if l.id == id {
					r.listeners[kind] = append(current[:i:i], current[i+1:]...)
					break
				}
			}
		})
	}
}

func (r *MemoryStreamRegistry) notify(event domain.RegistryEvent) {
	r.lmu.Lock()
	listeners := make([]registryListener, len(r.listeners[event.Kind]))
	copy(listeners, r.listeners[event.Kind])
	r.lmu.Unlock()

	for _, l := range listeners {
		l.listener(event)
	}
}
