package memory

import (
	"sync"
	"testing"

	"relaymesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStreamRegistry_PutAndGet(t *testing.T) {
	reg := NewMemoryStreamRegistry()

	reg.Put("s1", domain.PublicationRecord{PeerID: "a", Direction: domain.DirectionUp})

	record, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, domain.StreamID("s1"), record.StreamID)
	assert.Equal(t, domain.PeerID("a"), record.PeerID)
	assert.Equal(t, 1, reg.Len())

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestMemoryStreamRegistry_Events(t *testing.T) {
	reg := NewMemoryStreamRegistry()

	var inserts []domain.RegistryEvent
	var deletes []domain.RegistryEvent
	reg.On(domain.RegistryInsert, func(ev domain.RegistryEvent) { inserts = append(inserts, ev) })
	reg.On(domain.RegistryDelete, func(ev domain.RegistryEvent) { deletes = append(deletes, ev) })

	reg.Put("s1", domain.PublicationRecord{PeerID: "a"})
	reg.Put("s1", domain.PublicationRecord{PeerID: "b"})

	require.Len(t, inserts, 2, "replacement notifies again")
	assert.Equal(t, domain.StreamID("s1"), inserts[1].StreamID)
	require.NotNil(t, inserts[1].Record)
	assert.Equal(t, domain.PeerID("b"), inserts[1].Record.PeerID)

	t.Run("remove notifies once", func(t *testing.T) {
		assert.True(t, reg.Remove("s1"))
		assert.False(t, reg.Remove("s1"))
		require.Len(t, deletes, 1)
		assert.Equal(t, domain.StreamID("s1"), deletes[0].StreamID)
		assert.Nil(t, deletes[0].Record)
	})
}

func TestMemoryStreamRegistry_FanOutBeforeReturn(t *testing.T) {
	reg := NewMemoryStreamRegistry()

	seen := false
	reg.On(domain.RegistryInsert, func(ev domain.RegistryEvent) {
		_, ok := reg.Get(ev.StreamID)
		seen = ok
	})

	reg.Put("s1", domain.PublicationRecord{})
	assert.True(t, seen)
}

func TestMemoryStreamRegistry_Unsubscribe(t *testing.T) {
	reg := NewMemoryStreamRegistry()

	calls := 0
	unsubscribe := reg.On(domain.RegistryInsert, func(domain.RegistryEvent) { calls++ })
	other := 0
	reg.On(domain.RegistryInsert, func(domain.RegistryEvent) { other++ })

	reg.Put("s1", domain.PublicationRecord{})
	unsubscribe()
	unsubscribe()
	reg.Put("s2", domain.PublicationRecord{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, other)
}

func TestMemoryStreamRegistry_SnapshotOrdered(t *testing.T) {
	reg := NewMemoryStreamRegistry()
	reg.Put("c", domain.PublicationRecord{})
	reg.Put("a", domain.PublicationRecord{})
	reg.Put("b", domain.PublicationRecord{})

	snapshot := reg.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, domain.StreamID("a"), snapshot[0].StreamID)
	assert.Equal(t, domain.StreamID("c"), snapshot[2].StreamID)
}

func TestMemoryStreamRegistry_ConcurrentMutations(t *testing.T) {
	reg := NewMemoryStreamRegistry()

	var mu sync.Mutex
	events := 0
	reg.On(domain.RegistryInsert, func(domain.RegistryEvent) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.Put(domain.StreamID(string(rune('a'+i%26))), domain.PublicationRecord{})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, events)
	assert.Equal(t, 26, reg.Len())
}
