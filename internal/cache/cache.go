// Package cache holds the device-local read model: the merged view of each
// entity collection, plus the change bus that tells dependent views to
// refresh. The write path never touches it; network-originated changes enter
// only through the Applier.
package cache

import (
	"sync"

	"github.com/hearthware/homesync/internal/entity"
)

// Listener is invoked after a collection changes. Callbacks run on the
// notifying goroutine and should return quickly.
type Listener func(collection string)

// Bus is a minimal publish/subscribe fan-out keyed by collection.
type Bus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string]map[int]Listener
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[string]map[int]Listener)}
}

// Subscribe registers a listener for one collection and returns an
// unsubscribe func.
func (b *Bus) Subscribe(collection string, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listeners[collection] == nil {
		b.listeners[collection] = make(map[int]Listener)
	}
	id := b.nextID
	b.nextID++
	b.listeners[collection][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[collection], id)
	}
}

// Notify invokes every listener registered for the collection.
func (b *Bus) Notify(collection string) {
	b.mu.Lock()
	fns := make([]Listener, 0, len(b.listeners[collection]))
	for _, fn := range b.listeners[collection] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(collection)
	}
}

// Cache is the in-memory read cache, one entity slice per collection,
// guarded by a single-writer read-modify-write discipline.
type Cache struct {
	mu          sync.RWMutex
	collections map[string][]entity.Entity
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{collections: make(map[string][]entity.Entity)}
}

// Read returns a snapshot of one collection.
func (c *Cache) Read(collection string) []entity.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]entity.Entity, len(c.collections[collection]))
	copy(out, c.collections[collection])
	return out
}

// Write replaces one collection.
func (c *Cache) Write(collection string, entities []entity.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections[collection] = append([]entity.Entity(nil), entities...)
}
