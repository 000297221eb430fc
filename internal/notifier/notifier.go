package notifier

import (
	"sync"

	"github.com/streamkeep/streamkeep/internal/asset"
)

// Observer receives the full asset list whenever state changes. There are no
// delta semantics; every notification carries a complete snapshot.
type Observer func(assets []asset.Record)

// Broadcaster is the process-wide publish point for asset list changes.
// Unsubscription is synchronous: once the returned cancel func runs, the
// observer will not be called by any later Broadcast.
type Broadcaster struct {
	mu        sync.Mutex
	nextID    int
	observers map[int]Observer
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{observers: map[int]Observer{}}
}

// Subscribe registers an observer and returns its unsubscribe func.
func (b *Broadcaster) Subscribe(obs Observer) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.observers[id] = obs

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.observers, id)
	}
}

// Broadcast pushes the snapshot to all registered observers. Observers are
// called synchronously under the broadcaster's lock and must not call back
// into Subscribe or Broadcast.
func (b *Broadcaster) Broadcast(assets []asset.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, obs := range b.observers {
		obs(assets)
	}
}
