package connectivity

import (
	"context"
	"sync"
	"time"
)

// Event reports a reachability transition.
type Event struct {
	Online bool
	At     time.Time
}

// Signal is the read-only view of connectivity consumed by sync.
type Signal interface {
	Online() bool
	Subscribe(ctx context.Context) (<-chan Event, func())
}

// Broadcaster holds the current reachability and fans transitions out to subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	online      bool
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Event
	once   sync.Once
}

// NewBroadcaster constructs a broadcaster with the given initial state.
func NewBroadcaster(initiallyOnline bool) *Broadcaster {
	return &Broadcaster{
		online:      initiallyOnline,
		subscribers: make(map[int64]*subscriber),
		bufferSize:  8,
		clock:       time.Now,
	}
}

// Online reports the last known state.
func (b *Broadcaster) Online() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.online
}

// Subscribe registers a listener until ctx ends or the returned cleanup runs.
// Slow listeners miss events rather than blocking the publisher.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{stream: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.subscribers, sub.id)
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.stream) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Set records the state and publishes an event when it changed. It reports
// whether a transition happened.
func (b *Broadcaster) Set(online bool) bool {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	event := Event{Online: online, At: b.clock().UTC()}
	copies := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		copies = append(copies, sub)
	}
	// Sends happen under the lock so cleanup cannot close a stream mid-send.
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
	b.mu.Unlock()
	return true
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
