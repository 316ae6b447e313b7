package cache

import (
	"sync"

	"go.uber.org/zap"

	"github.com/openalpha/commodex/types"
)

// Bus is the in-process publish/subscribe side of the market cache. Publishes
// never block: a subscriber whose buffer is full misses the event, which is
// acceptable because every consumer can re-read the store.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
	log    *zap.Logger
}

// Subscription receives matching envelopes on C until Cancel is called.
type Subscription struct {
	C      chan types.Envelope
	filter map[types.EventType]bool // nil means all events
	bus    *Bus
	once   sync.Once
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a subscriber for the given event types; with no types it
// receives everything. buffer bounds the subscriber's channel.
func (b *Bus) Subscribe(buffer int, events ...types.EventType) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		C:   make(chan types.Envelope, buffer),
		bus: b,
	}
	if len(events) > 0 {
		sub.filter = make(map[types.EventType]bool, len(events))
		for _, e := range events {
			sub.filter[e] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			close(s.C)
		}
	})
}

// Publish delivers the envelope to every matching subscriber without
// blocking.
func (b *Bus) Publish(env types.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[env.Type] {
			continue
		}
		select {
		case sub.C <- env:
		default:
			b.log.Warn("bus subscriber lagging, event dropped",
				zap.String("type", string(env.Type)))
		}
	}
}

// Close shuts the bus down; subsequent publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.C)
	}
	b.subs = nil
}
