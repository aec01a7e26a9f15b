package events

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler receives one published event. A non-nil return value is logged and
// isolated by the bus; it never stops delivery to the remaining subscribers.
type Handler func(meta Meta, payload any) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed topic registry with synchronous, in-order fan-out.
//
// Publish invokes every current subscriber of a topic, in subscription
// order, in the caller's goroutine, before returning. This is what gives
// replay and journaling their deterministic ordering (spec.md §4.1). The bus
// itself carries no buffering or backpressure. Its mutex guards only the
// subscriber registry, so a topic's subscriber list cannot be observed
// mid-mutation; handlers run outside the lock, and Publish calls made
// concurrently from different goroutines (on the same topic or different
// ones) run their handlers concurrently and are not serialized.
type Bus struct {
	mu      sync.Mutex
	topics  map[string][]subscription
	nextID  uint64
	log     zerolog.Logger
}

// NewBus creates an independent bus instance. Tests must always construct
// their own via NewBus rather than relying on Default(), so that handler
// registrations from one test never leak into another.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		topics: make(map[string][]subscription),
		log:    logger.With().Str("component", "event_bus").Logger(),
	}
}

var (
	defaultOnce sync.Once
	defaultBus  *Bus
)

// Default returns the process-wide singleton bus, for convenience wiring in
// main(). Test code must not use this — construct a dedicated Bus instead.
func Default() *Bus {
	defaultOnce.Do(func() {
		defaultBus = NewBus(log.Logger)
	})
	return defaultBus
}

// Subscribe registers handler for topic and returns an unsubscribe function.
// Subscribers are invoked in the order they were added. A handler added
// during an in-progress Publish is not invoked for that publish, only for
// subsequent ones.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.unsubscribe(topic, id)
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			// Unsubscription during a publish removes the handler for the
			// next publish only: Publish snapshots the slice before
			// invoking handlers, so mutating b.topics here is safe.
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish synchronously delivers payload to every current subscriber of
// topic, in subscription order. A subscriber that panics or returns an
// error is logged and isolated; the remaining subscribers still run.
func (b *Bus) Publish(topic string, meta Meta, payload any) {
	b.mu.Lock()
	// Snapshot under lock so a concurrent Subscribe/Unsubscribe from another
	// goroutine cannot race with iteration, while still allowing handlers
	// invoked below to call Subscribe/Unsubscribe themselves without
	// deadlocking (the lock is released before any handler runs).
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(topic, s, meta, payload)
	}
}

func (b *Bus) invoke(topic string, s subscription, meta Meta, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("topic", topic).
				Interface("panic", r).
				Msg("bus subscriber panicked; isolated")
		}
	}()

	if err := s.handler(meta, payload); err != nil {
		b.log.Error().
			Err(err).
			Str("topic", topic).
			Msg("bus subscriber returned error; isolated")
	}
}

// SubscriberCount reports the number of active subscribers for topic, used
// by tests and the observability event tap.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
