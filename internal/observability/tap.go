// Package observability provides the process's self-monitoring surface:
// a bus event tap with per-topic counters, a periodic health snapshot
// (grounded on the teacher's robfig/cron scheduler) written to a rotating
// log file, and a minimal chi-based debug HTTP server.
package observability

import (
	"sync"

	"github.com/aristath/marketfeed/internal/events"
)

// Tap counts every event published on the topics it's told to watch,
// giving the health reporter and debug server a cheap activity summary
// without re-deriving it from the journal.
type Tap struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewTap constructs an empty Tap.
func NewTap() *Tap {
	return &Tap{counts: make(map[string]int64)}
}

// Subscribe attaches the tap to every topic in topics and returns an
// unsubscribe-all function.
func (t *Tap) Subscribe(bus *events.Bus, topics []string) func() {
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		topic := topic
		unsubs = append(unsubs, bus.Subscribe(topic, func(events.Meta, any) error {
			t.mu.Lock()
			t.counts[topic]++
			t.mu.Unlock()
			return nil
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Snapshot returns a copy of the current per-topic counters.
func (t *Tap) Snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Total sums every tracked counter.
func (t *Tap) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int64
	for _, v := range t.counts {
		total += v
	}
	return total
}
