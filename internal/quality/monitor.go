// Package quality implements the global data quality monitor of spec.md
// §4.7: per-source last-arrival tracking across the aggregate topics, with
// sourceDegraded/sourceRecovered transitions and a degraded-sources
// snapshot for health reporting.
package quality

import (
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
)

// sourceState tracks one (topic, symbol, sourceId)'s freshness.
type sourceState struct {
	lastSeenWall time.Time
	lastSeenTs   int64
	degraded     bool
	reason       string
}

// Config parameterizes the monitor. ExpectedIntervalMs maps a topic to the
// interval a fresh event is expected within; PolicyFloorMs is the minimum
// staleness threshold applied even to topics with a shorter expected
// interval (spec.md §4.7: "max of expectedInterval and policy value").
type Config struct {
	ExpectedIntervalMs map[string]int64
	PolicyFloorMs      int64
	DefaultIntervalMs  int64
}

// Monitor is the global data quality tracker.
type Monitor struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger

	mu     sync.Mutex
	states map[string]*sourceState
}

// New constructs a Monitor publishing onto bus.
func New(cfg Config, bus *events.Bus, log zerolog.Logger) *Monitor {
	if cfg.DefaultIntervalMs <= 0 {
		cfg.DefaultIntervalMs = 10_000
	}
	return &Monitor{
		cfg:    cfg,
		bus:    bus,
		log:    log.With().Str("component", "data_quality_monitor").Logger(),
		states: make(map[string]*sourceState),
	}
}

// Key builds the {topic}:{symbol}:{sourceId} string used both in
// degraded/recovered events and in any UI surface derived from Snapshot —
// the spec's key invariant requires these never diverge.
func Key(topic, symbol, sourceID string) string {
	return topic + ":" + symbol + ":" + sourceID
}

func (m *Monitor) thresholdFor(topic string) time.Duration {
	expected := m.cfg.DefaultIntervalMs
	if v, ok := m.cfg.ExpectedIntervalMs[topic]; ok {
		expected = v
	}
	if m.cfg.PolicyFloorMs > expected {
		expected = m.cfg.PolicyFloorMs
	}
	return time.Duration(expected) * time.Millisecond
}

// RecordArrival marks a fresh event for (topic, symbol, sourceId) at
// eventTs. If the source was previously degraded, this publishes
// data:sourceRecovered.
func (m *Monitor) RecordArrival(topic, symbol, sourceID string, eventTs int64, now time.Time) {
	key := Key(topic, symbol, sourceID)

	m.mu.Lock()
	st, ok := m.states[key]
	if !ok {
		st = &sourceState{}
		m.states[key] = st
	}
	wasDegraded := st.degraded
	st.lastSeenWall = now
	st.lastSeenTs = eventTs
	st.degraded = false
	st.reason = ""
	m.mu.Unlock()

	if wasDegraded {
		m.bus.Publish(events.TopicDataSourceRecovered, events.CreateMeta(events.SourceGlobal, events.WithTs(now.UnixMilli())), map[string]any{
			"key":         key,
			"sourceId":    sourceID,
			"recoveredTs": now.UnixMilli(),
		})
	}
}

// CheckStaleness scans every tracked source and transitions any that have
// exceeded their threshold since now into the degraded state, publishing
// data:sourceDegraded for each newly-degraded source. Call this on a
// ticker (the observability health reporter schedules it).
func (m *Monitor) CheckStaleness(now time.Time) {
	m.mu.Lock()
	type degradedEvent struct {
		key, sourceID string
		lastSuccessTs int64
	}
	var newlyDegraded []degradedEvent

	for key, st := range m.states {
		topic, _, sourceID := splitKey(key)
		if st.degraded {
			continue
		}
		if now.Sub(st.lastSeenWall) > m.thresholdFor(topic) {
			st.degraded = true
			st.reason = "stale"
			newlyDegraded = append(newlyDegraded, degradedEvent{key: key, sourceID: sourceID, lastSuccessTs: st.lastSeenTs})
		}
	}
	m.mu.Unlock()

	for _, d := range newlyDegraded {
		m.bus.Publish(events.TopicDataSourceDegraded, events.CreateMeta(events.SourceGlobal, events.WithTs(now.UnixMilli())), map[string]any{
			"key":           d.key,
			"sourceId":      d.sourceID,
			"reason":        "stale",
			"lastSuccessTs": d.lastSuccessTs,
		})
	}
}

func splitKey(key string) (topic, symbol, sourceID string) {
	// key = topic:symbol:sourceId, and topic itself may contain ":" (e.g.
	// "aggregate:oi"), so split from the right twice.
	lastColon := lastIndexByte(key, ':')
	if lastColon < 0 {
		return key, "", ""
	}
	sourceID = key[lastColon+1:]
	rest := key[:lastColon]

	secondColon := lastIndexByte(rest, ':')
	if secondColon < 0 {
		return rest, "", sourceID
	}
	symbol = rest[secondColon+1:]
	topic = rest[:secondColon]
	return topic, symbol, sourceID
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// DegradedEntry is one row of a Snapshot.
type DegradedEntry struct {
	Key           string `json:"key"`
	SourceID      string `json:"sourceId"`
	Reason        string `json:"reason"`
	LastSuccessTs int64  `json:"lastSuccessTs"`
}

// Snapshot returns up to limit currently-degraded sources. limit<=0 means
// unlimited.
func (m *Monitor) Snapshot(limit int) []DegradedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DegradedEntry, 0)
	for key, st := range m.states {
		if !st.degraded {
			continue
		}
		_, _, sourceID := splitKey(key)
		out = append(out, DegradedEntry{Key: key, SourceID: sourceID, Reason: st.reason, LastSuccessTs: st.lastSeenTs})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
