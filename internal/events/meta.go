// Package events implements the in-process publish/subscribe bus that fans
// canonical market-data events out to analytics, journaling, and risk
// components.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies which plane of the system produced an event.
type Source string

const (
	SourceMarket    Source = "market"
	SourceStorage   Source = "storage"
	SourceRisk      Source = "risk"
	SourceStrategy  Source = "strategy"
	SourceExecution Source = "execution"
	SourcePortfolio Source = "portfolio"
	SourceAnalytics Source = "analytics"
	SourceGlobal    Source = "global_data"
	SourceMetrics   Source = "metrics"
	SourceReplay    Source = "replay"
	SourceState     Source = "state"
	SourceCLI       Source = "cli"
	SourceSystem    Source = "system"
)

// Meta is attached to every payload published on the bus. Components that
// derive an event from an input must inherit CorrelationID and TsEvent
// unchanged (see InheritMeta); only Source and Ts may be updated.
type Meta struct {
	Source         Source `json:"source"`
	Ts             int64  `json:"ts"`                        // wall-clock of emission, ms
	TsEvent        int64  `json:"tsEvent,omitempty"`          // logical event time, ms
	TsIngest       int64  `json:"tsIngest,omitempty"`         // arrival time, ms
	TsExchange     int64  `json:"tsExchange,omitempty"`       // exchange-stamped time, ms
	CorrelationID  string `json:"correlationId,omitempty"`
	StreamID       string `json:"streamId,omitempty"`
	Sequence       int64  `json:"sequence,omitempty"`
}

// MetaOption customizes a Meta produced by CreateMeta or InheritMeta.
type MetaOption func(*Meta)

// WithTs overrides the wall-clock emission timestamp. Replay-sensitive
// planes must always provide this rather than relying on the now() default.
func WithTs(ts int64) MetaOption { return func(m *Meta) { m.Ts = ts } }

// WithTsEvent sets the logical event time.
func WithTsEvent(ts int64) MetaOption { return func(m *Meta) { m.TsEvent = ts } }

// WithTsIngest sets the arrival time.
func WithTsIngest(ts int64) MetaOption { return func(m *Meta) { m.TsIngest = ts } }

// WithTsExchange sets the exchange-stamped time.
func WithTsExchange(ts int64) MetaOption { return func(m *Meta) { m.TsExchange = ts } }

// WithCorrelationID overrides the correlation id (use sparingly; inheritance
// is the common case).
func WithCorrelationID(id string) MetaOption { return func(m *Meta) { m.CorrelationID = id } }

// WithStreamID sets the owning stream identifier.
func WithStreamID(id string) MetaOption { return func(m *Meta) { m.StreamID = id } }

// WithSequence sets a partition/stream sequence number.
func WithSequence(seq int64) MetaOption { return func(m *Meta) { m.Sequence = seq } }

// nowMs is overridable in tests; production code must never call it from a
// replay-sensitive plane (analytics/strategy/risk/execution read timestamps
// from payload meta only).
var nowMs = func() int64 { return time.Now().UnixMilli() }

// NewCorrelationID returns a fresh opaque correlation id for a derivation
// chain root (e.g. a freshly parsed WS frame with no parent event).
func NewCorrelationID() string {
	return uuid.NewString()
}

// CreateMeta constructs a fresh Meta with Ts=now() unless WithTs overrides
// it. Use this at true ingress points (WS/REST parsers) where there is no
// parent event to inherit from.
func CreateMeta(source Source, opts ...MetaOption) Meta {
	m := Meta{
		Source: source,
		Ts:     nowMs(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.CorrelationID == "" {
		m.CorrelationID = NewCorrelationID()
	}
	return m
}

// InheritMeta copies CorrelationID, TsEvent, and StreamID from parent and
// stamps a fresh Ts for newSource. Any opts are applied after inheritance so
// callers may still override individual fields (e.g. Sequence).
//
// This is the mechanism enforcing the meta-inheritance invariant: for every
// component reacting to event E, the emitted event's meta.correlationId and
// meta.tsEvent must equal E's.
func InheritMeta(parent Meta, newSource Source, opts ...MetaOption) Meta {
	m := Meta{
		Source:        newSource,
		Ts:            nowMs(),
		TsEvent:       parent.TsEvent,
		CorrelationID: parent.CorrelationID,
		StreamID:      parent.StreamID,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}
