package exchange

import "sync"

// ResyncReason classifies why a resync_requested event was emitted.
type ResyncReason string

const (
	ResyncSnapshotMissing ResyncReason = "snapshot_missing"
	ResyncGap             ResyncReason = "gap"
)

// ResyncRequest is the payload of market:resync_requested.
type ResyncRequest struct {
	Symbol   string       `json:"symbol"`
	Reason   ResyncReason `json:"reason"`
	LastSeq  int64        `json:"lastSeq,omitempty"`
	UpdateID int64        `json:"updateId,omitempty"`
}

// DeltaOutcome is the sequencer's verdict on one inbound delta.
type DeltaOutcome int

const (
	// DeltaAccepted means the delta extends the book; lastSeq was advanced
	// and the canonical delta should be emitted.
	DeltaAccepted DeltaOutcome = iota
	// DeltaDroppedStale means updateId <= lastSeq; silently discarded.
	DeltaDroppedStale
	// DeltaResyncGap means updateId > lastSeq+1; a gap resync was requested
	// and the delta itself is dropped.
	DeltaResyncGap
	// DeltaResyncMissingSnapshot means no snapshot has been applied yet for
	// this symbol; a resync was requested and the delta is dropped.
	DeltaResyncMissingSnapshot
)

type bookState struct {
	hasSnapshot bool
	lastSeq     int64
}

// Sequencer tracks per-symbol order-book sequence state for one
// (venue, marketType) WS stream. It owns lastSeq per symbol exclusively —
// no other component mutates it (spec.md §5 owned-state rule).
type Sequencer struct {
	mu     sync.Mutex
	states map[string]*bookState
}

// NewSequencer creates an empty per-symbol sequence tracker.
func NewSequencer() *Sequencer {
	return &Sequencer{states: make(map[string]*bookState)}
}

// ApplySnapshot records a fresh snapshot's updateId as the new baseline,
// discarding any prior sequencing state for the symbol.
func (s *Sequencer) ApplySnapshot(symbol string, updateID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[symbol] = &bookState{hasSnapshot: true, lastSeq: updateID}
}

// ApplyDelta evaluates one inbound delta's updateId against the tracked
// lastSeq and returns the outcome plus, for resync outcomes, the request to
// publish.
//
//   - no snapshot yet            -> DeltaResyncMissingSnapshot
//   - updateId > lastSeq+1       -> DeltaResyncGap
//   - updateId <= lastSeq        -> DeltaDroppedStale
//   - updateId == lastSeq+1      -> DeltaAccepted, lastSeq advances
func (s *Sequencer) ApplyDelta(symbol string, updateID int64) (DeltaOutcome, ResyncRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[symbol]
	if !ok || !st.hasSnapshot {
		return DeltaResyncMissingSnapshot, ResyncRequest{
			Symbol: symbol,
			Reason: ResyncSnapshotMissing,
		}
	}

	switch {
	case updateID <= st.lastSeq:
		return DeltaDroppedStale, ResyncRequest{}
	case updateID > st.lastSeq+1:
		req := ResyncRequest{
			Symbol:   symbol,
			Reason:   ResyncGap,
			LastSeq:  st.lastSeq,
			UpdateID: updateID,
		}
		return DeltaResyncGap, req
	default:
		st.lastSeq = updateID
		return DeltaAccepted, ResyncRequest{}
	}
}

// Reset drops all tracked state for symbol, e.g. after a resync reconnect.
func (s *Sequencer) Reset(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, symbol)
}

// LastSeq returns the currently tracked sequence for symbol, for tests and
// diagnostics.
func (s *Sequencer) LastSeq(symbol string) (seq int64, hasSnapshot bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[symbol]
	if !ok {
		return 0, false
	}
	return st.lastSeq, st.hasSnapshot
}
