// Package readiness implements the market-data readiness signal of
// spec.md §4.8: a per (symbol, marketType) status ladder
// (NO_DATA/WARMING/DEGRADED/READY) gating downstream trading, published as
// system:market_data_status.
package readiness

import (
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
)

// Block is one of the four data classes readiness tracks per symbol.
type Block string

const (
	BlockPrice       Block = "price"
	BlockFlow        Block = "flow"
	BlockLiquidity   Block = "liquidity"
	BlockDerivatives Block = "derivatives"
)

// Status is a rung of the readiness ladder.
type Status string

const (
	StatusNoData   Status = "NO_DATA"
	StatusWarming  Status = "WARMING"
	StatusDegraded Status = "DEGRADED"
	StatusReady    Status = "READY"
)

// statusRank orders the ladder for the worst-of comparison used by the
// per-minute bucket.
var statusRank = map[Status]int{
	StatusNoData:   0,
	StatusWarming:  1,
	StatusDegraded: 2,
	StatusReady:    3,
}

func worstOf(a, b Status) Status {
	if statusRank[a] <= statusRank[b] {
		return a
	}
	return b
}

// Reason is one entry of the degradation taxonomy.
type Reason string

const (
	ReasonExpectedSourceMissing Reason = "EXPECTED_SOURCE_MISSING"
	ReasonConfidenceLow         Reason = "CONFIDENCE_LOW"
	ReasonPriceStale            Reason = "PRICE_STALE"
	ReasonNoValidRefPrice       Reason = "NO_VALID_REF_PRICE"
	ReasonGapsDetected          Reason = "GAPS_DETECTED"
	ReasonMismatch              Reason = "MISMATCH_DETECTED"
	ReasonLagHigh               Reason = "LAG_HIGH"
	ReasonDerivativesStale      Reason = "DERIVATIVES_STALE"
)

// Config parameterizes one Monitor instance.
type Config struct {
	ExpectedSources     map[Block][]string
	WarmupMs            int64
	StartupGraceMs      int64
	StabilityMs         int64
	EWMAAlpha           float64
	ConfidenceThreshold float64
	LagHighMs           int64
	PriceStaleMs        int64
	DerivativesStaleMs  int64
	GapReasonWindowMs   int64
	MismatchWindowMs    int64
}

func (c Config) withDefaults() Config {
	if c.WarmupMs <= 0 {
		c.WarmupMs = 30 * 60_000
	}
	if c.StartupGraceMs <= 0 {
		c.StartupGraceMs = 10_000
	}
	if c.StabilityMs <= 0 {
		c.StabilityMs = 10_000
	}
	if c.EWMAAlpha <= 0 {
		c.EWMAAlpha = 0.2
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.LagHighMs <= 0 {
		c.LagHighMs = 5_000
	}
	if c.PriceStaleMs <= 0 {
		c.PriceStaleMs = 10_000
	}
	if c.DerivativesStaleMs <= 0 {
		c.DerivativesStaleMs = 180_000
	}
	if c.GapReasonWindowMs <= 0 {
		c.GapReasonWindowMs = 60_000
	}
	if c.MismatchWindowMs <= 0 {
		c.MismatchWindowMs = 120_000
	}
	return c
}

type blockState struct {
	sourcesSeen    map[string]bool
	lastArrival    time.Time
	lastConfidence float64
	haveArrival    bool
}

type pendingReason struct {
	firstSeen time.Time
}

type symbolState struct {
	startedAt  time.Time
	blocks     map[Block]*blockState
	haveLagEWMA bool
	lagEWMAMs  float64

	lastGap      time.Time
	haveGap      bool
	lastMismatch time.Time
	haveMismatch bool

	pending  map[Reason]pendingReason
	exposed  map[Reason]bool

	minuteStart      int64
	worstInMinute    Status
	reasonsInMinute  map[Reason]bool
	warningsInMinute map[string]bool
}

func newSymbolState(now time.Time) *symbolState {
	return &symbolState{
		startedAt: now,
		blocks: map[Block]*blockState{
			BlockPrice:       {sourcesSeen: map[string]bool{}},
			BlockFlow:        {sourcesSeen: map[string]bool{}},
			BlockLiquidity:   {sourcesSeen: map[string]bool{}},
			BlockDerivatives: {sourcesSeen: map[string]bool{}},
		},
		pending:          make(map[Reason]pendingReason),
		exposed:          make(map[Reason]bool),
		reasonsInMinute:  make(map[Reason]bool),
		warningsInMinute: make(map[string]bool),
	}
}

// Monitor tracks readiness for every (symbol, marketType) it observes.
type Monitor struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger

	mu     sync.Mutex
	states map[string]*symbolState
}

// New constructs a Monitor publishing onto bus.
func New(cfg Config, bus *events.Bus, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg.withDefaults(),
		bus:    bus,
		log:    log.With().Str("component", "readiness_monitor").Logger(),
		states: make(map[string]*symbolState),
	}
}

func stateKey(symbol string, marketType domain.MarketType) string {
	return symbol + ":" + string(marketType)
}

// Observe records one fresh data point for (symbol, marketType)'s block
// from sourceID, with the aggregator's reported confidence and the
// event/ingest timestamps used for the lag EWMA, then recomputes and
// publishes the readiness status.
func (m *Monitor) Observe(symbol string, marketType domain.MarketType, block Block, sourceID string, confidence float64, tsEvent, tsIngest int64, now time.Time) {
	key := stateKey(symbol, marketType)

	m.mu.Lock()
	st, ok := m.states[key]
	if !ok {
		st = newSymbolState(now)
		m.states[key] = st
	}
	b := st.blocks[block]
	b.sourcesSeen[sourceID] = true
	b.lastArrival = now
	b.lastConfidence = confidence
	b.haveArrival = true

	if tsEvent > 0 {
		lag := float64(tsIngest - tsEvent)
		if st.haveLagEWMA {
			st.lagEWMAMs = m.cfg.EWMAAlpha*lag + (1-m.cfg.EWMAAlpha)*st.lagEWMAMs
		} else {
			st.lagEWMAMs = lag
			st.haveLagEWMA = true
		}
	}
	m.mu.Unlock()

	m.recompute(key, symbol, marketType, now)
}

// RecordGap marks (symbol, marketType) as having a fresh data:gapDetected
// event, making ReasonGapsDetected eligible until it ages out of
// cfg.GapReasonWindowMs.
func (m *Monitor) RecordGap(symbol string, marketType domain.MarketType, now time.Time) {
	key := stateKey(symbol, marketType)
	m.mu.Lock()
	st, ok := m.states[key]
	if !ok {
		st = newSymbolState(now)
		m.states[key] = st
	}
	st.lastGap = now
	st.haveGap = true
	m.mu.Unlock()

	m.recompute(key, symbol, marketType, now)
}

// RecordMismatch marks (symbol, marketType) as having a fresh data:mismatch
// event, making ReasonMismatch eligible until it ages out of
// cfg.MismatchWindowMs.
func (m *Monitor) RecordMismatch(symbol string, marketType domain.MarketType, now time.Time) {
	key := stateKey(symbol, marketType)
	m.mu.Lock()
	st, ok := m.states[key]
	if !ok {
		st = newSymbolState(now)
		m.states[key] = st
	}
	st.lastMismatch = now
	st.haveMismatch = true
	m.mu.Unlock()

	m.recompute(key, symbol, marketType, now)
}

// Tick forces a recompute for every tracked symbol without a new
// observation, needed so staleness-driven degradation (no arrivals at all)
// surfaces even when nothing new is published.
func (m *Monitor) Tick(now time.Time) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.states))
	for k := range m.states {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, key := range keys {
		symbol, marketType := splitStateKey(key)
		m.recompute(key, symbol, marketType, now)
	}
}

func splitStateKey(key string) (string, domain.MarketType) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], domain.MarketType(key[i+1:])
		}
	}
	return key, domain.MarketTypeUnknown
}

// Snapshot is the payload of system:market_data_status.
type Snapshot struct {
	Symbol              string   `json:"symbol"`
	MarketType          string   `json:"marketType"`
	WarmingUp           bool     `json:"warmingUp"`
	Degraded            bool     `json:"degraded"`
	DegradedReasons     []string `json:"degradedReasons"`
	Warnings            []string `json:"warnings"`
	OverallConfidence   float64  `json:"overallConfidence"`
	WorstStatusInMinute string   `json:"worstStatusInMinute"`
	Status              string   `json:"status"`
}

func (m *Monitor) recompute(key, symbol string, marketType domain.MarketType, now time.Time) {
	m.mu.Lock()
	st := m.states[key]
	if st == nil {
		m.mu.Unlock()
		return
	}

	reasons := m.detectReasons(st, now)
	withinGrace := now.Sub(st.startedAt) < time.Duration(m.cfg.StartupGraceMs)*time.Millisecond
	withinWarmup := now.Sub(st.startedAt) < time.Duration(m.cfg.WarmupMs)*time.Millisecond

	stableReasons := m.applyStabilityWindow(st, reasons, now)

	anyArrival := false
	var confSum float64
	var confCount int
	for _, b := range st.blocks {
		if b.haveArrival {
			anyArrival = true
			confSum += b.lastConfidence
			confCount++
		}
	}
	overallConfidence := 0.0
	if confCount > 0 {
		overallConfidence = confSum / float64(confCount)
	}

	var status Status
	switch {
	case !anyArrival:
		status = StatusNoData
	case withinGrace:
		status = StatusWarming
	case len(stableReasons) > 0:
		status = StatusDegraded
	case withinWarmup:
		status = StatusWarming
	default:
		status = StatusReady
	}

	minuteStart := now.UnixMilli() / 60_000 * 60_000
	if minuteStart != st.minuteStart {
		st.minuteStart = minuteStart
		st.worstInMinute = status
		st.reasonsInMinute = make(map[Reason]bool)
		st.warningsInMinute = make(map[string]bool)
	} else {
		st.worstInMinute = worstOf(st.worstInMinute, status)
	}
	for _, r := range stableReasons {
		st.reasonsInMinute[r] = true
	}

	degradedReasons := make([]string, 0, len(st.reasonsInMinute))
	for r := range st.reasonsInMinute {
		degradedReasons = append(degradedReasons, string(r))
	}
	warnings := make([]string, 0, len(st.warningsInMinute))
	for w := range st.warningsInMinute {
		warnings = append(warnings, w)
	}
	worst := st.worstInMinute
	m.mu.Unlock()

	snap := Snapshot{
		Symbol:              symbol,
		MarketType:          string(marketType),
		WarmingUp:           status == StatusWarming,
		Degraded:            status == StatusDegraded,
		DegradedReasons:     degradedReasons,
		Warnings:            warnings,
		OverallConfidence:   overallConfidence,
		WorstStatusInMinute: string(worst),
		Status:              string(status),
	}
	m.bus.Publish(events.TopicSystemMarketDataStatus, events.CreateMeta(events.SourceGlobal, events.WithTs(now.UnixMilli())), snap)
}

// detectReasons evaluates the taxonomy against current block state.
func (m *Monitor) detectReasons(st *symbolState, now time.Time) []Reason {
	var reasons []Reason

	for block, expected := range m.cfg.ExpectedSources {
		b := st.blocks[block]
		if b == nil {
			continue
		}
		for _, src := range expected {
			if !b.sourcesSeen[src] {
				reasons = append(reasons, ReasonExpectedSourceMissing)
				break
			}
		}
		if b.haveArrival && b.lastConfidence < m.cfg.ConfidenceThreshold {
			reasons = append(reasons, ReasonConfidenceLow)
		}
	}

	if price := st.blocks[BlockPrice]; price.haveArrival {
		if now.Sub(price.lastArrival) > time.Duration(m.cfg.PriceStaleMs)*time.Millisecond {
			reasons = append(reasons, ReasonPriceStale)
		}
	} else {
		reasons = append(reasons, ReasonNoValidRefPrice)
	}

	if deriv := st.blocks[BlockDerivatives]; deriv.haveArrival {
		if now.Sub(deriv.lastArrival) > time.Duration(m.cfg.DerivativesStaleMs)*time.Millisecond {
			reasons = append(reasons, ReasonDerivativesStale)
		}
	}

	if st.haveLagEWMA && st.lagEWMAMs > float64(m.cfg.LagHighMs) {
		reasons = append(reasons, ReasonLagHigh)
	}

	if st.haveGap && now.Sub(st.lastGap) <= time.Duration(m.cfg.GapReasonWindowMs)*time.Millisecond {
		reasons = append(reasons, ReasonGapsDetected)
	}
	if st.haveMismatch && now.Sub(st.lastMismatch) <= time.Duration(m.cfg.MismatchWindowMs)*time.Millisecond {
		reasons = append(reasons, ReasonMismatch)
	}

	return reasons
}

// applyStabilityWindow only exposes a reason once it has persisted for at
// least cfg.StabilityMs (spec.md §4.8).
func (m *Monitor) applyStabilityWindow(st *symbolState, reasons []Reason, now time.Time) []Reason {
	current := make(map[Reason]bool, len(reasons))
	for _, r := range reasons {
		current[r] = true
		if _, tracking := st.pending[r]; !tracking {
			st.pending[r] = pendingReason{firstSeen: now}
		}
	}
	for r := range st.pending {
		if !current[r] {
			delete(st.pending, r)
			delete(st.exposed, r)
		}
	}

	stable := make([]Reason, 0, len(reasons))
	for r, p := range st.pending {
		if now.Sub(p.firstSeen) >= time.Duration(m.cfg.StabilityMs)*time.Millisecond {
			st.exposed[r] = true
		}
		if st.exposed[r] {
			stable = append(stable, r)
		}
	}
	return stable
}
