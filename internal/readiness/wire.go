package readiness

import (
	"time"

	"github.com/aristath/marketfeed/internal/aggregate"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
)

// Wire drives a Monitor from the aggregate topics published by
// internal/aggregate, attributing each aggregate's SourcesUsed to the
// readiness block it feeds.
type Wire struct {
	monitor    *Monitor
	marketType domain.MarketType
}

// NewWire binds monitor to marketType; every observation this Wire
// produces is attributed to that market type, matching how the gateway is
// scoped per (venue, marketType) upstream.
func NewWire(monitor *Monitor, marketType domain.MarketType) *Wire {
	return &Wire{monitor: monitor, marketType: marketType}
}

// Subscribe wires the monitor onto bus and returns an unsubscribe-all func.
func (w *Wire) Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.TopicAggregatePriceIndex, w.onAggregate(BlockPrice)),
		bus.Subscribe(events.TopicAggregatePriceCanonical, w.onAggregate(BlockPrice)),
		bus.Subscribe(events.TopicAggregateCVDSpot, w.onAggregate(BlockFlow)),
		bus.Subscribe(events.TopicAggregateCVDFutures, w.onAggregate(BlockFlow)),
		bus.Subscribe(events.TopicAggregateVolume, w.onAggregate(BlockFlow)),
		bus.Subscribe(events.TopicAggregateLiquidity, w.onAggregate(BlockLiquidity)),
		bus.Subscribe(events.TopicAggregateOI, w.onAggregate(BlockDerivatives)),
		bus.Subscribe(events.TopicAggregateFunding, w.onAggregate(BlockDerivatives)),
		bus.Subscribe(events.TopicDataGapDetected, w.onGap),
		bus.Subscribe(events.TopicDataMismatch, w.onMismatch),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (w *Wire) onAggregate(block Block) events.Handler {
	return func(meta events.Meta, payload any) error {
		res, ok := payload.(aggregate.Result)
		if !ok {
			return nil
		}
		now := time.UnixMilli(meta.Ts)
		if len(res.SourcesUsed) == 0 {
			w.monitor.Observe(res.Symbol, w.marketType, block, "_none", res.ConfidenceScore, res.Ts, meta.Ts, now)
			return nil
		}
		for _, src := range res.SourcesUsed {
			w.monitor.Observe(res.Symbol, w.marketType, block, src, res.ConfidenceScore, res.Ts, meta.Ts, now)
		}
		return nil
	}
}

func (w *Wire) onGap(meta events.Meta, payload any) error {
	symbol, ok := symbolFromDataEvent(payload)
	if !ok {
		return nil
	}
	w.monitor.RecordGap(symbol, w.marketType, time.UnixMilli(meta.Ts))
	return nil
}

func (w *Wire) onMismatch(meta events.Meta, payload any) error {
	symbol, ok := symbolFromDataEvent(payload)
	if !ok {
		return nil
	}
	w.monitor.RecordMismatch(symbol, w.marketType, time.UnixMilli(meta.Ts))
	return nil
}

// symbolFromDataEvent extracts "symbol" from the map[string]any payload
// internal/journal's quality detector and internal/aggregate's mismatch
// check both publish on their data:* topics.
func symbolFromDataEvent(payload any) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	symbol, ok := m["symbol"].(string)
	return symbol, ok && symbol != ""
}
