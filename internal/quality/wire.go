package quality

import (
	"time"

	"github.com/aristath/marketfeed/internal/aggregate"
	"github.com/aristath/marketfeed/internal/events"
)

// Wire drives a Monitor's per-source freshness tracking from the aggregate
// topics internal/aggregate publishes, recording one arrival per entry in
// each Result's SourcesUsed (mirrors internal/readiness.Wire, which
// consumes the same aggregate events for a different purpose).
type Wire struct {
	monitor *Monitor
}

// NewWire binds monitor to the aggregate topics it should track arrivals on.
func NewWire(monitor *Monitor) *Wire {
	return &Wire{monitor: monitor}
}

// Subscribe wires the monitor onto bus and returns an unsubscribe-all func.
func (w *Wire) Subscribe(bus *events.Bus) func() {
	topics := []string{
		events.TopicAggregateOI,
		events.TopicAggregateFunding,
		events.TopicAggregateCVDSpot,
		events.TopicAggregateCVDFutures,
		events.TopicAggregateLiquidity,
		events.TopicAggregateLiquidations,
		events.TopicAggregatePriceIndex,
		events.TopicAggregatePriceCanonical,
		events.TopicAggregateVolume,
	}
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		topic := topic
		unsubs = append(unsubs, bus.Subscribe(topic, w.onAggregate(topic)))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (w *Wire) onAggregate(topic string) events.Handler {
	return func(meta events.Meta, payload any) error {
		res, ok := payload.(aggregate.Result)
		if !ok {
			return nil
		}
		now := time.UnixMilli(meta.Ts)
		for _, src := range res.SourcesUsed {
			w.monitor.RecordArrival(topic, res.Symbol, src, res.Ts, now)
		}
		return nil
	}
}
