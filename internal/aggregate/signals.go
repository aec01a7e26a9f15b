package aggregate

import (
	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
)

// SourceWeight names a per-source weight, mirroring config.SourceWeight
// without importing internal/config (keeps aggregate dependency-free of
// the config package, per the cyclic-reference design note in spec.md §9).
type SourceWeight struct {
	SourceID string
	Weight   float64
}

func weightMap(weights []SourceWeight) map[string]float64 {
	if len(weights) == 0 {
		return nil
	}
	out := make(map[string]float64, len(weights))
	for _, w := range weights {
		out[w.SourceID] = w.Weight
	}
	return out
}

// Signals bundles every TTL/bucketed aggregator this service runs, wired
// onto the bus's market-data input topics and emitting onto the
// aggregate:* topics (spec.md §4.6).
type Signals struct {
	OI             *TTLAggregator
	Funding        *TTLAggregator
	PriceIndex     *TTLAggregator
	PriceCanonical *TTLAggregator
	CVDSpot        *BucketedAggregator
	CVDFutures     *BucketedAggregator
	Liquidity      *BucketedAggregator
	Liquidation    *BucketedAggregator
	Volume         *BucketedAggregator
}

// NewSignals constructs every aggregator with the given cross-venue TTL,
// expected-source counts, and weights.
func NewSignals(ttlMs, cvdBucketMs, liqBucketMs int64, expectedSources int, weights []SourceWeight, bus *events.Bus, log zerolog.Logger) *Signals {
	wm := weightMap(weights)
	return &Signals{
		OI: NewTTLAggregator(Config{
			Topic: events.TopicAggregateOI, TTLMs: ttlMs, ExpectedSources: expectedSources, Weights: wm, MismatchThreshold: 0.05,
		}, bus, log),
		Funding: NewTTLAggregator(Config{
			Topic: events.TopicAggregateFunding, TTLMs: ttlMs, ExpectedSources: expectedSources, Weights: wm, MismatchThreshold: 0.0005,
		}, bus, log),
		PriceIndex: NewTTLAggregator(Config{
			Topic: events.TopicAggregatePriceIndex, TTLMs: ttlMs, ExpectedSources: expectedSources, Weights: wm, MismatchThreshold: 50,
		}, bus, log),
		// PriceCanonical tracks the same cross-venue TTL combination as
		// PriceIndex but over last-traded price rather than ticker mid/mark,
		// giving downstream consumers a reference price that moves with
		// actual fills instead of quote updates.
		PriceCanonical: NewTTLAggregator(Config{
			Topic: events.TopicAggregatePriceCanonical, TTLMs: ttlMs, ExpectedSources: expectedSources, Weights: wm, MismatchThreshold: 50,
		}, bus, log),
		CVDSpot:     NewBucketedAggregator(events.TopicAggregateCVDSpot, cvdBucketMs, bus, log),
		CVDFutures:  NewBucketedAggregator(events.TopicAggregateCVDFutures, cvdBucketMs, bus, log),
		Liquidity:   NewBucketedAggregator(events.TopicAggregateLiquidity, liqBucketMs, bus, log),
		Liquidation: NewBucketedAggregator(events.TopicAggregateLiquidations, liqBucketMs, bus, log),
		Volume:      NewBucketedAggregator(events.TopicAggregateVolume, cvdBucketMs, bus, log),
	}
}
