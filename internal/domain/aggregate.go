package domain

// Aggregate entities carry per-symbol weighted sums over contributing
// sources within a TTL window (spec.md §3). SourcesUsed/WeightsUsed are
// parallel slices; ConfidenceScore summarizes freshness/dispersion.
type AggregateBase struct {
	Symbol            string    `json:"symbol"`
	Ts                int64     `json:"ts"` // bucket-end timestamp; never now()
	SourcesUsed       []string  `json:"sourcesUsed"`
	WeightsUsed       []float64 `json:"weightsUsed"`
	ConfidenceScore   float64   `json:"confidenceScore"`
	MismatchDetected  bool      `json:"mismatchDetected"`
}

// OIAggregate is the cross-venue weighted open-interest signal.
type OIAggregate struct {
	AggregateBase
	Value float64 `json:"value"`
}

// FundingAggregate is the cross-venue weighted funding-rate signal.
type FundingAggregate struct {
	AggregateBase
	Rate float64 `json:"rate"`
}

// CVDAggregate is a bucketed cumulative-volume-delta signal, produced
// separately for spot and futures markets.
type CVDAggregate struct {
	AggregateBase
	Delta float64 `json:"delta"`
}

// LiquidityAggregate summarizes cross-venue L2 depth.
type LiquidityAggregate struct {
	AggregateBase
	BidDepth float64 `json:"bidDepth"`
	AskDepth float64 `json:"askDepth"`
}

// PriceIndexAggregate is the cross-venue weighted index price.
type PriceIndexAggregate struct {
	AggregateBase
	Price float64 `json:"price"`
}

// PriceCanonicalAggregate is the system's single best-estimate reference
// price for a symbol, used by readiness and downstream risk/strategy.
type PriceCanonicalAggregate struct {
	AggregateBase
	Price float64 `json:"price"`
}

// VolumeAggregate is the cross-venue bucketed traded-volume signal,
// summing unsigned trade size (unlike CVDAggregate's signed delta).
type VolumeAggregate struct {
	AggregateBase
	Volume float64 `json:"volume"`
}
