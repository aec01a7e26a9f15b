// Package aggregate implements the per-signal-class cross-venue
// aggregators of spec.md §4.6: a TTL-scoped weighted combiner shared by OI,
// funding, price-index, and canonical price, plus bucketed combiners for
// CVD, liquidations, liquidity, and volume.
package aggregate

import (
	"sync"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// reading is one source's last-known value for a symbol.
type reading struct {
	value float64
	ts    int64
}

// Config parameterizes a TTLAggregator.
type Config struct {
	Topic             string
	TTLMs             int64
	ExpectedSources   int
	Weights           map[string]float64 // sourceId -> weight; default 1.0
	MismatchThreshold float64            // sample stddev above which mismatchDetected=true; 0 disables
}

// TTLAggregator maintains, per symbol, a sourceId -> reading map and emits
// a weighted-sum aggregate event on every update (spec.md §4.6's common
// contract). Staleness is evaluated against the timestamp of the triggering
// update, never wall-clock, preserving replay determinism.
type TTLAggregator struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger

	mu       sync.Mutex
	bySymbol map[string]map[string]reading
}

// NewTTLAggregator constructs an aggregator publishing onto cfg.Topic.
func NewTTLAggregator(cfg Config, bus *events.Bus, log zerolog.Logger) *TTLAggregator {
	return &TTLAggregator{
		cfg:      cfg,
		bus:      bus,
		log:      log.With().Str("component", "aggregator").Str("topic", cfg.Topic).Logger(),
		bySymbol: make(map[string]map[string]reading),
	}
}

// Result is the computed weighted combination for one Update call.
type Result struct {
	domain.AggregateBase
	Value float64
}

// Update records sourceId's new value for symbol at ts and returns the
// freshly recomputed weighted combination. It also publishes the aggregate
// event onto cfg.Topic, and a data:mismatch event when dispersion crosses
// cfg.MismatchThreshold.
func (a *TTLAggregator) Update(parentMeta events.Meta, symbol, sourceID string, value float64, ts int64) Result {
	a.mu.Lock()
	sources, ok := a.bySymbol[symbol]
	if !ok {
		sources = make(map[string]reading)
		a.bySymbol[symbol] = sources
	}
	sources[sourceID] = reading{value: value, ts: ts}

	for id, r := range sources {
		if ts-r.ts > a.cfg.TTLMs {
			delete(sources, id)
		}
	}

	var (
		weightedSum float64
		totalWeight float64
		sourcesUsed []string
		weightsUsed []float64
		values      []float64
	)
	for id, r := range sources {
		w := a.weightFor(id)
		weightedSum += w * r.value
		totalWeight += w
		sourcesUsed = append(sourcesUsed, id)
		weightsUsed = append(weightsUsed, w)
		values = append(values, r.value)
	}
	a.mu.Unlock()

	var combined float64
	if totalWeight > 0 {
		combined = weightedSum / totalWeight
	}

	confidence := a.confidence(len(sourcesUsed))
	mismatch := a.mismatchDetected(values)
	if mismatch {
		confidence *= 0.5
	}

	result := Result{
		AggregateBase: domain.AggregateBase{
			Symbol:           symbol,
			Ts:               ts,
			SourcesUsed:      sourcesUsed,
			WeightsUsed:      weightsUsed,
			ConfidenceScore:  confidence,
			MismatchDetected: mismatch,
		},
		Value: combined,
	}

	meta := events.InheritMeta(parentMeta, events.SourceAnalytics, events.WithTsEvent(ts))
	a.bus.Publish(a.cfg.Topic, meta, result)
	if mismatch {
		a.bus.Publish(events.TopicDataMismatch, meta, map[string]any{
			"symbol": symbol, "topic": a.cfg.Topic, "sourcesUsed": sourcesUsed,
		})
	}
	return result
}

func (a *TTLAggregator) weightFor(sourceID string) float64 {
	if a.cfg.Weights == nil {
		return 1.0
	}
	if w, ok := a.cfg.Weights[sourceID]; ok {
		return w
	}
	return 1.0
}

// confidence is the fraction of expected sources present, capped at 1.
func (a *TTLAggregator) confidence(present int) float64 {
	if a.cfg.ExpectedSources <= 0 {
		return 1.0
	}
	c := float64(present) / float64(a.cfg.ExpectedSources)
	if c > 1.0 {
		c = 1.0
	}
	return c
}

// mismatchDetected reports whether the contributing values' sample
// standard deviation exceeds cfg.MismatchThreshold (spec.md §4.6, default
// window folded into the caller's TTL since this aggregator has no
// separate rolling window of historical values — only the current
// snapshot of live sources).
func (a *TTLAggregator) mismatchDetected(values []float64) bool {
	if a.cfg.MismatchThreshold <= 0 || len(values) < 2 {
		return false
	}
	stddev := stat.StdDev(values, nil)
	return stddev > a.cfg.MismatchThreshold
}
