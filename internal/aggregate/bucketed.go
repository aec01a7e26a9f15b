package aggregate

import (
	"sync"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
)

// bucketState accumulates per-source contributions within one open bucket.
type bucketState struct {
	bucketEndTs int64
	bySource    map[string]float64
}

// BucketedAggregator aligns per-source inputs to fixed-width time buckets
// and emits one aggregate event per (symbol, bucket) once the bucket
// closes, with aggregate.ts == bucketEndTs (spec.md §4.6).
type BucketedAggregator struct {
	topic    string
	bucketMs int64
	bus      *events.Bus
	log      zerolog.Logger

	mu     sync.Mutex
	bucket map[string]*bucketState // symbol -> current open bucket
}

// NewBucketedAggregator constructs a bucketed combiner publishing onto
// topic with the given bucket width.
func NewBucketedAggregator(topic string, bucketMs int64, bus *events.Bus, log zerolog.Logger) *BucketedAggregator {
	return &BucketedAggregator{
		topic:    topic,
		bucketMs: bucketMs,
		bus:      bus,
		log:      log.With().Str("component", "bucketed_aggregator").Str("topic", topic).Logger(),
		bucket:   make(map[string]*bucketState),
	}
}

func (a *BucketedAggregator) bucketEnd(ts int64) int64 {
	return ((ts / a.bucketMs) + 1) * a.bucketMs
}

// Add accumulates delta for sourceId into symbol's current bucket. If ts
// falls in a new bucket, the prior bucket (if any) is closed and emitted
// first, preserving the non-decreasing bucketEndTs ordering guarantee
// (spec.md §5).
func (a *BucketedAggregator) Add(parentMeta events.Meta, symbol, sourceID string, delta float64, ts int64) {
	end := a.bucketEnd(ts)

	a.mu.Lock()
	st, ok := a.bucket[symbol]
	if !ok {
		st = &bucketState{bucketEndTs: end, bySource: make(map[string]float64)}
		a.bucket[symbol] = st
	}
	if end > st.bucketEndTs {
		closed := st
		a.bucket[symbol] = &bucketState{bucketEndTs: end, bySource: make(map[string]float64)}
		a.mu.Unlock()
		a.emit(parentMeta, symbol, closed)
		a.mu.Lock()
		st = a.bucket[symbol]
	}
	st.bySource[sourceID] += delta
	a.mu.Unlock()
}

// Flush force-closes symbol's open bucket (used at shutdown or by tests),
// returning false if there was nothing to flush.
func (a *BucketedAggregator) Flush(parentMeta events.Meta, symbol string) bool {
	a.mu.Lock()
	st, ok := a.bucket[symbol]
	if ok {
		delete(a.bucket, symbol)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.emit(parentMeta, symbol, st)
	return true
}

func (a *BucketedAggregator) emit(parentMeta events.Meta, symbol string, st *bucketState) {
	var sum float64
	sourcesUsed := make([]string, 0, len(st.bySource))
	weightsUsed := make([]float64, 0, len(st.bySource))
	for id, v := range st.bySource {
		sum += v
		sourcesUsed = append(sourcesUsed, id)
		weightsUsed = append(weightsUsed, 1)
	}

	result := Result{
		AggregateBase: domain.AggregateBase{
			Symbol:          symbol,
			Ts:              st.bucketEndTs,
			SourcesUsed:     sourcesUsed,
			WeightsUsed:     weightsUsed,
			ConfidenceScore: 1.0,
		},
		Value: sum,
	}
	meta := events.InheritMeta(parentMeta, events.SourceAnalytics, events.WithTsEvent(st.bucketEndTs))
	a.bus.Publish(a.topic, meta, result)
}
