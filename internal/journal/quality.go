package journal

import (
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/events"
)

// Gap thresholds per topic family (spec.md §4.5).
const (
	gapThresholdTickerOrderbook = 5 * time.Second
	gapThresholdOI              = 120 * time.Second
	gapThresholdFunding         = 300 * time.Second
	defaultLatencySpikeMs       = 2_000
)

func gapThresholdFor(topic string) time.Duration {
	switch topic {
	case events.TopicMarketOpenInterest:
		return gapThresholdOI
	case events.TopicMarketFunding:
		return gapThresholdFunding
	default:
		return gapThresholdTickerOrderbook
	}
}

type streamState struct {
	lastExchangeTs int64
	haveExchangeTs bool
	lastTradeID    string
	lastSeq        int64
	haveSeq        bool
}

// QualityDetector computes the per-record quality signals of spec.md §4.5
// and publishes the corresponding data:* events. It is stateful per
// (streamId, symbol, topic) key and must be driven from a single goroutine
// per key (the journal Writer enqueue path, which already owns that
// discipline).
type QualityDetector struct {
	bus            *events.Bus
	latencySpikeMs int64

	mu     sync.Mutex
	states map[string]*streamState
}

// NewQualityDetector constructs a detector publishing onto bus.
// latencySpikeMs defaults to 2000 when zero.
func NewQualityDetector(bus *events.Bus, latencySpikeMs int64) *QualityDetector {
	if latencySpikeMs <= 0 {
		latencySpikeMs = defaultLatencySpikeMs
	}
	return &QualityDetector{
		bus:            bus,
		latencySpikeMs: latencySpikeMs,
		states:         make(map[string]*streamState),
	}
}

// Input bundles the fields a detector pass needs out of one inbound record.
type Input struct {
	StreamID   string
	Symbol     string
	Topic      string
	TsExchange int64
	TsIngest   int64
	TradeID    string
	// UpdateSeq/HasSeq apply only to order-book delta topics.
	UpdateSeq int64
	HasSeq    bool
	Meta      events.Meta
}

// Check runs every applicable detector for in, publishing any violations.
// It must be called once per record, before the record is enqueued to the
// writer (spec.md §4.5: "computed before enqueueing").
func (d *QualityDetector) Check(in Input) {
	key := in.StreamID + ":" + in.Symbol + ":" + in.Topic

	d.mu.Lock()
	st, ok := d.states[key]
	if !ok {
		st = &streamState{}
		d.states[key] = st
	}
	prevExchangeTs, havePrev := st.lastExchangeTs, st.haveExchangeTs
	prevTradeID := st.lastTradeID
	prevSeq, haveSeq := st.lastSeq, st.haveSeq

	st.lastExchangeTs = in.TsExchange
	st.haveExchangeTs = true
	if in.TradeID != "" {
		st.lastTradeID = in.TradeID
	}
	if in.HasSeq {
		st.lastSeq = in.UpdateSeq
		st.haveSeq = true
	}
	d.mu.Unlock()

	if havePrev {
		delta := in.TsExchange - prevExchangeTs
		if delta > gapThresholdFor(in.Topic).Milliseconds() {
			d.publish(events.TopicDataGapDetected, in, map[string]any{
				"key": key, "deltaMs": delta,
			})
		}
		if in.TsExchange < prevExchangeTs {
			d.publish(events.TopicDataOutOfOrder, in, map[string]any{"key": key})
		} else if in.TsExchange == prevExchangeTs || (in.TradeID != "" && in.TradeID == prevTradeID) {
			d.publish(events.TopicDataDuplicateDetected, in, map[string]any{"key": key})
		}
	}

	if in.HasSeq && haveSeq {
		tag := ""
		switch {
		case in.UpdateSeq < prevSeq:
			tag = "out_of_order"
		case in.UpdateSeq == prevSeq:
			tag = "duplicate"
		case in.UpdateSeq > prevSeq+1:
			tag = "gap"
		}
		if tag != "" {
			d.publish(events.TopicDataSequenceGapOrOOO, in, map[string]any{
				"key": key, "tag": tag, "prevSeq": prevSeq, "seq": in.UpdateSeq,
			})
		}
	}

	if in.TsExchange > 0 {
		if lag := in.TsIngest - in.TsExchange; lag > d.latencySpikeMs {
			d.publish(events.TopicDataLatencySpike, in, map[string]any{"key": key, "lagMs": lag})
		}
	}
}

func (d *QualityDetector) publish(topic string, in Input, payload map[string]any) {
	payload["streamId"] = in.StreamID
	payload["symbol"] = in.Symbol
	payload["topic"] = in.Topic
	meta := events.InheritMeta(in.Meta, events.SourceStorage)
	d.bus.Publish(topic, meta, payload)
}
