package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionPathMatchesSpecLayout(t *testing.T) {
	ts := time.Date(2023, 11, 14, 12, 0, 0, 0, time.UTC).UnixMilli()
	path := PartitionPath("/data/journal", "bybit.public.linear.v5", "BTCUSDT", "market:ticker", "", "run-1", ts)
	assert.Equal(t, filepath.Join("/data/journal", "bybit.public.linear.v5", "BTCUSDT", "market-ticker", "run-1", "2023-11-14.jsonl"), path)
}

func TestPartitionPathIncludesTimeframeForKlines(t *testing.T) {
	ts := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC).UnixMilli()
	path := PartitionPath("/data/journal", "bybit.public.linear.v5", "BTCUSDT", "market:kline_raw", "1m", "run-1", ts)
	assert.Contains(t, path, filepath.Join("market-kline_raw", "1m", "run-1"))
}

// TestWriterTickerHappyPath mirrors spec.md §8 scenario 1.
func TestWriterTickerHappyPath(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(zerolog.Nop())
	w := NewWriter(Config{BaseDir: dir, RunID: "run-1", MaxBatchSize: 1}, bus, zerolog.Nop())
	defer w.Stop()

	tsIngest := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC).UnixMilli()
	meta := events.Meta{Source: events.SourceMarket, StreamID: "bybit.public.linear.v5", TsIngest: tsIngest, TsExchange: tsIngest}

	require.NoError(t, w.Append(meta, events.TopicMarketTicker, AppendKey{Symbol: "BTCUSDT"}, map[string]any{"lastPrice": "50000.0"}))

	path := PartitionPath(dir, "bybit.public.linear.v5", "BTCUSDT", events.TopicMarketTicker, "", "run-1", tsIngest)
	require.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.EqualValues(t, 1, rec.Seq)
}

func TestWriterSeqMonotonicPerPartition(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(zerolog.Nop())
	w := NewWriter(Config{BaseDir: dir, RunID: "run-1", MaxBatchSize: 1}, bus, zerolog.Nop())
	defer w.Stop()

	ts := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC).UnixMilli()
	meta := events.Meta{Source: events.SourceMarket, StreamID: "s1", TsIngest: ts, TsExchange: ts}

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(meta, events.TopicMarketTicker, AppendKey{Symbol: "BTCUSDT"}, map[string]any{"i": i}))
	}

	path := PartitionPath(dir, "s1", "BTCUSDT", events.TopicMarketTicker, "", "run-1", ts)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	for i, line := range lines {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.EqualValues(t, i+1, rec.Seq)
	}
}

// TestWriterDuplicateTradeViaAppend exercises the trade-duplicate detector
// through Writer.Append (not QualityDetector.Check directly), guarding
// against AppendKey's TradeID silently failing to reach the detector.
func TestWriterDuplicateTradeViaAppend(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(zerolog.Nop())
	w := NewWriter(Config{BaseDir: dir, RunID: "run-1", MaxBatchSize: 1}, bus, zerolog.Nop())
	defer w.Stop()

	var dupCount int
	bus.Subscribe(events.TopicDataDuplicateDetected, func(events.Meta, any) error { dupCount++; return nil })

	ts := time.Now().UnixMilli()
	meta := events.Meta{Source: events.SourceMarket, StreamID: "s1", TsIngest: ts, TsExchange: ts}

	key := AppendKey{Symbol: "BTCUSDT", TradeID: "abc"}
	require.NoError(t, w.Append(meta, events.TopicMarketTrade, key, map[string]any{}))
	require.NoError(t, w.Append(meta, events.TopicMarketTrade, key, map[string]any{}))

	assert.Equal(t, 1, dupCount)
}

// TestWriterSequenceGapViaAppend exercises the order-book sequence-gap
// detector through Writer.Append, guarding against AppendKey's
// UpdateSeq/HasSeq silently failing to reach the detector.
func TestWriterSequenceGapViaAppend(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(zerolog.Nop())
	w := NewWriter(Config{BaseDir: dir, RunID: "run-1", MaxBatchSize: 1}, bus, zerolog.Nop())
	defer w.Stop()

	var tags []string
	bus.Subscribe(events.TopicDataSequenceGapOrOOO, func(_ events.Meta, payload any) error {
		m := payload.(map[string]any)
		tags = append(tags, m["tag"].(string))
		return nil
	})

	base := time.Now().UnixMilli()
	meta1 := events.Meta{Source: events.SourceMarket, StreamID: "s1", TsIngest: base, TsExchange: base}
	meta2 := events.Meta{Source: events.SourceMarket, StreamID: "s1", TsIngest: base + 1, TsExchange: base + 1}

	require.NoError(t, w.Append(meta1, events.TopicMarketOrderbookDelta, AppendKey{Symbol: "BTCUSDT", UpdateSeq: 10, HasSeq: true}, map[string]any{}))
	require.NoError(t, w.Append(meta2, events.TopicMarketOrderbookDelta, AppendKey{Symbol: "BTCUSDT", UpdateSeq: 15, HasSeq: true}, map[string]any{}))

	require.Len(t, tags, 1)
	assert.Equal(t, "gap", tags[0])
}

// TestQualityDetectorDuplicateTrade mirrors spec.md §8 scenario 6.
func TestQualityDetectorDuplicateTrade(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var dupCount, oooCount int
	bus.Subscribe(events.TopicDataDuplicateDetected, func(events.Meta, any) error { dupCount++; return nil })
	bus.Subscribe(events.TopicDataOutOfOrder, func(events.Meta, any) error { oooCount++; return nil })

	qd := NewQualityDetector(bus, 0)
	meta := events.CreateMeta(events.SourceMarket)

	qd.Check(Input{StreamID: "s1", Symbol: "BTCUSDT", Topic: events.TopicMarketTrade, TsExchange: 1000, TradeID: "abc", Meta: meta})
	qd.Check(Input{StreamID: "s1", Symbol: "BTCUSDT", Topic: events.TopicMarketTrade, TsExchange: 1000, TradeID: "abc", Meta: meta})

	assert.Equal(t, 1, dupCount)
	assert.Equal(t, 0, oooCount)
}

func TestQualityDetectorOutOfOrder(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var oooCount int
	bus.Subscribe(events.TopicDataOutOfOrder, func(events.Meta, any) error { oooCount++; return nil })

	qd := NewQualityDetector(bus, 0)
	meta := events.CreateMeta(events.SourceMarket)

	qd.Check(Input{StreamID: "s1", Symbol: "BTCUSDT", Topic: events.TopicMarketTrade, TsExchange: 2000, TradeID: "a", Meta: meta})
	qd.Check(Input{StreamID: "s1", Symbol: "BTCUSDT", Topic: events.TopicMarketTrade, TsExchange: 1500, TradeID: "b", Meta: meta})

	assert.Equal(t, 1, oooCount)
}

func TestQualityDetectorSequenceGap(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var tags []string
	bus.Subscribe(events.TopicDataSequenceGapOrOOO, func(_ events.Meta, payload any) error {
		m := payload.(map[string]any)
		tags = append(tags, m["tag"].(string))
		return nil
	})

	qd := NewQualityDetector(bus, 0)
	meta := events.CreateMeta(events.SourceMarket)

	qd.Check(Input{StreamID: "s1", Symbol: "BTCUSDT", Topic: events.TopicMarketOrderbookDelta, TsExchange: 1000, UpdateSeq: 10, HasSeq: true, Meta: meta})
	qd.Check(Input{StreamID: "s1", Symbol: "BTCUSDT", Topic: events.TopicMarketOrderbookDelta, TsExchange: 1001, UpdateSeq: 15, HasSeq: true, Meta: meta})

	require.Len(t, tags, 1)
	assert.Equal(t, "gap", tags[0])
}

func TestQualityDetectorLatencySpike(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var spikes int
	bus.Subscribe(events.TopicDataLatencySpike, func(events.Meta, any) error { spikes++; return nil })

	qd := NewQualityDetector(bus, 2000)
	meta := events.CreateMeta(events.SourceMarket)

	qd.Check(Input{StreamID: "s1", Symbol: "BTCUSDT", Topic: events.TopicMarketTicker, TsExchange: 1000, TsIngest: 4000, Meta: meta})

	assert.Equal(t, 1, spikes)
}

func TestRawTopicGuardPanicsOnAggregationField(t *testing.T) {
	assert.Panics(t, func() {
		RawTopicGuard(events.TopicMarketTickerRaw, map[string]any{"confidenceScore": 0.9})
	})
}

func TestRawTopicGuardAllowsPlainPayload(t *testing.T) {
	assert.NotPanics(t, func() {
		RawTopicGuard(events.TopicMarketTickerRaw, map[string]any{"lastPrice": "50000"})
	})
}

func TestWriterReportsWriteFailedOncePerPath(t *testing.T) {
	dir := t.TempDir()
	// Make the base dir itself a file so MkdirAll fails for any path under it.
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	bus := events.NewBus(zerolog.Nop())
	var failures int
	bus.Subscribe(events.TopicStorageWriteFailed, func(events.Meta, any) error { failures++; return nil })

	w := NewWriter(Config{BaseDir: blocked, RunID: "run-1", MaxBatchSize: 1}, bus, zerolog.Nop())
	defer w.Stop()

	ts := time.Now().UnixMilli()
	meta := events.Meta{Source: events.SourceMarket, StreamID: "s1", TsIngest: ts}

	require.NoError(t, w.Append(meta, events.TopicMarketTicker, AppendKey{Symbol: "BTCUSDT"}, map[string]any{}))
	require.NoError(t, w.Append(meta, events.TopicMarketTicker, AppendKey{Symbol: "BTCUSDT"}, map[string]any{}))

	assert.Equal(t, 1, failures)
}
