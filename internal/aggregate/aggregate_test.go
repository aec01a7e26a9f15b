package aggregate

import (
	"testing"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLAggregatorWeightedSumAndConfidence(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var got Result
	bus.Subscribe(events.TopicAggregateOI, func(_ events.Meta, payload any) error {
		got = payload.(Result)
		return nil
	})

	a := NewTTLAggregator(Config{
		Topic: events.TopicAggregateOI, TTLMs: 60_000, ExpectedSources: 2,
		Weights: map[string]float64{"bybit": 0.6, "binance": 0.4},
	}, bus, zerolog.Nop())

	meta := events.CreateMeta(events.SourceMarket)
	a.Update(meta, "BTCUSDT", "bybit", 100, 1000)
	a.Update(meta, "BTCUSDT", "binance", 200, 1000)

	assert.InDelta(t, 0.6*100+0.4*200, got.Value, 0.001)
	assert.Equal(t, 1.0, got.ConfidenceScore)
	require.Len(t, got.SourcesUsed, 2)
}

func TestTTLAggregatorEvictsStaleEntries(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var got Result
	bus.Subscribe(events.TopicAggregateOI, func(_ events.Meta, payload any) error {
		got = payload.(Result)
		return nil
	})

	a := NewTTLAggregator(Config{Topic: events.TopicAggregateOI, TTLMs: 1000, ExpectedSources: 2}, bus, zerolog.Nop())
	meta := events.CreateMeta(events.SourceMarket)

	a.Update(meta, "BTCUSDT", "bybit", 100, 0)
	a.Update(meta, "BTCUSDT", "binance", 200, 5000)

	assert.Len(t, got.SourcesUsed, 1, "stale bybit entry should be evicted once ts advances past ttl")
	assert.Equal(t, 200.0, got.Value)
}

func TestTTLAggregatorFlagsMismatch(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var mismatches int
	bus.Subscribe(events.TopicDataMismatch, func(events.Meta, any) error { mismatches++; return nil })

	a := NewTTLAggregator(Config{Topic: events.TopicAggregateOI, TTLMs: 60_000, MismatchThreshold: 1}, bus, zerolog.Nop())
	meta := events.CreateMeta(events.SourceMarket)

	a.Update(meta, "BTCUSDT", "bybit", 100, 1000)
	a.Update(meta, "BTCUSDT", "binance", 500, 1000)

	assert.Equal(t, 1, mismatches)
}

func TestBucketedAggregatorEmitsOnBucketRollover(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var results []Result
	bus.Subscribe(events.TopicAggregateCVDSpot, func(_ events.Meta, payload any) error {
		results = append(results, payload.(Result))
		return nil
	})

	a := NewBucketedAggregator(events.TopicAggregateCVDSpot, 1000, bus, zerolog.Nop())
	meta := events.CreateMeta(events.SourceMarket)

	a.Add(meta, "BTCUSDT", "bybit", 10, 500)
	a.Add(meta, "BTCUSDT", "bybit", 5, 900)
	a.Add(meta, "BTCUSDT", "bybit", -3, 1500) // rolls over into the next bucket

	require.Len(t, results, 1)
	assert.Equal(t, int64(1000), results[0].Ts)
	assert.Equal(t, 15.0, results[0].Value)
}

func TestBucketedAggregatorFlushEmitsOpenBucket(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var count int
	bus.Subscribe(events.TopicAggregateCVDSpot, func(events.Meta, any) error { count++; return nil })

	a := NewBucketedAggregator(events.TopicAggregateCVDSpot, 1000, bus, zerolog.Nop())
	meta := events.CreateMeta(events.SourceMarket)

	a.Add(meta, "BTCUSDT", "bybit", 10, 500)
	flushed := a.Flush(meta, "BTCUSDT")

	assert.True(t, flushed)
	assert.Equal(t, 1, count)
	assert.False(t, a.Flush(meta, "BTCUSDT"), "second flush with nothing pending returns false")
}

func TestSignalsOnTradeRoutesByMarketType(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	s := NewSignals(60_000, 1000, 1000, 2, nil, bus, zerolog.Nop())

	var spotCount, futuresCount int
	bus.Subscribe(events.TopicAggregateCVDSpot, func(events.Meta, any) error { spotCount++; return nil })
	bus.Subscribe(events.TopicAggregateCVDFutures, func(events.Meta, any) error { futuresCount++; return nil })

	meta := events.CreateMeta(events.SourceMarket)
	spotTrade := domain.Trade{
		Instrument: domain.Instrument{Venue: domain.VenueBybit, MarketType: domain.MarketTypeSpot, Symbol: "BTCUSDT"},
		Side:       domain.SideBuy, Price: 50000, Size: 1, TradeTs: 500,
	}
	require.NoError(t, s.onTrade(meta, spotTrade))
	s.CVDSpot.Flush(meta, "BTCUSDT")

	assert.Equal(t, 1, spotCount)
	assert.Equal(t, 0, futuresCount)
}

func TestSignalsOnTradeFeedsVolumeAndCanonicalPrice(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	s := NewSignals(60_000, 1000, 1000, 2, nil, bus, zerolog.Nop())

	var canonical Result
	bus.Subscribe(events.TopicAggregatePriceCanonical, func(_ events.Meta, payload any) error {
		canonical = payload.(Result)
		return nil
	})

	meta := events.CreateMeta(events.SourceMarket)
	trade := domain.Trade{
		Instrument: domain.Instrument{Venue: domain.VenueBybit, MarketType: domain.MarketTypeFutures, Symbol: "BTCUSDT"},
		Side:       domain.SideBuy, Price: 50123, Size: 2, TradeTs: 500,
	}
	require.NoError(t, s.onTrade(meta, trade))
	s.Volume.Flush(meta, "BTCUSDT")

	assert.Equal(t, 50123.0, canonical.Value)

	var volume Result
	bus.Subscribe(events.TopicAggregateVolume, func(_ events.Meta, payload any) error {
		volume = payload.(Result)
		return nil
	})
	require.NoError(t, s.onTrade(meta, domain.Trade{
		Instrument: trade.Instrument, Side: domain.SideSell, Price: 50100, Size: 3, TradeTs: 600,
	}))
	s.Volume.Flush(meta, "BTCUSDT")
	assert.Equal(t, 3.0, volume.Value, "volume sums unsigned trade size, unaffected by side")
}

func TestSignalsOnOrderbookFeedsLiquidityImbalance(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	s := NewSignals(60_000, 1000, 1000, 2, nil, bus, zerolog.Nop())

	var got Result
	bus.Subscribe(events.TopicAggregateLiquidity, func(_ events.Meta, payload any) error {
		got = payload.(Result)
		return nil
	})

	meta := events.CreateMeta(events.SourceMarket)
	snapshot := domain.OrderbookL2Snapshot{
		Instrument: domain.Instrument{Venue: domain.VenueBybit, MarketType: domain.MarketTypeFutures, Symbol: "BTCUSDT"},
		Bids:       []domain.OrderbookLevel{{Price: 100, Size: 10}, {Price: 99, Size: 5}},
		Asks:       []domain.OrderbookLevel{{Price: 101, Size: 4}},
		ExchangeTs: 500,
	}
	require.NoError(t, s.onOrderbookSnapshot(meta, snapshot))
	s.Liquidity.Flush(meta, "BTCUSDT")

	assert.Equal(t, 11.0, got.Value, "bid depth (15) minus ask depth (4)")
}
