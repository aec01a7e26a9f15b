package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/aristath/marketfeed/internal/exchange"
	"github.com/aristath/marketfeed/internal/rest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*Gateway, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	adapter := exchange.BybitAdapter{}
	client := exchange.NewClient("bybit.public.linear.v5", adapter, domain.MarketTypeFutures, bus, zerolog.Nop())

	oiEndpoint := rest.Endpoint{Name: "open_interest", Interval: time.Hour, Topic: events.TopicMarketOpenInterest, Poll: func(context.Context, string) (any, int64, error) {
		return nil, 0, nil
	}}
	fundingEndpoint := rest.Endpoint{Name: "funding", Interval: time.Hour, Topic: events.TopicMarketFunding, Poll: func(context.Context, string) (any, int64, error) {
		return nil, 0, nil
	}}
	oiPoller := rest.NewPoller(domain.VenueBybit, domain.MarketTypeFutures, oiEndpoint, bus, zerolog.Nop())
	fundingPoller := rest.NewPoller(domain.VenueBybit, domain.MarketTypeFutures, fundingEndpoint, bus, zerolog.Nop())

	g := New(Config{
		Venue:         domain.VenueBybit,
		MarketType:    domain.MarketTypeFutures,
		WS:            client,
		OIPoller:      oiPoller,
		FundingPoller: fundingPoller,
		Strategy:      ResyncStrategyIgnore,
	}, bus, zerolog.Nop())
	g.Start()
	return g, bus
}

func TestGatewaySubscribeRoutesTickerToWSAndPollers(t *testing.T) {
	g, bus := newTestGateway(t)

	bus.Publish(events.TopicMarketSubscribe, events.CreateMeta(events.SourceSystem), SubscribeRequest{
		Venue: domain.VenueBybit, MarketType: domain.MarketTypeFutures, Topic: "tickers.BTCUSDT",
	})

	assert.Contains(t, g.oiPoller.ActiveSymbols(), "BTCUSDT")
	assert.Contains(t, g.fundingPoller.ActiveSymbols(), "BTCUSDT")
}

func TestGatewaySubscribeIgnoresOtherVenue(t *testing.T) {
	g, bus := newTestGateway(t)

	bus.Publish(events.TopicMarketSubscribe, events.CreateMeta(events.SourceSystem), SubscribeRequest{
		Venue: domain.VenueOKX, MarketType: domain.MarketTypeFutures, Topic: "tickers.BTCUSDT",
	})

	assert.Empty(t, g.oiPoller.ActiveSymbols())
}

func TestGatewaySubscribeKlineOnlyNoPoller(t *testing.T) {
	g, bus := newTestGateway(t)

	bus.Publish(events.TopicMarketSubscribe, events.CreateMeta(events.SourceSystem), SubscribeRequest{
		Venue: domain.VenueBybit, MarketType: domain.MarketTypeFutures, Topic: "kline.1.BTCUSDT",
	})

	assert.Empty(t, g.oiPoller.ActiveSymbols())
}

func TestGatewayKlineBootstrapEmitsAscendingAndInheritsCorrelation(t *testing.T) {
	g, bus := newTestGateway(t)

	g.fetchKlines = func(_ context.Context, symbol, interval string, sinceTs int64, limit int) ([]domain.Kline, error) {
		return []domain.Kline{
			{Instrument: domain.Instrument{Symbol: symbol}, Interval: interval, StartTs: 1000, EndTs: 2000, Confirmed: true},
			{Instrument: domain.Instrument{Symbol: symbol}, Interval: interval, StartTs: 2000, EndTs: 3000, Confirmed: true},
		}, nil
	}

	var gotTsEvent []int64
	var gotCorrelation []string
	bus.Subscribe(events.TopicMarketKline, func(meta events.Meta, payload any) error {
		gotTsEvent = append(gotTsEvent, meta.TsEvent)
		gotCorrelation = append(gotCorrelation, meta.CorrelationID)
		return nil
	})

	parentMeta := events.CreateMeta(events.SourceSystem)
	bus.Publish(events.TopicMarketKlineBootstrapRequest, parentMeta, KlineBootstrapRequest{
		Venue: domain.VenueBybit, MarketType: domain.MarketTypeFutures, Symbol: "BTCUSDT", Interval: "1", Limit: 2,
	})

	require.Len(t, gotTsEvent, 2)
	assert.Equal(t, []int64{2000, 3000}, gotTsEvent)
	assert.Equal(t, parentMeta.CorrelationID, gotCorrelation[0])
	assert.Equal(t, parentMeta.CorrelationID, gotCorrelation[1])
}

func TestGatewayKlineBootstrapFailureEmitsFailedTopic(t *testing.T) {
	g, bus := newTestGateway(t)

	g.fetchKlines = func(context.Context, string, string, int64, int) ([]domain.Kline, error) {
		return nil, nil
	}

	var failed int
	bus.Subscribe(events.TopicMarketKlineBootstrapFailed, func(events.Meta, any) error {
		failed++
		return nil
	})

	bus.Publish(events.TopicMarketKlineBootstrapRequest, events.CreateMeta(events.SourceSystem), KlineBootstrapRequest{
		Venue: domain.VenueBybit, MarketType: domain.MarketTypeFutures, Symbol: "BTCUSDT", Interval: "1", Limit: 2,
	})

	assert.Equal(t, 1, failed)
}

func TestGatewayResyncThrottleSuppressesRepeat(t *testing.T) {
	g, bus := newTestGateway(t)

	req := exchange.ResyncRequest{Symbol: "BTCUSDT", Reason: exchange.ResyncGap}

	bus.Publish(events.TopicMarketResyncRequested, events.CreateMeta(events.SourceMarket), req)
	bus.Publish(events.TopicMarketResyncRequested, events.CreateMeta(events.SourceMarket), req)

	g.mu.Lock()
	until, ok := g.resyncCooldown["bybit:BTCUSDT:orderbook"]
	g.mu.Unlock()
	require.True(t, ok)
	assert.True(t, time.Now().Before(until))
}
