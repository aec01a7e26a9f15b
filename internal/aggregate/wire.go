package aggregate

import (
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
)

// Subscribe wires Signals onto bus, consuming the canonical market-data
// topics and driving the corresponding aggregator. Returns an
// unsubscribe-all function for orchestrator cleanup.
func (s *Signals) Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.TopicMarketOpenInterest, s.onOpenInterest),
		bus.Subscribe(events.TopicMarketFunding, s.onFunding),
		bus.Subscribe(events.TopicMarketTicker, s.onTicker),
		bus.Subscribe(events.TopicMarketTrade, s.onTrade),
		bus.Subscribe(events.TopicMarketLiquidation, s.onLiquidation),
		bus.Subscribe(events.TopicMarketOrderbookSnapshot, s.onOrderbookSnapshot),
		bus.Subscribe(events.TopicMarketOrderbookDelta, s.onOrderbookDelta),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (s *Signals) onOpenInterest(meta events.Meta, payload any) error {
	oi, ok := payload.(domain.OpenInterest)
	if !ok {
		return nil
	}
	s.OI.Update(meta, oi.Symbol, string(oi.Venue), oi.Value, oi.ExchangeTs)
	return nil
}

func (s *Signals) onFunding(meta events.Meta, payload any) error {
	f, ok := payload.(domain.FundingRate)
	if !ok {
		return nil
	}
	s.Funding.Update(meta, f.Symbol, string(f.Venue), f.Rate, f.ExchangeTs)
	return nil
}

func (s *Signals) onTicker(meta events.Meta, payload any) error {
	t, ok := payload.(domain.Ticker)
	if p, isPtr := payload.(*domain.Ticker); isPtr && p != nil {
		t, ok = *p, true
	}
	if !ok {
		return nil
	}
	s.PriceIndex.Update(meta, t.Symbol, string(t.Venue), t.LastPrice, t.ExchangeTs)
	return nil
}

func (s *Signals) onTrade(meta events.Meta, payload any) error {
	if trades, isSlice := payload.([]domain.Trade); isSlice {
		for _, tr := range trades {
			_ = s.onTrade(meta, tr)
		}
		return nil
	}
	tr, ok := payload.(domain.Trade)
	if !ok {
		return nil
	}
	signedSize := tr.Size
	if tr.Side == domain.SideSell {
		signedSize = -signedSize
	}
	agg := s.CVDFutures
	if tr.MarketType == domain.MarketTypeSpot {
		agg = s.CVDSpot
	}
	agg.Add(meta, tr.Symbol, string(tr.Venue), signedSize, tr.TradeTs)
	s.Volume.Add(meta, tr.Symbol, string(tr.Venue), tr.Size, tr.TradeTs)
	s.PriceCanonical.Update(meta, tr.Symbol, string(tr.Venue), tr.Price, tr.TradeTs)
	return nil
}

// onOrderbookSnapshot feeds Liquidity from a full depth refresh.
func (s *Signals) onOrderbookSnapshot(meta events.Meta, payload any) error {
	ob, ok := payload.(domain.OrderbookL2Snapshot)
	if p, isPtr := payload.(*domain.OrderbookL2Snapshot); isPtr && p != nil {
		ob, ok = *p, true
	}
	if !ok {
		return nil
	}
	s.Liquidity.Add(meta, ob.Symbol, string(ob.Venue), bookImbalance(ob.Bids, ob.Asks), ob.ExchangeTs)
	return nil
}

// onOrderbookDelta feeds Liquidity from an incremental book update. Since
// BucketedAggregator.Add accumulates rather than replaces, the aggregate
// emitted at bucket close is the net bid/ask depth imbalance observed
// across the bucket's updates for that source, not an absolute depth
// reading.
func (s *Signals) onOrderbookDelta(meta events.Meta, payload any) error {
	d, ok := payload.(domain.OrderbookL2Delta)
	if p, isPtr := payload.(*domain.OrderbookL2Delta); isPtr && p != nil {
		d, ok = *p, true
	}
	if !ok {
		return nil
	}
	s.Liquidity.Add(meta, d.Symbol, string(d.Venue), bookImbalance(d.Bids, d.Asks), d.ExchangeTs)
	return nil
}

// bookImbalance sums bid size minus ask size across the levels given,
// a simple proxy for directional liquidity pressure.
func bookImbalance(bids, asks []domain.OrderbookLevel) float64 {
	var bidSize, askSize float64
	for _, l := range bids {
		bidSize += l.Size
	}
	for _, l := range asks {
		askSize += l.Size
	}
	return bidSize - askSize
}

func (s *Signals) onLiquidation(meta events.Meta, payload any) error {
	l, ok := payload.(domain.Liquidation)
	if p, isPtr := payload.(*domain.Liquidation); isPtr && p != nil {
		l, ok = *p, true
	}
	if !ok {
		return nil
	}
	s.Liquidation.Add(meta, l.Symbol, string(l.Venue), l.NotionalUSD, l.ExchangeTs)
	return nil
}
