// Package domain defines the canonical market-data entities every exchange
// adapter normalizes into, keyed by (venue, marketType, symbol) per
// spec.md §3.
package domain

// Venue identifies the exchange operator.
type Venue string

const (
	VenueBybit   Venue = "bybit"
	VenueBinance Venue = "binance"
	VenueOKX     Venue = "okx"
)

// MarketType distinguishes spot from derivatives instruments.
type MarketType string

const (
	MarketTypeSpot    MarketType = "spot"
	MarketTypeFutures MarketType = "futures"
	MarketTypeUnknown MarketType = "unknown"
)

// Side is the aggressor/posting side of a trade or liquidation.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OIUnit is the unit open interest is reported in.
type OIUnit string

const (
	OIUnitBase      OIUnit = "base"
	OIUnitContracts OIUnit = "contracts"
)

// Instrument identifies a single market uniquely across venues.
type Instrument struct {
	Venue      Venue      `json:"venue"`
	MarketType MarketType `json:"marketType"`
	Symbol     string     `json:"symbol"`
}

// Ticker is a best-price/volume summary snapshot.
type Ticker struct {
	Instrument
	LastPrice   float64 `json:"lastPrice"`
	MarkPrice   float64 `json:"markPrice,omitempty"`
	IndexPrice  float64 `json:"indexPrice,omitempty"`
	Change24h   float64 `json:"change24h"`
	Volume24h   float64 `json:"volume24h"`
	Turnover24h float64 `json:"turnover24h,omitempty"`
	ExchangeTs  int64   `json:"exchangeTs"`
}

// Trade is a single executed fill.
//
// Invariant: TradeTs is non-decreasing per (symbol, stream); equality is a
// duplicate candidate, disambiguated by TradeID when present.
type Trade struct {
	Instrument
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	TradeID  string  `json:"tradeId,omitempty"`
	TradeTs  int64   `json:"tradeTs"`
}

// OrderbookLevel is a single price/size level.
type OrderbookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookL2Snapshot is a full depth snapshot. UpdateID is the monotonic
// book-state version the exchange attaches; subsequent deltas reference it.
type OrderbookL2Snapshot struct {
	Instrument
	Bids       []OrderbookLevel `json:"bids"`
	Asks       []OrderbookLevel `json:"asks"`
	UpdateID   int64            `json:"updateId"`
	ExchangeTs int64            `json:"exchangeTs"`
}

// OrderbookL2Delta is an incremental book update.
//
// Invariant: for a given (symbol, stream) UpdateID is strictly monotonic.
// After a snapshot only deltas with UpdateID > snapshot.UpdateID are
// accepted; a gap (delta.UpdateID > last+1) triggers a resync request;
// UpdateID <= last is discarded.
type OrderbookL2Delta struct {
	Instrument
	Bids       []OrderbookLevel `json:"bids"`
	Asks       []OrderbookLevel `json:"asks"`
	UpdateID   int64            `json:"updateId"`
	ExchangeTs int64            `json:"exchangeTs"`
}

// Kline is one OHLCV candle.
//
// Invariant: StartTs + intervalMs == EndTs. Only Confirmed klines are
// emitted as canonical events.
type Kline struct {
	Instrument
	Interval   string  `json:"interval"`
	StartTs    int64   `json:"startTs"`
	EndTs      int64   `json:"endTs"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	Confirmed  bool    `json:"confirmed"`
}

// OpenInterest is a point-in-time open interest reading.
type OpenInterest struct {
	Instrument
	Value      float64 `json:"value"`
	Unit       OIUnit  `json:"unit"`
	ExchangeTs int64   `json:"exchangeTs"`
}

// FundingRate is a perpetual-swap funding reading.
type FundingRate struct {
	Instrument
	Rate          float64 `json:"rate"`
	NextFundingTs int64   `json:"nextFundingTs"`
	ExchangeTs    int64   `json:"exchangeTs"`
}

// Liquidation is a forced-liquidation fill.
type Liquidation struct {
	Instrument
	Side        Side    `json:"side"`
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	NotionalUSD float64 `json:"notionalUsd"`
	ExchangeTs  int64   `json:"exchangeTs"`
}

// Key returns the canonical (venue, marketType, symbol) string used to key
// per-symbol maps throughout the gateway, aggregators, and quality monitors.
func (i Instrument) Key() string {
	return string(i.Venue) + ":" + string(i.MarketType) + ":" + i.Symbol
}
