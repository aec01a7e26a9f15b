package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/marketfeed/internal/domain"
)

const (
	bybitWSSpotURL    = "wss://stream.bybit.com/v5/public/spot"
	bybitWSLinearURL  = "wss://stream.bybit.com/v5/public/linear"
	bybitOrderbookDep = 50
)

// BybitAdapter implements Adapter for Bybit v5's public WebSocket API:
// topic strings of the form "orderbook.50.BTCUSDT", "publicTrade.BTCUSDT",
// "tickers.BTCUSDT", "kline.1.BTCUSDT", "liquidation.BTCUSDT", and a flat
// {"op":"subscribe","args":[...]} envelope for (un)subscribe requests.
type BybitAdapter struct{}

func (BybitAdapter) Venue() domain.Venue { return domain.VenueBybit }

func (BybitAdapter) URL(marketType domain.MarketType) string {
	if marketType == domain.MarketTypeFutures {
		return bybitWSLinearURL
	}
	return bybitWSSpotURL
}

func (BybitAdapter) SupportsLiquidations(marketType domain.MarketType) bool {
	return marketType == domain.MarketTypeFutures
}

type bybitSubscribeMsg struct {
	Op    string   `json:"op"`
	Args  []string `json:"args"`
	ReqID string   `json:"req_id,omitempty"`
}

func bybitTopic(sub Subscription) string {
	switch sub.Kind {
	case ChannelOrderbook:
		depth := sub.Depth
		if depth == 0 {
			depth = bybitOrderbookDep
		}
		return fmt.Sprintf("orderbook.%d.%s", depth, sub.Symbol)
	case ChannelTrades:
		return "publicTrade." + sub.Symbol
	case ChannelTicker:
		return "tickers." + sub.Symbol
	case ChannelKlines:
		return fmt.Sprintf("kline.%s.%s", sub.Interval, sub.Symbol)
	case ChannelLiquidations:
		return "liquidation." + sub.Symbol
	default:
		return ""
	}
}

func (BybitAdapter) BuildSubscribe(requestID string, subs []Subscription) ([]byte, error) {
	args := make([]string, 0, len(subs))
	for _, s := range subs {
		if t := bybitTopic(s); t != "" {
			args = append(args, t)
		}
	}
	return json.Marshal(bybitSubscribeMsg{Op: "subscribe", Args: args, ReqID: requestID})
}

func (BybitAdapter) BuildUnsubscribe(requestID string, subs []Subscription) ([]byte, error) {
	args := make([]string, 0, len(subs))
	for _, s := range subs {
		if t := bybitTopic(s); t != "" {
			args = append(args, t)
		}
	}
	return json.Marshal(bybitSubscribeMsg{Op: "unsubscribe", Args: args, ReqID: requestID})
}

func (BybitAdapter) BuildPing() []byte {
	return []byte(`{"op":"ping"}`)
}

// AckKey is unused: Bybit echoes req_id back on every subscribe ack.
func (BybitAdapter) AckKey(_ Subscription) string { return "" }

type bybitEnvelope struct {
	Op      string          `json:"op"`
	ReqID   string          `json:"req_id"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

type bybitTickerData struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	MarkPrice   string `json:"markPrice"`
	IndexPrice  string `json:"indexPrice"`
	Price24hPcnt string `json:"price24hPcnt"`
	Volume24h   string `json:"volume24h"`
	Turnover24h string `json:"turnover24h"`
}

type bybitTradeData struct {
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Price  string `json:"p"`
	Size   string `json:"v"`
	TradeID string `json:"i"`
	Ts      int64  `json:"T"`
}

type bybitOrderbookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Seq    int64      `json:"u"`
}

type bybitKlineData struct {
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	Close     string `json:"close"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Volume    string `json:"volume"`
	Confirmed bool   `json:"confirm"`
}

type bybitLiquidationData struct {
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	UpdTime int64  `json:"updatedTime"`
}

func bybitParseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func bybitParseLevels(raw [][]string) []domain.OrderbookLevel {
	levels := make([]domain.OrderbookLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			continue
		}
		levels = append(levels, domain.OrderbookLevel{
			Price: bybitParseFloat(lvl[0]),
			Size:  bybitParseFloat(lvl[1]),
		})
	}
	return levels
}

func (BybitAdapter) ParseFrame(raw []byte, marketType domain.MarketType) (Frame, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("bybit: parse envelope: %w", err)
	}

	if env.Op == "pong" {
		return Frame{Kind: FramePong}, nil
	}
	if env.Op == "subscribe" || env.Op == "unsubscribe" {
		success := env.Success != nil && *env.Success
		return Frame{Kind: FrameAck, RequestID: env.ReqID, Success: success, Message: env.RetMsg}, nil
	}
	if env.Topic == "" {
		return Frame{}, fmt.Errorf("bybit: unrecognized frame")
	}

	parts := strings.Split(env.Topic, ".")
	channel := parts[0]
	symbol := parts[len(parts)-1]

	switch channel {
	case "tickers":
		var d bybitTickerData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Frame{}, fmt.Errorf("bybit: parse ticker: %w", err)
		}
		return Frame{Kind: FrameTicker, Symbol: symbol, Ticker: &domain.Ticker{
			Instrument:  domain.Instrument{Venue: domain.VenueBybit, MarketType: marketType, Symbol: d.Symbol},
			LastPrice:   bybitParseFloat(d.LastPrice),
			MarkPrice:   bybitParseFloat(d.MarkPrice),
			IndexPrice:  bybitParseFloat(d.IndexPrice),
			Change24h:   bybitParseFloat(d.Price24hPcnt),
			Volume24h:   bybitParseFloat(d.Volume24h),
			Turnover24h: bybitParseFloat(d.Turnover24h),
			ExchangeTs:  env.Ts,
		}}, nil

	case "publicTrade":
		var ds []bybitTradeData
		if err := json.Unmarshal(env.Data, &ds); err != nil {
			return Frame{}, fmt.Errorf("bybit: parse trades: %w", err)
		}
		trades := make([]domain.Trade, 0, len(ds))
		for _, d := range ds {
			side := domain.SideBuy
			if d.Side == "Sell" {
				side = domain.SideSell
			}
			trades = append(trades, domain.Trade{
				Instrument: domain.Instrument{Venue: domain.VenueBybit, MarketType: marketType, Symbol: d.Symbol},
				Side:       side,
				Price:      bybitParseFloat(d.Price),
				Size:       bybitParseFloat(d.Size),
				TradeID:    d.TradeID,
				TradeTs:    d.Ts,
			})
		}
		return Frame{Kind: FrameTrade, Symbol: symbol, Trades: trades}, nil

	case "orderbook":
		var d bybitOrderbookData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Frame{}, fmt.Errorf("bybit: parse orderbook: %w", err)
		}
		instrument := domain.Instrument{Venue: domain.VenueBybit, MarketType: marketType, Symbol: d.Symbol}
		bids := bybitParseLevels(d.Bids)
		asks := bybitParseLevels(d.Asks)
		if env.Type == "snapshot" {
			return Frame{Kind: FrameOrderbookSnapshot, Symbol: symbol, OrderbookSnapshot: &domain.OrderbookL2Snapshot{
				Instrument: instrument, Bids: bids, Asks: asks, UpdateID: d.Seq, ExchangeTs: env.Ts,
			}}, nil
		}
		return Frame{Kind: FrameOrderbookDelta, Symbol: symbol, OrderbookDelta: &domain.OrderbookL2Delta{
			Instrument: instrument, Bids: bids, Asks: asks, UpdateID: d.Seq, ExchangeTs: env.Ts,
		}}, nil

	case "kline":
		var ds []bybitKlineData
		if err := json.Unmarshal(env.Data, &ds); err != nil || len(ds) == 0 {
			return Frame{}, fmt.Errorf("bybit: parse kline: %w", err)
		}
		d := ds[0]
		return Frame{Kind: FrameKline, Symbol: symbol, Kline: &domain.Kline{
			Instrument: domain.Instrument{Venue: domain.VenueBybit, MarketType: marketType, Symbol: symbol},
			Interval:   d.Interval,
			StartTs:    d.Start,
			EndTs:      d.End,
			Open:       bybitParseFloat(d.Open),
			High:       bybitParseFloat(d.High),
			Low:        bybitParseFloat(d.Low),
			Close:      bybitParseFloat(d.Close),
			Volume:     bybitParseFloat(d.Volume),
			Confirmed:  d.Confirmed,
		}}, nil

	case "liquidation":
		var d bybitLiquidationData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Frame{}, fmt.Errorf("bybit: parse liquidation: %w", err)
		}
		side := domain.SideBuy
		if d.Side == "Sell" {
			side = domain.SideSell
		}
		price := bybitParseFloat(d.Price)
		size := bybitParseFloat(d.Size)
		return Frame{Kind: FrameLiquidation, Symbol: symbol, Liquidation: &domain.Liquidation{
			Instrument:  domain.Instrument{Venue: domain.VenueBybit, MarketType: marketType, Symbol: d.Symbol},
			Side:        side,
			Price:       price,
			Size:        size,
			NotionalUSD: price * size,
			ExchangeTs:  d.UpdTime,
		}}, nil

	default:
		return Frame{}, fmt.Errorf("bybit: unhandled topic %q", env.Topic)
	}
}
