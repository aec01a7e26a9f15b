package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/marketfeed/internal/domain"
)

const (
	binanceWSSpotURL    = "wss://stream.binance.com:9443/stream"
	binanceWSFuturesURL = "wss://fstream.binance.com/stream"
)

// BinanceAdapter implements Adapter for Binance's combined-stream WebSocket
// API: a single connection carrying many lowercase "<symbol>@<stream>"
// channels, subscribed via {"method":"SUBSCRIBE","params":[...],"id":N} and
// delivered wrapped in {"stream":"...","data":{...}}.
//
// Binance's diff-depth stream only carries incremental updates (field "u"
// as the final update id of the event); a local book is normally seeded by
// a separate REST snapshot call before replaying buffered diffs. No such
// snapshot is fetched anywhere in this module: this adapter treats every
// inbound depth event as a delta, so with no snapshot in the Sequencer each
// delta yields a snapshot_missing resync request and is dropped.
type BinanceAdapter struct{}

func (BinanceAdapter) Venue() domain.Venue { return domain.VenueBinance }

func (BinanceAdapter) URL(marketType domain.MarketType) string {
	if marketType == domain.MarketTypeFutures {
		return binanceWSFuturesURL
	}
	return binanceWSSpotURL
}

func (BinanceAdapter) SupportsLiquidations(marketType domain.MarketType) bool {
	return marketType == domain.MarketTypeFutures
}

type binanceSubscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func binanceStreamName(sub Subscription) string {
	symbol := strings.ToLower(sub.Symbol)
	switch sub.Kind {
	case ChannelTicker:
		return symbol + "@ticker"
	case ChannelTrades:
		return symbol + "@trade"
	case ChannelOrderbook:
		return symbol + "@depth@100ms"
	case ChannelKlines:
		return symbol + "@kline_" + sub.Interval
	case ChannelLiquidations:
		return symbol + "@forceOrder"
	default:
		return ""
	}
}

// binanceReqIDToString formats the numeric request id Binance echoes back
// in a subscribe ack as a decimal string.
func binanceReqIDToString(id int64) string { return strconv.FormatInt(id, 10) }

func (BinanceAdapter) BuildSubscribe(requestID string, subs []Subscription) ([]byte, error) {
	params := make([]string, 0, len(subs))
	for _, s := range subs {
		if name := binanceStreamName(s); name != "" {
			params = append(params, name)
		}
	}
	id := binanceRequestIDToInt(requestID)
	return json.Marshal(binanceSubscribeMsg{Method: "SUBSCRIBE", Params: params, ID: id})
}

func (BinanceAdapter) BuildUnsubscribe(requestID string, subs []Subscription) ([]byte, error) {
	params := make([]string, 0, len(subs))
	for _, s := range subs {
		if name := binanceStreamName(s); name != "" {
			params = append(params, name)
		}
	}
	id := binanceRequestIDToInt(requestID)
	return json.Marshal(binanceSubscribeMsg{Method: "UNSUBSCRIBE", Params: params, ID: id})
}

func (BinanceAdapter) BuildPing() []byte {
	// nhooyr.io/websocket answers Binance's control-frame ping/pong
	// transparently; no application-level ping is required.
	return nil
}

// AckKey is unused: Binance echoes the numeric id back on every
// SUBSCRIBE/UNSUBSCRIBE ack.
func (BinanceAdapter) AckKey(_ Subscription) string { return "" }

// binanceRequestIDToInt derives a stable int64 id from an opaque string
// request id (a uuid), since Binance's wire protocol requires a JSON
// number. The tracker keys on the string form; this is a one-way transport
// encoding only.
func binanceRequestIDToInt(requestID string) int64 {
	var h int64
	for _, r := range requestID {
		h = h*31 + int64(r)
	}
	if h < 0 {
		h = -h
	}
	return h
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id"`
}

type binanceTickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	Volume    string `json:"v"`
	Quote     string `json:"q"`
	PriceChg  string `json:"P"`
}

type binanceTradeEvent struct {
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type binanceDepthEvent struct {
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstID   int64      `json:"U"`
	FinalID   int64      `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type binanceKlineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		StartTime int64  `json:"t"`
		EndTime   int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

type binanceForceOrderEvent struct {
	Symbol string `json:"s"`
	Order  struct {
		Side      string `json:"S"`
		Price     string `json:"p"`
		Qty       string `json:"q"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}

func binanceParseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func binanceParseLevels(raw [][]string) []domain.OrderbookLevel {
	levels := make([]domain.OrderbookLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			continue
		}
		levels = append(levels, domain.OrderbookLevel{
			Price: binanceParseFloat(lvl[0]),
			Size:  binanceParseFloat(lvl[1]),
		})
	}
	return levels
}

func (BinanceAdapter) ParseFrame(raw []byte, marketType domain.MarketType) (Frame, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("binance: parse envelope: %w", err)
	}

	if env.ID != nil {
		return Frame{Kind: FrameAck, RequestID: binanceReqIDToString(*env.ID), Success: true}, nil
	}
	if env.Stream == "" {
		return Frame{}, fmt.Errorf("binance: unrecognized frame")
	}

	switch {
	case strings.HasSuffix(env.Stream, "@ticker"):
		var d binanceTickerEvent
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Frame{}, fmt.Errorf("binance: parse ticker: %w", err)
		}
		return Frame{Kind: FrameTicker, Symbol: d.Symbol, Ticker: &domain.Ticker{
			Instrument: domain.Instrument{Venue: domain.VenueBinance, MarketType: marketType, Symbol: d.Symbol},
			LastPrice:  binanceParseFloat(d.LastPrice),
			Change24h:  binanceParseFloat(d.PriceChg),
			Volume24h:  binanceParseFloat(d.Volume),
			Turnover24h: binanceParseFloat(d.Quote),
			ExchangeTs: d.EventTime,
		}}, nil

	case strings.HasSuffix(env.Stream, "@trade"):
		var d binanceTradeEvent
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Frame{}, fmt.Errorf("binance: parse trade: %w", err)
		}
		side := domain.SideSell
		if d.IsBuyerMaker {
			side = domain.SideBuy
		}
		trade := domain.Trade{
			Instrument: domain.Instrument{Venue: domain.VenueBinance, MarketType: marketType, Symbol: d.Symbol},
			Side:       side,
			Price:      binanceParseFloat(d.Price),
			Size:       binanceParseFloat(d.Quantity),
			TradeID:    strconv.FormatInt(d.TradeID, 10),
			TradeTs:    d.TradeTime,
		}
		return Frame{Kind: FrameTrade, Symbol: d.Symbol, Trades: []domain.Trade{trade}}, nil

	case strings.Contains(env.Stream, "@depth"):
		var d binanceDepthEvent
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Frame{}, fmt.Errorf("binance: parse depth: %w", err)
		}
		return Frame{Kind: FrameOrderbookDelta, Symbol: d.Symbol, OrderbookDelta: &domain.OrderbookL2Delta{
			Instrument: domain.Instrument{Venue: domain.VenueBinance, MarketType: marketType, Symbol: d.Symbol},
			Bids:       binanceParseLevels(d.Bids),
			Asks:       binanceParseLevels(d.Asks),
			UpdateID:   d.FinalID,
			ExchangeTs: d.EventTime,
		}}, nil

	case strings.Contains(env.Stream, "@kline_"):
		var d binanceKlineEvent
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Frame{}, fmt.Errorf("binance: parse kline: %w", err)
		}
		return Frame{Kind: FrameKline, Symbol: d.Symbol, Kline: &domain.Kline{
			Instrument: domain.Instrument{Venue: domain.VenueBinance, MarketType: marketType, Symbol: d.Symbol},
			Interval:   d.Kline.Interval,
			StartTs:    d.Kline.StartTime,
			EndTs:      d.Kline.EndTime,
			Open:       binanceParseFloat(d.Kline.Open),
			High:       binanceParseFloat(d.Kline.High),
			Low:        binanceParseFloat(d.Kline.Low),
			Close:      binanceParseFloat(d.Kline.Close),
			Volume:     binanceParseFloat(d.Kline.Volume),
			Confirmed:  d.Kline.Closed,
		}}, nil

	case strings.HasSuffix(env.Stream, "@forceOrder"):
		var d binanceForceOrderEvent
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Frame{}, fmt.Errorf("binance: parse forceOrder: %w", err)
		}
		side := domain.SideBuy
		if d.Order.Side == "SELL" {
			side = domain.SideSell
		}
		price := binanceParseFloat(d.Order.Price)
		size := binanceParseFloat(d.Order.Qty)
		return Frame{Kind: FrameLiquidation, Symbol: d.Symbol, Liquidation: &domain.Liquidation{
			Instrument:  domain.Instrument{Venue: domain.VenueBinance, MarketType: marketType, Symbol: d.Symbol},
			Side:        side,
			Price:       price,
			Size:        size,
			NotionalUSD: price * size,
			ExchangeTs:  d.Order.TradeTime,
		}}, nil

	default:
		return Frame{}, fmt.Errorf("binance: unhandled stream %q", env.Stream)
	}
}
