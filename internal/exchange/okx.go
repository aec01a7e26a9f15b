package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/marketfeed/internal/domain"
)

const (
	okxWSPublicURL = "wss://ws.okx.com:8443/ws/v5/public"
)

// OKXAdapter implements Adapter for OKX's v5 public WebSocket API:
// {"op":"subscribe","args":[{"channel":"trades","instId":"BTC-USDT"}]}, with
// push messages wrapped as {"arg":{"channel":...,"instId":...},"data":[...]}.
// instId uses hyphenated symbols (BTC-USDT); spec-level subscriptions carry
// the unhyphenated form, so the adapter is responsible for conversion.
type OKXAdapter struct{}

func (OKXAdapter) Venue() domain.Venue { return domain.VenueOKX }

func (OKXAdapter) URL(_ domain.MarketType) string { return okxWSPublicURL }

func (OKXAdapter) SupportsLiquidations(marketType domain.MarketType) bool {
	return marketType == domain.MarketTypeFutures
}

type okxArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
	InstFam  string `json:"instFamily,omitempty"`
}

type okxSubscribeMsg struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

// okxInstID converts a plain symbol like "BTCUSDT" to OKX's hyphenated
// instId "BTC-USDT". This assumes USDT-margined pairs, the only quote
// currency the rest of the gateway deals in.
func okxInstID(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	const quote = "USDT"
	if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
		return symbol[:len(symbol)-len(quote)] + "-" + quote
	}
	return symbol
}

func okxSymbolFromInstID(instID string) string {
	return strings.ReplaceAll(instID, "-", "")
}

func okxChannel(kind ChannelKind, interval string) string {
	switch kind {
	case ChannelTicker:
		return "tickers"
	case ChannelTrades:
		return "trades"
	case ChannelOrderbook:
		return "books"
	case ChannelKlines:
		return "candle" + interval
	case ChannelLiquidations:
		return "liquidation-orders"
	default:
		return ""
	}
}

func (OKXAdapter) BuildSubscribe(_ string, subs []Subscription) ([]byte, error) {
	args := make([]okxArg, 0, len(subs))
	for _, s := range subs {
		ch := okxChannel(s.Kind, s.Interval)
		if ch == "" {
			continue
		}
		args = append(args, okxArg{Channel: ch, InstID: okxInstID(s.Symbol)})
	}
	return json.Marshal(okxSubscribeMsg{Op: "subscribe", Args: args})
}

func (OKXAdapter) BuildUnsubscribe(_ string, subs []Subscription) ([]byte, error) {
	args := make([]okxArg, 0, len(subs))
	for _, s := range subs {
		ch := okxChannel(s.Kind, s.Interval)
		if ch == "" {
			continue
		}
		args = append(args, okxArg{Channel: ch, InstID: okxInstID(s.Symbol)})
	}
	return json.Marshal(okxSubscribeMsg{Op: "unsubscribe", Args: args})
}

func (OKXAdapter) BuildPing() []byte {
	// OKX expects a literal "ping" text frame, answered with a literal
	// "pong" text frame (not JSON).
	return []byte("ping")
}

// AckKey correlates OKX subscribe acks, which carry the echoed
// {"channel","instId"} arg rather than a client-chosen request id.
func (OKXAdapter) AckKey(sub Subscription) string {
	return requestIDForOKXArg(okxArg{Channel: okxChannel(sub.Kind, sub.Interval), InstID: okxInstID(sub.Symbol)})
}

type okxEnvelope struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    okxArg          `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type okxTickerData struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	Open24h   string `json:"open24h"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	Ts        string `json:"ts"`
}

type okxTradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type okxBookData struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
	Seq  string     `json:"seqId"`
}

type okxLiquidationDetail struct {
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Ts   string `json:"ts"`
}

type okxLiquidationData struct {
	InstID  string                 `json:"instId"`
	Details []okxLiquidationDetail `json:"details"`
}

func okxParseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func okxParseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func okxParseLevels(raw [][]string) []domain.OrderbookLevel {
	levels := make([]domain.OrderbookLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		levels = append(levels, domain.OrderbookLevel{Price: okxParseFloat(lvl[0]), Size: okxParseFloat(lvl[1])})
	}
	return levels
}

func (OKXAdapter) ParseFrame(raw []byte, marketType domain.MarketType) (Frame, error) {
	if string(raw) == "pong" {
		return Frame{Kind: FramePong}, nil
	}

	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("okx: parse envelope: %w", err)
	}

	if env.Event == "subscribe" || env.Event == "unsubscribe" {
		return Frame{Kind: FrameAck, RequestID: requestIDForOKXArg(env.Arg), Success: true}, nil
	}
	if env.Event == "error" {
		return Frame{Kind: FrameAck, RequestID: requestIDForOKXArg(env.Arg), Success: false, Message: env.Msg}, nil
	}
	if env.Arg.Channel == "" {
		return Frame{}, fmt.Errorf("okx: unrecognized frame")
	}

	symbol := okxSymbolFromInstID(env.Arg.InstID)

	switch {
	case env.Arg.Channel == "tickers":
		var ds []okxTickerData
		if err := json.Unmarshal(env.Data, &ds); err != nil || len(ds) == 0 {
			return Frame{}, fmt.Errorf("okx: parse ticker: %w", err)
		}
		d := ds[0]
		return Frame{Kind: FrameTicker, Symbol: symbol, Ticker: &domain.Ticker{
			Instrument: domain.Instrument{Venue: domain.VenueOKX, MarketType: marketType, Symbol: symbol},
			LastPrice:  okxParseFloat(d.Last),
			Change24h:  okxParseFloat(d.Last) - okxParseFloat(d.Open24h),
			Volume24h:  okxParseFloat(d.Vol24h),
			Turnover24h: okxParseFloat(d.VolCcy24h),
			ExchangeTs: okxParseInt(d.Ts),
		}}, nil

	case env.Arg.Channel == "trades":
		var ds []okxTradeData
		if err := json.Unmarshal(env.Data, &ds); err != nil {
			return Frame{}, fmt.Errorf("okx: parse trades: %w", err)
		}
		trades := make([]domain.Trade, 0, len(ds))
		for _, d := range ds {
			side := domain.SideBuy
			if d.Side == "sell" {
				side = domain.SideSell
			}
			trades = append(trades, domain.Trade{
				Instrument: domain.Instrument{Venue: domain.VenueOKX, MarketType: marketType, Symbol: symbol},
				Side:       side,
				Price:      okxParseFloat(d.Px),
				Size:       okxParseFloat(d.Sz),
				TradeID:    d.TradeID,
				TradeTs:    okxParseInt(d.Ts),
			})
		}
		return Frame{Kind: FrameTrade, Symbol: symbol, Trades: trades}, nil

	case env.Arg.Channel == "books":
		var ds []okxBookData
		if err := json.Unmarshal(env.Data, &ds); err != nil || len(ds) == 0 {
			return Frame{}, fmt.Errorf("okx: parse books: %w", err)
		}
		d := ds[0]
		instrument := domain.Instrument{Venue: domain.VenueOKX, MarketType: marketType, Symbol: symbol}
		bids := okxParseLevels(d.Bids)
		asks := okxParseLevels(d.Asks)
		seq := okxParseInt(d.Seq)
		ts := okxParseInt(d.Ts)
		if env.Action == "update" {
			return Frame{Kind: FrameOrderbookDelta, Symbol: symbol, OrderbookDelta: &domain.OrderbookL2Delta{
				Instrument: instrument, Bids: bids, Asks: asks, UpdateID: seq, ExchangeTs: ts,
			}}, nil
		}
		return Frame{Kind: FrameOrderbookSnapshot, Symbol: symbol, OrderbookSnapshot: &domain.OrderbookL2Snapshot{
			Instrument: instrument, Bids: bids, Asks: asks, UpdateID: seq, ExchangeTs: ts,
		}}, nil

	case strings.HasPrefix(env.Arg.Channel, "candle"):
		var ds [][]string
		if err := json.Unmarshal(env.Data, &ds); err != nil || len(ds) == 0 {
			return Frame{}, fmt.Errorf("okx: parse candle: %w", err)
		}
		row := ds[0]
		if len(row) < 6 {
			return Frame{}, fmt.Errorf("okx: short candle row")
		}
		interval := strings.TrimPrefix(env.Arg.Channel, "candle")
		start := okxParseInt(row[0])
		return Frame{Kind: FrameKline, Symbol: symbol, Kline: &domain.Kline{
			Instrument: domain.Instrument{Venue: domain.VenueOKX, MarketType: marketType, Symbol: symbol},
			Interval:   interval,
			StartTs:    start,
			Open:       okxParseFloat(row[1]),
			High:       okxParseFloat(row[2]),
			Low:        okxParseFloat(row[3]),
			Close:      okxParseFloat(row[4]),
			Volume:     okxParseFloat(row[5]),
			Confirmed:  len(row) > 8 && row[8] == "1",
		}}, nil

	case env.Arg.Channel == "liquidation-orders":
		var ds []okxLiquidationData
		if err := json.Unmarshal(env.Data, &ds); err != nil || len(ds) == 0 {
			return Frame{}, fmt.Errorf("okx: parse liquidation: %w", err)
		}
		d := ds[0]
		if len(d.Details) == 0 {
			return Frame{}, fmt.Errorf("okx: empty liquidation details")
		}
		detail := d.Details[0]
		side := domain.SideBuy
		if detail.Side == "sell" {
			side = domain.SideSell
		}
		price := okxParseFloat(detail.Px)
		size := okxParseFloat(detail.Sz)
		return Frame{Kind: FrameLiquidation, Symbol: okxSymbolFromInstID(d.InstID), Liquidation: &domain.Liquidation{
			Instrument:  domain.Instrument{Venue: domain.VenueOKX, MarketType: marketType, Symbol: okxSymbolFromInstID(d.InstID)},
			Side:        side,
			Price:       price,
			Size:        size,
			NotionalUSD: price * size,
			ExchangeTs:  okxParseInt(detail.Ts),
		}}, nil

	default:
		return Frame{}, fmt.Errorf("okx: unhandled channel %q", env.Arg.Channel)
	}
}

// requestIDForOKXArg derives a correlation key from the ack's echoed arg
// since OKX does not support a req_id field on public channel (un)subscribe
// acks; the channel+instId pair is the best available correlation key.
func requestIDForOKXArg(arg okxArg) string {
	return arg.Channel + ":" + arg.InstID
}
