// Package gateway composes one WS client, one REST client, and one or more
// REST pollers into a single venue/marketType market data source, wired
// entirely through the bus (spec.md §4.4).
package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/marketfeed/internal/exchange"
)

// Route is the routing decision for a subscribe topic string: which WS
// subscription (if any) to open, and whether the OI/funding pollers should
// also track the symbol.
type Route struct {
	WS          *exchange.Subscription
	StartPoller bool
	Symbol      string
}

// parseTopic implements spec.md §4.4's topic routing table. Recognized
// forms: tickers.{sym}, publicTrade.{sym}/trades.{sym}, orderbook.{depth}.{sym},
// kline.{interval}.{sym}, liquidations.{sym}, oi.{sym}, funding.{sym}.
func parseTopic(topic string) (Route, error) {
	parts := strings.Split(topic, ".")
	if len(parts) < 2 {
		return Route{}, fmt.Errorf("gateway: malformed topic %q", topic)
	}
	channel := parts[0]
	symbol := parts[len(parts)-1]

	switch channel {
	case "tickers":
		return Route{WS: &exchange.Subscription{Kind: exchange.ChannelTicker, Symbol: symbol}, StartPoller: true, Symbol: symbol}, nil
	case "publicTrade", "trades":
		return Route{WS: &exchange.Subscription{Kind: exchange.ChannelTrades, Symbol: symbol}, StartPoller: true, Symbol: symbol}, nil
	case "orderbook":
		if len(parts) != 3 {
			return Route{}, fmt.Errorf("gateway: malformed orderbook topic %q", topic)
		}
		depth, err := strconv.Atoi(parts[1])
		if err != nil {
			return Route{}, fmt.Errorf("gateway: bad orderbook depth in %q: %w", topic, err)
		}
		return Route{WS: &exchange.Subscription{Kind: exchange.ChannelOrderbook, Symbol: symbol, Depth: depth}, StartPoller: true, Symbol: symbol}, nil
	case "kline":
		if len(parts) != 3 {
			return Route{}, fmt.Errorf("gateway: malformed kline topic %q", topic)
		}
		return Route{WS: &exchange.Subscription{Kind: exchange.ChannelKlines, Symbol: symbol, Interval: parts[1]}, Symbol: symbol}, nil
	case "liquidations":
		return Route{WS: &exchange.Subscription{Kind: exchange.ChannelLiquidations, Symbol: symbol}, Symbol: symbol}, nil
	case "oi":
		return Route{StartPoller: true, Symbol: symbol}, nil
	case "funding":
		return Route{StartPoller: true, Symbol: symbol}, nil
	default:
		return Route{}, fmt.Errorf("gateway: unrecognized topic channel %q", channel)
	}
}
