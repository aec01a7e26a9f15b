// Package exchange implements the per-venue WebSocket gateway: connection
// lifecycle, heartbeat/watchdog, reconnect with backoff, subscription
// replay with ack tracking, and order-book sequence/gap detection
// (spec.md §4.2).
package exchange

import "github.com/aristath/marketfeed/internal/domain"

// ChannelKind enumerates the subscribable WS channel families.
type ChannelKind int

const (
	ChannelTicker ChannelKind = iota
	ChannelTrades
	ChannelOrderbook
	ChannelKlines
	ChannelLiquidations
)

// Subscription describes one subscribe intent. Depth/Interval are only
// meaningful for ChannelOrderbook/ChannelKlines respectively.
type Subscription struct {
	Kind     ChannelKind
	Symbol   string
	Depth    int
	Interval string
}

// FrameKind discriminates a parsed inbound WS message.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FramePing
	FramePong
	FrameAck
	FrameTicker
	FrameTrade
	FrameOrderbookSnapshot
	FrameOrderbookDelta
	FrameKline
	FrameLiquidation
)

// Frame is the adapter's parsed view of one inbound WS message. Only the
// fields relevant to Kind are populated.
type Frame struct {
	Kind FrameKind

	// Ack fields.
	RequestID string
	Success   bool
	Message   string

	// Data fields, keyed by the channel they arrived on.
	Symbol            string
	Ticker            *domain.Ticker
	Trades            []domain.Trade
	OrderbookSnapshot *domain.OrderbookL2Snapshot
	OrderbookDelta    *domain.OrderbookL2Delta
	Kline             *domain.Kline
	Liquidation       *domain.Liquidation
}

// Adapter encapsulates everything venue-specific: URL selection, wire
// framing for subscribe/unsubscribe/ping, and frame parsing into canonical
// domain types. The Client (client.go) is venue-agnostic and drives an
// Adapter through this interface.
type Adapter interface {
	Venue() domain.Venue

	// URL returns the WS endpoint for marketType. topicFilter (spec.md
	// §4.4) may route some topics to a dedicated URL on venues that split
	// klines onto a separate stream; URL always returns the default.
	URL(marketType domain.MarketType) string

	// SupportsLiquidations reports whether this venue publishes a public
	// liquidation feed for marketType.
	SupportsLiquidations(marketType domain.MarketType) bool

	// BuildSubscribe/BuildUnsubscribe serialize a subscribe/unsubscribe
	// request for the given subscriptions, tagged with requestID so the
	// client can correlate the ack.
	BuildSubscribe(requestID string, subs []Subscription) ([]byte, error)
	BuildUnsubscribe(requestID string, subs []Subscription) ([]byte, error)

	// BuildPing returns the outbound ping payload, or nil if the
	// underlying transport (nhooyr.io/websocket) handles ping/pong
	// transparently and no application-level ping is needed.
	BuildPing() []byte

	// AckKey returns the string an ack frame will carry in Frame.RequestID
	// for sub, when the venue does not echo back the client-chosen request
	// id (e.g. OKX correlates public-channel acks by channel+instId
	// instead). Return "" when acks correlate by request id alone.
	AckKey(sub Subscription) string

	// ParseFrame parses one inbound text message. Malformed JSON must
	// return a non-nil error; the client drops it silently per spec.md §4.2
	// ("parse errors are silently dropped").
	ParseFrame(raw []byte, marketType domain.MarketType) (Frame, error)
}
