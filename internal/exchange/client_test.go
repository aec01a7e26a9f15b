package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// fakeConn is an in-memory wsConn double: writes are captured, and Read
// drains a channel of canned inbound frames fed by the test.
type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg, ok := <-f.inbound:
		if !ok {
			return 0, nil, fmt.Errorf("connection closed")
		}
		return websocket.MessageText, msg, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("write on closed connection")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) push(msg []byte) { f.inbound <- msg }

// stubAdapter is a minimal Adapter double that speaks a trivial
// {"requestId":..., "op":...} / {"requestId":...,"success":...} protocol,
// enough to exercise Client without depending on a real venue.
type stubAdapter struct {
	venue domain.Venue
}

type stubSubscribeMsg struct {
	RequestID string `json:"requestId"`
	Op        string `json:"op"`
}

type stubAckMsg struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
}

func (s stubAdapter) Venue() domain.Venue                               { return s.venue }
func (s stubAdapter) URL(_ domain.MarketType) string                    { return "wss://stub.invalid/ws" }
func (s stubAdapter) SupportsLiquidations(_ domain.MarketType) bool      { return true }
func (s stubAdapter) BuildPing() []byte                                 { return nil }
func (s stubAdapter) BuildSubscribe(requestID string, _ []Subscription) ([]byte, error) {
	return json.Marshal(stubSubscribeMsg{RequestID: requestID, Op: "subscribe"})
}
func (s stubAdapter) BuildUnsubscribe(requestID string, _ []Subscription) ([]byte, error) {
	return json.Marshal(stubSubscribeMsg{RequestID: requestID, Op: "unsubscribe"})
}
func (s stubAdapter) AckKey(_ Subscription) string { return "" }
func (s stubAdapter) ParseFrame(raw []byte, _ domain.MarketType) (Frame, error) {
	var ack stubAckMsg
	if err := json.Unmarshal(raw, &ack); err == nil && ack.RequestID != "" {
		return Frame{Kind: FrameAck, RequestID: ack.RequestID, Success: ack.Success}, nil
	}
	return Frame{}, fmt.Errorf("unrecognized frame: %s", raw)
}

func newTestClient(t *testing.T, conn *fakeConn) (*Client, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	c := NewClient("stub:spot", stubAdapter{venue: "stub"}, domain.MarketTypeSpot, bus, zerolog.Nop())
	c.dial = func(_ context.Context, _ string) (wsConn, error) { return conn, nil }
	c.pingInterval = time.Hour
	c.watchdogIdle = time.Hour
	return c, bus
}

func TestClientConnectIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, conn)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, "open", c.State())
}

func TestClientConnectThenDisconnectReturnsIdle(t *testing.T) {
	conn := newFakeConn()
	c, bus := newTestClient(t, conn)

	var connected, disconnected int32
	var mu sync.Mutex
	bus.Subscribe(events.TopicMarketConnected, func(_ events.Meta, _ any) error {
		mu.Lock()
		connected++
		mu.Unlock()
		return nil
	})
	bus.Subscribe(events.TopicMarketDisconnected, func(_ events.Meta, _ any) error {
		mu.Lock()
		disconnected++
		mu.Unlock()
		return nil
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "open", c.State())

	require.NoError(t, c.Disconnect())
	assert.Equal(t, "idle", c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.EqualValues(t, 1, connected)
	assert.EqualValues(t, 1, disconnected)
}

func TestClientSubscribeAckMarksActive(t *testing.T) {
	conn := newFakeConn()
	c, _ := newTestClient(t, conn)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Subscribe(Subscription{Kind: ChannelTicker, Symbol: "BTCUSDT"}))

	conn.mu.Lock()
	require.Len(t, conn.writes, 1)
	var sent stubSubscribeMsg
	require.NoError(t, json.Unmarshal(conn.writes[0], &sent))
	conn.mu.Unlock()

	ackMsg, err := json.Marshal(stubAckMsg{RequestID: sent.RequestID, Success: true})
	require.NoError(t, err)
	conn.push(ackMsg)

	require.Eventually(t, func() bool {
		return !c.subs.IsPending(sent.RequestID)
	}, time.Second, 5*time.Millisecond)
}

func TestHandleFrameStampsTsExchangeFromPayload(t *testing.T) {
	conn := newFakeConn()
	c, bus := newTestClient(t, conn)

	var got events.Meta
	bus.Subscribe(events.TopicMarketTicker, func(meta events.Meta, _ any) error {
		got = meta
		return nil
	})

	c.handleFrame(Frame{
		Kind:   FrameTicker,
		Symbol: "BTCUSDT",
		Ticker: &domain.Ticker{Instrument: domain.Instrument{Symbol: "BTCUSDT"}, LastPrice: 50000, ExchangeTs: 1_700_000_000_000},
	})

	assert.Equal(t, int64(1_700_000_000_000), got.TsExchange)
}

func TestHandleFrameStampsTsExchangeFromLatestTrade(t *testing.T) {
	conn := newFakeConn()
	c, bus := newTestClient(t, conn)

	var got events.Meta
	bus.Subscribe(events.TopicMarketTrade, func(meta events.Meta, _ any) error {
		got = meta
		return nil
	})

	c.handleFrame(Frame{
		Kind:   FrameTrade,
		Symbol: "BTCUSDT",
		Trades: []domain.Trade{
			{Instrument: domain.Instrument{Symbol: "BTCUSDT"}, Price: 100, TradeTs: 1000},
			{Instrument: domain.Instrument{Symbol: "BTCUSDT"}, Price: 101, TradeTs: 2000},
		},
	})

	assert.Equal(t, int64(2000), got.TsExchange)
}

func TestClientOrderbookGapPublishesResync(t *testing.T) {
	conn := newFakeConn()
	c, bus := newTestClient(t, conn)
	require.NoError(t, c.Connect(context.Background()))

	var resyncs []any
	var mu sync.Mutex
	bus.Subscribe(events.TopicMarketResyncRequested, func(_ events.Meta, payload any) error {
		mu.Lock()
		resyncs = append(resyncs, payload)
		mu.Unlock()
		return nil
	})

	c.seq.ApplySnapshot("BTCUSDT", 10)
	c.handleOrderbookDelta(events.CreateMeta(events.SourceMarket), Frame{
		Symbol: "BTCUSDT",
		OrderbookDelta: &domain.OrderbookL2Delta{
			Instrument: domain.Instrument{Symbol: "BTCUSDT"},
			UpdateID:   15,
		},
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resyncs, 1)
	req, ok := resyncs[0].(ResyncRequest)
	require.True(t, ok)
	assert.Equal(t, ResyncGap, req.Reason)
}
