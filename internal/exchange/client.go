package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// connState is the WS connection lifecycle state machine (spec.md §4.2):
// idle -> connecting -> open -> closing -> idle.
type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	defaultDialTimeout  = 15 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultWatchdogIdle = 120 * time.Second
)

// wsConn is the subset of *websocket.Conn the Client depends on, so tests
// can substitute a fake transport without dialing a real socket.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type connectFuture struct {
	done chan struct{}
	err  error
}

// Client drives one venue/marketType WS stream end to end: connection
// lifecycle, heartbeat and watchdog timers, subscription replay with ack
// tracking, order-book sequencing, and canonical event emission onto the
// bus. It is venue-agnostic; venue specifics are confined to its Adapter.
type Client struct {
	streamID   string
	adapter    Adapter
	marketType domain.MarketType
	bus        *events.Bus
	log        zerolog.Logger
	seq        *Sequencer
	subs       *subscriptionTracker

	dial func(ctx context.Context, url string) (wsConn, error)

	pingInterval  time.Duration
	watchdogIdle  time.Duration
	autoReconnect bool

	mu         sync.Mutex
	state      connState
	conn       wsConn
	epoch      uint64
	connecting *connectFuture
	closing    *connectFuture
	lastActive time.Time
	stopped    bool
}

// NewClient constructs a Client for one venue/marketType stream. streamID
// identifies the stream for logging, backoff jitter keys, and meta.streamId
// stamping.
func NewClient(streamID string, adapter Adapter, marketType domain.MarketType, bus *events.Bus, log zerolog.Logger) *Client {
	return &Client{
		streamID:      streamID,
		adapter:       adapter,
		marketType:    marketType,
		bus:           bus,
		log:           log.With().Str("component", "exchange_client").Str("stream", streamID).Logger(),
		seq:           NewSequencer(),
		subs:          newSubscriptionTracker(),
		dial:          dialReal,
		pingInterval:  defaultPingInterval,
		watchdogIdle:  defaultWatchdogIdle,
		autoReconnect: true,
	}
}

func dialReal(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect is idempotent: concurrent callers while a connection attempt is
// in flight all wait on the same attempt and observe the same result,
// mirroring the shared-future pattern the rest of the gateway uses for
// connect/disconnect races.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateOpen {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		fut := c.connecting
		c.mu.Unlock()
		<-fut.done
		return fut.err
	}
	fut := &connectFuture{done: make(chan struct{})}
	c.connecting = fut
	c.state = stateConnecting
	c.stopped = false
	c.mu.Unlock()

	err := c.doConnect(ctx)

	c.mu.Lock()
	c.connecting = nil
	if err == nil && c.stopped {
		// Disconnect ran while the dial was in flight and wins: drop the
		// fresh socket and return without announcing market:connected.
		stale := c.conn
		c.conn = nil
		c.epoch++
		c.state = stateIdle
		c.mu.Unlock()
		if stale != nil {
			_ = stale.Close(websocket.StatusNormalClosure, "")
		}
		close(fut.done)
		return nil
	}
	if err != nil {
		c.state = stateIdle
	} else {
		c.state = stateOpen
		c.lastActive = time.Now()
	}
	myEpoch := c.epoch
	c.mu.Unlock()

	fut.err = err
	close(fut.done)

	if err == nil {
		go c.readLoop(myEpoch)
		go c.heartbeatLoop(myEpoch)
		go c.watchdogLoop(myEpoch)
		c.replaySubscriptions(myEpoch)
		c.bus.Publish(events.TopicMarketConnected, events.CreateMeta(events.SourceMarket, events.WithStreamID(c.streamID)), map[string]any{"streamId": c.streamID})
	}
	return err
}

func (c *Client) doConnect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	url := c.adapter.URL(c.marketType)
	c.log.Info().Str("url", url).Msg("dialing exchange websocket")

	conn, err := c.dial(dialCtx, url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.epoch++
	c.mu.Unlock()

	return nil
}

// Disconnect idempotently tears the connection down and suppresses
// auto-reconnect until Connect is called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == stateIdle || c.closing != nil {
		fut := c.closing
		c.mu.Unlock()
		if fut != nil {
			<-fut.done
			return fut.err
		}
		return nil
	}
	fut := &connectFuture{done: make(chan struct{})}
	c.closing = fut
	c.state = stateClosing
	c.stopped = true
	conn := c.conn
	c.epoch++ // invalidate in-flight read/heartbeat/watchdog loops
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "")
	}

	c.mu.Lock()
	c.conn = nil
	c.state = stateIdle
	c.closing = nil
	c.mu.Unlock()

	fut.err = err
	close(fut.done)

	c.bus.Publish(events.TopicMarketDisconnected, events.CreateMeta(events.SourceMarket, events.WithStreamID(c.streamID)), map[string]any{"streamId": c.streamID})
	return err
}

// currentEpoch reports the live connection epoch under lock.
func (c *Client) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Client) isCurrent(epoch uint64) bool {
	return c.currentEpoch() == epoch
}

func (c *Client) markActive() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) readLoop(epoch uint64) {
	for {
		c.mu.Lock()
		conn := c.conn
		stillCurrent := c.epoch == epoch
		c.mu.Unlock()

		if !stillCurrent || conn == nil {
			return
		}

		_, msg, err := conn.Read(context.Background())
		if err != nil {
			if c.isCurrent(epoch) {
				c.log.Warn().Err(err).Msg("read error; treating as disconnect")
				c.handleUnexpectedClose(epoch)
			}
			return
		}
		c.markActive()

		frame, err := c.adapter.ParseFrame(msg, c.marketType)
		if err != nil {
			// Malformed frames are silently dropped per spec.
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) heartbeatLoop(epoch uint64) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !c.isCurrent(epoch) {
			return
		}
		ping := c.adapter.BuildPing()
		if ping == nil {
			continue
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(writeCtx, websocket.MessageText, ping)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Msg("ping write failed")
		}
	}
}

func (c *Client) watchdogLoop(epoch uint64) {
	ticker := time.NewTicker(c.watchdogIdle / 4)
	defer ticker.Stop()

	for range ticker.C {
		if !c.isCurrent(epoch) {
			return
		}
		c.mu.Lock()
		idle := time.Since(c.lastActive)
		conn := c.conn
		c.mu.Unlock()

		if idle > c.watchdogIdle && conn != nil {
			c.log.Warn().Dur("idle", idle).Msg("watchdog: no inbound activity, forcing reconnect")
			c.handleUnexpectedClose(epoch)
			return
		}
	}
}

func (c *Client) handleUnexpectedClose(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.epoch++
	stopped := c.stopped
	c.state = stateIdle
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "")
	}

	c.bus.Publish(events.TopicMarketError, events.CreateMeta(events.SourceMarket, events.WithStreamID(c.streamID)), map[string]any{
		"streamId": c.streamID,
		"message":  "connection lost",
	})
	c.bus.Publish(events.TopicMarketDisconnected, events.CreateMeta(events.SourceMarket, events.WithStreamID(c.streamID)), map[string]any{"streamId": c.streamID})

	if !stopped && c.autoReconnect {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	attempt := 0
	for {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}

		attempt++
		delay := ReconnectDelay(c.streamID, attempt)
		time.Sleep(delay)

		c.mu.Lock()
		stopped = c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}

		if err := c.Connect(context.Background()); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}
		return
	}
}

func (c *Client) handleFrame(frame Frame) {
	base := func(tsExchange int64) events.Meta {
		opts := []events.MetaOption{events.WithStreamID(c.streamID), events.WithTsIngest(time.Now().UnixMilli())}
		if tsExchange > 0 {
			opts = append(opts, events.WithTsExchange(tsExchange))
		}
		return events.CreateMeta(events.SourceMarket, opts...)
	}

	switch frame.Kind {
	case FrameAck:
		if frame.Success {
			if _, ok := c.subs.Ack(frame.RequestID); !ok {
				c.log.Debug().Str("requestId", frame.RequestID).Msg("ack for unknown/already-acked subscription")
			}
		} else {
			c.log.Warn().Str("requestId", frame.RequestID).Str("message", frame.Message).Msg("subscribe rejected")
		}
	case FramePing:
		if pong := c.adapter.BuildPing(); pong != nil {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = conn.Write(writeCtx, websocket.MessageText, pong)
				cancel()
			}
		}
	case FramePong:
		// Activity already recorded by readLoop.
	case FrameTicker:
		var ts int64
		if frame.Ticker != nil {
			ts = frame.Ticker.ExchangeTs
		}
		meta := base(ts)
		c.bus.Publish(events.TopicMarketTicker, meta, frame.Ticker)
		c.bus.Publish(events.TopicMarketTickerRaw, meta, frame.Ticker)
	case FrameTrade:
		var ts int64
		if n := len(frame.Trades); n > 0 {
			ts = frame.Trades[n-1].TradeTs
		}
		meta := base(ts)
		c.bus.Publish(events.TopicMarketTrade, meta, frame.Trades)
		c.bus.Publish(events.TopicMarketTradeRaw, meta, frame.Trades)
	case FrameOrderbookSnapshot:
		var ts int64
		if frame.OrderbookSnapshot != nil {
			ts = frame.OrderbookSnapshot.ExchangeTs
		}
		c.handleOrderbookSnapshot(base(ts), frame)
	case FrameOrderbookDelta:
		var ts int64
		if frame.OrderbookDelta != nil {
			ts = frame.OrderbookDelta.ExchangeTs
		}
		c.handleOrderbookDelta(base(ts), frame)
	case FrameKline:
		var ts int64
		if frame.Kline != nil {
			ts = frame.Kline.EndTs
		}
		meta := base(ts)
		if frame.Kline != nil && frame.Kline.Confirmed {
			c.bus.Publish(events.TopicMarketKline, meta, frame.Kline)
		}
		c.bus.Publish(events.TopicMarketKlineRaw, meta, frame.Kline)
	case FrameLiquidation:
		var ts int64
		if frame.Liquidation != nil {
			ts = frame.Liquidation.ExchangeTs
		}
		meta := base(ts)
		c.bus.Publish(events.TopicMarketLiquidation, meta, frame.Liquidation)
		c.bus.Publish(events.TopicMarketLiquidationRaw, meta, frame.Liquidation)
	}
}

func (c *Client) handleOrderbookSnapshot(meta events.Meta, frame Frame) {
	if frame.OrderbookSnapshot == nil {
		return
	}
	c.seq.ApplySnapshot(frame.Symbol, frame.OrderbookSnapshot.UpdateID)
	c.bus.Publish(events.TopicMarketOrderbookSnapshot, meta, frame.OrderbookSnapshot)
	c.bus.Publish(events.TopicMarketOrderbookRaw, meta, frame.OrderbookSnapshot)
}

func (c *Client) handleOrderbookDelta(meta events.Meta, frame Frame) {
	if frame.OrderbookDelta == nil {
		return
	}
	outcome, resync := c.seq.ApplyDelta(frame.Symbol, frame.OrderbookDelta.UpdateID)
	switch outcome {
	case DeltaAccepted:
		c.bus.Publish(events.TopicMarketOrderbookDelta, meta, frame.OrderbookDelta)
		c.bus.Publish(events.TopicMarketOrderbookRaw, meta, frame.OrderbookDelta)
	case DeltaDroppedStale:
		// Silently discarded per spec.
	case DeltaResyncGap, DeltaResyncMissingSnapshot:
		c.bus.Publish(events.TopicMarketResyncRequested, meta, resync)
	}
}

// Subscribe registers a subscription, sends the subscribe frame immediately
// if connected, and arms the 8s ack timeout.
func (c *Client) Subscribe(sub Subscription) error {
	requestID := uuid.NewString()
	c.subs.Track(sub, requestID, c.adapter.AckKey(sub))

	if err := c.sendSubscribe(requestID, []Subscription{sub}); err != nil {
		return err
	}
	c.armAckTimeout(requestID)
	return nil
}

func (c *Client) sendSubscribe(requestID string, subs []Subscription) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == stateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		// Not connected yet; Connect's replaySubscriptions will resend once
		// the socket opens.
		return nil
	}

	payload, err := c.adapter.BuildSubscribe(requestID, subs)
	if err != nil {
		return fmt.Errorf("build subscribe frame: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write subscribe frame: %w", err)
	}
	return nil
}

func (c *Client) armAckTimeout(requestID string) {
	epoch := c.currentEpoch()
	time.AfterFunc(ackTimeout, func() {
		if !c.isCurrent(epoch) {
			return
		}
		if c.subs.IsPending(requestID) {
			c.log.Warn().Str("requestId", requestID).Msg("subscribe ack timed out; forcing reconnect")
			c.handleUnexpectedClose(epoch)
		}
	})
}

// replaySubscriptions resends every tracked subscription after a fresh
// connect, arming a new ack timeout for each.
func (c *Client) replaySubscriptions(epoch uint64) {
	subs := c.subs.ResetForReplay()
	for _, sub := range subs {
		if !c.isCurrent(epoch) {
			return
		}
		requestID := uuid.NewString()
		c.subs.Track(sub, requestID, c.adapter.AckKey(sub))
		if err := c.sendSubscribe(requestID, []Subscription{sub}); err != nil {
			c.log.Warn().Err(err).Str("symbol", sub.Symbol).Msg("failed to replay subscription")
			continue
		}
		c.armAckTimeout(requestID)
	}
}

// State reports the current connection lifecycle state, for tests and the
// observability event tap.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}
