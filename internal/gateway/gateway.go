package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/aristath/marketfeed/internal/exchange"
	"github.com/aristath/marketfeed/internal/rest"
	"github.com/rs/zerolog"
)

// ResyncStrategy picks how the gateway reacts to a market:resync_requested
// event: ignore (log only) or reconnect (full disconnect/reconnect/replay).
type ResyncStrategy string

const (
	ResyncStrategyIgnore    ResyncStrategy = "ignore"
	ResyncStrategyReconnect ResyncStrategy = "reconnect"
)

const (
	resyncCooldownByChannel = 5 * time.Second
	resyncCooldownByReason  = 2 * time.Second
	klineBootstrapThrottle  = 30 * time.Second
)

// KlineFetcher fetches up to limit historical klines starting at or after
// sinceTs (the most recent ones when sinceTs is 0), in ascending StartTs
// order. Implemented per venue on top of
// *rest.Client.
type KlineFetcher func(ctx context.Context, symbol, interval string, sinceTs int64, limit int) ([]domain.Kline, error)

// TopicFilter optionally drops a parsed subscription topic before it
// reaches the WS client, e.g. to route kline-only topics to a dedicated
// stream URL on venues that split them (spec.md §4.4).
type TopicFilter func(topic string) bool

// Gateway composes one WS client, one REST client, and the OI/funding
// pollers for a single (venue, marketType), driven entirely by bus topics.
type Gateway struct {
	venue      domain.Venue
	marketType domain.MarketType

	ws            *exchange.Client
	restClient    *rest.Client
	oiPoller      *rest.Poller
	fundingPoller *rest.Poller
	fetchKlines   KlineFetcher
	topicFilter   TopicFilter
	strategy      ResyncStrategy

	bus *events.Bus
	log zerolog.Logger

	mu             sync.Mutex
	resyncCooldown map[string]time.Time
	resyncInFlight map[string]bool
	klineWarnTs    map[string]time.Time

	unsubs []func()
}

// Config bundles the dependencies New wires together.
type Config struct {
	Venue         domain.Venue
	MarketType    domain.MarketType
	WS            *exchange.Client
	RESTClient    *rest.Client
	OIPoller      *rest.Poller
	FundingPoller *rest.Poller
	FetchKlines   KlineFetcher
	TopicFilter   TopicFilter
	Strategy      ResyncStrategy
}

func New(cfg Config, bus *events.Bus, log zerolog.Logger) *Gateway {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = ResyncStrategyReconnect
	}
	g := &Gateway{
		venue:          cfg.Venue,
		marketType:     cfg.MarketType,
		ws:             cfg.WS,
		restClient:     cfg.RESTClient,
		oiPoller:       cfg.OIPoller,
		fundingPoller:  cfg.FundingPoller,
		fetchKlines:    cfg.FetchKlines,
		topicFilter:    cfg.TopicFilter,
		strategy:       strategy,
		bus:            bus,
		log:            log.With().Str("component", "market_gateway").Str("venue", string(cfg.Venue)).Str("marketType", string(cfg.MarketType)).Logger(),
		resyncCooldown: make(map[string]time.Time),
		resyncInFlight: make(map[string]bool),
		klineWarnTs:    make(map[string]time.Time),
	}
	return g
}

// matches reports whether a control payload targets this gateway's
// (venue, marketType).
func (g *Gateway) matches(venue domain.Venue, marketType domain.MarketType) bool {
	return venue == g.venue && marketType == g.marketType
}

// ConnectRequest/DisconnectRequest/SubscribeRequest/KlineBootstrapRequest
// are the payload shapes for the control topics this gateway listens on.
type ConnectRequest struct {
	Venue      domain.Venue      `json:"venue"`
	MarketType domain.MarketType `json:"marketType"`
}

type DisconnectRequest struct {
	Venue      domain.Venue      `json:"venue"`
	MarketType domain.MarketType `json:"marketType"`
}

type SubscribeRequest struct {
	Venue      domain.Venue      `json:"venue"`
	MarketType domain.MarketType `json:"marketType"`
	Topic      string            `json:"topic"`
}

type KlineBootstrapRequest struct {
	Venue      domain.Venue      `json:"venue"`
	MarketType domain.MarketType `json:"marketType"`
	Symbol     string            `json:"symbol"`
	Interval   string            `json:"interval"`
	SinceTs    int64             `json:"sinceTs"`
	Limit      int               `json:"limit"`
}

// Start subscribes the gateway to its control-plane input topics. Returns
// an unsubscribe-all function.
func (g *Gateway) Start() func() {
	g.unsubs = []func(){
		g.bus.Subscribe(events.TopicMarketConnect, g.onConnect),
		g.bus.Subscribe(events.TopicMarketDisconnect, g.onDisconnect),
		g.bus.Subscribe(events.TopicMarketSubscribe, g.onSubscribe),
		g.bus.Subscribe(events.TopicMarketKlineBootstrapRequest, g.onKlineBootstrapRequested),
		g.bus.Subscribe(events.TopicMarketResyncRequested, g.onResyncRequested),
	}
	return func() {
		for _, unsub := range g.unsubs {
			unsub()
		}
	}
}

func (g *Gateway) onConnect(_ events.Meta, payload any) error {
	req, ok := payload.(ConnectRequest)
	if !ok || !g.matches(req.Venue, req.MarketType) {
		return nil
	}
	if g.oiPoller != nil {
		g.oiPoller.Start()
	}
	if g.fundingPoller != nil {
		g.fundingPoller.Start()
	}
	return g.ws.Connect(context.Background())
}

func (g *Gateway) onDisconnect(_ events.Meta, payload any) error {
	req, ok := payload.(DisconnectRequest)
	if !ok || !g.matches(req.Venue, req.MarketType) {
		return nil
	}
	if g.oiPoller != nil {
		g.oiPoller.Stop()
	}
	if g.fundingPoller != nil {
		g.fundingPoller.Stop()
	}
	return g.ws.Disconnect()
}

func (g *Gateway) onSubscribe(_ events.Meta, payload any) error {
	req, ok := payload.(SubscribeRequest)
	if !ok || !g.matches(req.Venue, req.MarketType) {
		return nil
	}
	if g.topicFilter != nil && !g.topicFilter(req.Topic) {
		return nil
	}

	route, err := parseTopic(req.Topic)
	if err != nil {
		g.log.Warn().Err(err).Str("topic", req.Topic).Msg("unrecognized subscribe topic")
		return nil
	}

	if route.WS != nil {
		if err := g.ws.Subscribe(*route.WS); err != nil {
			return err
		}
	}
	if route.StartPoller {
		if g.oiPoller != nil {
			g.oiPoller.AddSymbol(route.Symbol)
		}
		if g.fundingPoller != nil {
			g.fundingPoller.AddSymbol(route.Symbol)
		}
	}
	return nil
}

// onKlineBootstrapRequested fetches historical klines and replays them
// onto the bus in ascending StartTs order, each stamped with
// meta.tsEvent=kline.EndTs and an inherited correlation id.
func (g *Gateway) onKlineBootstrapRequested(parentMeta events.Meta, payload any) error {
	req, ok := payload.(KlineBootstrapRequest)
	if !ok || !g.matches(req.Venue, req.MarketType) {
		return nil
	}
	if g.fetchKlines == nil {
		return nil
	}

	klines, err := g.fetchKlines(context.Background(), req.Symbol, req.Interval, req.SinceTs, req.Limit)
	if err != nil || len(klines) == 0 {
		g.warnBootstrapFailure(req, err)
		return nil
	}

	for _, k := range klines {
		meta := events.InheritMeta(parentMeta, events.SourceMarket, events.WithTsEvent(k.EndTs))
		g.bus.Publish(events.TopicMarketKline, meta, k)
	}

	doneMeta := events.InheritMeta(parentMeta, events.SourceMarket)
	g.bus.Publish(events.TopicMarketKlineBootstrapDone, doneMeta, map[string]any{
		"symbol": req.Symbol, "interval": req.Interval, "count": len(klines),
	})
	return nil
}

func (g *Gateway) warnBootstrapFailure(req KlineBootstrapRequest, err error) {
	key := req.Symbol + ":" + req.Interval

	g.mu.Lock()
	last, seen := g.klineWarnTs[key]
	shouldWarn := !seen || time.Since(last) >= klineBootstrapThrottle
	if shouldWarn {
		g.klineWarnTs[key] = time.Now()
	}
	g.mu.Unlock()

	if shouldWarn {
		g.log.Warn().Err(err).Str("symbol", req.Symbol).Str("interval", req.Interval).Msg("kline bootstrap failed")
	}

	g.bus.Publish(events.TopicMarketKlineBootstrapFailed, events.CreateMeta(events.SourceMarket), map[string]any{
		"symbol": req.Symbol, "interval": req.Interval,
	})
}

// onResyncRequested implements the resync throttle: cooldown windows keyed
// by (venue,symbol,channel) and (venue,symbol,channel,reason), plus an
// in-flight flag, suppress repeat reconnects for the same underlying
// condition.
func (g *Gateway) onResyncRequested(_ events.Meta, payload any) error {
	req, ok := payload.(exchange.ResyncRequest)
	if !ok {
		return nil
	}

	channelKey := string(g.venue) + ":" + req.Symbol + ":orderbook"
	reasonKey := channelKey + ":" + string(req.Reason)

	g.mu.Lock()
	now := time.Now()
	if inFlight := g.resyncInFlight[channelKey]; inFlight {
		g.mu.Unlock()
		g.log.Debug().Str("symbol", req.Symbol).Msg("resync suppressed: already in flight")
		return nil
	}
	if until, ok := g.resyncCooldown[channelKey]; ok && now.Before(until) {
		g.mu.Unlock()
		g.log.Debug().Str("symbol", req.Symbol).Msg("resync suppressed: channel cooldown")
		return nil
	}
	if until, ok := g.resyncCooldown[reasonKey]; ok && now.Before(until) {
		g.mu.Unlock()
		g.log.Debug().Str("symbol", req.Symbol).Str("reason", string(req.Reason)).Msg("resync suppressed: reason cooldown")
		return nil
	}
	g.resyncInFlight[channelKey] = true
	g.resyncCooldown[channelKey] = now.Add(resyncCooldownByChannel)
	g.resyncCooldown[reasonKey] = now.Add(resyncCooldownByReason)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.resyncInFlight[channelKey] = false
		g.mu.Unlock()
	}()

	if g.strategy == ResyncStrategyIgnore {
		g.log.Info().Str("symbol", req.Symbol).Str("reason", string(req.Reason)).Msg("resync requested; ignoring per strategy")
		return nil
	}

	g.log.Info().Str("symbol", req.Symbol).Str("reason", string(req.Reason)).Msg("resync requested; reconnecting")
	if err := g.ws.Disconnect(); err != nil {
		return err
	}
	return g.ws.Connect(context.Background())
}
