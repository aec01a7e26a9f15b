package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketfeed/internal/aggregate"
	"github.com/aristath/marketfeed/internal/config"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/aristath/marketfeed/internal/exchange"
	"github.com/aristath/marketfeed/internal/gateway"
	"github.com/aristath/marketfeed/internal/journal"
	"github.com/aristath/marketfeed/internal/observability"
	"github.com/aristath/marketfeed/internal/orchestrator"
	"github.com/aristath/marketfeed/internal/quality"
	"github.com/aristath/marketfeed/internal/readiness"
	"github.com/aristath/marketfeed/internal/rest"
	"github.com/aristath/marketfeed/pkg/logger"
	"github.com/google/uuid"
)

// journaledTopics lists every canonical market:* event the journal writer
// persists.
var journaledTopics = []string{
	events.TopicMarketTicker,
	events.TopicMarketTrade,
	events.TopicMarketOrderbookSnapshot,
	events.TopicMarketOrderbookDelta,
	events.TopicMarketKline,
	events.TopicMarketLiquidation,
	events.TopicMarketOpenInterest,
	events.TopicMarketFunding,
}

// venues lists every exchange this service connects to. Bybit is the only
// one with a REST client wired for OI/funding polling and historical kline
// bootstrap (internal/rest only targets Bybit's v5 API so far); Binance and
// OKX run WS-only, still feeding the cross-venue aggregators their
// ticker/trade/orderbook/kline legs.
var venues = []domain.Venue{domain.VenueBybit, domain.VenueBinance, domain.VenueOKX}

func tappedTopics() []string {
	topics := append([]string{}, journaledTopics...)
	return append(topics,
		events.TopicMarketConnected,
		events.TopicMarketDisconnected,
		events.TopicMarketError,
		events.TopicDataGapDetected,
		events.TopicDataMismatch,
		events.TopicDataSourceDegraded,
		events.TopicSystemMarketDataStatus,
	)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "marketfeed: config:", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Strs("symbols", cfg.Symbols).Str("targetMarketType", cfg.TargetMarketType).Msg("starting marketfeed")

	bus := events.NewBus(log)
	orch := orchestrator.New(orchestrator.Config{}, bus, log)
	orch.Start()

	runID := uuid.NewString()
	writer := journal.NewWriter(journal.Config{BaseDir: cfg.JournalDir, RunID: runID}, bus, log)
	orch.RegisterCleanup("journal_writer", func(ctx context.Context) error {
		writer.Stop()
		return nil
	})
	unsubJournal := subscribeJournal(bus, writer)
	orch.RegisterCleanup("journal_subscription", func(ctx context.Context) error {
		unsubJournal()
		return nil
	})

	weights := make([]aggregate.SourceWeight, 0, len(cfg.GlobalWeights))
	for _, w := range cfg.GlobalWeights {
		weights = append(weights, aggregate.SourceWeight{SourceID: w.SourceID, Weight: w.Weight})
	}
	// expectedSources matches the number of venues this service connects to
	// (spot/ticker/trade data is cross-venue); OI and funding currently
	// only have a Bybit source, so their confidence score never reaches 1
	// until internal/rest grows Binance/OKX endpoint builders too.
	signals := aggregate.NewSignals(cfg.GlobalTTLMs, cfg.CVDBucketMs, cfg.LiqBucketMs, len(venues), weights, bus, log)
	unsubAggregate := signals.Subscribe(bus)
	orch.RegisterCleanup("aggregate_subscription", func(ctx context.Context) error {
		unsubAggregate()
		return nil
	})

	qualityMonitor := quality.New(quality.Config{}, bus, log)
	qualityWire := quality.NewWire(qualityMonitor)
	unsubQuality := qualityWire.Subscribe(bus)
	orch.RegisterCleanup("quality_subscription", func(ctx context.Context) error {
		unsubQuality()
		return nil
	})

	targetMarketType := domain.MarketType(cfg.TargetMarketType)
	readinessCfg := readiness.Config{
		WarmupMs:        cfg.ReadinessWarmupMs,
		StartupGraceMs:  cfg.ReadinessStartupGraceMs,
		StabilityMs:     cfg.ReadinessStabilityMs,
		EWMAAlpha:       cfg.ReadinessEWMAAlpha,
		ExpectedSources: expectedSourcesFromConfig(cfg.ExpectedSourcesConfig),
	}
	readinessMonitor := readiness.New(readinessCfg, bus, log)
	readinessWire := readiness.NewWire(readinessMonitor, targetMarketType)
	unsubReadiness := readinessWire.Subscribe(bus)
	orch.RegisterCleanup("readiness_subscription", func(ctx context.Context) error {
		unsubReadiness()
		return nil
	})

	tap := observability.NewTap()
	unsubTap := tap.Subscribe(bus, tappedTopics())
	orch.RegisterCleanup("observability_tap", func(ctx context.Context) error {
		unsubTap()
		return nil
	})

	healthReporter, err := observability.New(observability.Config{
		LogPath:       cfg.LogDir + "/health.jsonl",
		RotateMaxSize: cfg.LogRotateMaxBytes,
		RotateFiles:   cfg.LogRotateMaxFiles,
		OnSample: func() {
			now := time.Now()
			qualityMonitor.CheckStaleness(now)
			readinessMonitor.Tick(now)
		},
	}, tap, log)
	if err != nil {
		orch.Fatal(fmt.Errorf("observability: %w", err))
	} else {
		if err := healthReporter.Start(cfg.HealthSnapshotIntervalMs); err != nil {
			log.Error().Err(err).Msg("failed to start health reporter")
		}
		orch.RegisterCleanup("health_reporter", func(ctx context.Context) error {
			return healthReporter.Stop()
		})

		debugServer := observability.NewServer(cfg.DebugHTTPPort, healthReporter, tap, log)
		go func() {
			if err := debugServer.Start(); err != nil {
				log.Error().Err(err).Msg("debug http server stopped")
			}
		}()
		orch.RegisterCleanup("debug_http_server", func(ctx context.Context) error {
			return debugServer.Shutdown(ctx)
		})
	}

	marketTypes := []domain.MarketType{targetMarketType}
	if cfg.SpotEnabled && targetMarketType != domain.MarketTypeSpot {
		marketTypes = append(marketTypes, domain.MarketTypeSpot)
	}

	gateways := make([]wiredGateway, 0, len(marketTypes)*len(venues))
	for _, mt := range marketTypes {
		for _, venue := range venues {
			gw := buildGateway(cfg, venue, mt, bus, log)
			gateways = append(gateways, gw)

			unsubGw := gw.gateway.Start()
			if gw.oiPoller != nil {
				gw.oiPoller.Start()
			}
			if gw.fundingPoller != nil {
				gw.fundingPoller.Start()
			}

			orch.RegisterCleanup(fmt.Sprintf("gateway_%s_%s", gw.venue, gw.marketType), func(ctx context.Context) error {
				unsubGw()
				if gw.oiPoller != nil {
					gw.oiPoller.Stop()
				}
				if gw.fundingPoller != nil {
					gw.fundingPoller.Stop()
				}
				return nil
			})
		}
	}

	for _, gw := range gateways {
		connectAndSubscribe(bus, cfg, gw)
	}

	log.Info().Msg("marketfeed started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info().Msg("shutdown signal received")
	case <-orch.Done():
		log.Warn().Msg("orchestrator stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go orch.Shutdown(shutdownCtx)

	select {
	case <-orch.Done():
		log.Info().Msg("marketfeed stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Warn().Msg("shutdown did not complete in time, forcing exit")
	}

	os.Exit(orch.ExitCode())
}

func expectedSourcesFromConfig(in map[string][]string) map[readiness.Block][]string {
	if len(in) == 0 {
		return map[readiness.Block][]string{
			readiness.BlockPrice: {"bybit"},
		}
	}
	out := make(map[readiness.Block][]string, len(in))
	for k, v := range in {
		out[readiness.Block(k)] = v
	}
	return out
}

type wiredGateway struct {
	gateway       *gateway.Gateway
	oiPoller      *rest.Poller
	fundingPoller *rest.Poller
	venue         domain.Venue
	marketType    domain.MarketType
}

// buildGateway wires one gateway for (venue, marketType): a WS client and,
// for the venues internal/rest has endpoint builders for, a REST client
// plus the OI/funding pollers and kline bootstrap fetcher this service's
// config enables.
func buildGateway(cfg *config.Config, venue domain.Venue, marketType domain.MarketType, bus *events.Bus, log zerolog.Logger) wiredGateway {
	adapter := adapterFor(venue)
	streamID := string(venue) + ":" + string(marketType)
	ws := exchange.NewClient(streamID, adapter, marketType, bus, log)

	gwCfg := gateway.Config{
		Venue:      venue,
		MarketType: marketType,
		WS:         ws,
	}

	var oiPoller, fundingPoller *rest.Poller
	if venue == domain.VenueBybit {
		restClient := rest.NewClient(rest.BybitBaseURL, rest.ParseBybitError, log)
		gwCfg.RESTClient = restClient
		gwCfg.FetchKlines = rest.NewBybitKlineFetcher(restClient, marketType)

		if marketType == domain.MarketTypeFutures {
			if cfg.OIEnabled {
				endpoint := rest.BybitOIEndpoint(restClient, marketType, events.TopicMarketOpenInterest, "5min")
				oiPoller = rest.NewPoller(venue, marketType, endpoint, bus, log)
			}
			if cfg.FundingEnabled {
				endpoint := rest.BybitFundingEndpoint(restClient, marketType, events.TopicMarketFunding)
				fundingPoller = rest.NewPoller(venue, marketType, endpoint, bus, log)
			}
		}
	}
	gwCfg.OIPoller = oiPoller
	gwCfg.FundingPoller = fundingPoller

	gw := gateway.New(gwCfg, bus, log)

	return wiredGateway{
		gateway:       gw,
		oiPoller:      oiPoller,
		fundingPoller: fundingPoller,
		venue:         venue,
		marketType:    marketType,
	}
}

func adapterFor(venue domain.Venue) exchange.Adapter {
	switch venue {
	case domain.VenueBinance:
		return exchange.BinanceAdapter{}
	case domain.VenueOKX:
		return exchange.OKXAdapter{}
	default:
		return exchange.BybitAdapter{}
	}
}

// connectAndSubscribe publishes the initial market:connect and
// market:subscribe requests this gateway needs for every configured symbol,
// following the topic-string conventions gateway.parseTopic expects.
func connectAndSubscribe(bus *events.Bus, cfg *config.Config, gw wiredGateway) {
	bus.Publish(events.TopicMarketConnect, events.CreateMeta(events.SourceSystem), gateway.ConnectRequest{
		Venue:      gw.venue,
		MarketType: gw.marketType,
	})

	for _, symbol := range cfg.Symbols {
		topics := []string{"tickers." + symbol, "publicTrade." + symbol, "kline.1." + symbol}
		if cfg.LiquidationsEnabled && adapterFor(gw.venue).SupportsLiquidations(gw.marketType) {
			topics = append(topics, "liquidations."+symbol)
		}
		if gw.oiPoller != nil {
			topics = append(topics, "oi."+symbol)
		}
		if gw.fundingPoller != nil {
			topics = append(topics, "funding."+symbol)
		}
		for _, topic := range topics {
			bus.Publish(events.TopicMarketSubscribe, events.CreateMeta(events.SourceSystem), gateway.SubscribeRequest{
				Venue:      gw.venue,
				MarketType: gw.marketType,
				Topic:      topic,
			})
		}
	}
}

// subscribeJournal wires every canonical market:* topic into the journal
// writer, deriving each record's partition key and quality-detector fields
// (symbol, timeframe, trade id, order-book update sequence) from the
// payload's concrete domain type (journalEntries).
func subscribeJournal(bus *events.Bus, writer *journal.Writer) func() {
	unsubs := make([]func(), 0, len(journaledTopics))
	for _, topic := range journaledTopics {
		topic := topic
		unsubs = append(unsubs, bus.Subscribe(topic, func(meta events.Meta, payload any) error {
			for _, e := range journalEntries(payload) {
				key := journal.AppendKey{Symbol: e.symbol, TF: e.tf, TradeID: e.tradeID, UpdateSeq: e.updateSeq, HasSeq: e.hasSeq}
				if err := writer.Append(meta, topic, key, e.payload); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// journalEntry is one journal-ready record extracted from a bus payload:
// its partition symbol/timeframe plus the duplicate/sequence fields the
// quality detector needs (spec.md §4.5).
type journalEntry struct {
	symbol    string
	tf        string
	tradeID   string
	updateSeq int64
	hasSeq    bool
	payload   any
}

// journalEntries unpacks payload into zero or more journalEntry values.
// Gateway frames publish Ticker/Kline/Liquidation/orderbook payloads as
// pointers and trades as a slice (one WS message can carry several fills),
// so a single bus payload can yield more than one journal record. The kline
// bootstrap publishes Kline values, which are matched as well.
func journalEntries(payload any) []journalEntry {
	switch p := payload.(type) {
	case *domain.Ticker:
		if p == nil {
			return nil
		}
		return []journalEntry{{symbol: p.Symbol, payload: p}}
	case []domain.Trade:
		entries := make([]journalEntry, 0, len(p))
		for i := range p {
			entries = append(entries, journalEntry{symbol: p[i].Symbol, tradeID: p[i].TradeID, payload: p[i]})
		}
		return entries
	case *domain.OrderbookL2Snapshot:
		if p == nil {
			return nil
		}
		return []journalEntry{{symbol: p.Symbol, updateSeq: p.UpdateID, hasSeq: true, payload: p}}
	case *domain.OrderbookL2Delta:
		if p == nil {
			return nil
		}
		return []journalEntry{{symbol: p.Symbol, updateSeq: p.UpdateID, hasSeq: true, payload: p}}
	case *domain.Kline:
		if p == nil {
			return nil
		}
		return []journalEntry{{symbol: p.Symbol, tf: p.Interval, payload: p}}
	case domain.Kline:
		return []journalEntry{{symbol: p.Symbol, tf: p.Interval, payload: p}}
	case *domain.Liquidation:
		if p == nil {
			return nil
		}
		return []journalEntry{{symbol: p.Symbol, payload: p}}
	case domain.OpenInterest:
		return []journalEntry{{symbol: p.Symbol, payload: p}}
	case domain.FundingRate:
		return []journalEntry{{symbol: p.Symbol, payload: p}}
	default:
		return nil
	}
}
