package rest

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/backoffutil"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
)

const (
	DefaultOIInterval      = 30 * time.Second
	DefaultFundingInterval = 60 * time.Second

	backoffBase        = 1 * time.Second
	backoffMaxDelay    = 300 * time.Second
	backoffMaxFailures = 6
	throttleWindow     = 30 * time.Second
)

// symbolBackoff tracks one symbol+endpoint key's consecutive-failure state,
// per spec.md §4.3: nextAllowedTs = now + min(300s, base*2^min(6,failures))
// * (1 + 0.1*stableJitter(symbol,failures)).
type symbolBackoff struct {
	failures      int
	nextAllowedTs time.Time
	lastWarnTs    time.Time
}

func (b *symbolBackoff) delay(key string) time.Duration {
	capped := b.failures
	if capped > backoffMaxFailures {
		capped = backoffMaxFailures
	}
	exp := float64(backoffBase) * math.Pow(2, float64(capped))
	if exp > float64(backoffMaxDelay) {
		exp = float64(backoffMaxDelay)
	}
	jitter := 1 + 0.1*backoffutil.StableJitter(key+":"+time.Duration(b.failures).String())
	return time.Duration(float64(exp) * jitter)
}

// PollFunc performs one poll for symbol, returning the canonical reading
// and its exchange timestamp (for funding dedup), or an error.
type PollFunc func(ctx context.Context, symbol string) (any, int64, error)

// Endpoint names one pollable derivatives feed (open interest or funding)
// for the topic it emits on success.
type Endpoint struct {
	Name     string
	Interval time.Duration
	Topic    string
	Poll     PollFunc
}

// Poller runs one Endpoint across a set of symbols on its own ticker,
// enforcing per-symbol in-flight dedup, exponential backoff, abort tokens,
// and funding-style dedup by exchangeTs.
type Poller struct {
	venue      domain.Venue
	marketType domain.MarketType
	endpoint   Endpoint
	bus        *events.Bus
	log        zerolog.Logger

	mu         sync.Mutex
	inFlight   map[string]context.CancelFunc
	backoffs   map[string]*symbolBackoff
	lastExchTs map[string]int64

	symbolsMu sync.Mutex
	symbols   map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPoller constructs a poller for one endpoint. Call AddSymbol to begin
// polling it; Start must be called once to drive the ticker.
func NewPoller(venue domain.Venue, marketType domain.MarketType, endpoint Endpoint, bus *events.Bus, log zerolog.Logger) *Poller {
	return &Poller{
		venue:      venue,
		marketType: marketType,
		endpoint:   endpoint,
		bus:        bus,
		log:        log.With().Str("component", "rest_poller").Str("endpoint", endpoint.Name).Logger(),
		inFlight:   make(map[string]context.CancelFunc),
		backoffs:   make(map[string]*symbolBackoff),
		lastExchTs: make(map[string]int64),
		symbols:    make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

func (p *Poller) AddSymbol(symbol string) {
	p.symbolsMu.Lock()
	defer p.symbolsMu.Unlock()
	p.symbols[symbol] = struct{}{}
}

func (p *Poller) RemoveSymbol(symbol string) {
	p.symbolsMu.Lock()
	defer p.symbolsMu.Unlock()
	delete(p.symbols, symbol)
}

func (p *Poller) activeSymbols() []string {
	return p.ActiveSymbols()
}

// ActiveSymbols returns the symbols currently tracked by this poller.
func (p *Poller) ActiveSymbols() []string {
	p.symbolsMu.Lock()
	defer p.symbolsMu.Unlock()
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	return out
}

// Start begins the ticker loop in a background goroutine.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.endpoint.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.tick()
			}
		}
	}()
}

// Stop aborts all in-flight requests for this poller via their abort
// tokens and stops the ticker loop.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.mu.Lock()
	for _, cancel := range p.inFlight {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) tick() {
	for _, symbol := range p.activeSymbols() {
		p.pollOne(symbol)
	}
}

func (p *Poller) pollOne(symbol string) {
	p.mu.Lock()
	if _, busy := p.inFlight[symbol]; busy {
		p.mu.Unlock()
		return
	}
	bo, ok := p.backoffs[symbol]
	if ok && time.Now().Before(bo.nextAllowedTs) {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.inFlight[symbol] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, symbol)
			p.mu.Unlock()
		}()

		data, exchangeTs, err := p.endpoint.Poll(ctx, symbol)
		if err != nil {
			p.onFailure(symbol, err)
			return
		}
		p.onSuccess(symbol, data, exchangeTs)
	}()
}

func (p *Poller) onSuccess(symbol string, data any, exchangeTs int64) {
	p.mu.Lock()
	delete(p.backoffs, symbol)
	dup := false
	if last, ok := p.lastExchTs[symbol]; ok && last == exchangeTs {
		dup = true
	} else {
		p.lastExchTs[symbol] = exchangeTs
	}
	p.mu.Unlock()

	if dup {
		return
	}

	meta := events.CreateMeta(events.SourceMarket, events.WithTsExchange(exchangeTs))
	p.bus.Publish(p.endpoint.Topic, meta, data)
}

func (p *Poller) onFailure(symbol string, err error) {
	key := string(p.venue) + ":" + symbol + ":" + p.endpoint.Name

	p.mu.Lock()
	bo, ok := p.backoffs[symbol]
	if !ok {
		bo = &symbolBackoff{}
		p.backoffs[symbol] = bo
	}
	bo.failures++
	bo.nextAllowedTs = time.Now().Add(bo.delay(key))
	shouldWarn := time.Since(bo.lastWarnTs) >= throttleWindow
	if shouldWarn {
		bo.lastWarnTs = time.Now()
	}
	p.mu.Unlock()

	if !shouldWarn {
		return
	}

	class := ErrorClassUnknown
	var callErr *CallError
	if errors.As(err, &callErr) {
		class = callErr.Class
	}

	p.log.Warn().
		Str("symbol", symbol).
		Str("class", string(class)).
		Int("failures", bo.failures).
		Dur("backoff", bo.delay(key)).
		Err(err).
		Msg("poll failed; backing off")
}
