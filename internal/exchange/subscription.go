package exchange

import (
	"sync"
	"time"
)

type subState int

const (
	subPending subState = iota
	subActive
)

// channelKey identifies a subscription independent of its current request
// id, so re-subscribing after a reconnect recognizes "the same" channel.
func channelKey(s Subscription) string {
	switch s.Kind {
	case ChannelOrderbook:
		return "orderbook:" + s.Symbol + ":" + itoa(s.Depth)
	case ChannelKlines:
		return "kline:" + s.Symbol + ":" + s.Interval
	case ChannelTicker:
		return "ticker:" + s.Symbol
	case ChannelTrades:
		return "trades:" + s.Symbol
	case ChannelLiquidations:
		return "liq:" + s.Symbol
	default:
		return "unknown:" + s.Symbol
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

type trackedSub struct {
	sub       Subscription
	state     subState
	requestID string
	ackKey    string
}

// subscriptionTracker owns the pending->active lifecycle of every
// subscription on a Client, including which subscriptions must be replayed
// after a reconnect (spec.md §4.2: "pending subscriptions saved across the
// disconnect are replayed once on open").
type subscriptionTracker struct {
	mu          sync.Mutex
	byKey       map[string]*trackedSub
	byRequestID map[string]*trackedSub
	byAckKey    map[string]*trackedSub
}

func newSubscriptionTracker() *subscriptionTracker {
	return &subscriptionTracker{
		byKey:       make(map[string]*trackedSub),
		byRequestID: make(map[string]*trackedSub),
		byAckKey:    make(map[string]*trackedSub),
	}
}

// Track registers sub as pending under requestID, replacing any prior
// tracking entry for the same channel (e.g. a resubscribe after reconnect).
// ackKey, when non-empty, is an additional correlation key for venues (OKX)
// whose ack frames don't echo the client's request id.
func (t *subscriptionTracker) Track(sub Subscription, requestID, ackKey string) *trackedSub {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := &trackedSub{sub: sub, state: subPending, requestID: requestID, ackKey: ackKey}
	key := channelKey(sub)
	if old, ok := t.byKey[key]; ok {
		delete(t.byRequestID, old.requestID)
		if old.ackKey != "" {
			delete(t.byAckKey, old.ackKey)
		}
	}
	t.byKey[key] = ts
	t.byRequestID[requestID] = ts
	if ackKey != "" {
		t.byAckKey[ackKey] = ts
	}
	return ts
}

// Ack transitions the subscription correlated by key (a request id, or an
// adapter-specific ack key) to active. It returns false if no pending
// subscription matches (e.g. a late/duplicate ack), in which case the
// caller should log and ignore it.
func (t *subscriptionTracker) Ack(key string) (Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.byRequestID[key]
	if !ok {
		ts, ok = t.byAckKey[key]
	}
	if !ok {
		return Subscription{}, false
	}
	ts.state = subActive
	return ts.sub, true
}

// PendingRequestIDs returns the request ids currently awaiting ack, used to
// drive the 8s ack-timeout watchdog.
func (t *subscriptionTracker) PendingRequestIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, ts := range t.byRequestID {
		if ts.state == subPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsPending reports whether requestID is still awaiting ack — used by the
// ack-timeout timer to avoid acting on an already-acked (or superseded)
// request.
func (t *subscriptionTracker) IsPending(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.byRequestID[requestID]
	return ok && ts.state == subPending
}

// ResetForReplay marks every tracked subscription (pending or active) back
// to pending, ready to be resent with a fresh request id on the next
// Connect. It does not forget the subscriptions themselves.
func (t *subscriptionTracker) ResetForReplay() []Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := make([]Subscription, 0, len(t.byKey))
	t.byRequestID = make(map[string]*trackedSub)
	t.byAckKey = make(map[string]*trackedSub)
	for _, ts := range t.byKey {
		ts.state = subPending
		subs = append(subs, ts.sub)
	}
	return subs
}

// All returns every tracked subscription regardless of state.
func (t *subscriptionTracker) All() []Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := make([]Subscription, 0, len(t.byKey))
	for _, ts := range t.byKey {
		subs = append(subs, ts.sub)
	}
	return subs
}

const ackTimeout = 8 * time.Second
