package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestReconnectDelayBounded mirrors spec.md §8's "backoff bound" property:
// delay never exceeds 30s base + 500ms jitter.
func TestReconnectDelayBounded(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := ReconnectDelay("bybit:spot", attempt)
		assert.LessOrEqual(t, d, reconnectMaxDelay+reconnectMaxJitter)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestReconnectDelayDeterministic(t *testing.T) {
	a := ReconnectDelay("binance:futures", 3)
	b := ReconnectDelay("binance:futures", 3)
	assert.Equal(t, a, b)
}

func TestReconnectDelayGrowsThenCaps(t *testing.T) {
	d1 := ReconnectDelay("okx:spot", 1)
	d2 := ReconnectDelay("okx:spot", 2)
	assert.Less(t, d1-d1%time.Second, d2)

	// At high attempt counts the exponential term is clamped to the cap.
	dHigh := ReconnectDelay("okx:spot", 20)
	assert.LessOrEqual(t, dHigh, reconnectMaxDelay+reconnectMaxJitter)
}

func TestReconnectDelayClampsNonPositiveAttempt(t *testing.T) {
	d0 := ReconnectDelay("okx:spot", 0)
	d1 := ReconnectDelay("okx:spot", 1)
	assert.Equal(t, d1, d0)
}
