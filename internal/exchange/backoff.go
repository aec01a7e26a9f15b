package exchange

import (
	"fmt"
	"math"
	"time"

	"github.com/aristath/marketfeed/internal/backoffutil"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	reconnectMaxJitter = 500 * time.Millisecond
)

// ReconnectDelay computes the exponential-backoff-with-jitter delay for the
// given 1-indexed attempt number, per spec.md §4.2:
// min(30s, 1s*2^(attempts-1)) + deterministic jitter in [0, 500ms).
func ReconnectDelay(streamID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(reconnectBaseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(reconnectMaxDelay) {
		exp = float64(reconnectMaxDelay)
	}
	jitter := backoffutil.StableJitter(fmt.Sprintf("%s:%d", streamID, attempt))
	return time.Duration(exp) + time.Duration(jitter*float64(reconnectMaxJitter))
}
