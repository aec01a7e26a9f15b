// Package backoffutil provides the deterministic jitter function shared by
// the WS reconnect policy (internal/exchange) and the REST poller backoff
// (internal/rest). Determinism keeps retry timing reproducible in tests and
// in replay, matching spec.md §4.2/§4.3's "deterministic per-attempt
// jitter" language.
package backoffutil

import "hash/fnv"

// StableJitter hashes key into a value in [0, 1). The same key always
// yields the same jitter fraction, so two processes (or a test and
// production) compute identical backoff delays for the same
// (symbol, attempt) pair.
func StableJitter(key string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return float64(h.Sum32()%10000) / 10000.0
}
