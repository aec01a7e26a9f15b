// Package journal durably appends every canonical and raw bus event to a
// partitioned JSONL store and computes per-record data-quality signals
// before each record is enqueued (spec.md §4.5).
package journal

import "encoding/json"

// Record is one journaled line.
type Record struct {
	Seq        int64  `json:"seq"`
	StreamID   string `json:"streamId"`
	RunID      string `json:"runId"`
	Topic      string `json:"topic"`
	Symbol     string `json:"symbol"`
	TsIngest   int64  `json:"tsIngest"`
	TsExchange int64  `json:"tsExchange,omitempty"`
	Payload    any    `json:"payload"`
}

// Marshal serializes r as one compact JSON line, without a trailing
// newline (the writer appends it).
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// aggregationFields must never appear in a raw-topic payload (spec.md §4.5
// raw-topic guard). guard.go checks them against the keys of the payload's
// JSON encoding.
var aggregationFields = []string{
	"qualityFlags",
	"confidenceScore",
	"venueBreakdown",
	"sourcesUsed",
	"weightsUsed",
	"mismatchDetected",
	"staleSourcesDropped",
}
