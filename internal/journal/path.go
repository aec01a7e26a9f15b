package journal

import (
	"path/filepath"
	"strings"
	"time"
)

// topicDir maps a bus topic name to the directory segment it journals
// under, replacing the ":" separator with "-" (spec.md §4.5 examples use
// "market-ticker" for "market:ticker").
func topicDir(topic string) string {
	return strings.ReplaceAll(topic, ":", "-")
}

// PartitionPath builds the path of the file a record for (streamID, symbol,
// topic, runID, tf) is appended to, per spec.md §4.5:
//
//	{baseDir}/{streamId}/{symbol}/{topic-dir}/[{tf}/]{runId}/{YYYY-MM-DD}.jsonl
//
// tf is empty for everything except kline/candle-raw topics, which include
// an extra timeframe directory level. Events without a symbol use "_system"
// as the symbol segment, under the same streamId directory.
func PartitionPath(baseDir, streamID, symbol, topic, tf, runID string, tsIngestMs int64) string {
	day := time.UnixMilli(tsIngestMs).UTC().Format("2006-01-02")

	sym := symbol
	if sym == "" {
		sym = "_system"
	}

	segments := []string{baseDir, streamID, sym, topicDir(topic)}
	if tf != "" {
		segments = append(segments, tf)
	}
	segments = append(segments, runID, day+".jsonl")
	return filepath.Join(segments...)
}
