package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
)

const (
	defaultMaxBatchSize    = 50
	defaultFlushInterval   = 200 * time.Millisecond
)

type pendingLine struct {
	path string
	line []byte
}

// Writer batches journal records by partition path and flushes them to disk
// on a size/time trigger (spec.md §4.5).
type Writer struct {
	baseDir  string
	runID    string
	bus      *events.Bus
	log      zerolog.Logger
	quality  *QualityDetector

	maxBatchSize int
	flushEvery   time.Duration

	mu       sync.Mutex
	queue    []pendingLine
	seqByPath map[string]int64
	failedPaths map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config customizes batching thresholds; zero values take the spec.md
// defaults (maxBatchSize=50, flushIntervalMs=200).
type Config struct {
	BaseDir          string
	RunID            string
	MaxBatchSize     int
	FlushInterval    time.Duration
	LatencySpikeMs   int64
}

// NewWriter constructs a Writer and starts its background flush loop.
func NewWriter(cfg Config, bus *events.Bus, log zerolog.Logger) *Writer {
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}
	w := &Writer{
		baseDir:      cfg.BaseDir,
		runID:        cfg.RunID,
		bus:          bus,
		log:          log.With().Str("component", "journal_writer").Logger(),
		quality:      NewQualityDetector(bus, cfg.LatencySpikeMs),
		maxBatchSize: maxBatch,
		flushEvery:   flush,
		seqByPath:    make(map[string]int64),
		failedPaths:  make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flushLoop()
	return w
}

// AppendKey carries the per-record identifiers Append needs beyond the
// raw payload: the partition symbol/timeframe, and the trade-id/update-seq
// fields the quality detector keys its duplicate and sequence-gap checks
// off (spec.md §4.5). UpdateSeq/HasSeq apply only to order-book deltas;
// TradeID applies only to trades.
type AppendKey struct {
	Symbol    string
	TF        string
	TradeID   string
	UpdateSeq int64
	HasSeq    bool
}

// Append computes the quality signals for one inbound event, then enqueues
// its journal record. key.TF is the timeframe directory segment, empty
// except for kline/candle-raw topics.
func (w *Writer) Append(meta events.Meta, topic string, key AppendKey, payload any) error {
	if strings.HasSuffix(topic, "_raw") {
		RawTopicGuard(topic, payload)
	}

	tsIngest := meta.TsIngest
	if tsIngest == 0 {
		tsIngest = meta.Ts
	}

	w.quality.Check(Input{
		StreamID:   meta.StreamID,
		Symbol:     key.Symbol,
		Topic:      topic,
		TsExchange: meta.TsExchange,
		TsIngest:   tsIngest,
		TradeID:    key.TradeID,
		UpdateSeq:  key.UpdateSeq,
		HasSeq:     key.HasSeq,
		Meta:       meta,
	})

	path := PartitionPath(w.baseDir, meta.StreamID, key.Symbol, topic, key.TF, w.runID, tsIngest)

	w.mu.Lock()
	w.seqByPath[path]++
	seq := w.seqByPath[path]
	w.mu.Unlock()

	rec := Record{
		Seq:        seq,
		StreamID:   meta.StreamID,
		RunID:      w.runID,
		Topic:      topic,
		Symbol:     key.Symbol,
		TsIngest:   tsIngest,
		TsExchange: meta.TsExchange,
		Payload:    payload,
	}
	line, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("journal: marshal record for %s: %w", topic, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	w.queue = append(w.queue, pendingLine{path: path, line: line})
	shouldFlush := len(w.queue) >= w.maxBatchSize
	w.mu.Unlock()

	if shouldFlush {
		w.flush()
	}
	return nil
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			w.flush()
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush drains the queue and appends each line to its partition file,
// grouping consecutive lines for the same path into one write.
func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	byPath := make(map[string][]byte)
	order := make([]string, 0, len(batch))
	for _, pl := range batch {
		if _, seen := byPath[pl.path]; !seen {
			order = append(order, pl.path)
		}
		byPath[pl.path] = append(byPath[pl.path], pl.line...)
	}

	for _, path := range order {
		if err := w.appendToFile(path, byPath[path]); err != nil {
			w.reportWriteFailure(path, err)
		}
	}
}

func (w *Writer) appendToFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("journal: mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("journal: write %s: %w", path, err)
	}
	return nil
}

// reportWriteFailure emits storage:writeFailed once per path per run;
// subsequent failures for the same path are suppressed but still attempted
// on every flush (spec.md §4.5/§7).
func (w *Writer) reportWriteFailure(path string, writeErr error) {
	w.mu.Lock()
	alreadyReported := w.failedPaths[path]
	w.failedPaths[path] = true
	w.mu.Unlock()

	w.log.Error().Err(writeErr).Str("path", path).Msg("journal write failed")

	if alreadyReported {
		return
	}
	w.bus.Publish(events.TopicStorageWriteFailed, events.CreateMeta(events.SourceStorage), map[string]any{
		"path":  path,
		"error": writeErr.Error(),
	})
}

// Stop flushes any remaining queued lines and stops the background loop.
func (w *Writer) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}
