package observability

import (
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aristath/marketfeed/pkg/logger"
)

// HealthSnapshot is one line of the health.jsonl log.
type HealthSnapshot struct {
	Ts            int64            `json:"ts"`
	UptimeSeconds float64          `json:"uptimeSeconds"`
	Goroutines    int              `json:"goroutines"`
	RSSBytes      uint64           `json:"rssBytes"`
	CPUPercent    float64          `json:"cpuPercent"`
	EventCounts   map[string]int64 `json:"eventCounts"`
}

// HealthReporter schedules a periodic snapshot of process health and
// activity, written to a rotating JSONL file (pkg/logger.RotatingWriter;
// no rotation library exists in the ecosystem this module otherwise draws
// from, so this stays hand-rolled).
type HealthReporter struct {
	cron      *cron.Cron
	log       zerolog.Logger
	tap       *Tap
	writer    *logger.RotatingWriter
	proc      *process.Process
	startedAt time.Time
	onSample  func()
}

// Config parameterizes a HealthReporter.
type Config struct {
	IntervalMs    int64
	LogPath       string
	RotateMaxSize int64
	RotateFiles   int
	// OnSample, if set, is invoked synchronously before each snapshot is
	// assembled (used to drive quality.Monitor.CheckStaleness on the same
	// cadence without this package importing internal/quality directly).
	OnSample func()
}

// New constructs a HealthReporter. Call Start to begin scheduling.
func New(cfg Config, tap *Tap, log zerolog.Logger) (*HealthReporter, error) {
	writer, err := logger.NewRotatingWriter(cfg.LogPath, cfg.RotateMaxSize, cfg.RotateFiles)
	if err != nil {
		return nil, err
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &HealthReporter{
		cron:      cron.New(cron.WithSeconds()),
		log:       log.With().Str("component", "health_reporter").Logger(),
		tap:       tap,
		writer:    writer,
		proc:      proc,
		startedAt: time.Now(),
		onSample:  cfg.OnSample,
	}, nil
}

// Start schedules the periodic snapshot every intervalMs, rounded down to
// whole seconds with a minimum of one second, and starts the cron driver.
func (h *HealthReporter) Start(intervalMs int64) error {
	seconds := intervalMs / 1000
	if seconds < 1 {
		seconds = 1
	}
	spec := "@every " + time.Duration(seconds*int64(time.Second)).String()
	if _, err := h.cron.AddFunc(spec, h.sample); err != nil {
		return err
	}
	h.cron.Start()
	h.log.Info().Str("interval", spec).Msg("health reporter started")
	return nil
}

// Stop drains the cron scheduler and closes the log writer.
func (h *HealthReporter) Stop() error {
	ctx := h.cron.Stop()
	<-ctx.Done()
	return h.writer.Close()
}

// Sample forces one immediate snapshot, used by the debug server's
// /metrics endpoint as well as the scheduled cadence.
func (h *HealthReporter) Sample() HealthSnapshot {
	if h.onSample != nil {
		h.onSample()
	}

	var rss uint64
	if info, err := h.proc.MemoryInfo(); err == nil && info != nil {
		rss = info.RSS
	} else if err != nil {
		h.log.Warn().Err(err).Msg("failed to read process memory info")
	}

	cpuPercent := 0.0
	if pct, err := cpu.Percent(50*time.Millisecond, false); err == nil && len(pct) > 0 {
		cpuPercent = pct[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("failed to read cpu percent")
	}

	return HealthSnapshot{
		Ts:            time.Now().UnixMilli(),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		RSSBytes:      rss,
		CPUPercent:    cpuPercent,
		EventCounts:   h.tap.Snapshot(),
	}
}

func (h *HealthReporter) sample() {
	snap := h.Sample()
	line, err := json.Marshal(snap)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal health snapshot")
		return
	}
	line = append(line, '\n')
	if _, err := h.writer.Write(line); err != nil {
		h.log.Error().Err(err).Msg("failed to write health snapshot")
	}
}
