package observability

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/marketfeed/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTapCountsPerTopic(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	tap := NewTap()
	unsub := tap.Subscribe(bus, []string{events.TopicMarketTicker, events.TopicMarketTrade})
	defer unsub()

	meta := events.CreateMeta(events.SourceMarket)
	bus.Publish(events.TopicMarketTicker, meta, nil)
	bus.Publish(events.TopicMarketTicker, meta, nil)
	bus.Publish(events.TopicMarketTrade, meta, nil)

	snap := tap.Snapshot()
	assert.EqualValues(t, 2, snap[events.TopicMarketTicker])
	assert.EqualValues(t, 1, snap[events.TopicMarketTrade])
	assert.EqualValues(t, 3, tap.Total())
}

func TestHealthReporterSampleIncludesEventCounts(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	tap := NewTap()
	unsub := tap.Subscribe(bus, []string{events.TopicMarketTicker})
	defer unsub()
	bus.Publish(events.TopicMarketTicker, events.CreateMeta(events.SourceMarket), nil)

	dir := t.TempDir()
	logPath := filepath.Join(dir, "health.jsonl")

	var sampled bool
	reporter, err := New(Config{
		LogPath:       logPath,
		RotateMaxSize: 1 << 20,
		RotateFiles:   3,
		OnSample:      func() { sampled = true },
	}, tap, zerolog.Nop())
	require.NoError(t, err)

	snap := reporter.Sample()
	assert.True(t, sampled)
	assert.EqualValues(t, 1, snap.EventCounts[events.TopicMarketTicker])
	assert.GreaterOrEqual(t, snap.Goroutines, 1)
}

func TestHealthReporterScheduledWritesLogLine(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	tap := NewTap()
	tap.Subscribe(bus, []string{events.TopicMarketTicker})

	dir := t.TempDir()
	logPath := filepath.Join(dir, "health.jsonl")
	reporter, err := New(Config{LogPath: logPath, RotateMaxSize: 1 << 20, RotateFiles: 3}, tap, zerolog.Nop())
	require.NoError(t, err)

	// Start rounds the interval to whole seconds (minimum 1s), so the first
	// scheduled sample lands within a second.
	require.NoError(t, reporter.Start(50))
	time.Sleep(1500 * time.Millisecond)
	require.NoError(t, reporter.Stop())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	var snap HealthSnapshot
	firstLine := data
	if idx := indexByte(data, '\n'); idx >= 0 {
		firstLine = data[:idx]
	}
	require.NoError(t, json.Unmarshal(firstLine, &snap))
	assert.Greater(t, snap.Ts, int64(0))
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func TestDebugServerEndpoints(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	tap := NewTap()
	tap.Subscribe(bus, []string{events.TopicMarketTicker})
	bus.Publish(events.TopicMarketTicker, events.CreateMeta(events.SourceMarket), nil)

	dir := t.TempDir()
	reporter, err := New(Config{LogPath: filepath.Join(dir, "health.jsonl"), RotateMaxSize: 1 << 20, RotateFiles: 3}, tap, zerolog.Nop())
	require.NoError(t, err)

	srv := NewServer(0, reporter, tap, zerolog.Nop())
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	assert.Contains(t, string(body), "totalEvents")

	resp3, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp3.Body.Close()
	var snap HealthSnapshot
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&snap))
	assert.Greater(t, snap.Ts, int64(0))
}
