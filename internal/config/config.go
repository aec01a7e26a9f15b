// Package config loads this service's configuration from environment
// variables (optionally via a .env file), following the teacher's
// config.Load() shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// SourceWeight is one entry of BOT_GLOBAL_WEIGHTS (src:w,src:w,...).
type SourceWeight struct {
	SourceID string
	Weight   float64
}

// Config holds every environment-driven setting this service reads
// (spec.md §6).
type Config struct {
	Symbols             []string
	TargetMarketType    string
	SpotEnabled         bool
	OIEnabled           bool
	FundingEnabled      bool
	LiquidationsEnabled bool

	JournalDir     string
	GlobalTTLMs    int64
	CVDBucketMs    int64
	LiqBucketMs    int64

	ReadinessWarmupMs       int64
	ReadinessStartupGraceMs int64
	ReadinessStabilityMs    int64
	ReadinessEWMAAlpha      float64

	LogDir            string
	LogLevel          string
	LogPretty         bool
	LogRotateMaxBytes int64
	LogRotateMaxFiles int

	HealthSnapshotIntervalMs   int64
	ConsoleTransitionCooldownMs int64

	GlobalWeights          []SourceWeight
	ExpectedSourcesConfig  map[string][]string

	DebugHTTPPort int
}

// Load reads configuration from environment variables, loading a .env file
// first if one is present in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Symbols:             splitCSV(getEnv("BOT_SYMBOLS", "BTCUSDT,ETHUSDT")),
		TargetMarketType:    getEnv("BOT_TARGET_MARKET_TYPE", "futures"),
		SpotEnabled:         getEnvAsBool("BOT_SPOT_ENABLED", false),
		OIEnabled:           getEnvAsBool("BOT_OI_ENABLED", true),
		FundingEnabled:      getEnvAsBool("BOT_FUNDING_ENABLED", true),
		LiquidationsEnabled: getEnvAsBool("BOT_LIQUIDATIONS_ENABLED", true),

		JournalDir:  getEnv("BOT_JOURNAL_DIR", "./data/journal"),
		GlobalTTLMs: getEnvAsInt64("BOT_GLOBAL_TTL_MS", 10_000),
		CVDBucketMs: getEnvAsInt64("BOT_CVD_BUCKET_MS", 1_000),
		LiqBucketMs: getEnvAsInt64("BOT_LIQ_BUCKET_MS", 1_000),

		ReadinessWarmupMs:       getEnvAsInt64("BOT_READINESS_WARMUP_MS", 30*60_000),
		ReadinessStartupGraceMs: getEnvAsInt64("BOT_READINESS_STARTUP_GRACE_MS", 10_000),
		ReadinessStabilityMs:    getEnvAsInt64("BOT_READINESS_STABILITY_MS", 10_000),
		ReadinessEWMAAlpha:      getEnvAsFloat("BOT_READINESS_EWMA_ALPHA", 0.2),

		LogDir:            getEnv("LOG_DIR", "./data/logs"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getEnvAsBool("LOG_PRETTY", false),
		LogRotateMaxBytes: getEnvAsInt64("LOG_ROTATE_MAX_BYTES", 10*1024*1024),
		LogRotateMaxFiles: int(getEnvAsInt64("LOG_ROTATE_MAX_FILES", 5)),

		HealthSnapshotIntervalMs:    getEnvAsInt64("HEALTH_SNAPSHOT_INTERVAL_MS", 30_000),
		ConsoleTransitionCooldownMs: getEnvAsInt64("CONSOLE_TRANSITION_COOLDOWN_MS", 2_000),

		DebugHTTPPort: int(getEnvAsInt64("DEBUG_HTTP_PORT", 8090)),
	}

	weights, err := parseWeights(getEnv("BOT_GLOBAL_WEIGHTS", ""))
	if err != nil {
		return nil, fmt.Errorf("config: BOT_GLOBAL_WEIGHTS: %w", err)
	}
	cfg.GlobalWeights = weights

	expected, err := parseExpectedSources(getEnv("BOT_EXPECTED_SOURCES_CONFIG", ""))
	if err != nil {
		return nil, fmt.Errorf("config: BOT_EXPECTED_SOURCES_CONFIG: %w", err)
	}
	cfg.ExpectedSourcesConfig = expected

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration is internally consistent.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: BOT_SYMBOLS must list at least one symbol")
	}
	if c.TargetMarketType != "spot" && c.TargetMarketType != "futures" {
		return fmt.Errorf("config: BOT_TARGET_MARKET_TYPE must be spot or futures, got %q", c.TargetMarketType)
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseWeights(s string) ([]SourceWeight, error) {
	if s == "" {
		return nil, nil
	}
	entries := strings.Split(s, ",")
	out := make([]SourceWeight, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		parts := strings.SplitN(e, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed entry %q, want src:weight", e)
		}
		w, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed weight in %q: %w", e, err)
		}
		out = append(out, SourceWeight{SourceID: parts[0], Weight: w})
	}
	return out, nil
}

func parseExpectedSources(s string) (map[string][]string, error) {
	if s == "" {
		return nil, nil
	}
	var out map[string][]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvAsInt64(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvAsFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
