package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearBotEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"BOT_SYMBOLS", "BOT_TARGET_MARKET_TYPE", "BOT_GLOBAL_WEIGHTS",
		"BOT_EXPECTED_SOURCES_CONFIG",
	}
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearBotEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, "futures", cfg.TargetMarketType)
	assert.True(t, cfg.OIEnabled)
}

func TestLoadRejectsBadMarketType(t *testing.T) {
	clearBotEnv(t)
	os.Setenv("BOT_TARGET_MARKET_TYPE", "bogus")
	defer os.Unsetenv("BOT_TARGET_MARKET_TYPE")

	_, err := Load()
	require.Error(t, err)
}

func TestParseWeightsParsesPairs(t *testing.T) {
	weights, err := parseWeights("bybit:0.5,binance:0.3,okx:0.2")
	require.NoError(t, err)
	require.Len(t, weights, 3)
	assert.Equal(t, SourceWeight{SourceID: "bybit", Weight: 0.5}, weights[0])
}

func TestParseWeightsRejectsMalformed(t *testing.T) {
	_, err := parseWeights("bybit-0.5")
	assert.Error(t, err)
}

func TestParseExpectedSourcesParsesJSON(t *testing.T) {
	out, err := parseExpectedSources(`{"price":["bybit","binance"],"flow":["bybit"]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"bybit", "binance"}, out["price"])
}
