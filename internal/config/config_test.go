package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
broker:
  kind: mock
  order_rate_limit: 50
execution:
  max_spread_percent: 0.40
  max_repegs_per_order: 3
  low_liquidity_symbols: [xyz, thinly]
settlement:
  store_kind: memory
  sell_failure_threshold_usd: 750
system:
  log_level: DEBUG
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Broker.Kind)
	assert.Equal(t, 50.0, cfg.Broker.OrderRateLimit)
	assert.Equal(t, 0.40, cfg.Execution.MaxSpreadPercent)
	assert.Equal(t, 3, cfg.Execution.MaxRepegsPerOrder)
	assert.Equal(t, 750.0, cfg.Settlement.SellFailureThresholdUSD)
	assert.Equal(t, "DEBUG", cfg.System.LogLevel)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 5, cfg.Execution.QuoteFreshnessSeconds)
	assert.Equal(t, 2, cfg.Settlement.MaxSellRetries)
	assert.Equal(t, 10, cfg.Concurrency.MaxWorkers)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("BROKER_API_KEY", "secret-key-1234")

	path := writeConfig(t, `
broker:
  kind: remote
  base_url: https://api.example.com
  api_key: ${BROKER_API_KEY}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-key-1234", cfg.Broker.APIKey)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "unknown broker kind",
			mutate: func(c *Config) { c.Broker.Kind = "paper" },
			field:  "broker.kind",
		},
		{
			name:   "remote broker without base url",
			mutate: func(c *Config) { c.Broker.Kind = "remote"; c.Broker.BaseURL = "" },
			field:  "broker.base_url",
		},
		{
			name:   "negative max repegs",
			mutate: func(c *Config) { c.Execution.MaxRepegsPerOrder = -1 },
			field:  "execution.max_repegs_per_order",
		},
		{
			name:   "repeg step fraction out of range",
			mutate: func(c *Config) { c.Execution.RepegStepFraction = 1.5 },
			field:  "execution.repeg_step_fraction",
		},
		{
			name:   "fill wait exceeds placement timeout",
			mutate: func(c *Config) { c.Execution.FillWaitSeconds = 60 },
			field:  "execution.fill_wait_seconds",
		},
		{
			name:   "redis store without url",
			mutate: func(c *Config) { c.Settlement.StoreKind = "redis" },
			field:  "settlement.redis_url",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.System.LogLevel = "verbose" },
			field:  "system.log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestExecutionParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.LowLiquiditySymbols = []string{" thin ", "illiq"}
	p := cfg.Execution.Params()

	assert.Equal(t, 5*time.Second, p.QuoteFreshness)
	assert.Equal(t, 30*time.Second, p.OrderPlacementTimeout)
	assert.Equal(t, 10*time.Second, p.FillWait)
	assert.True(t, p.RepegMinImprovement.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, p.BidAnchorOffset.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, p.MinBidAskSize.Equal(decimal.NewFromInt(10)))
	assert.True(t, p.MinBidAskSizeHighLiq.Equal(decimal.NewFromInt(100)))

	assert.True(t, p.IsLowLiquidity("THIN"))
	assert.True(t, p.IsLowLiquidity("ILLIQ"))
	assert.False(t, p.IsLowLiquidity("AAPL"))
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.APIKey = "super-secret-api-key"
	cfg.Alerting.TelegramBotToken = "123456:bot-token-value"

	s := cfg.String()
	assert.False(t, strings.Contains(s, "super-secret-api-key"))
	assert.False(t, strings.Contains(s, "123456:bot-token-value"))
	assert.True(t, strings.Contains(s, "supe"))
}
