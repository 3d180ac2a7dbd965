// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Settlement  SettlementConfig  `yaml:"settlement"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Alerting    AlertingConfig    `yaml:"alerting"`
}

// BrokerConfig selects and configures the brokerage connection
type BrokerConfig struct {
	Kind            string  `yaml:"kind"` // "mock" or "remote"
	BaseURL         string  `yaml:"base_url"`
	FillStreamURL   string  `yaml:"fill_stream_url"`
	APIKey          string  `yaml:"api_key"`
	OrderRateLimit  float64 `yaml:"order_rate_limit"`  // orders per second
	OrderRateBurst  int     `yaml:"order_rate_burst"`  // burst capacity
	RequestTimeout  int     `yaml:"request_timeout"`   // seconds
	FillPollSeconds float64 `yaml:"fill_poll_seconds"` // poll fallback interval
}

// ExecutionConfig carries the per-order execution parameters
type ExecutionConfig struct {
	MaxSpreadPercent             float64  `yaml:"max_spread_percent"`
	RepegThresholdPercent        float64  `yaml:"repeg_threshold_percent"`
	RepegStepFraction            float64  `yaml:"repeg_step_fraction"`
	MaxRepegsPerOrder            int      `yaml:"max_repegs_per_order"`
	RepegMinImprovementCents     float64  `yaml:"repeg_min_improvement_cents"`
	AllowCrossSpreadOnRepeg      bool     `yaml:"allow_cross_spread_on_repeg"`
	MinBidAskSize                int64    `yaml:"min_bid_ask_size"`
	MinBidAskSizeHighLiquidity   int64    `yaml:"min_bid_ask_size_high_liquidity"`
	QuoteFreshnessSeconds        int      `yaml:"quote_freshness_seconds"`
	OrderPlacementTimeoutSeconds int      `yaml:"order_placement_timeout_seconds"`
	FillWaitSeconds              int      `yaml:"fill_wait_seconds"`
	MaxWaitTimeSeconds           int      `yaml:"max_wait_time_seconds"`
	MinFractionalNotionalUSD     float64  `yaml:"min_fractional_notional_usd"`
	BidAnchorOffsetCents         float64  `yaml:"bid_anchor_offset_cents"`
	AskAnchorOffsetCents         float64  `yaml:"ask_anchor_offset_cents"`
	LowLiquiditySymbols          []string `yaml:"low_liquidity_symbols"`
	QuotePollMillis              int      `yaml:"quote_poll_millis"`
}

// SettlementConfig configures the phase gate and the shared settlement store
type SettlementConfig struct {
	StoreKind                string  `yaml:"store_kind"` // "memory" or "redis"
	RedisURL                 string  `yaml:"redis_url"`
	SellFailureThresholdUSD  float64 `yaml:"sell_failure_threshold_usd"`
	MaxSellRetries           int     `yaml:"max_sell_retries"`
	SellRetryDelaySeconds    int     `yaml:"sell_retry_delay_seconds"`
	PlanStateTTLHours        int     `yaml:"plan_state_ttl_hours"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	MaxWorkers    int `yaml:"max_workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ArchiveConfig configures the execution-result archive
type ArchiveConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// AlertingConfig configures operator alert channels
type AlertingConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// ExecutionParams is the immutable, typed view of ExecutionConfig that is
// passed explicitly to every component at construction. There is no
// process-wide singleton, so tests can inject alternate thresholds.
type ExecutionParams struct {
	MaxSpreadPercent        decimal.Decimal
	RepegThresholdPercent   decimal.Decimal
	RepegStepFraction       decimal.Decimal
	MaxRepegsPerOrder       int
	RepegMinImprovement     decimal.Decimal // dollars
	AllowCrossSpreadOnRepeg bool
	MinBidAskSize           decimal.Decimal
	MinBidAskSizeHighLiq    decimal.Decimal
	QuoteFreshness          time.Duration
	OrderPlacementTimeout   time.Duration
	FillWait                time.Duration
	MaxWaitTime             time.Duration
	MinFractionalNotional   decimal.Decimal
	BidAnchorOffset         decimal.Decimal // dollars
	AskAnchorOffset         decimal.Decimal // dollars
	LowLiquiditySymbols     map[string]struct{}
	QuotePollInterval       time.Duration
}

// IsLowLiquidity reports whether a symbol is in the low-liquidity override set.
func (p *ExecutionParams) IsLowLiquidity(symbol string) bool {
	_, ok := p.LowLiquiditySymbols[symbol]
	return ok
}

// Params converts the YAML config into the immutable runtime parameters.
func (c *ExecutionConfig) Params() ExecutionParams {
	lowLiq := make(map[string]struct{}, len(c.LowLiquiditySymbols))
	for _, s := range c.LowLiquiditySymbols {
		lowLiq[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}

	centsToDollars := func(cents float64) decimal.Decimal {
		return decimal.NewFromFloat(cents).Div(decimal.NewFromInt(100))
	}

	return ExecutionParams{
		MaxSpreadPercent:        decimal.NewFromFloat(c.MaxSpreadPercent),
		RepegThresholdPercent:   decimal.NewFromFloat(c.RepegThresholdPercent),
		RepegStepFraction:       decimal.NewFromFloat(c.RepegStepFraction),
		MaxRepegsPerOrder:       c.MaxRepegsPerOrder,
		RepegMinImprovement:     centsToDollars(c.RepegMinImprovementCents),
		AllowCrossSpreadOnRepeg: c.AllowCrossSpreadOnRepeg,
		MinBidAskSize:           decimal.NewFromInt(c.MinBidAskSize),
		MinBidAskSizeHighLiq:    decimal.NewFromInt(c.MinBidAskSizeHighLiquidity),
		QuoteFreshness:          time.Duration(c.QuoteFreshnessSeconds) * time.Second,
		OrderPlacementTimeout:   time.Duration(c.OrderPlacementTimeoutSeconds) * time.Second,
		FillWait:                time.Duration(c.FillWaitSeconds) * time.Second,
		MaxWaitTime:             time.Duration(c.MaxWaitTimeSeconds) * time.Second,
		MinFractionalNotional:   decimal.NewFromFloat(c.MinFractionalNotionalUSD),
		BidAnchorOffset:         centsToDollars(c.BidAnchorOffsetCents),
		AskAnchorOffset:         centsToDollars(c.AskAnchorOffsetCents),
		LowLiquiditySymbols:     lowLiq,
		QuotePollInterval:       time.Duration(c.QuotePollMillis) * time.Millisecond,
	}
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateBroker(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExecution(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSettlement(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateBroker() error {
	validKinds := []string{"mock", "remote"}
	if !contains(validKinds, c.Broker.Kind) {
		return ValidationError{
			Field:   "broker.kind",
			Value:   c.Broker.Kind,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validKinds, ", ")),
		}
	}

	if c.Broker.Kind == "remote" {
		if c.Broker.BaseURL == "" {
			return ValidationError{
				Field:   "broker.base_url",
				Message: "base URL is required for the remote broker",
			}
		}
	}

	if c.Broker.OrderRateLimit <= 0 {
		return ValidationError{
			Field:   "broker.order_rate_limit",
			Value:   c.Broker.OrderRateLimit,
			Message: "order rate limit must be positive",
		}
	}

	return nil
}

func (c *Config) validateExecution() error {
	e := c.Execution

	if e.MaxSpreadPercent <= 0 {
		return ValidationError{
			Field:   "execution.max_spread_percent",
			Value:   e.MaxSpreadPercent,
			Message: "max spread percent must be positive",
		}
	}
	if e.MaxRepegsPerOrder < 0 {
		return ValidationError{
			Field:   "execution.max_repegs_per_order",
			Value:   e.MaxRepegsPerOrder,
			Message: "max repegs cannot be negative",
		}
	}
	if e.RepegStepFraction <= 0 || e.RepegStepFraction >= 1 {
		return ValidationError{
			Field:   "execution.repeg_step_fraction",
			Value:   e.RepegStepFraction,
			Message: "repeg step fraction must be in (0, 1)",
		}
	}
	if e.QuoteFreshnessSeconds <= 0 {
		return ValidationError{
			Field:   "execution.quote_freshness_seconds",
			Value:   e.QuoteFreshnessSeconds,
			Message: "quote freshness must be positive",
		}
	}
	if e.FillWaitSeconds <= 0 || e.OrderPlacementTimeoutSeconds <= 0 || e.MaxWaitTimeSeconds <= 0 {
		return ValidationError{
			Field:   "execution",
			Message: "fill_wait_seconds, order_placement_timeout_seconds and max_wait_time_seconds must all be positive",
		}
	}
	if e.FillWaitSeconds > e.OrderPlacementTimeoutSeconds {
		return ValidationError{
			Field:   "execution.fill_wait_seconds",
			Value:   e.FillWaitSeconds,
			Message: "fill wait cannot exceed the overall placement timeout",
		}
	}
	if e.MinFractionalNotionalUSD < 0 {
		return ValidationError{
			Field:   "execution.min_fractional_notional_usd",
			Value:   e.MinFractionalNotionalUSD,
			Message: "minimum notional cannot be negative",
		}
	}

	return nil
}

func (c *Config) validateSettlement() error {
	validKinds := []string{"memory", "redis"}
	if !contains(validKinds, c.Settlement.StoreKind) {
		return ValidationError{
			Field:   "settlement.store_kind",
			Value:   c.Settlement.StoreKind,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validKinds, ", ")),
		}
	}
	if c.Settlement.StoreKind == "redis" && c.Settlement.RedisURL == "" {
		return ValidationError{
			Field:   "settlement.redis_url",
			Message: "redis URL is required when store_kind is 'redis'",
		}
	}
	if c.Settlement.SellFailureThresholdUSD < 0 {
		return ValidationError{
			Field:   "settlement.sell_failure_threshold_usd",
			Value:   c.Settlement.SellFailureThresholdUSD,
			Message: "threshold cannot be negative",
		}
	}
	if c.Settlement.MaxSellRetries < 0 {
		return ValidationError{
			Field:   "settlement.max_sell_retries",
			Value:   c.Settlement.MaxSellRetries,
			Message: "max sell retries cannot be negative",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Broker.APIKey = maskString(c.Broker.APIKey)
	configCopy.Alerting.SlackWebhookURL = maskString(c.Alerting.SlackWebhookURL)
	configCopy.Alerting.TelegramBotToken = maskString(c.Alerting.TelegramBotToken)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the documented defaults; LoadConfig overlays the
// YAML file on top of these.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind:            "mock",
			OrderRateLimit:  25,
			OrderRateBurst:  30,
			RequestTimeout:  10,
			FillPollSeconds: 0.5,
		},
		Execution: ExecutionConfig{
			MaxSpreadPercent:             0.50,
			RepegThresholdPercent:        0.10,
			RepegStepFraction:            0.10,
			MaxRepegsPerOrder:            2,
			RepegMinImprovementCents:     2.0,
			AllowCrossSpreadOnRepeg:      true,
			MinBidAskSize:                10,
			MinBidAskSizeHighLiquidity:   100,
			QuoteFreshnessSeconds:        5,
			OrderPlacementTimeoutSeconds: 30,
			FillWaitSeconds:              10,
			MaxWaitTimeSeconds:           30,
			MinFractionalNotionalUSD:     1.00,
			BidAnchorOffsetCents:         1.0,
			AskAnchorOffsetCents:         1.0,
			QuotePollMillis:              500,
		},
		Settlement: SettlementConfig{
			StoreKind:               "memory",
			SellFailureThresholdUSD: 500.00,
			MaxSellRetries:          2,
			SellRetryDelaySeconds:   5,
			PlanStateTTLHours:       24,
		},
		Concurrency: ConcurrencyConfig{
			MaxWorkers:    10,
			QueueCapacity: 100,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Archive: ArchiveConfig{
			SQLitePath: "rebalancer.db",
		},
	}
}
