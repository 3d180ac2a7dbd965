package liquidity

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/config"
	"rebalancer/internal/core"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func testParams() config.ExecutionParams {
	cfg := config.DefaultConfig()
	cfg.Execution.LowLiquiditySymbols = []string{"THIN"}
	return cfg.Execution.Params()
}

func quote(symbol string, bid, ask string, bidSize, askSize int64) *core.Quote {
	return &core.Quote{
		Symbol:     symbol,
		Bid:        decimal.RequireFromString(bid),
		Ask:        decimal.RequireFromString(ask),
		BidSize:    decimal.NewFromInt(bidSize),
		AskSize:    decimal.NewFromInt(askSize),
		ObservedAt: time.Now(),
	}
}

func TestAssessNormalSpread(t *testing.T) {
	a := NewAssessor(testParams(), &mockLogger{})

	// 10 cent spread on a $20.05 mid is ~0.499%, inside the 0.50% cap but
	// above the tight band.
	got := a.Assess(quote("ACME", "20.00", "20.10", 500, 500))

	if got.Classification != core.LiquidityNormal {
		t.Errorf("classification = %s, want %s", got.Classification, core.LiquidityNormal)
	}
	if !got.AnchorPrice.Equal(decimal.RequireFromString("20.05")) {
		t.Errorf("anchor = %s, want 20.05", got.AnchorPrice)
	}
	if !got.AllowCrossSpread {
		t.Error("cross-spread should stay enabled for normal liquidity")
	}
}

func TestAssessTightSpread(t *testing.T) {
	a := NewAssessor(testParams(), &mockLogger{})

	// 2 cent spread on $50 is 0.04%, well under half the cap.
	got := a.Assess(quote("ACME", "49.99", "50.01", 1000, 1000))

	if got.Classification != core.LiquidityTight {
		t.Errorf("classification = %s, want %s", got.Classification, core.LiquidityTight)
	}
}

func TestAssessWideSpread(t *testing.T) {
	a := NewAssessor(testParams(), &mockLogger{})

	// 30 cent spread on ~$20 mid is ~1.5%, past the cap.
	got := a.Assess(quote("ACME", "19.90", "20.20", 500, 500))

	if got.Classification != core.LiquidityWide {
		t.Errorf("classification = %s, want %s", got.Classification, core.LiquidityWide)
	}
}

func TestAssessInsufficientSize(t *testing.T) {
	a := NewAssessor(testParams(), &mockLogger{})

	got := a.Assess(quote("ACME", "20.00", "20.10", 50, 500))

	if got.Classification != core.LiquidityInsufficient {
		t.Errorf("classification = %s, want %s", got.Classification, core.LiquidityInsufficient)
	}
	if got.AllowCrossSpread {
		t.Error("cross-spread must be disabled when displayed size is insufficient")
	}
}

func TestAssessLowLiquidityOverride(t *testing.T) {
	a := NewAssessor(testParams(), &mockLogger{})

	// 50 shares displayed fails the default 100-share floor but passes the
	// relaxed floor for symbols on the low-liquidity list.
	insufficient := a.Assess(quote("ACME", "20.00", "20.10", 50, 50))
	if insufficient.Classification != core.LiquidityInsufficient {
		t.Errorf("ACME classification = %s, want %s", insufficient.Classification, core.LiquidityInsufficient)
	}

	relaxed := a.Assess(quote("THIN", "20.00", "20.10", 50, 50))
	if relaxed.Classification == core.LiquidityInsufficient {
		t.Errorf("THIN should use the relaxed size floor, got %s", relaxed.Classification)
	}
}

func TestVolumeImbalance(t *testing.T) {
	a := NewAssessor(testParams(), &mockLogger{})

	got := a.Assess(quote("ACME", "20.00", "20.10", 300, 100))
	if !got.VolumeImbalance.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("imbalance = %s, want 0.5", got.VolumeImbalance)
	}
}
