// Package liquidity grades quotes before any order is priced against them.
package liquidity

import (
	"github.com/shopspring/decimal"

	"rebalancer/internal/config"
	"rebalancer/internal/core"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Assessor classifies a quote's tradeability and derives the anchor price
// the pricer works from. It is stateless; every assessment is a pure
// function of one quote plus the execution parameters.
type Assessor struct {
	params config.ExecutionParams
	logger core.ILogger
}

func NewAssessor(params config.ExecutionParams, logger core.ILogger) *Assessor {
	return &Assessor{
		params: params,
		logger: logger.WithField("component", "liquidity_assessor"),
	}
}

// Assess grades one quote. The anchor price is the bid/ask midpoint; the
// classification drives whether the order may walk the spread or must go
// straight to the market fallback.
func (a *Assessor) Assess(quote *core.Quote) *core.LiquidityAssessment {
	anchor := quote.Mid()

	spreadPct := decimal.Zero
	if anchor.IsPositive() {
		spreadPct = quote.Spread().Div(anchor).Mul(hundred)
	}

	minSize := a.params.MinBidAskSizeHighLiq
	if a.params.IsLowLiquidity(quote.Symbol) {
		minSize = a.params.MinBidAskSize
	}

	assessment := &core.LiquidityAssessment{
		AnchorPrice:      anchor,
		SpreadPercent:    spreadPct,
		VolumeImbalance:  volumeImbalance(quote.BidSize, quote.AskSize),
		AllowCrossSpread: a.params.AllowCrossSpreadOnRepeg,
	}

	switch {
	case quote.BidSize.LessThan(minSize) || quote.AskSize.LessThan(minSize):
		assessment.Classification = core.LiquidityInsufficient
		// Never cross a spread nobody is quoting size into.
		assessment.AllowCrossSpread = false
	case spreadPct.GreaterThan(a.params.MaxSpreadPercent):
		assessment.Classification = core.LiquidityWide
	case spreadPct.LessThanOrEqual(a.params.MaxSpreadPercent.Div(two)):
		assessment.Classification = core.LiquidityTight
	default:
		assessment.Classification = core.LiquidityNormal
	}

	a.logger.Debug("assessed quote",
		"symbol", quote.Symbol,
		"anchor", anchor.String(),
		"spread_pct", spreadPct.StringFixed(4),
		"class", string(assessment.Classification),
	)

	return assessment
}

// volumeImbalance returns (bid-ask)/(bid+ask) in [-1, 1]; positive means
// heavier bid side.
func volumeImbalance(bidSize, askSize decimal.Decimal) decimal.Decimal {
	total := bidSize.Add(askSize)
	if total.IsZero() {
		return decimal.Zero
	}
	return bidSize.Sub(askSize).Div(total)
}
