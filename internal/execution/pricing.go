package execution

import (
	"github.com/shopspring/decimal"

	"rebalancer/internal/config"
	"rebalancer/internal/core"
)

var two = decimal.NewFromInt(2)

// Pricer computes the limit-price ladder for one side of the book. Prices
// only ever move toward the opposing side: up for buys, down for sells.
type Pricer struct {
	params config.ExecutionParams
}

func NewPricer(params config.ExecutionParams) *Pricer {
	return &Pricer{params: params}
}

// InitialLimit is the passive opening price: the anchor (bid/ask midpoint)
// from the liquidity assessment, rounded to the cent toward the near side.
func (p *Pricer) InitialLimit(side core.OrderSide, anchor decimal.Decimal) decimal.Decimal {
	if side == core.SideBuy {
		return anchor.RoundFloor(2)
	}
	return anchor.RoundCeil(2)
}

// RepegStep is the per-repeg price improvement: a fraction of the half
// spread, floored at the configured minimum so repegs on tight books still
// make progress.
func (p *Pricer) RepegStep(quote *core.Quote) decimal.Decimal {
	halfSpread := quote.Spread().Div(two)
	step := halfSpread.Mul(p.params.RepegStepFraction).Round(2)
	if step.LessThan(p.params.RepegMinImprovement) {
		step = p.params.RepegMinImprovement
	}
	return step
}

// Repeg returns the next rung of the ladder: the previous price improved by
// one step toward the opposing side. When crossing is not allowed the price
// is capped at the near touch so the order stays passive.
func (p *Pricer) Repeg(side core.OrderSide, prev decimal.Decimal, quote *core.Quote, allowCross bool) decimal.Decimal {
	step := p.RepegStep(quote)

	if side == core.SideBuy {
		next := prev.Add(step)
		if !allowCross && next.GreaterThan(quote.Ask) {
			next = quote.Ask
		}
		return next
	}

	next := prev.Sub(step)
	if !allowCross && next.LessThan(quote.Bid) {
		next = quote.Bid
	}
	return next
}

// CrossingLimit is the marketable limit used by the final fallback: just
// through the far touch, offset by the configured anchor offsets so a
// one-tick move between quote and placement does not leave the order
// resting.
func (p *Pricer) CrossingLimit(side core.OrderSide, quote *core.Quote) decimal.Decimal {
	if side == core.SideBuy {
		return quote.Ask.Add(p.params.AskAnchorOffset)
	}
	return quote.Bid.Sub(p.params.BidAnchorOffset)
}

// Reanchor reports whether the market has drifted far enough from the
// original anchor that the ladder should restart from a fresh midpoint.
func (p *Pricer) Reanchor(anchor decimal.Decimal, quote *core.Quote) bool {
	if anchor.IsZero() {
		return false
	}
	driftPct := quote.Mid().Sub(anchor).Abs().Div(anchor).Mul(decimal.NewFromInt(100))
	return driftPct.GreaterThan(p.params.RepegThresholdPercent)
}
