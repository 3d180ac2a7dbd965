package settlement

import (
	"context"

	"github.com/shopspring/decimal"

	"rebalancer/pkg/telemetry"

	"rebalancer/internal/core"
)

var centsPerDollar = decimal.NewFromInt(100)

// Tracker is the coordinator's view of a plan's latch: dollar-decimal in,
// integer cents down in the store. It never decides anything; it only
// counts, so the gate decision stays in one place.
type Tracker struct {
	store   core.ISettlementStore
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

func NewTracker(store core.ISettlementStore, logger core.ILogger, metrics *telemetry.MetricsHolder) *Tracker {
	if metrics == nil {
		metrics = telemetry.GetGlobalMetrics()
	}
	return &Tracker{
		store:   store,
		logger:  logger.WithField("component", "settlement_tracker"),
		metrics: metrics,
	}
}

// Begin arms the latch with the number of sells that must settle before
// the gate can be evaluated.
func (t *Tracker) Begin(ctx context.Context, planID string, sellCount int) error {
	if err := t.store.InitPlan(ctx, planID, int64(sellCount)); err != nil {
		return err
	}
	t.metrics.SetOutstandingSells(planID, int64(sellCount))
	return nil
}

// RecordSellProceeds adds a settled sell's filled value to the plan total.
// Kept separate from the latch decrement so callers can retry either step
// without double-counting the other.
func (t *Tracker) RecordSellProceeds(ctx context.Context, planID string, filledValue decimal.Decimal) error {
	if !filledValue.IsPositive() {
		return nil
	}
	return t.store.AddFilledValue(ctx, planID, toCents(filledValue))
}

// SellSettled counts the latch down for one terminal sell. It reports true
// to exactly one caller per plan: the one that observed the counter hit
// zero.
func (t *Tracker) SellSettled(ctx context.Context, planID string) (last bool, err error) {
	remaining, err := t.store.DecrementOutstandingSells(ctx, planID)
	if err != nil {
		return false, err
	}
	t.metrics.SetOutstandingSells(planID, remaining)
	t.logger.Debug("sell settled", "plan_id", planID, "remaining", remaining)
	return remaining == 0, nil
}

// BuyFilled adds a buy's filled value to the plan total.
func (t *Tracker) BuyFilled(ctx context.Context, planID string, filledValue decimal.Decimal) error {
	if !filledValue.IsPositive() {
		return nil
	}
	return t.store.AddFilledValue(ctx, planID, toCents(filledValue))
}

// AddFailedSellValue accumulates the dollar value of an unrecoverable sell
// and returns the running plan total.
func (t *Tracker) AddFailedSellValue(ctx context.Context, planID string, value decimal.Decimal) (decimal.Decimal, error) {
	total, err := t.store.AddFailedSellValue(ctx, planID, toCents(value))
	if err != nil {
		return decimal.Zero, err
	}
	return fromCents(total), nil
}

func (t *Tracker) FilledValue(ctx context.Context, planID string) (decimal.Decimal, error) {
	cents, err := t.store.GetFilledValue(ctx, planID)
	if err != nil {
		return decimal.Zero, err
	}
	return fromCents(cents), nil
}

func (t *Tracker) FailedSellValue(ctx context.Context, planID string) (decimal.Decimal, error) {
	cents, err := t.store.GetFailedSellValue(ctx, planID)
	if err != nil {
		return decimal.Zero, err
	}
	return fromCents(cents), nil
}

func (t *Tracker) Phase(ctx context.Context, planID string) (core.PlanPhase, error) {
	return t.store.GetPhase(ctx, planID)
}

// TransitionPhase is a compare-and-set on the plan phase; only the caller
// that wins the swap may act on the transition.
func (t *Tracker) TransitionPhase(ctx context.Context, planID string, from, to core.PlanPhase) (bool, error) {
	won, err := t.store.CompareAndSetPhase(ctx, planID, from, to)
	if err != nil {
		return false, err
	}
	if won {
		t.logger.Info("plan phase transition",
			"plan_id", planID,
			"from", string(from),
			"to", string(to),
		)
	}
	return won, nil
}

// toCents rounds half away from zero at the cent boundary.
func toCents(d decimal.Decimal) int64 {
	return d.Mul(centsPerDollar).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.NewFromInt(c).Div(centsPerDollar)
}
