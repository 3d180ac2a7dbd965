// Package coordinator runs rebalance plans through their settlement
// phases: every sell must reach a terminal state before the failure gate
// is evaluated, and only a passed gate releases the buys.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"rebalancer/pkg/concurrency"
	"rebalancer/pkg/retry"
	"rebalancer/pkg/telemetry"

	"rebalancer/internal/core"
	"rebalancer/internal/settlement"
)

// Executor runs one order to its terminal result.
type Executor interface {
	Execute(ctx context.Context, order *core.Order) *core.ExecutionResult
}

// Options are the settlement knobs the coordinator enforces.
type Options struct {
	SellFailureThresholdUSD decimal.Decimal
	MaxSellRetries          int
	SellRetryDelay          time.Duration
}

// Coordinator fans a plan's orders out over the worker pool and drives the
// SELLING → GATE_EVALUATING → {BUYING|BLOCKED} → COMPLETE lifecycle.
type Coordinator struct {
	executor    Executor
	tracker     *settlement.Tracker
	pool        *concurrency.WorkerPool
	retries     *RetryScheduler
	results     core.IResultStore
	alerts      core.IAlertSink
	opts        Options
	logger      core.ILogger
	metrics     *telemetry.MetricsHolder
	storePolicy retry.RetryPolicy
}

func New(
	executor Executor,
	tracker *settlement.Tracker,
	pool *concurrency.WorkerPool,
	results core.IResultStore,
	alerts core.IAlertSink,
	opts Options,
	logger core.ILogger,
	metrics *telemetry.MetricsHolder,
) *Coordinator {
	if metrics == nil {
		metrics = telemetry.GetGlobalMetrics()
	}
	return &Coordinator{
		executor: executor,
		tracker:  tracker,
		pool:     pool,
		retries:  NewRetryScheduler(opts.SellRetryDelay),
		results:  results,
		alerts:   alerts,
		opts:     opts,
		logger:   logger.WithField("component", "coordinator"),
		metrics:  metrics,
		storePolicy: retry.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
	}
}

// storeOp runs a settlement-store operation with bounded retries. A
// persistent failure is the caller's signal to fail the plan closed.
func (c *Coordinator) storeOp(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, c.storePolicy, func(error) bool { return true }, fn)
}

// Stop drains pending sell retries. In-flight orders finish through the
// worker pool's own shutdown.
func (c *Coordinator) Stop() {
	c.retries.Stop()
}

// planRun is the in-memory bookkeeping for one executing plan.
type planRun struct {
	plan *core.RebalancePlan
	log  core.ILogger

	mu      sync.Mutex
	results []*core.ExecutionResult

	buysRemaining int
	done          chan struct{}

	closeOnce sync.Once
	outcome   core.PlanPhase // authoritative when the store is unreadable
}

func (pr *planRun) record(res *core.ExecutionResult) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.results = append(pr.results, res)
}

// finish resolves the plan exactly once. Only the winning caller's cleanup
// runs, so blocked-buy synthesis and alerts never double up when two
// settlers race to the same terminal outcome.
func (pr *planRun) finish(outcome core.PlanPhase, cleanup func()) {
	pr.closeOnce.Do(func() {
		pr.outcome = outcome
		if cleanup != nil {
			cleanup()
		}
		close(pr.done)
	})
}

// ExecutePlan runs the plan to completion and returns its settlement
// summary. It blocks until every order is terminal or the context ends.
func (c *Coordinator) ExecutePlan(ctx context.Context, plan *core.RebalancePlan) (*core.PlanSummary, error) {
	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	log := c.logger.WithFields(map[string]interface{}{
		"plan_id":        plan.PlanID,
		"correlation_id": plan.CorrelationID,
	})
	log.Info("executing plan",
		"sells", len(plan.SellItems),
		"buys", len(plan.BuyItems),
	)

	if err := c.tracker.Begin(ctx, plan.PlanID, len(plan.SellItems)); err != nil {
		return nil, fmt.Errorf("failed to arm settlement latch: %w", err)
	}
	c.metrics.PlanStarted()
	defer c.metrics.PlanFinished(plan.PlanID)

	pr := &planRun{
		plan:          plan,
		log:           log,
		buysRemaining: len(plan.BuyItems),
		done:          make(chan struct{}),
	}

	if len(plan.SellItems) == 0 {
		// Nothing to settle; the gate trivially passes.
		c.evaluateGate(ctx, pr)
	} else {
		for _, item := range plan.SellItems {
			item := item
			if err := c.pool.Submit(func() { c.runSell(ctx, pr, item, 0) }); err != nil {
				log.Error("sell submission failed", "symbol", item.Symbol, "error", err)
				c.settleSell(ctx, pr, c.rejectedResult(pr, item, core.SideSell, err))
			}
		}
	}

	select {
	case <-pr.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.summarize(ctx, pr), nil
}

// runSell executes one sell leg; failures short of the retry budget are
// rescheduled rather than settled.
func (c *Coordinator) runSell(ctx context.Context, pr *planRun, item core.PlanItem, attempt int) {
	res := c.executor.Execute(ctx, c.newOrder(pr, item, core.SideSell))

	if res.Status == core.StatusFailed && res.ErrorKind != core.ErrKindNotionalTooSmall {
		if attempt < c.opts.MaxSellRetries {
			c.count(c.metrics.SellRetriesTotal, ctx, attribute.String("symbol", item.Symbol))
			pr.log.Warn("sell failed, scheduling retry",
				"symbol", item.Symbol,
				"attempt", attempt+1,
				"kind", string(res.ErrorKind),
			)
			scheduled := c.retries.Schedule(func() {
				if err := c.pool.Submit(func() { c.runSell(ctx, pr, item, attempt+1) }); err != nil {
					c.settleSell(ctx, pr, res)
				}
			})
			if scheduled {
				return
			}
		}
		res.ErrorKind = core.ErrKindSellRetryExhausted
	}

	c.settleSell(ctx, pr, res)
}

// settleSell counts one terminal sell against the latch. Anything short of
// a full fill, other than a dropped sub-minimum crumb, adds its unfilled
// remainder (valued at the anchor) to the plan's failed-sell total.
func (c *Coordinator) settleSell(ctx context.Context, pr *planRun, res *core.ExecutionResult) {
	res.PlanID = pr.plan.PlanID
	pr.record(res)
	c.saveResult(ctx, res)

	if res.Status != core.StatusFilled && res.ErrorKind != core.ErrKindNotionalTooSmall {
		shortfall := res.Quantity.Sub(res.FilledQuantity).Mul(res.AnchorPrice)
		if res.AnchorPrice.IsZero() {
			pr.log.Warn("failed sell has no anchor price, valued at zero",
				"order_id", res.OrderID,
				"symbol", res.Symbol,
			)
		}
		var total decimal.Decimal
		if err := c.storeOp(ctx, func() error {
			var err error
			total, err = c.tracker.AddFailedSellValue(ctx, pr.plan.PlanID, shortfall)
			return err
		}); err != nil {
			c.failPlan(ctx, pr, fmt.Errorf("failed-value accumulate: %w", err))
			return
		}
		pr.log.Warn("sell settled short",
			"order_id", res.OrderID,
			"symbol", res.Symbol,
			"status", string(res.Status),
			"failed_value", shortfall.StringFixed(2),
			"plan_failed_total", total.StringFixed(2),
		)
	}

	if err := c.storeOp(ctx, func() error {
		return c.tracker.RecordSellProceeds(ctx, pr.plan.PlanID, res.FilledValue())
	}); err != nil {
		c.failPlan(ctx, pr, fmt.Errorf("proceeds accumulate: %w", err))
		return
	}

	var last bool
	if err := c.storeOp(ctx, func() error {
		var err error
		last, err = c.tracker.SellSettled(ctx, pr.plan.PlanID)
		return err
	}); err != nil {
		c.failPlan(ctx, pr, fmt.Errorf("latch decrement: %w", err))
		return
	}
	if last {
		c.evaluateGate(ctx, pr)
	}
}

// evaluateGate runs once per plan: the CAS out of SELLING guarantees it
// even if two settlers race the zero crossing.
func (c *Coordinator) evaluateGate(ctx context.Context, pr *planRun) {
	var won bool
	if err := c.storeOp(ctx, func() error {
		var err error
		won, err = c.tracker.TransitionPhase(ctx, pr.plan.PlanID, core.PhaseSelling, core.PhaseGateEvaluating)
		return err
	}); err != nil {
		c.failPlan(ctx, pr, fmt.Errorf("gate transition: %w", err))
		return
	}
	if !won {
		return
	}

	var failed decimal.Decimal
	if err := c.storeOp(ctx, func() error {
		var err error
		failed, err = c.tracker.FailedSellValue(ctx, pr.plan.PlanID)
		return err
	}); err != nil {
		c.failPlan(ctx, pr, fmt.Errorf("failed-value read: %w", err))
		return
	}

	// The threshold is inclusive: a plan exactly at the limit proceeds.
	if failed.GreaterThan(c.opts.SellFailureThresholdUSD) {
		c.blockPlan(ctx, pr, failed)
		return
	}

	if err := c.storeOp(ctx, func() error {
		_, err := c.tracker.TransitionPhase(ctx, pr.plan.PlanID, core.PhaseGateEvaluating, core.PhaseBuying)
		return err
	}); err != nil {
		c.failPlan(ctx, pr, fmt.Errorf("buy-phase transition: %w", err))
		return
	}
	c.count(c.metrics.GateOutcomesTotal, ctx, attribute.String("outcome", "released"))
	pr.log.Info("gate passed, releasing buys",
		"failed_sell_value", failed.StringFixed(2),
		"threshold", c.opts.SellFailureThresholdUSD.StringFixed(2),
		"buys", len(pr.plan.BuyItems),
	)

	if len(pr.plan.BuyItems) == 0 {
		c.completePlan(ctx, pr)
		return
	}
	for _, item := range pr.plan.BuyItems {
		item := item
		if err := c.pool.Submit(func() { c.runBuy(ctx, pr, item) }); err != nil {
			pr.log.Error("buy submission failed", "symbol", item.Symbol, "error", err)
			c.finishBuy(ctx, pr, c.rejectedResult(pr, item, core.SideBuy, err))
		}
	}
}

// blockPlan halts the plan without releasing a single buy and raises the
// operator alert.
func (c *Coordinator) blockPlan(ctx context.Context, pr *planRun, failed decimal.Decimal) {
	if err := c.storeOp(ctx, func() error {
		_, err := c.tracker.TransitionPhase(ctx, pr.plan.PlanID, core.PhaseGateEvaluating, core.PhaseBlocked)
		return err
	}); err != nil {
		pr.log.Error("block transition failed", "error", err)
	}
	c.count(c.metrics.GateOutcomesTotal, ctx, attribute.String("outcome", "blocked"))
	pr.log.Error("plan blocked: failed sell value over threshold",
		"failed_sell_value", failed.StringFixed(2),
		"threshold", c.opts.SellFailureThresholdUSD.StringFixed(2),
	)

	pr.finish(core.PhaseBlocked, func() {
		c.withholdBuys(ctx, pr, "buys withheld: failed sell value exceeded threshold")
		if c.alerts != nil {
			c.alerts.Alert(ctx, "Rebalance plan blocked",
				"Failed sell value exceeded the release threshold; buys withheld.",
				map[string]string{
					"plan_id":           pr.plan.PlanID,
					"correlation_id":    pr.plan.CorrelationID,
					"failed_sell_value": failed.StringFixed(2),
					"threshold":         c.opts.SellFailureThresholdUSD.StringFixed(2),
					"buys_withheld":     fmt.Sprintf("%d", len(pr.plan.BuyItems)),
				})
		}
	})
}

// failPlan fails closed when the settlement store cannot be read or
// advanced even after retries: no buy is released against an unknown
// liquidation state, and the plan finishes so callers see the outcome
// instead of hanging in GATE_EVALUATING.
func (c *Coordinator) failPlan(ctx context.Context, pr *planRun, cause error) {
	pr.log.Error("settlement store unusable, failing plan closed", "error", cause)

	// Best effort: the store may be the very thing that is down.
	_, _ = c.tracker.TransitionPhase(ctx, pr.plan.PlanID, core.PhaseSelling, core.PhaseGateEvaluating)
	if _, err := c.tracker.TransitionPhase(ctx, pr.plan.PlanID, core.PhaseGateEvaluating, core.PhaseBlocked); err != nil {
		pr.log.Error("block transition failed", "error", err)
	}
	c.count(c.metrics.GateOutcomesTotal, ctx, attribute.String("outcome", "store_error"))

	pr.finish(core.PhaseBlocked, func() {
		c.withholdBuys(ctx, pr, "buys withheld: settlement store failure: "+cause.Error())
		if c.alerts != nil {
			c.alerts.Alert(ctx, "Rebalance plan failed closed",
				"The settlement store could not be read or advanced; buys withheld.",
				map[string]string{
					"plan_id":        pr.plan.PlanID,
					"correlation_id": pr.plan.CorrelationID,
					"error":          cause.Error(),
					"buys_withheld":  fmt.Sprintf("%d", len(pr.plan.BuyItems)),
				})
		}
	})
}

// withholdBuys synthesizes terminal results for buys that will never run,
// so reporting sees the whole plan.
func (c *Coordinator) withholdBuys(ctx context.Context, pr *planRun, message string) {
	for _, item := range pr.plan.BuyItems {
		res := &core.ExecutionResult{
			OrderID:       uuid.NewString(),
			CorrelationID: pr.plan.CorrelationID,
			PlanID:        pr.plan.PlanID,
			Symbol:        item.Symbol,
			Side:          core.SideBuy,
			Quantity:      item.Quantity,
			Status:        core.StatusFailed,
			ErrorKind:     core.ErrKindGateBlocked,
			ErrorMessage:  message,
			CompletedAt:   time.Now(),
		}
		pr.record(res)
		c.saveResult(ctx, res)
	}
}

func (c *Coordinator) runBuy(ctx context.Context, pr *planRun, item core.PlanItem) {
	res := c.executor.Execute(ctx, c.newOrder(pr, item, core.SideBuy))
	c.finishBuy(ctx, pr, res)
}

func (c *Coordinator) finishBuy(ctx context.Context, pr *planRun, res *core.ExecutionResult) {
	res.PlanID = pr.plan.PlanID
	pr.record(res)
	c.saveResult(ctx, res)

	if err := c.tracker.BuyFilled(ctx, pr.plan.PlanID, res.FilledValue()); err != nil {
		pr.log.Error("buy value accumulate failed", "order_id", res.OrderID, "error", err)
	}

	pr.mu.Lock()
	pr.buysRemaining--
	lastBuy := pr.buysRemaining == 0
	pr.mu.Unlock()
	if lastBuy {
		c.completePlan(ctx, pr)
	}
}

func (c *Coordinator) completePlan(ctx context.Context, pr *planRun) {
	if err := c.storeOp(ctx, func() error {
		_, err := c.tracker.TransitionPhase(ctx, pr.plan.PlanID, core.PhaseBuying, core.PhaseComplete)
		return err
	}); err != nil {
		pr.log.Error("complete transition failed", "error", err)
	}
	pr.finish(core.PhaseComplete, nil)
}

// summarize never fails: when the store is unreadable the plan's resolved
// outcome stands in for the stored phase and the dollar totals report zero.
func (c *Coordinator) summarize(ctx context.Context, pr *planRun) *core.PlanSummary {
	phase, err := c.tracker.Phase(ctx, pr.plan.PlanID)
	if err != nil {
		pr.log.Warn("phase read failed, reporting resolved outcome", "error", err)
		phase = pr.outcome
	}
	filled, err := c.tracker.FilledValue(ctx, pr.plan.PlanID)
	if err != nil {
		pr.log.Warn("filled-value read failed", "error", err)
		filled = decimal.Zero
	}
	failed, err := c.tracker.FailedSellValue(ctx, pr.plan.PlanID)
	if err != nil {
		pr.log.Warn("failed-value read failed", "error", err)
		failed = decimal.Zero
	}

	if c.metrics.SettledValueTotal != nil {
		f, _ := filled.Float64()
		c.metrics.SettledValueTotal.Add(ctx, f)
	}

	pr.mu.Lock()
	results := make([]*core.ExecutionResult, len(pr.results))
	copy(results, pr.results)
	pr.mu.Unlock()

	summary := &core.PlanSummary{
		PlanID:          pr.plan.PlanID,
		CorrelationID:   pr.plan.CorrelationID,
		Phase:           phase,
		FilledValue:     filled,
		FailedSellValue: failed,
		ThresholdUSD:    c.opts.SellFailureThresholdUSD,
		Results:         results,
		CompletedAt:     time.Now(),
	}
	if c.results != nil {
		if err := c.results.SavePlanSummary(ctx, summary); err != nil {
			pr.log.Error("summary archive failed", "error", err)
		}
	}
	pr.log.Info("plan finished",
		"phase", string(phase),
		"filled_value", filled.StringFixed(2),
		"failed_sell_value", failed.StringFixed(2),
	)
	return summary
}

func (c *Coordinator) newOrder(pr *planRun, item core.PlanItem, side core.OrderSide) *core.Order {
	return &core.Order{
		OrderID:           uuid.NewString(),
		CorrelationID:     pr.plan.CorrelationID,
		Symbol:            item.Symbol,
		Side:              side,
		RequestedQuantity: item.Quantity,
		Status:            core.StatusInitiated,
	}
}

func (c *Coordinator) rejectedResult(pr *planRun, item core.PlanItem, side core.OrderSide, err error) *core.ExecutionResult {
	return &core.ExecutionResult{
		OrderID:       uuid.NewString(),
		CorrelationID: pr.plan.CorrelationID,
		PlanID:        pr.plan.PlanID,
		Symbol:        item.Symbol,
		Side:          side,
		Quantity:      item.Quantity,
		Status:        core.StatusFailed,
		ErrorKind:     core.ErrKindPlacementRejected,
		ErrorMessage:  err.Error(),
		CompletedAt:   time.Now(),
	}
}

func (c *Coordinator) saveResult(ctx context.Context, res *core.ExecutionResult) {
	if c.results == nil {
		return
	}
	if err := c.results.SaveResult(ctx, res); err != nil {
		c.logger.Error("result archive failed", "order_id", res.OrderID, "error", err)
	}
}

func (c *Coordinator) count(counter metric.Int64Counter, ctx context.Context, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
