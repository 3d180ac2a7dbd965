// Package execution drives a single order from intent to terminal result:
// a passive limit at the anchor, a bounded re-peg ladder toward the far
// touch, and a marketable fallback when the ladder is exhausted.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/telemetry"

	"rebalancer/internal/config"
	"rebalancer/internal/core"
	"rebalancer/internal/liquidity"
)

// Machine executes orders one at a time; a Machine instance is safe for
// concurrent use because all per-order state lives in the Order itself.
type Machine struct {
	broker   core.IBroker
	fills    core.IFillWaiter
	assessor *liquidity.Assessor
	pricer   *Pricer
	params   config.ExecutionParams
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

func NewMachine(
	broker core.IBroker,
	fills core.IFillWaiter,
	assessor *liquidity.Assessor,
	params config.ExecutionParams,
	logger core.ILogger,
	metrics *telemetry.MetricsHolder,
) *Machine {
	if metrics == nil {
		metrics = telemetry.GetGlobalMetrics()
	}
	return &Machine{
		broker:   broker,
		fills:    fills,
		assessor: assessor,
		pricer:   NewPricer(params),
		params:   params,
		logger:   logger.WithField("component", "execution_machine"),
		metrics:  metrics,
	}
}

// run carries the mutable state of one execution.
type run struct {
	order      *core.Order
	quote      *core.Quote
	assessment *core.LiquidityAssessment

	filledQty   decimal.Decimal
	filledValue decimal.Decimal // Σ qty×price across child orders
	startedAt   time.Time
}

func (r *run) recordFill(qty, price decimal.Decimal) {
	if qty.IsPositive() {
		r.filledQty = r.filledQty.Add(qty)
		r.filledValue = r.filledValue.Add(qty.Mul(price))
	}
}

func (r *run) avgPrice() decimal.Decimal {
	if r.filledQty.IsZero() {
		return decimal.Zero
	}
	return r.filledValue.Div(r.filledQty).Round(4)
}

func (r *run) remaining() decimal.Decimal {
	return r.order.RequestedQuantity.Sub(r.filledQty)
}

// Execute runs one order to completion. It always returns a terminal
// result; errors along the way are folded into the result's error kind.
func (m *Machine) Execute(ctx context.Context, order *core.Order) *core.ExecutionResult {
	log := m.logger.WithFields(map[string]interface{}{
		"order_id": order.OrderID,
		"symbol":   order.Symbol,
		"side":     string(order.Side),
	})

	r := &run{order: order, startedAt: time.Now()}

	order.Status = core.StatusQuotePending
	quote, err := m.freshQuote(ctx, order.Symbol)
	if err != nil {
		log.Warn("no fresh quote within wait bound", "error", err)
		return m.finish(r, core.StatusFailed, core.ErrKindStaleQuote, err.Error())
	}
	r.quote = quote
	r.assessment = m.assessor.Assess(quote)
	order.AnchorPrice = r.assessment.AnchorPrice

	// The placement budget starts once market data is in hand; the quote
	// wait has its own bound (MaxWaitTime).
	ctx, cancel := context.WithTimeout(ctx, m.params.OrderPlacementTimeout)
	defer cancel()

	// Fractional crumbs below the brokerage minimum are dropped, not sent.
	notional := order.RequestedQuantity.Mul(order.AnchorPrice)
	if notional.LessThan(m.params.MinFractionalNotional) {
		log.Info("notional below brokerage minimum, skipping",
			"notional", notional.StringFixed(2))
		return m.finish(r, core.StatusFailed, core.ErrKindNotionalTooSmall,
			fmt.Sprintf("notional %s below minimum %s", notional.StringFixed(2), m.params.MinFractionalNotional.StringFixed(2)))
	}

	if r.assessment.Classification == core.LiquidityInsufficient {
		log.Warn("displayed size insufficient, skipping limit ladder")
		return m.fallback(ctx, log, r)
	}

	return m.limitLadder(ctx, log, r)
}

// limitLadder places the passive limit and walks it toward the far touch,
// cancel-and-resubmit, up to MaxRepegsPerOrder times.
func (m *Machine) limitLadder(ctx context.Context, log core.ILogger, r *run) *core.ExecutionResult {
	order := r.order
	price := m.pricer.InitialLimit(order.Side, order.AnchorPrice)
	order.StrategyTag = "limit-initial"

	for {
		order.CurrentLimitPrice = price

		bo, err := m.placeLimit(ctx, r, price)
		if err != nil {
			if r.filledQty.IsPositive() {
				return m.finish(r, core.StatusPartiallyFilled, core.ErrKindPlacementRejected, err.Error())
			}
			return m.finish(r, core.StatusFailed, core.ErrKindPlacementRejected, err.Error())
		}
		order.Status = core.StatusPlaced
		log.Info("limit order placed",
			"broker_order_id", bo.BrokerOrderID,
			"limit_price", price.String(),
			"strategy", order.StrategyTag,
		)

		final, waitErr := m.fills.Await(ctx, order.Symbol, bo.BrokerOrderID, m.params.FillWait)
		if final != nil && final.Status == core.BrokerOrderFilled {
			r.recordFill(final.FilledQuantity, fillPrice(final, price))
			return m.finish(r, core.StatusFilled, core.ErrKindNone, "")
		}

		// Not done in time: pull the order and take whatever filled.
		settled := m.cancelAndSettle(ctx, log, order.Symbol, bo.BrokerOrderID)
		if settled != nil {
			r.recordFill(settled.FilledQuantity, fillPrice(settled, price))
			if settled.Status == core.BrokerOrderFilled || !r.remaining().IsPositive() {
				return m.finish(r, core.StatusFilled, core.ErrKindNone, "")
			}
			if settled.Status == core.BrokerOrderRejected {
				return m.failOrPartial(r, core.ErrKindPlacementRejected, "order rejected by brokerage")
			}
		}

		if ctx.Err() != nil {
			return m.failOrPartial(r, core.ErrKindTimedOut, "placement deadline exceeded")
		}
		if waitErr != nil && !errors.Is(waitErr, apperrors.ErrFillWaitTimeout) {
			log.Warn("fill wait aborted", "error", waitErr)
		}

		if order.RepegCount >= m.params.MaxRepegsPerOrder {
			if r.filledQty.IsPositive() {
				// A resting partial at the end of the ladder settles as-is
				// rather than chasing the remainder through the spread.
				return m.finish(r, core.StatusPartiallyFilled, core.ErrKindNone, "")
			}
			return m.fallback(ctx, log, r)
		}

		price = m.nextRung(ctx, log, r, price)
		order.RepegCount++
		order.Status = core.StatusRepegPending
		order.StrategyTag = fmt.Sprintf("limit-repeg-%d", order.RepegCount)
		m.count(m.metrics.RepegsTotal, ctx, attribute.String("symbol", order.Symbol))
		log.Info("repegging",
			"repeg", order.RepegCount,
			"new_price", price.String(),
		)
	}
}

// nextRung refreshes the quote and computes the next ladder price. If the
// midpoint drifted past the re-peg threshold the ladder restarts from the
// new anchor instead of improving the stale one.
func (m *Machine) nextRung(ctx context.Context, log core.ILogger, r *run, prev decimal.Decimal) decimal.Decimal {
	if q, err := m.broker.GetQuote(ctx, r.order.Symbol); err == nil && q.Fresh(time.Now(), m.params.QuoteFreshness) {
		if m.pricer.Reanchor(r.order.AnchorPrice, q) {
			r.quote = q
			r.assessment = m.assessor.Assess(q)
			r.order.AnchorPrice = r.assessment.AnchorPrice
			log.Info("market drifted, re-anchoring ladder",
				"new_anchor", r.order.AnchorPrice.String())
			base := m.pricer.InitialLimit(r.order.Side, r.order.AnchorPrice)
			return m.pricer.Repeg(r.order.Side, base, q, r.assessment.AllowCrossSpread)
		}
		r.quote = q
	}
	return m.pricer.Repeg(r.order.Side, prev, r.quote, r.assessment.AllowCrossSpread)
}

// fallback is the end of the ladder: a marketable crossing limit first
// when crossing is allowed, then an unconditional market order for
// whatever remains. The market order is the terminal placement.
func (m *Machine) fallback(ctx context.Context, log core.ILogger, r *run) *core.ExecutionResult {
	order := r.order
	order.Status = core.StatusMarketFallback
	order.StrategyTag = "market-fallback"
	m.count(m.metrics.MarketFallbacksTotal, ctx, attribute.String("symbol", order.Symbol))

	if q, err := m.broker.GetQuote(ctx, order.Symbol); err == nil {
		r.quote = q
	}

	if r.assessment.AllowCrossSpread {
		ref := m.pricer.CrossingLimit(order.Side, r.quote)
		order.CurrentLimitPrice = ref
		if bo, err := m.placeLimit(ctx, r, ref); err != nil {
			log.Warn("crossing limit rejected, going to market", "error", err)
		} else {
			log.Info("crossing limit placed",
				"broker_order_id", bo.BrokerOrderID,
				"limit_price", ref.String(),
			)
			m.settleFallback(ctx, log, r, bo, ref)
			if !r.remaining().IsPositive() {
				return m.finish(r, core.StatusFilled, core.ErrKindNone, "")
			}
		}
	}

	bo, err := m.placeMarket(ctx, r)
	if err != nil {
		kind := core.ErrKindPlacementRejected
		if r.assessment.Classification == core.LiquidityInsufficient {
			kind = core.ErrKindInsufficientLiquidity
		}
		return m.failOrPartial(r, kind, err.Error())
	}
	log.Info("market order placed", "broker_order_id", bo.BrokerOrderID)
	m.settleFallback(ctx, log, r, bo, r.quote.Mid())

	switch {
	case !r.remaining().IsPositive():
		return m.finish(r, core.StatusFilled, core.ErrKindNone, "")
	case r.filledQty.IsPositive():
		return m.finish(r, core.StatusPartiallyFilled, core.ErrKindNone, "")
	case r.assessment.Classification == core.LiquidityInsufficient:
		return m.finish(r, core.StatusFailed, core.ErrKindInsufficientLiquidity, "no displayed size to trade against")
	default:
		return m.finish(r, core.StatusFailed, core.ErrKindTimedOut, "fallback order did not fill")
	}
}

// settleFallback waits on one fallback placement and records whatever
// filled, cancelling the remainder if the broker still has it working.
func (m *Machine) settleFallback(ctx context.Context, log core.ILogger, r *run, bo *core.BrokerOrder, ref decimal.Decimal) {
	final, _ := m.fills.Await(ctx, r.order.Symbol, bo.BrokerOrderID, m.params.FillWait)
	if final == nil || final.Status != core.BrokerOrderFilled {
		if settled := m.cancelAndSettle(ctx, log, r.order.Symbol, bo.BrokerOrderID); settled != nil {
			final = settled
		}
	}
	if final != nil {
		r.recordFill(final.FilledQuantity, fillPrice(final, ref))
	}
}

// freshQuote polls until a quote inside the freshness bound appears, up to
// MaxWaitTime.
func (m *Machine) freshQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	deadline := time.Now().Add(m.params.MaxWaitTime)
	ticker := time.NewTicker(m.params.QuotePollInterval)
	defer ticker.Stop()

	for {
		q, err := m.broker.GetQuote(ctx, symbol)
		if err == nil && q.Fresh(time.Now(), m.params.QuoteFreshness) {
			return q, nil
		}
		if err != nil {
			m.logger.Debug("quote fetch failed", "symbol", symbol, "error", err)
		}

		if time.Now().After(deadline) {
			return nil, apperrors.ErrStaleQuote
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.ErrStaleQuote
		case <-ticker.C:
		}
	}
}

func (m *Machine) placeLimit(ctx context.Context, r *run, price decimal.Decimal) (*core.BrokerOrder, error) {
	req := &core.PlaceOrderRequest{
		Symbol:        r.order.Symbol,
		Side:          r.order.Side,
		Type:          core.OrderTypeLimit,
		Quantity:      r.remaining(),
		LimitPrice:    price,
		ClientOrderID: uuid.NewString(),
	}
	bo, err := m.broker.PlaceLimitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	r.order.PlacedAt = time.Now()
	m.count(m.metrics.OrdersPlacedTotal, ctx,
		attribute.String("symbol", r.order.Symbol),
		attribute.String("type", string(core.OrderTypeLimit)),
	)
	return bo, nil
}

func (m *Machine) placeMarket(ctx context.Context, r *run) (*core.BrokerOrder, error) {
	req := &core.PlaceOrderRequest{
		Symbol:        r.order.Symbol,
		Side:          r.order.Side,
		Type:          core.OrderTypeMarket,
		Quantity:      r.remaining(),
		ClientOrderID: uuid.NewString(),
	}
	bo, err := m.broker.PlaceMarketOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	r.order.PlacedAt = time.Now()
	m.count(m.metrics.OrdersPlacedTotal, ctx,
		attribute.String("symbol", r.order.Symbol),
		attribute.String("type", string(core.OrderTypeMarket)),
	)
	return bo, nil
}

// cancelAndSettle cancels a working order and returns its settled broker
// state. Cancel racing a fill is normal; the follow-up read is what counts.
func (m *Machine) cancelAndSettle(ctx context.Context, log core.ILogger, symbol, brokerOrderID string) *core.BrokerOrder {
	// Use a background-derived context so a blown deadline still lets us
	// cancel and read back the fill state.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := m.broker.CancelOrder(opCtx, symbol, brokerOrderID); err != nil &&
		!errors.Is(err, apperrors.ErrOrderNotFound) {
		log.Warn("cancel failed", "broker_order_id", brokerOrderID, "error", err)
	}

	bo, err := m.broker.GetOrder(opCtx, symbol, brokerOrderID)
	if err != nil {
		log.Warn("settle read failed", "broker_order_id", brokerOrderID, "error", err)
		return nil
	}
	return bo
}

func (m *Machine) failOrPartial(r *run, kind core.ErrorKind, msg string) *core.ExecutionResult {
	if r.filledQty.IsPositive() {
		return m.finish(r, core.StatusPartiallyFilled, kind, msg)
	}
	return m.finish(r, core.StatusFailed, kind, msg)
}

func (m *Machine) finish(r *run, status core.OrderStatus, kind core.ErrorKind, msg string) *core.ExecutionResult {
	order := r.order
	order.Status = status
	order.ErrorKind = kind
	order.ErrorMessage = msg
	order.FilledQuantity = r.filledQty
	order.FinalPrice = r.avgPrice()
	if status == core.StatusFilled || status == core.StatusPartiallyFilled {
		order.FilledAt = time.Now()
	}

	ctx := context.Background()
	switch status {
	case core.StatusFilled:
		m.count(m.metrics.OrdersFilledTotal, ctx, attribute.String("symbol", order.Symbol))
	case core.StatusFailed:
		m.count(m.metrics.OrdersFailedTotal, ctx,
			attribute.String("symbol", order.Symbol),
			attribute.String("kind", string(kind)),
		)
	}
	if m.metrics.FillLatency != nil && !order.PlacedAt.IsZero() {
		m.metrics.FillLatency.Record(ctx, time.Since(order.PlacedAt).Seconds())
	}

	return &core.ExecutionResult{
		OrderID:        order.OrderID,
		CorrelationID:  order.CorrelationID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Quantity:       order.RequestedQuantity,
		FilledQuantity: order.FilledQuantity,
		Status:         status,
		FinalPrice:     order.FinalPrice,
		AnchorPrice:    order.AnchorPrice,
		StrategyTag:    order.StrategyTag,
		RepegCount:     order.RepegCount,
		ErrorKind:      kind,
		ErrorMessage:   msg,
		CompletedAt:    time.Now(),
	}
}

func (m *Machine) count(c metric.Int64Counter, ctx context.Context, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// fillPrice prefers the broker-reported average; falls back to the limit
// reference when the broker omits it.
func fillPrice(bo *core.BrokerOrder, ref decimal.Decimal) decimal.Decimal {
	if bo.AvgFillPrice.IsPositive() {
		return bo.AvgFillPrice
	}
	return ref
}
