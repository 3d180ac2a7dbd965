package execution

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/core"
	"rebalancer/internal/liquidity"
	"rebalancer/internal/mock"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func fastParams() config.ExecutionParams {
	p := config.DefaultConfig().Execution.Params()
	p.QuoteFreshness = time.Second
	p.QuotePollInterval = 10 * time.Millisecond
	p.FillWait = 50 * time.Millisecond
	p.MaxWaitTime = 200 * time.Millisecond
	p.OrderPlacementTimeout = 2 * time.Second
	return p
}

func newTestMachine(b *mock.Broker, params config.ExecutionParams) *Machine {
	log := &mockLogger{}
	fills := broker.NewFillMonitor(b, 10*time.Millisecond, log)
	assessor := liquidity.NewAssessor(params, log)
	return NewMachine(b, fills, assessor, params, log, nil)
}

func normalQuote(symbol string) *core.Quote {
	return &core.Quote{
		Symbol:     symbol,
		Bid:        decimal.RequireFromString("20.00"),
		Ask:        decimal.RequireFromString("20.10"),
		BidSize:    decimal.NewFromInt(500),
		AskSize:    decimal.NewFromInt(500),
		ObservedAt: time.Now(),
	}
}

func newOrder(side core.OrderSide, qty string) *core.Order {
	return &core.Order{
		OrderID:           "ord-1",
		CorrelationID:     "corr-1",
		Symbol:            "ACME",
		Side:              side,
		RequestedQuantity: decimal.RequireFromString(qty),
		Status:            core.StatusInitiated,
	}
}

func TestExecuteFillsAtInitialLimit(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))
	b.OnLimitPlaced = func(b *mock.Broker, bo *core.BrokerOrder) {
		go b.Fill(bo.BrokerOrderID, bo.Quantity, bo.LimitPrice)
	}

	m := newTestMachine(b, fastParams())
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFilled {
		t.Fatalf("status = %s (%s: %s), want FILLED", res.Status, res.ErrorKind, res.ErrorMessage)
	}
	if res.StrategyTag != "limit-initial" {
		t.Errorf("strategy = %s, want limit-initial", res.StrategyTag)
	}
	if res.RepegCount != 0 {
		t.Errorf("repegs = %d, want 0", res.RepegCount)
	}
	if !res.AnchorPrice.Equal(decimal.RequireFromString("20.05")) {
		t.Errorf("anchor = %s, want 20.05", res.AnchorPrice)
	}
	if !res.FinalPrice.Equal(decimal.RequireFromString("20.05")) {
		t.Errorf("final price = %s, want 20.05", res.FinalPrice)
	}
}

func TestExecuteFillsOnSecondRung(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))
	var placements atomic.Int32
	b.OnLimitPlaced = func(b *mock.Broker, bo *core.BrokerOrder) {
		if placements.Add(1) == 2 {
			go b.Fill(bo.BrokerOrderID, bo.Quantity, bo.LimitPrice)
		}
	}

	m := newTestMachine(b, fastParams())
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFilled {
		t.Fatalf("status = %s (%s: %s), want FILLED", res.Status, res.ErrorKind, res.ErrorMessage)
	}
	if res.StrategyTag != "limit-repeg-1" {
		t.Errorf("strategy = %s, want limit-repeg-1", res.StrategyTag)
	}
	if res.RepegCount != 1 {
		t.Errorf("repegs = %d, want 1", res.RepegCount)
	}
}

func TestExecuteLadderIsMonotonicAndBounded(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))
	// Rest every rung; fill only once the limit crosses the far touch.
	b.OnLimitPlaced = func(b *mock.Broker, bo *core.BrokerOrder) {
		if bo.Side == core.SideBuy && bo.LimitPrice.GreaterThanOrEqual(decimal.RequireFromString("20.10")) {
			go b.Fill(bo.BrokerOrderID, bo.Quantity, bo.LimitPrice)
		}
	}

	params := fastParams()
	m := newTestMachine(b, params)
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFilled {
		t.Fatalf("status = %s (%s: %s), want FILLED", res.Status, res.ErrorKind, res.ErrorMessage)
	}
	if res.StrategyTag != "market-fallback" {
		t.Errorf("strategy = %s, want market-fallback", res.StrategyTag)
	}
	if res.RepegCount != params.MaxRepegsPerOrder {
		t.Errorf("repegs = %d, want %d", res.RepegCount, params.MaxRepegsPerOrder)
	}

	// Ladder: initial + MaxRepegs rungs + crossing fallback.
	orders := b.Orders()
	wantPlacements := params.MaxRepegsPerOrder + 2
	if len(orders) != wantPlacements {
		t.Fatalf("placements = %d, want %d", len(orders), wantPlacements)
	}
	minStep := params.RepegMinImprovement
	for i := 1; i < len(orders); i++ {
		step := orders[i].LimitPrice.Sub(orders[i-1].LimitPrice)
		if step.LessThan(minStep) {
			t.Errorf("rung %d improved by %s, want >= %s", i, step, minStep)
		}
	}
	// Fallback crosses the ask by the configured offset.
	last := orders[len(orders)-1]
	if !last.LimitPrice.Equal(decimal.RequireFromString("20.11")) {
		t.Errorf("fallback limit = %s, want 20.11", last.LimitPrice)
	}
}

func TestExecuteSellLadderWalksDown(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))
	var placements atomic.Int32
	b.OnLimitPlaced = func(b *mock.Broker, bo *core.BrokerOrder) {
		if placements.Add(1) == 2 {
			go b.Fill(bo.BrokerOrderID, bo.Quantity, bo.LimitPrice)
		}
	}

	m := newTestMachine(b, fastParams())
	res := m.Execute(context.Background(), newOrder(core.SideSell, "10"))

	if res.Status != core.StatusFilled {
		t.Fatalf("status = %s (%s: %s), want FILLED", res.Status, res.ErrorKind, res.ErrorMessage)
	}
	orders := b.Orders()
	if len(orders) != 2 {
		t.Fatalf("placements = %d, want 2", len(orders))
	}
	if !orders[1].LimitPrice.LessThan(orders[0].LimitPrice) {
		t.Errorf("sell repeg must move down: %s then %s", orders[0].LimitPrice, orders[1].LimitPrice)
	}
}

func TestExecuteRejectsMicroNotional(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))

	m := newTestMachine(b, fastParams())
	// 0.01 shares at a ~$20 anchor is about 20 cents, under the $1 floor.
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "0.01"))

	if res.Status != core.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if res.ErrorKind != core.ErrKindNotionalTooSmall {
		t.Errorf("kind = %s, want NOTIONAL_TOO_SMALL", res.ErrorKind)
	}
	if len(b.Orders()) != 0 {
		t.Errorf("placements = %d, want 0", len(b.Orders()))
	}
}

func TestExecuteFailsOnStaleQuote(t *testing.T) {
	b := mock.NewBroker()
	q := normalQuote("ACME")
	q.ObservedAt = time.Now().Add(-time.Hour)
	b.SetQuote(q)

	m := newTestMachine(b, fastParams())
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if res.ErrorKind != core.ErrKindStaleQuote {
		t.Errorf("kind = %s, want STALE_QUOTE", res.ErrorKind)
	}
	if len(b.Orders()) != 0 {
		t.Errorf("placements = %d, want 0", len(b.Orders()))
	}
}

func TestExecuteInsufficientLiquidityGoesStraightToMarket(t *testing.T) {
	b := mock.NewBroker()
	q := normalQuote("ACME")
	q.BidSize = decimal.NewFromInt(5)
	q.AskSize = decimal.NewFromInt(5)
	b.SetQuote(q)

	m := newTestMachine(b, fastParams())
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFilled {
		t.Fatalf("status = %s (%s: %s), want FILLED", res.Status, res.ErrorKind, res.ErrorMessage)
	}
	if res.StrategyTag != "market-fallback" {
		t.Errorf("strategy = %s, want market-fallback", res.StrategyTag)
	}
	orders := b.Orders()
	if len(orders) != 1 {
		t.Fatalf("placements = %d, want 1", len(orders))
	}
	if orders[0].Type != core.OrderTypeMarket {
		t.Errorf("type = %s, want MARKET", orders[0].Type)
	}
}

func TestExecutePartialAtLadderEndSettlesPartial(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))
	var placements atomic.Int32
	b.OnLimitPlaced = func(b *mock.Broker, bo *core.BrokerOrder) {
		if placements.Add(1) == 1 {
			go b.Fill(bo.BrokerOrderID, decimal.NewFromInt(3), bo.LimitPrice)
		}
	}

	m := newTestMachine(b, fastParams())
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusPartiallyFilled {
		t.Fatalf("status = %s (%s: %s), want PARTIALLY_FILLED", res.Status, res.ErrorKind, res.ErrorMessage)
	}
	if !res.FilledQuantity.Equal(decimal.NewFromInt(3)) {
		t.Errorf("filled = %s, want 3", res.FilledQuantity)
	}
	if res.RepegCount != fastParams().MaxRepegsPerOrder {
		t.Errorf("repegs = %d, want %d", res.RepegCount, fastParams().MaxRepegsPerOrder)
	}
}

func TestExecuteRejectedPlacement(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))
	b.RejectNextPlace.Store(true)

	m := newTestMachine(b, fastParams())
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if res.ErrorKind != core.ErrKindPlacementRejected {
		t.Errorf("kind = %s, want PLACEMENT_REJECTED", res.ErrorKind)
	}
}

func TestExecuteGoesToMarketWhenCrossingLimitUnfilled(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))
	// Every limit rests forever, the marketable crossing limit included;
	// only the terminal market order (the mock default) fills.
	b.OnLimitPlaced = nil

	params := fastParams()
	m := newTestMachine(b, params)
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFilled {
		t.Fatalf("status = %s (%s: %s), want FILLED", res.Status, res.ErrorKind, res.ErrorMessage)
	}
	if res.StrategyTag != "market-fallback" {
		t.Errorf("strategy = %s, want market-fallback", res.StrategyTag)
	}
	// Initial + MaxRepegs rungs + crossing limit + terminal market order.
	orders := b.Orders()
	wantPlacements := params.MaxRepegsPerOrder + 3
	if len(orders) != wantPlacements {
		t.Fatalf("placements = %d, want %d", len(orders), wantPlacements)
	}
	last := orders[len(orders)-1]
	if last.Type != core.OrderTypeMarket {
		t.Errorf("terminal placement type = %s, want MARKET", last.Type)
	}
	// The mock's market handler fills at the midpoint.
	if !res.FinalPrice.Equal(decimal.RequireFromString("20.05")) {
		t.Errorf("final price = %s, want 20.05", res.FinalPrice)
	}
}

func TestExecuteUnfilledMarketFallbackTimesOut(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))
	// Nothing fills at all; even the terminal market order rests.
	b.OnLimitPlaced = nil
	b.OnMarketPlaced = func(b *mock.Broker, bo *core.BrokerOrder) {}

	m := newTestMachine(b, fastParams())
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if res.ErrorKind != core.ErrKindTimedOut {
		t.Errorf("kind = %s, want TIMED_OUT", res.ErrorKind)
	}
	if !res.FilledQuantity.IsZero() {
		t.Errorf("filled = %s, want 0", res.FilledQuantity)
	}
	// The market order must still have been attempted after the crossing
	// limit went unfilled.
	orders := b.Orders()
	if len(orders) == 0 || orders[len(orders)-1].Type != core.OrderTypeMarket {
		t.Error("terminal placement must be a market order")
	}
}

func TestPlacementBudgetStartsAfterQuote(t *testing.T) {
	b := mock.NewBroker()
	stale := normalQuote("ACME")
	stale.ObservedAt = time.Now().Add(-time.Hour)
	b.SetQuote(stale)
	b.OnLimitPlaced = func(b *mock.Broker, bo *core.BrokerOrder) {
		go b.Fill(bo.BrokerOrderID, bo.Quantity, bo.LimitPrice)
	}

	params := fastParams()
	params.OrderPlacementTimeout = 100 * time.Millisecond
	params.MaxWaitTime = 400 * time.Millisecond

	// A fresh quote arrives only after the placement budget's full length
	// has elapsed; the budget must not start ticking until then.
	time.AfterFunc(150*time.Millisecond, func() { b.SetQuote(normalQuote("ACME")) })

	m := newTestMachine(b, params)
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFilled {
		t.Fatalf("status = %s (%s: %s), want FILLED", res.Status, res.ErrorKind, res.ErrorMessage)
	}
}

func TestExecuteReanchorsWhenMarketDrifts(t *testing.T) {
	b := mock.NewBroker()
	b.SetQuote(normalQuote("ACME"))
	var placements atomic.Int32
	b.OnLimitPlaced = func(b *mock.Broker, bo *core.BrokerOrder) {
		switch placements.Add(1) {
		case 1:
			// The market drops ~5% while the first rung rests; the ladder
			// must restart from the fresh midpoint, even though that moves
			// the next rung away from the old aggressive side.
			go b.SetQuote(&core.Quote{
				Symbol:     "ACME",
				Bid:        decimal.RequireFromString("19.00"),
				Ask:        decimal.RequireFromString("19.10"),
				BidSize:    decimal.NewFromInt(500),
				AskSize:    decimal.NewFromInt(500),
				ObservedAt: time.Now(),
			})
		case 2:
			go b.Fill(bo.BrokerOrderID, bo.Quantity, bo.LimitPrice)
		}
	}

	m := newTestMachine(b, fastParams())
	res := m.Execute(context.Background(), newOrder(core.SideBuy, "10"))

	if res.Status != core.StatusFilled {
		t.Fatalf("status = %s (%s: %s), want FILLED", res.Status, res.ErrorKind, res.ErrorMessage)
	}
	if !res.AnchorPrice.Equal(decimal.RequireFromString("19.05")) {
		t.Errorf("anchor = %s, want re-anchored 19.05", res.AnchorPrice)
	}
	orders := b.Orders()
	if len(orders) != 2 {
		t.Fatalf("placements = %d, want 2", len(orders))
	}
	// New initial limit 19.05 improved by the 2-cent minimum step.
	if !orders[1].LimitPrice.Equal(decimal.RequireFromString("19.07")) {
		t.Errorf("re-anchored rung = %s, want 19.07", orders[1].LimitPrice)
	}
	if !orders[1].LimitPrice.LessThan(orders[0].LimitPrice) {
		t.Error("a re-anchored buy rung may reprice below the previous rung")
	}
}

func TestPricerReanchor(t *testing.T) {
	p := NewPricer(fastParams())
	anchor := decimal.RequireFromString("20.05")

	unmoved := normalQuote("ACME")
	if p.Reanchor(anchor, unmoved) {
		t.Error("unmoved midpoint must not re-anchor")
	}

	moved := normalQuote("ACME")
	moved.Bid = decimal.RequireFromString("20.10")
	moved.Ask = decimal.RequireFromString("20.20")
	if !p.Reanchor(anchor, moved) {
		t.Error("0.5 percent drift must re-anchor")
	}
}
