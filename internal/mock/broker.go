// Package mock provides an in-memory brokerage for development and tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	apperrors "rebalancer/pkg/errors"

	"rebalancer/internal/core"
)

// Broker is an in-memory core.IBroker. Quotes are scripted with SetQuote;
// fills either happen through the configurable handlers or are driven
// explicitly with Fill. All mutations push events to the fill stream
// callback when one is registered.
type Broker struct {
	mu       sync.Mutex
	quotes   map[string]*core.Quote
	orders   map[string]*core.BrokerOrder
	callback func(*core.FillEvent)
	seq      atomic.Int64

	// OnLimitPlaced and OnMarketPlaced run synchronously after each
	// placement, before the order is returned. The default market handler
	// fills fully at the quote midpoint; limit orders rest by default.
	OnLimitPlaced  func(b *Broker, bo *core.BrokerOrder)
	OnMarketPlaced func(b *Broker, bo *core.BrokerOrder)

	// RejectNextPlace makes the next placement fail with ErrOrderRejected.
	RejectNextPlace atomic.Bool

	// SyntheticQuotes derives a stable quote for unscripted symbols
	// instead of failing the lookup; used for dry runs.
	SyntheticQuotes bool
}

func NewBroker() *Broker {
	b := &Broker{
		quotes: make(map[string]*core.Quote),
		orders: make(map[string]*core.BrokerOrder),
	}
	b.OnMarketPlaced = func(b *Broker, bo *core.BrokerOrder) {
		price := decimal.Zero
		if q, ok := b.quotes[bo.Symbol]; ok {
			price = q.Mid()
		}
		b.fillLocked(bo, bo.Quantity, price)
	}
	return b
}

func (b *Broker) GetName() string { return "mock" }

func (b *Broker) CheckHealth(ctx context.Context) error { return nil }

// SetQuote installs or replaces the scripted quote for a symbol.
func (b *Broker) SetQuote(q *core.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[q.Symbol] = q
}

func (b *Broker) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[symbol]
	if !ok {
		if !b.SyntheticQuotes {
			return nil, apperrors.ErrInvalidSymbol
		}
		return syntheticQuote(symbol), nil
	}
	cp := *q
	return &cp, nil
}

// syntheticQuote prices a symbol deterministically off its name: a mid in
// [10, 100) with a two-cent spread and deep displayed size.
func syntheticQuote(symbol string) *core.Quote {
	var h uint32
	for _, c := range symbol {
		h = h*31 + uint32(c)
	}
	mid := decimal.NewFromInt(int64(10 + h%90))
	tick := decimal.RequireFromString("0.01")
	return &core.Quote{
		Symbol:     symbol,
		Bid:        mid.Sub(tick),
		Ask:        mid.Add(tick),
		BidSize:    decimal.NewFromInt(500),
		AskSize:    decimal.NewFromInt(500),
		ObservedAt: time.Now(),
	}
}

func (b *Broker) PlaceLimitOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	return b.place(req, b.OnLimitPlaced)
}

func (b *Broker) PlaceMarketOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	return b.place(req, b.OnMarketPlaced)
}

func (b *Broker) place(req *core.PlaceOrderRequest, handler func(*Broker, *core.BrokerOrder)) (*core.BrokerOrder, error) {
	if b.RejectNextPlace.CompareAndSwap(true, false) {
		return nil, apperrors.ErrOrderRejected
	}
	if !req.Quantity.IsPositive() {
		return nil, apperrors.ErrInvalidOrderParameter
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bo := &core.BrokerOrder{
		BrokerOrderID:  fmt.Sprintf("mock-%d", b.seq.Add(1)),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Status:         core.BrokerOrderNew,
		LimitPrice:     req.LimitPrice,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		UpdatedAt:      time.Now(),
	}
	b.orders[bo.BrokerOrderID] = bo
	if handler != nil {
		handler(b, bo)
	}
	cp := *bo
	return &cp, nil
}

func (b *Broker) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo, ok := b.orders[brokerOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if !bo.Done() {
		bo.Status = core.BrokerOrderCanceled
		bo.UpdatedAt = time.Now()
		b.pushLocked(bo)
	}
	return nil
}

func (b *Broker) GetOrder(ctx context.Context, symbol, brokerOrderID string) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *bo
	return &cp, nil
}

func (b *Broker) StartFillStream(ctx context.Context, callback func(*core.FillEvent)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = callback
	return nil
}

func (b *Broker) StopFillStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = nil
	return nil
}

// AutoFillAfter returns a placement handler that fully fills limit orders
// at their limit price after a delay; useful for end-to-end dry runs.
func AutoFillAfter(d time.Duration) func(*Broker, *core.BrokerOrder) {
	return func(b *Broker, bo *core.BrokerOrder) {
		id := bo.BrokerOrderID
		qty := bo.Quantity
		price := bo.LimitPrice
		time.AfterFunc(d, func() {
			_ = b.Fill(id, qty, price)
		})
	}
}

// Fill applies a (possibly partial) fill to a working order and pushes the
// event to the stream.
func (b *Broker) Fill(brokerOrderID string, qty, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo, ok := b.orders[brokerOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if bo.Done() {
		return nil
	}
	b.fillLocked(bo, qty, price)
	return nil
}

// Orders returns a snapshot of every order placed so far, in placement order.
func (b *Broker) Orders() []*core.BrokerOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*core.BrokerOrder, 0, len(b.orders))
	for i := int64(1); i <= b.seq.Load(); i++ {
		if bo, ok := b.orders[fmt.Sprintf("mock-%d", i)]; ok {
			cp := *bo
			out = append(out, &cp)
		}
	}
	return out
}

func (b *Broker) fillLocked(bo *core.BrokerOrder, qty, price decimal.Decimal) {
	remaining := bo.Quantity.Sub(bo.FilledQuantity)
	if qty.GreaterThan(remaining) {
		qty = remaining
	}

	prevValue := bo.FilledQuantity.Mul(bo.AvgFillPrice)
	bo.FilledQuantity = bo.FilledQuantity.Add(qty)
	if bo.FilledQuantity.IsPositive() {
		bo.AvgFillPrice = prevValue.Add(qty.Mul(price)).Div(bo.FilledQuantity)
	}
	if bo.FilledQuantity.GreaterThanOrEqual(bo.Quantity) {
		bo.Status = core.BrokerOrderFilled
	} else {
		bo.Status = core.BrokerOrderPartiallyFilled
	}
	bo.UpdatedAt = time.Now()
	b.pushLocked(bo)
}

func (b *Broker) pushLocked(bo *core.BrokerOrder) {
	if b.callback == nil {
		return
	}
	b.callback(&core.FillEvent{
		BrokerOrderID:  bo.BrokerOrderID,
		Symbol:         bo.Symbol,
		Status:         bo.Status,
		FilledQuantity: bo.FilledQuantity,
		AvgFillPrice:   bo.AvgFillPrice,
		Timestamp:      bo.UpdatedAt,
	})
}
