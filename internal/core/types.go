package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an execution intent.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus tracks an Order through the execution state machine.
type OrderStatus string

const (
	StatusInitiated       OrderStatus = "INITIATED"
	StatusQuotePending    OrderStatus = "QUOTE_PENDING"
	StatusPlaced          OrderStatus = "PLACED"
	StatusRepegPending    OrderStatus = "REPEG_PENDING"
	StatusMarketFallback  OrderStatus = "MARKET_FALLBACK"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFailed          OrderStatus = "FAILED"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusPartiallyFilled, StatusFailed:
		return true
	}
	return false
}

// ErrorKind classifies terminal order failures for downstream reporting,
// so consumers never need to parse broker-specific error strings.
type ErrorKind string

const (
	ErrKindNone                  ErrorKind = ""
	ErrKindStaleQuote            ErrorKind = "STALE_QUOTE"
	ErrKindNotionalTooSmall      ErrorKind = "NOTIONAL_TOO_SMALL"
	ErrKindPlacementRejected     ErrorKind = "PLACEMENT_REJECTED"
	ErrKindTimedOut              ErrorKind = "TIMED_OUT"
	ErrKindInsufficientLiquidity ErrorKind = "INSUFFICIENT_LIQUIDITY"
	ErrKindSellRetryExhausted    ErrorKind = "SELL_RETRY_EXHAUSTED"
	ErrKindGateBlocked           ErrorKind = "GATE_BLOCKED"
)

// Order is one execution intent and its lifecycle. An Order is mutated
// only by the state machine instance that owns it; everyone else sees
// its terminal ExecutionResult.
type Order struct {
	OrderID           string
	CorrelationID     string
	Symbol            string
	Side              OrderSide
	RequestedQuantity decimal.Decimal

	Status            OrderStatus
	RepegCount        int
	AnchorPrice       decimal.Decimal
	CurrentLimitPrice decimal.Decimal
	FinalPrice        decimal.Decimal
	StrategyTag       string
	PlacedAt          time.Time
	FilledAt          time.Time

	FilledQuantity decimal.Decimal
	ErrorKind      ErrorKind
	ErrorMessage   string
}

// Quote is a point-in-time market snapshot for a symbol.
type Quote struct {
	Symbol     string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	BidSize    decimal.Decimal
	AskSize    decimal.Decimal
	ObservedAt time.Time
}

// Mid returns the bid/ask midpoint.
func (q *Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Spread returns ask - bid.
func (q *Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// Fresh reports whether the quote is usable under the freshness bound.
func (q *Quote) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(q.ObservedAt) <= maxAge
}

// LiquidityClass buckets a quote by how tradeable it looks.
type LiquidityClass string

const (
	LiquidityTight        LiquidityClass = "tight"
	LiquidityNormal       LiquidityClass = "normal"
	LiquidityWide         LiquidityClass = "wide"
	LiquidityInsufficient LiquidityClass = "insufficient"
)

// LiquidityAssessment is derived from a single quote and lives only for
// one order's placement attempt.
type LiquidityAssessment struct {
	AnchorPrice      decimal.Decimal
	SpreadPercent    decimal.Decimal
	VolumeImbalance  decimal.Decimal
	Classification   LiquidityClass
	AllowCrossSpread bool
}

// PlanPhase is the settlement phase of a rebalance plan. Transitions are
// one-way: SELLING → GATE_EVALUATING → {BUYING|BLOCKED} → COMPLETE.
type PlanPhase string

const (
	PhaseSelling        PlanPhase = "SELLING"
	PhaseGateEvaluating PlanPhase = "GATE_EVALUATING"
	PhaseBuying         PlanPhase = "BUYING"
	PhaseBlocked        PlanPhase = "BLOCKED"
	PhaseComplete       PlanPhase = "COMPLETE"
)

// PlanItem is one symbol/side/quantity leg of a rebalance plan, as
// delivered by the portfolio collaborator.
type PlanItem struct {
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// RebalancePlan is the unit the coordinator gates: all sells must settle
// (or be exhausted) before any buy is released.
type RebalancePlan struct {
	PlanID        string     `json:"plan_id"`
	CorrelationID string     `json:"correlation_id"`
	SellItems     []PlanItem `json:"sell_items"`
	BuyItems      []PlanItem `json:"buy_items"`
}

// ExecutionResult is the terminal outcome of one Order.
type ExecutionResult struct {
	OrderID        string
	CorrelationID  string
	PlanID         string
	Symbol         string
	Side           OrderSide
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         OrderStatus
	FinalPrice     decimal.Decimal
	AnchorPrice    decimal.Decimal
	StrategyTag    string
	RepegCount     int
	ErrorKind      ErrorKind
	ErrorMessage   string
	CompletedAt    time.Time
}

// FilledValue returns filled_quantity * final_price.
func (r *ExecutionResult) FilledValue() decimal.Decimal {
	return r.FilledQuantity.Mul(r.FinalPrice)
}

// PlanSummary is the plan-level settlement outcome for the reporting
// collaborator.
type PlanSummary struct {
	PlanID          string
	CorrelationID   string
	Phase           PlanPhase
	FilledValue     decimal.Decimal
	FailedSellValue decimal.Decimal
	ThresholdUSD    decimal.Decimal
	Results         []*ExecutionResult
	CompletedAt     time.Time
}

// BrokerOrderStatus is the broker's view of a working order.
type BrokerOrderStatus string

const (
	BrokerOrderNew             BrokerOrderStatus = "NEW"
	BrokerOrderPartiallyFilled BrokerOrderStatus = "PARTIALLY_FILLED"
	BrokerOrderFilled          BrokerOrderStatus = "FILLED"
	BrokerOrderCanceled        BrokerOrderStatus = "CANCELED"
	BrokerOrderRejected        BrokerOrderStatus = "REJECTED"
	BrokerOrderExpired         BrokerOrderStatus = "EXPIRED"
)

// OrderType distinguishes limit from market placement.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// PlaceOrderRequest is a single placement sent to the brokerage.
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal // zero for market orders
	ClientOrderID string
}

// BrokerOrder is the broker's record of a placed order.
type BrokerOrder struct {
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Status         BrokerOrderStatus
	LimitPrice     decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	UpdatedAt      time.Time
}

// Done reports whether the broker will make no further changes.
func (o *BrokerOrder) Done() bool {
	switch o.Status {
	case BrokerOrderFilled, BrokerOrderCanceled, BrokerOrderRejected, BrokerOrderExpired:
		return true
	}
	return false
}

// FillEvent is one update from the broker fill-notification stream.
type FillEvent struct {
	BrokerOrderID  string
	Symbol         string
	Status         BrokerOrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Timestamp      time.Time
}
