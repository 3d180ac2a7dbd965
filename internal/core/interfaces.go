// Package core defines the core types and interfaces for the rebalance trader
package core

import (
	"context"
	"time"
)

// IBroker is the order-entry and market-data surface of the brokerage.
// Quote retrieval, placement, and cancellation are all bounded by the
// caller's context.
type IBroker interface {
	GetName() string
	CheckHealth(ctx context.Context) error

	GetQuote(ctx context.Context, symbol string) (*Quote, error)

	PlaceLimitOrder(ctx context.Context, req *PlaceOrderRequest) (*BrokerOrder, error)
	PlaceMarketOrder(ctx context.Context, req *PlaceOrderRequest) (*BrokerOrder, error)
	CancelOrder(ctx context.Context, symbol, brokerOrderID string) error
	GetOrder(ctx context.Context, symbol, brokerOrderID string) (*BrokerOrder, error)

	// Fill notifications, push style. Implementations that can only poll
	// may leave the stream idle; waiters fall back to GetOrder polling.
	StartFillStream(ctx context.Context, callback func(*FillEvent)) error
	StopFillStream() error
}

// IFillWaiter blocks until an order reaches a settled broker state or the
// timeout elapses. On timeout the last observed broker order is returned
// together with ErrFillWaitTimeout so partial fills are not lost.
type IFillWaiter interface {
	Await(ctx context.Context, symbol, brokerOrderID string, timeout time.Duration) (*BrokerOrder, error)
}

// ISettlementStore is the shared, conditionally-updatable state behind a
// plan's countdown latch. Monetary values are integer cents so every
// mutation is a single atomic integer operation; implementations must
// guarantee that exactly one caller observes each zero-crossing of the
// outstanding-sells counter, and that phase transitions are
// compare-and-set.
type ISettlementStore interface {
	InitPlan(ctx context.Context, planID string, outstandingSells int64) error
	DecrementOutstandingSells(ctx context.Context, planID string) (remaining int64, err error)
	AddFilledValue(ctx context.Context, planID string, cents int64) error
	AddFailedSellValue(ctx context.Context, planID string, cents int64) (total int64, err error)
	GetFilledValue(ctx context.Context, planID string) (int64, error)
	GetFailedSellValue(ctx context.Context, planID string) (int64, error)
	GetPhase(ctx context.Context, planID string) (PlanPhase, error)
	CompareAndSetPhase(ctx context.Context, planID string, from, to PlanPhase) (bool, error)
}

// IResultStore archives terminal order results and plan summaries for the
// reporting collaborator.
type IResultStore interface {
	SaveResult(ctx context.Context, result *ExecutionResult) error
	SavePlanSummary(ctx context.Context, summary *PlanSummary) error
	Close() error
}

// IAlertSink surfaces conditions that need an operator, a blocked plan
// above all.
type IAlertSink interface {
	Alert(ctx context.Context, title, message string, fields map[string]string)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
