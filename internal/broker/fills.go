// Package broker contains the brokerage-facing plumbing: the rate-limited
// gateway, the remote REST/WebSocket client, and the fill monitor.
package broker

import (
	"context"
	"sync"
	"time"

	apperrors "rebalancer/pkg/errors"

	"rebalancer/internal/core"
)

// FillMonitor implements core.IFillWaiter on top of the broker's push
// stream, with GetOrder polling as the fallback for brokers whose stream
// drops or lags. Waiters are keyed by broker order ID; an event only wakes
// the waiter, the authoritative state always comes from GetOrder.
type FillMonitor struct {
	broker       core.IBroker
	logger       core.ILogger
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[string][]chan struct{}
	started bool
}

func NewFillMonitor(broker core.IBroker, pollInterval time.Duration, logger core.ILogger) *FillMonitor {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &FillMonitor{
		broker:       broker,
		logger:       logger.WithField("component", "fill_monitor"),
		pollInterval: pollInterval,
		waiters:      make(map[string][]chan struct{}),
	}
}

// Start attaches to the broker's fill stream. Await works without Start,
// on polling alone, just with higher latency.
func (fm *FillMonitor) Start(ctx context.Context) error {
	fm.mu.Lock()
	if fm.started {
		fm.mu.Unlock()
		return nil
	}
	fm.started = true
	fm.mu.Unlock()

	return fm.broker.StartFillStream(ctx, fm.dispatch)
}

// Stop detaches from the fill stream.
func (fm *FillMonitor) Stop() error {
	fm.mu.Lock()
	if !fm.started {
		fm.mu.Unlock()
		return nil
	}
	fm.started = false
	fm.mu.Unlock()

	return fm.broker.StopFillStream()
}

func (fm *FillMonitor) dispatch(ev *core.FillEvent) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for _, ch := range fm.waiters[ev.BrokerOrderID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Await blocks until the order reaches a settled broker state, the timeout
// elapses, or the context is canceled. On timeout it does a final read and
// returns the last observed order together with ErrFillWaitTimeout so a
// late partial fill is never dropped.
func (fm *FillMonitor) Await(ctx context.Context, symbol, brokerOrderID string, timeout time.Duration) (*core.BrokerOrder, error) {
	sig := fm.subscribe(brokerOrderID)
	defer fm.unsubscribe(brokerOrderID, sig)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(fm.pollInterval)
	defer ticker.Stop()

	var last *core.BrokerOrder
	for {
		bo, err := fm.broker.GetOrder(ctx, symbol, brokerOrderID)
		if err == nil {
			last = bo
			if bo.Done() {
				return bo, nil
			}
		} else if ctx.Err() == nil {
			fm.logger.Debug("order poll failed", "broker_order_id", brokerOrderID, "error", err)
		}

		select {
		case <-sig:
		case <-ticker.C:
		case <-timer.C:
			return fm.finalRead(ctx, symbol, brokerOrderID, last), apperrors.ErrFillWaitTimeout
		case <-ctx.Done():
			return fm.finalRead(ctx, symbol, brokerOrderID, last), ctx.Err()
		}
	}
}

// finalRead re-reads the order off the waiter's (possibly expired) context
// so the caller sees any fill that raced the deadline.
func (fm *FillMonitor) finalRead(ctx context.Context, symbol, brokerOrderID string, last *core.BrokerOrder) *core.BrokerOrder {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if bo, err := fm.broker.GetOrder(readCtx, symbol, brokerOrderID); err == nil {
		return bo
	}
	return last
}

func (fm *FillMonitor) subscribe(brokerOrderID string) chan struct{} {
	ch := make(chan struct{}, 1)
	fm.mu.Lock()
	fm.waiters[brokerOrderID] = append(fm.waiters[brokerOrderID], ch)
	fm.mu.Unlock()
	return ch
}

func (fm *FillMonitor) unsubscribe(brokerOrderID string, ch chan struct{}) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	chans := fm.waiters[brokerOrderID]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(fm.waiters, brokerOrderID)
	} else {
		fm.waiters[brokerOrderID] = chans
	}
}
