package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apperrors "rebalancer/pkg/errors"

	"rebalancer/internal/core"
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

func placeResting(t *testing.T, b *mock.Broker) *core.BrokerOrder {
	t.Helper()
	b.SetQuote(&core.Quote{
		Symbol:     "ACME",
		Bid:        decimal.RequireFromString("20.00"),
		Ask:        decimal.RequireFromString("20.10"),
		BidSize:    decimal.NewFromInt(500),
		AskSize:    decimal.NewFromInt(500),
		ObservedAt: time.Now(),
	})
	bo, err := b.PlaceLimitOrder(context.Background(), &core.PlaceOrderRequest{
		Symbol:     "ACME",
		Side:       core.SideBuy,
		Type:       core.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(10),
		LimitPrice: decimal.RequireFromString("20.05"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	return bo
}

func TestAwaitReturnsOnPushedFill(t *testing.T) {
	b := mock.NewBroker()
	fm := NewFillMonitor(b, 50*time.Millisecond, &mockLogger{})
	if err := fm.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer fm.Stop()

	bo := placeResting(t, b)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Fill(bo.BrokerOrderID, decimal.NewFromInt(10), decimal.RequireFromString("20.05"))
	}()

	final, err := fm.Await(context.Background(), "ACME", bo.BrokerOrderID, 2*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final.Status != core.BrokerOrderFilled {
		t.Errorf("status = %s, want FILLED", final.Status)
	}
	if !final.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("filled = %s, want 10", final.FilledQuantity)
	}
}

func TestAwaitPollsWithoutStream(t *testing.T) {
	b := mock.NewBroker()
	// No Start: the monitor must find the fill by polling alone.
	fm := NewFillMonitor(b, 20*time.Millisecond, &mockLogger{})

	bo := placeResting(t, b)

	go func() {
		time.Sleep(40 * time.Millisecond)
		b.Fill(bo.BrokerOrderID, decimal.NewFromInt(10), decimal.RequireFromString("20.05"))
	}()

	final, err := fm.Await(context.Background(), "ACME", bo.BrokerOrderID, 2*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if final.Status != core.BrokerOrderFilled {
		t.Errorf("status = %s, want FILLED", final.Status)
	}
}

func TestAwaitTimeoutKeepsPartialFill(t *testing.T) {
	b := mock.NewBroker()
	fm := NewFillMonitor(b, 20*time.Millisecond, &mockLogger{})

	bo := placeResting(t, b)
	b.Fill(bo.BrokerOrderID, decimal.NewFromInt(4), decimal.RequireFromString("20.05"))

	final, err := fm.Await(context.Background(), "ACME", bo.BrokerOrderID, 100*time.Millisecond)
	if !errors.Is(err, apperrors.ErrFillWaitTimeout) {
		t.Fatalf("err = %v, want ErrFillWaitTimeout", err)
	}
	if final == nil {
		t.Fatal("expected last observed order on timeout")
	}
	if !final.FilledQuantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("filled = %s, want 4", final.FilledQuantity)
	}
	if final.Status != core.BrokerOrderPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", final.Status)
	}
}

func TestAwaitContextCancel(t *testing.T) {
	b := mock.NewBroker()
	fm := NewFillMonitor(b, 20*time.Millisecond, &mockLogger{})

	bo := placeResting(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := fm.Await(ctx, "ACME", bo.BrokerOrderID, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
