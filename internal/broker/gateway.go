package broker

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	apperrors "rebalancer/pkg/errors"

	"rebalancer/internal/config"
	"rebalancer/internal/core"
)

// Gateway decorates a core.IBroker with the shared-account disciplines
// every caller must respect: a token-bucket rate limit on order entry and
// retry-plus-breaker resilience on the idempotent reads. Placements are
// deliberately never retried here; a resend after an ambiguous failure
// risks a duplicate order, so that decision stays with the state machine.
type Gateway struct {
	inner   core.IBroker
	limiter *rate.Limiter
	logger  core.ILogger

	quoteExec failsafe.Executor[*core.Quote]
	orderExec failsafe.Executor[*core.BrokerOrder]
}

func NewGateway(inner core.IBroker, cfg config.BrokerConfig, logger core.ILogger) *Gateway {
	retryable := func(err error) bool {
		return err != nil &&
			!errors.Is(err, apperrors.ErrOrderNotFound) &&
			!errors.Is(err, apperrors.ErrInvalidSymbol)
	}

	quoteRetry := retrypolicy.NewBuilder[*core.Quote]().
		HandleIf(func(_ *core.Quote, err error) bool { return retryable(err) }).
		WithBackoff(50*time.Millisecond, 500*time.Millisecond).
		WithMaxRetries(2).
		Build()
	quoteBreaker := circuitbreaker.NewBuilder[*core.Quote]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(5 * time.Second).
		Build()

	orderRetry := retrypolicy.NewBuilder[*core.BrokerOrder]().
		HandleIf(func(_ *core.BrokerOrder, err error) bool { return retryable(err) }).
		WithBackoff(50*time.Millisecond, 500*time.Millisecond).
		WithMaxRetries(2).
		Build()
	orderBreaker := circuitbreaker.NewBuilder[*core.BrokerOrder]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(5 * time.Second).
		Build()

	burst := cfg.OrderRateBurst
	if burst < 1 {
		burst = 1
	}

	return &Gateway{
		inner:     inner,
		limiter:   rate.NewLimiter(rate.Limit(cfg.OrderRateLimit), burst),
		logger:    logger.WithField("component", "broker_gateway"),
		quoteExec: failsafe.With[*core.Quote](quoteRetry, quoteBreaker),
		orderExec: failsafe.With[*core.BrokerOrder](orderRetry, orderBreaker),
	}
}

func (g *Gateway) GetName() string { return g.inner.GetName() }

func (g *Gateway) CheckHealth(ctx context.Context) error { return g.inner.CheckHealth(ctx) }

func (g *Gateway) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	return g.quoteExec.GetWithExecution(func(_ failsafe.Execution[*core.Quote]) (*core.Quote, error) {
		return g.inner.GetQuote(ctx, symbol)
	})
}

func (g *Gateway) PlaceLimitOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, apperrors.ErrRateLimitExceeded
	}
	return g.inner.PlaceLimitOrder(ctx, req)
}

func (g *Gateway) PlaceMarketOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, apperrors.ErrRateLimitExceeded
	}
	return g.inner.PlaceMarketOrder(ctx, req)
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return apperrors.ErrRateLimitExceeded
	}
	return g.inner.CancelOrder(ctx, symbol, brokerOrderID)
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, brokerOrderID string) (*core.BrokerOrder, error) {
	return g.orderExec.GetWithExecution(func(_ failsafe.Execution[*core.BrokerOrder]) (*core.BrokerOrder, error) {
		return g.inner.GetOrder(ctx, symbol, brokerOrderID)
	})
}

func (g *Gateway) StartFillStream(ctx context.Context, callback func(*core.FillEvent)) error {
	return g.inner.StartFillStream(ctx, callback)
}

func (g *Gateway) StopFillStream() error {
	return g.inner.StopFillStream()
}
