package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "rebalancer/pkg/errors"
	httpclient "rebalancer/pkg/http"
	"rebalancer/pkg/websocket"

	"rebalancer/internal/config"
	"rebalancer/internal/core"
)

// RemoteBroker talks to a JSON/REST brokerage with a WebSocket order-update
// stream. It implements core.IBroker; resilience and rate limiting live in
// the Gateway wrapper, not here.
type RemoteBroker struct {
	client *httpclient.Client
	cfg    config.BrokerConfig
	logger core.ILogger

	mu       sync.Mutex
	ws       *websocket.Client
	callback func(*core.FillEvent)
}

// apiKeySigner puts the key on every request. The reference brokerage uses
// a static bearer token rather than request signing.
type apiKeySigner struct {
	key string
}

func (s *apiKeySigner) SignRequest(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+s.key)
	return nil
}

func NewRemoteBroker(cfg config.BrokerConfig, logger core.ILogger) *RemoteBroker {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	return &RemoteBroker{
		client: httpclient.NewClient(cfg.BaseURL, timeout, &apiKeySigner{key: cfg.APIKey}),
		cfg:    cfg,
		logger: logger.WithField("component", "remote_broker"),
	}
}

func (b *RemoteBroker) GetName() string { return "remote" }

func (b *RemoteBroker) CheckHealth(ctx context.Context) error {
	_, err := b.client.Get(ctx, "/v1/clock", nil)
	return err
}

// Wire types

type quotePayload struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
}

type orderPayload struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Quantity       decimal.Decimal `json:"qty"`
	FilledQuantity decimal.Decimal `json:"filled_qty"`
	AvgFillPrice   decimal.Decimal `json:"filled_avg_price"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type placePayload struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"qty"`
	LimitPrice    string `json:"limit_price,omitempty"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
}

type streamEnvelope struct {
	Stream string       `json:"stream"`
	Data   orderPayload `json:"data"`
}

func (b *RemoteBroker) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	body, err := b.client.Get(ctx, "/v1/quotes/"+symbol, nil)
	if err != nil {
		return nil, mapAPIError(err)
	}
	var p quotePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}
	return &core.Quote{
		Symbol:     p.Symbol,
		Bid:        p.BidPrice,
		Ask:        p.AskPrice,
		BidSize:    p.BidSize,
		AskSize:    p.AskSize,
		ObservedAt: p.Timestamp,
	}, nil
}

func (b *RemoteBroker) PlaceLimitOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	return b.place(ctx, req, &placePayload{
		Symbol:        req.Symbol,
		Side:          strings.ToLower(string(req.Side)),
		Type:          "limit",
		Quantity:      req.Quantity.String(),
		LimitPrice:    req.LimitPrice.StringFixed(2),
		TimeInForce:   "day",
		ClientOrderID: req.ClientOrderID,
	})
}

func (b *RemoteBroker) PlaceMarketOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.BrokerOrder, error) {
	return b.place(ctx, req, &placePayload{
		Symbol:        req.Symbol,
		Side:          strings.ToLower(string(req.Side)),
		Type:          "market",
		Quantity:      req.Quantity.String(),
		TimeInForce:   "day",
		ClientOrderID: req.ClientOrderID,
	})
}

func (b *RemoteBroker) place(ctx context.Context, req *core.PlaceOrderRequest, payload *placePayload) (*core.BrokerOrder, error) {
	body, err := b.client.Post(ctx, "/v1/orders", payload)
	if err != nil {
		return nil, mapAPIError(err)
	}
	var p orderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	b.logger.Debug("order accepted",
		"broker_order_id", p.ID,
		"client_order_id", req.ClientOrderID,
	)
	return p.toBrokerOrder(), nil
}

func (b *RemoteBroker) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	if _, err := b.client.Delete(ctx, "/v1/orders/"+brokerOrderID, nil); err != nil {
		return mapAPIError(err)
	}
	return nil
}

func (b *RemoteBroker) GetOrder(ctx context.Context, symbol, brokerOrderID string) (*core.BrokerOrder, error) {
	body, err := b.client.Get(ctx, "/v1/orders/"+brokerOrderID, nil)
	if err != nil {
		return nil, mapAPIError(err)
	}
	var p orderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return p.toBrokerOrder(), nil
}

func (b *RemoteBroker) StartFillStream(ctx context.Context, callback func(*core.FillEvent)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ws != nil {
		return nil
	}

	b.callback = callback
	ws := websocket.NewClient(b.cfg.FillStreamURL, b.handleStreamMessage, b.logger)
	ws.SetOnConnected(func() {
		if err := ws.Send(map[string]interface{}{
			"action": "subscribe",
			"stream": "trade_updates",
			"key":    b.cfg.APIKey,
		}); err != nil {
			b.logger.Warn("stream subscribe failed", "error", err)
		}
	})
	ws.Start()
	b.ws = ws
	return nil
}

func (b *RemoteBroker) StopFillStream() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ws == nil {
		return nil
	}
	b.ws.Stop()
	b.ws = nil
	b.callback = nil
	return nil
}

func (b *RemoteBroker) handleStreamMessage(message []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		b.logger.Warn("undecodable stream message", "error", err)
		return
	}
	if env.Stream != "trade_updates" {
		return
	}

	b.mu.Lock()
	cb := b.callback
	b.mu.Unlock()
	if cb == nil {
		return
	}
	cb(&core.FillEvent{
		BrokerOrderID:  env.Data.ID,
		Symbol:         env.Data.Symbol,
		Status:         mapOrderStatus(env.Data.Status),
		FilledQuantity: env.Data.FilledQuantity,
		AvgFillPrice:   env.Data.AvgFillPrice,
		Timestamp:      env.Data.UpdatedAt,
	})
}

func (p *orderPayload) toBrokerOrder() *core.BrokerOrder {
	return &core.BrokerOrder{
		BrokerOrderID:  p.ID,
		ClientOrderID:  p.ClientOrderID,
		Symbol:         p.Symbol,
		Side:           core.OrderSide(strings.ToUpper(p.Side)),
		Type:           core.OrderType(strings.ToUpper(p.Type)),
		Status:         mapOrderStatus(p.Status),
		LimitPrice:     p.LimitPrice,
		Quantity:       p.Quantity,
		FilledQuantity: p.FilledQuantity,
		AvgFillPrice:   p.AvgFillPrice,
		UpdatedAt:      p.UpdatedAt,
	}
}

func mapOrderStatus(s string) core.BrokerOrderStatus {
	switch strings.ToLower(s) {
	case "new", "accepted", "pending_new":
		return core.BrokerOrderNew
	case "partially_filled":
		return core.BrokerOrderPartiallyFilled
	case "filled":
		return core.BrokerOrderFilled
	case "canceled", "pending_cancel", "done_for_day":
		return core.BrokerOrderCanceled
	case "rejected":
		return core.BrokerOrderRejected
	case "expired":
		return core.BrokerOrderExpired
	default:
		return core.BrokerOrderNew
	}
}

// mapAPIError translates HTTP failures into the broker sentinel errors the
// execution layer branches on.
func mapAPIError(err error) error {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return apperrors.ErrOrderNotFound
	case http.StatusForbidden:
		return apperrors.ErrInsufficientFunds
	case http.StatusUnprocessableEntity:
		return apperrors.ErrOrderRejected
	case http.StatusTooManyRequests:
		return apperrors.ErrRateLimitExceeded
	default:
		return apiErr
	}
}
