package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal    = "rebalancer_orders_placed_total"
	MetricOrdersFilledTotal    = "rebalancer_orders_filled_total"
	MetricOrdersFailedTotal    = "rebalancer_orders_failed_total"
	MetricRepegsTotal          = "rebalancer_repegs_total"
	MetricMarketFallbacksTotal = "rebalancer_market_fallbacks_total"
	MetricSellRetriesTotal     = "rebalancer_sell_retries_total"
	MetricGateOutcomesTotal    = "rebalancer_gate_outcomes_total"
	MetricSettledValueTotal    = "rebalancer_settled_value_usd_total"
	MetricFillLatency          = "rebalancer_fill_latency_seconds"
	MetricPlansActive          = "rebalancer_plans_active"
	MetricOutstandingSells     = "rebalancer_outstanding_sells"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersFailedTotal    metric.Int64Counter
	RepegsTotal          metric.Int64Counter
	MarketFallbacksTotal metric.Int64Counter
	SellRetriesTotal     metric.Int64Counter
	GateOutcomesTotal    metric.Int64Counter
	SettledValueTotal    metric.Float64Counter
	FillLatency          metric.Float64Histogram
	PlansActive          metric.Int64ObservableGauge
	OutstandingSells     metric.Int64ObservableGauge

	// State for observable gauges
	mu                  sync.RWMutex
	activePlans         int64
	outstandingSellsMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			outstandingSellsMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed at the brokerage"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total orders that ended FAILED"))
	if err != nil {
		return err
	}

	m.RepegsTotal, err = meter.Int64Counter(MetricRepegsTotal, metric.WithDescription("Total cancel-and-resubmit repricings"))
	if err != nil {
		return err
	}

	m.MarketFallbacksTotal, err = meter.Int64Counter(MetricMarketFallbacksTotal, metric.WithDescription("Total market-order fallbacks after the limit ladder"))
	if err != nil {
		return err
	}

	m.SellRetriesTotal, err = meter.Int64Counter(MetricSellRetriesTotal, metric.WithDescription("Total failed-sell resubmissions"))
	if err != nil {
		return err
	}

	m.GateOutcomesTotal, err = meter.Int64Counter(MetricGateOutcomesTotal, metric.WithDescription("Phase gate evaluations by outcome"))
	if err != nil {
		return err
	}

	m.SettledValueTotal, err = meter.Float64Counter(MetricSettledValueTotal, metric.WithDescription("Cumulative settled (filled) value in USD"))
	if err != nil {
		return err
	}

	m.FillLatency, err = meter.Float64Histogram(MetricFillLatency, metric.WithDescription("Time from placement to terminal fill state"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.PlansActive, err = meter.Int64ObservableGauge(MetricPlansActive, metric.WithDescription("Rebalance plans currently executing"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activePlans)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OutstandingSells, err = meter.Int64ObservableGauge(MetricOutstandingSells, metric.WithDescription("Outstanding sell orders per plan"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for plan, val := range m.outstandingSellsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("plan_id", plan)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) PlanStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activePlans++
}

func (m *MetricsHolder) PlanFinished(planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activePlans > 0 {
		m.activePlans--
	}
	delete(m.outstandingSellsMap, planID)
}

func (m *MetricsHolder) SetOutstandingSells(planID string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outstandingSellsMap[planID] = n
}
