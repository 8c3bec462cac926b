package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTradesOpenedTotal   = "fundarb_trades_opened_total"
	MetricTradesClosedTotal   = "fundarb_trades_closed_total"
	MetricTradesRejectedTotal = "fundarb_trades_rejected_total"
	MetricRollbacksTotal      = "fundarb_rollbacks_total"
	MetricFundingCollected    = "fundarb_funding_collected_total"
	MetricRealizedPnL         = "fundarb_pnl_realized_total"
	MetricUnrealizedPnL       = "fundarb_pnl_unrealized"
	MetricHedgeLatency        = "fundarb_hedge_latency_ms"
	MetricLeg1FillSeconds     = "fundarb_leg1_fill_seconds"
	MetricWriteQueueDepth     = "fundarb_store_write_queue_depth"
	MetricWriteQueueBlocked   = "fundarb_store_write_queue_blocked_total"
	MetricDeltaNeutrality     = "fundarb_delta_neutrality"
	MetricTradingPaused       = "fundarb_trading_paused"
	MetricCircuitBreakerOpen  = "fundarb_circuit_breaker_open"
	MetricBookResyncsTotal    = "fundarb_orderbook_resyncs_total"
)

// MetricsHolder holds initialized instruments plus the state backing the
// observable gauges.
type MetricsHolder struct {
	TradesOpenedTotal   metric.Int64Counter
	TradesClosedTotal   metric.Int64Counter
	TradesRejectedTotal metric.Int64Counter
	RollbacksTotal      metric.Int64Counter
	FundingCollected    metric.Float64UpDownCounter
	RealizedPnL         metric.Float64UpDownCounter
	UnrealizedPnL       metric.Float64ObservableGauge
	HedgeLatency        metric.Float64Histogram
	Leg1FillSeconds     metric.Float64Histogram
	WriteQueueDepth     metric.Int64ObservableGauge
	WriteQueueBlocked   metric.Int64Counter
	DeltaNeutrality     metric.Float64ObservableGauge
	TradingPaused       metric.Int64ObservableGauge
	CircuitBreakerOpen  metric.Int64ObservableGauge
	BookResyncsTotal    metric.Int64Counter

	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	deltaNeutralMap  map[string]float64
	cbOpenMap        map[string]int64
	pausedState      int64
	queueDepthFn     func() int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			deltaNeutralMap:  make(map[string]float64),
			cbOpenMap:        make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.TradesOpenedTotal, err = meter.Int64Counter(MetricTradesOpenedTotal,
		metric.WithDescription("Trades that reached OPEN")); err != nil {
		return err
	}
	if m.TradesClosedTotal, err = meter.Int64Counter(MetricTradesClosedTotal,
		metric.WithDescription("Trades that reached CLOSED")); err != nil {
		return err
	}
	if m.TradesRejectedTotal, err = meter.Int64Counter(MetricTradesRejectedTotal,
		metric.WithDescription("Entries rejected in preflight")); err != nil {
		return err
	}
	if m.RollbacksTotal, err = meter.Int64Counter(MetricRollbacksTotal,
		metric.WithDescription("Stranded legs rolled back")); err != nil {
		return err
	}
	if m.FundingCollected, err = meter.Float64UpDownCounter(MetricFundingCollected,
		metric.WithDescription("Net funding collected in USD")); err != nil {
		return err
	}
	if m.RealizedPnL, err = meter.Float64UpDownCounter(MetricRealizedPnL,
		metric.WithDescription("Cumulative realized PnL in USD")); err != nil {
		return err
	}
	if m.HedgeLatency, err = meter.Float64Histogram(MetricHedgeLatency,
		metric.WithDescription("Leg1 fill to leg2 submit latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.Leg1FillSeconds, err = meter.Float64Histogram(MetricLeg1FillSeconds,
		metric.WithDescription("Seconds from first leg1 order to full fill"), metric.WithUnit("s")); err != nil {
		return err
	}
	if m.WriteQueueBlocked, err = meter.Int64Counter(MetricWriteQueueBlocked,
		metric.WithDescription("Producer blocks on the full write-behind queue")); err != nil {
		return err
	}
	if m.BookResyncsTotal, err = meter.Int64Counter(MetricBookResyncsTotal,
		metric.WithDescription("Orderbook gap-triggered resyncs")); err != nil {
		return err
	}

	m.UnrealizedPnL, err = meter.Float64ObservableGauge(MetricUnrealizedPnL,
		metric.WithDescription("Current unrealized PnL per symbol"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DeltaNeutrality, err = meter.Float64ObservableGauge(MetricDeltaNeutrality,
		metric.WithDescription("1.0 means perfectly hedged"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.deltaNeutralMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen,
		metric.WithDescription("1 when the named breaker is open"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for host, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("host", host)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.TradingPaused, err = meter.Int64ObservableGauge(MetricTradingPaused,
		metric.WithDescription("1 while the supervisor inhibits new opens"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.pausedState)
			return nil
		}))
	if err != nil {
		return err
	}

	m.WriteQueueDepth, err = meter.Int64ObservableGauge(MetricWriteQueueDepth,
		metric.WithDescription("Pending operations in the store write queue"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			fn := m.queueDepthFn
			m.mu.RUnlock()
			if fn != nil {
				obs.Observe(fn())
			}
			return nil
		}))
	return err
}

// SetUnrealizedPnL updates the per-symbol unrealized PnL gauge state.
func (m *MetricsHolder) SetUnrealizedPnL(symbol string, v float64) {
	m.mu.Lock()
	m.unrealizedPnLMap[symbol] = v
	m.mu.Unlock()
}

// SetDeltaNeutrality updates the per-symbol neutrality gauge state.
func (m *MetricsHolder) SetDeltaNeutrality(symbol string, v float64) {
	m.mu.Lock()
	m.deltaNeutralMap[symbol] = v
	m.mu.Unlock()
}

// SetCircuitBreakerOpen flags a host breaker open or closed.
func (m *MetricsHolder) SetCircuitBreakerOpen(host string, open bool) {
	v := int64(0)
	if open {
		v = 1
	}
	m.mu.Lock()
	m.cbOpenMap[host] = v
	m.mu.Unlock()
}

// SetTradingPaused flags the global pause gauge.
func (m *MetricsHolder) SetTradingPaused(paused bool) {
	v := int64(0)
	if paused {
		v = 1
	}
	m.mu.Lock()
	m.pausedState = v
	m.mu.Unlock()
}

// The Inc/Observe/Add helpers below are nil-safe so domain code can run
// before InitMetrics (unit tests).

func (m *MetricsHolder) IncTradesOpened() {
	if m.TradesOpenedTotal != nil {
		m.TradesOpenedTotal.Add(context.Background(), 1)
	}
}

func (m *MetricsHolder) IncTradesClosed() {
	if m.TradesClosedTotal != nil {
		m.TradesClosedTotal.Add(context.Background(), 1)
	}
}

func (m *MetricsHolder) IncTradesRejected() {
	if m.TradesRejectedTotal != nil {
		m.TradesRejectedTotal.Add(context.Background(), 1)
	}
}

func (m *MetricsHolder) IncRollbacks() {
	if m.RollbacksTotal != nil {
		m.RollbacksTotal.Add(context.Background(), 1)
	}
}

func (m *MetricsHolder) ObserveHedgeLatencyMs(ms float64) {
	if m.HedgeLatency != nil {
		m.HedgeLatency.Record(context.Background(), ms)
	}
}

func (m *MetricsHolder) ObserveLeg1FillSeconds(s float64) {
	if m.Leg1FillSeconds != nil {
		m.Leg1FillSeconds.Record(context.Background(), s)
	}
}

func (m *MetricsHolder) AddFundingCollected(usd float64) {
	if m.FundingCollected != nil {
		m.FundingCollected.Add(context.Background(), usd)
	}
}

func (m *MetricsHolder) AddRealizedPnL(usd float64) {
	if m.RealizedPnL != nil {
		m.RealizedPnL.Add(context.Background(), usd)
	}
}

// IncWriteQueueBlocked counts a producer blocking on the full queue.
// Safe before InitMetrics runs (unit tests).
func (m *MetricsHolder) IncWriteQueueBlocked() {
	if m.WriteQueueBlocked != nil {
		m.WriteQueueBlocked.Add(context.Background(), 1)
	}
}

// SetQueueDepthFunc registers the store's queue depth callback.
func (m *MetricsHolder) SetQueueDepthFunc(fn func() int64) {
	m.mu.Lock()
	m.queueDepthFn = fn
	m.mu.Unlock()
}
