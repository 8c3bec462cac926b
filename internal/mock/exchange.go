// Package mock provides a scriptable in-memory ExchangePort for tests
// and paper trading.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/apperrors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exchange is a configurable fake venue. Zero value is not usable; use
// NewExchange. All fields guarded by mu unless noted.
type Exchange struct {
	mu sync.Mutex

	venue   core.Venue
	markets map[string]core.MarketInfo

	MarkPrices   map[string]decimal.Decimal
	FundingRates map[string]core.FundingRate
	L1           map[string]core.OrderbookSnapshot
	DepthBook    map[string]core.OrderbookDepthSnapshot
	Balance      core.Balance
	Fees         core.FeeSchedule
	Positions    map[string]core.Position
	Orders       map[string]core.Order
	Funding      decimal.Decimal

	// Behavior hooks; when nil the default applies.
	PlaceOrderFn  func(req core.OrderRequest) (core.Order, error)
	GetOrderFn    func(symbol, orderID string) (core.Order, error)
	CancelOrderFn func(symbol, orderID string) error
	ModifySupported bool
	FillImmediately bool // PlaceOrder returns a fully filled order

	// Error injection.
	PlaceOrderErr error
	BalanceErr    error

	orderCallbacks    []func(core.Order)
	positionCallbacks []func(core.Position)
	fundingCallbacks  []func(core.FundingPayment)
	wsReady           bool

	PlacedOrders   []core.OrderRequest
	CanceledOrders []string
}

// NewExchange creates a mock venue with empty state.
func NewExchange(venue core.Venue) *Exchange {
	return &Exchange{
		venue:           venue,
		markets:         make(map[string]core.MarketInfo),
		MarkPrices:      make(map[string]decimal.Decimal),
		FundingRates:    make(map[string]core.FundingRate),
		L1:              make(map[string]core.OrderbookSnapshot),
		DepthBook:       make(map[string]core.OrderbookDepthSnapshot),
		Positions:       make(map[string]core.Position),
		Orders:          make(map[string]core.Order),
		Balance:         core.Balance{Venue: venue, Available: decimal.NewFromInt(10000), Total: decimal.NewFromInt(10000)},
		ModifySupported: true,
		FillImmediately: true,
		wsReady:         true,
	}
}

// AddMarket registers a market with standard ETH-like precision.
func (m *Exchange) AddMarket(symbol string, tick, step, minOrder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[symbol] = core.MarketInfo{
		Symbol:       symbol,
		Venue:        m.venue,
		TickSize:     decimal.RequireFromString(tick),
		StepSize:     decimal.RequireFromString(step),
		MinOrderSize: decimal.RequireFromString(minOrder),
	}
}

// SetPosition installs or clears (qty zero) a position.
func (m *Exchange) SetPosition(symbol string, side core.Side, qty, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qty.IsZero() {
		delete(m.Positions, symbol)
		return
	}
	m.Positions[symbol] = core.Position{
		Symbol: symbol, Venue: m.venue, Side: side, Qty: qty, EntryPrice: entry,
	}
}

// SetWSReady controls the reported stream health.
func (m *Exchange) SetWSReady(ready bool) {
	m.mu.Lock()
	m.wsReady = ready
	m.mu.Unlock()
}

// EmitOrder pushes an order update to subscribers.
func (m *Exchange) EmitOrder(o core.Order) {
	m.mu.Lock()
	cbs := append([]func(core.Order){}, m.orderCallbacks...)
	m.Orders[o.OrderID] = o
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(o)
	}
}

// EmitFunding pushes a funding payment to subscribers.
func (m *Exchange) EmitFunding(p core.FundingPayment) {
	m.mu.Lock()
	cbs := append([]func(core.FundingPayment){}, m.fundingCallbacks...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(p)
	}
}

func (m *Exchange) Venue() core.Venue                        { return m.venue }
func (m *Exchange) Initialize(ctx context.Context) error     { return nil }
func (m *Exchange) Close(ctx context.Context) error          { return nil }
func (m *Exchange) CheckHealth(ctx context.Context) error    { return nil }

func (m *Exchange) LoadMarkets(ctx context.Context) (map[string]core.MarketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.MarketInfo, len(m.markets))
	for k, v := range m.markets {
		out[k] = v
	}
	return out, nil
}

func (m *Exchange) GetMarketInfo(symbol string) (core.MarketInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.markets[symbol]
	return info, ok
}

func (m *Exchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.MarkPrices[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: no mark price for %s", apperrors.ErrNetwork, symbol)
	}
	return p, nil
}

func (m *Exchange) GetFundingRate(ctx context.Context, symbol string) (core.FundingRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.FundingRates[symbol]
	if !ok {
		return core.FundingRate{}, fmt.Errorf("%w: no funding rate for %s", apperrors.ErrNetwork, symbol)
	}
	return r, nil
}

func (m *Exchange) GetOrderbookL1(ctx context.Context, symbol string) (core.OrderbookSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.L1[symbol]
	if !ok {
		return core.OrderbookSnapshot{}, fmt.Errorf("%w: no L1 for %s", apperrors.ErrNetwork, symbol)
	}
	return s, nil
}

func (m *Exchange) GetOrderbookDepth(ctx context.Context, symbol string, levels int) (core.OrderbookDepthSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.DepthBook[symbol]
	if !ok {
		return core.OrderbookDepthSnapshot{}, fmt.Errorf("%w: no depth for %s", apperrors.ErrNetwork, symbol)
	}
	return s, nil
}

func (m *Exchange) GetAvailableBalance(ctx context.Context) (core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return core.Balance{}, m.BalanceErr
	}
	return m.Balance, nil
}

func (m *Exchange) GetFeeSchedule(ctx context.Context, symbol string) (core.FeeSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fees, nil
}

func (m *Exchange) ListPositions(ctx context.Context) ([]core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Position, 0, len(m.Positions))
	for _, p := range m.Positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *Exchange) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Positions[symbol]
	if !ok {
		return nil, nil
	}
	c := p
	return &c, nil
}

func (m *Exchange) GetRealizedFunding(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Funding, nil
}

func (m *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	m.mu.Lock()
	if m.PlaceOrderErr != nil {
		err := m.PlaceOrderErr
		m.mu.Unlock()
		return core.Order{}, err
	}
	m.PlacedOrders = append(m.PlacedOrders, req)
	fn := m.PlaceOrderFn
	fill := m.FillImmediately
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}

	order := core.Order{
		OrderRequest: req,
		OrderID:      uuid.NewString(),
		Status:       core.OrderStatusOpen,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if fill {
		order.Status = core.OrderStatusFilled
		order.FilledQty = req.Qty
		order.AvgFillPrice = req.Price
		m.applyFill(req)
	}

	m.mu.Lock()
	m.Orders[order.OrderID] = order
	m.mu.Unlock()
	return order, nil
}

// applyFill adjusts the tracked position for a filled order.
func (m *Exchange) applyFill(req core.OrderRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.Positions[req.Symbol]
	if !ok {
		if req.ReduceOnly {
			return
		}
		m.Positions[req.Symbol] = core.Position{
			Symbol: req.Symbol, Venue: m.venue, Side: req.Side, Qty: req.Qty, EntryPrice: req.Price,
		}
		return
	}

	if pos.Side == req.Side {
		pos.Qty = pos.Qty.Add(req.Qty)
	} else {
		pos.Qty = pos.Qty.Sub(req.Qty)
		if pos.Qty.IsNegative() {
			pos.Qty = pos.Qty.Abs()
			pos.Side = req.Side
		}
	}
	if pos.Qty.IsZero() {
		delete(m.Positions, req.Symbol)
	} else {
		m.Positions[req.Symbol] = pos
	}
}

func (m *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (core.Order, error) {
	m.mu.Lock()
	fn := m.GetOrderFn
	m.mu.Unlock()
	if fn != nil {
		return fn(symbol, orderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[orderID]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: order %s", apperrors.ErrOrderNotFound, orderID)
	}
	return o, nil
}

func (m *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	fn := m.CancelOrderFn
	m.CanceledOrders = append(m.CanceledOrders, orderID)
	m.mu.Unlock()
	if fn != nil {
		return fn(symbol, orderID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.Orders[orderID]; ok && !o.Status.IsTerminal() {
		o.Status = core.OrderStatusCancelled
		m.Orders[orderID] = o
	}
	return nil
}

func (m *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range m.Orders {
		if (symbol == "" || o.Symbol == symbol) && !o.Status.IsTerminal() {
			o.Status = core.OrderStatusCancelled
			m.Orders[id] = o
		}
	}
	return nil
}

func (m *Exchange) ModifyOrder(ctx context.Context, symbol, orderID string, price, qty decimal.Decimal) (core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ModifySupported {
		return core.Order{}, apperrors.ErrNotSupported
	}
	o, ok := m.Orders[orderID]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: order %s", apperrors.ErrOrderNotFound, orderID)
	}
	if !price.IsZero() {
		o.Price = price
	}
	if !qty.IsZero() {
		o.Qty = qty
	}
	o.UpdatedAt = time.Now().UTC()
	m.Orders[orderID] = o
	return o, nil
}

func (m *Exchange) SubscribeOrders(cb func(core.Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderCallbacks = append(m.orderCallbacks, cb)
	return nil
}

func (m *Exchange) SubscribePositions(cb func(core.Position)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionCallbacks = append(m.positionCallbacks, cb)
	return nil
}

func (m *Exchange) SubscribeFunding(cb func(core.FundingPayment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fundingCallbacks = append(m.fundingCallbacks, cb)
	return nil
}

func (m *Exchange) SubscribeOrderbookL1(symbols []string, cb func(core.OrderbookSnapshot)) error {
	return nil
}

func (m *Exchange) WSReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wsReady
}
