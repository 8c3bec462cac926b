package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangePort is the uniform per-venue interface consumed by all higher
// layers. Implementations return domain values only, never venue-native
// structures, and translate venue error codes into the apperrors taxonomy.
type ExchangePort interface {
	// Identity and lifecycle.
	Venue() Venue
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	CheckHealth(ctx context.Context) error

	// Market data.
	LoadMarkets(ctx context.Context) (map[string]MarketInfo, error)
	GetMarketInfo(symbol string) (MarketInfo, bool)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetFundingRate(ctx context.Context, symbol string) (FundingRate, error)
	GetOrderbookL1(ctx context.Context, symbol string) (OrderbookSnapshot, error)
	GetOrderbookDepth(ctx context.Context, symbol string, levels int) (OrderbookDepthSnapshot, error)

	// Account.
	GetAvailableBalance(ctx context.Context) (Balance, error)
	GetFeeSchedule(ctx context.Context, symbol string) (FeeSchedule, error)

	// Positions.
	ListPositions(ctx context.Context) ([]Position, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetRealizedFunding(ctx context.Context, symbol string, since time.Time) (decimal.Decimal, error)

	// Orders.
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	GetOrder(ctx context.Context, symbol, orderID string) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	// ModifyOrder reprices an open order in place. Adapters that do not
	// support it return apperrors.ErrNotSupported.
	ModifyOrder(ctx context.Context, symbol, orderID string, price, qty decimal.Decimal) (Order, error)

	// Streams. Callbacks run on the adapter's consumer goroutine; ordering
	// per (symbol, channel) is preserved.
	SubscribeOrders(cb func(Order)) error
	SubscribePositions(cb func(Position)) error
	SubscribeFunding(cb func(FundingPayment)) error
	SubscribeOrderbookL1(symbols []string, cb func(OrderbookSnapshot)) error

	// WSReady reports whether the order stream is connected and healthy,
	// which lets fill waits prefer push notification over polling.
	WSReady() bool
}

// TradeStorePort is the durable trade record. All trade mutations route
// through it; only CreateTrade commits synchronously, everything else is
// write-behind.
type TradeStorePort interface {
	CreateTrade(ctx context.Context, t *Trade) error
	UpdateTrade(t *Trade)
	GetTrade(id string) (*Trade, bool)
	GetOpenTradeBySymbol(symbol string) (*Trade, bool)
	ListOpenTrades() []*Trade
	ListTrades(ctx context.Context, limit int) ([]*Trade, error)

	RecordAttempt(a *ExecutionAttempt)
	RecordFundingEvent(e *FundingEvent)
	ListFundingEvents(ctx context.Context, tradeID string) ([]FundingEvent, error)
	ReplaceFundingEvents(tradeID string, events []FundingEvent)
	RecordFundingCandle(c *FundingCandle)
	ListFundingCandles(ctx context.Context, symbol string, venue Venue, since time.Time) ([]FundingCandle, error)

	QueueDepth() int
	Close(ctx context.Context) error
}

// EventBusPort is the in-process pub/sub carrying domain events.
type EventBusPort interface {
	Publish(ev Event)
	Subscribe(types ...EventType) <-chan Event
	Drain(ctx context.Context) error
}

// ILogger is the logging interface implemented by internal/logging on zap.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// AlertSink receives operator-facing alerts from domain components.
type AlertSink interface {
	Alert(ctx context.Context, title, message, level string, fields map[string]string)
}
