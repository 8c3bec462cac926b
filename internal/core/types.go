// Package core defines the domain model and the port interfaces shared by
// every component of the funding arbitrage engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies one of the two exchanges the engine trades on.
type Venue string

const (
	VenueLighter Venue = "lighter"
	VenueX10     Venue = "x10"
)

// Side is an order or position side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() decimal.Decimal {
	if s == SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce controls order lifetime on the book.
type TimeInForce string

const (
	TIFGTC      TimeInForce = "GTC"
	TIFIOC      TimeInForce = "IOC"
	TIFPostOnly TimeInForce = "POST_ONLY"
)

// OrderStatus is the lifecycle state reported by a venue.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// MarketInfo describes a perpetual market on one venue. Loaded at startup
// and immutable for the process lifetime.
type MarketInfo struct {
	Symbol       string
	Venue        Venue
	BaseAsset    string
	QuoteAsset   string
	TickSize     decimal.Decimal
	StepSize     decimal.Decimal
	MinOrderSize decimal.Decimal
	MaxLeverage  decimal.Decimal
}

// FundingRate is the current hourly funding rate for a symbol on a venue.
// HourlyRate is a decimal fraction (0.0001 == 0.01%/h).
type FundingRate struct {
	Symbol          string
	Venue           Venue
	HourlyRate      decimal.Decimal
	NextFundingTime time.Time
	UpdatedAt       time.Time
}

// PriceSnapshot is the latest mark price for a symbol on a venue.
type PriceSnapshot struct {
	Symbol    string
	Venue     Venue
	MarkPrice decimal.Decimal
	UpdatedAt time.Time
}

// PriceLevel is one orderbook level.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Notional returns price*qty.
func (l PriceLevel) Notional() decimal.Decimal {
	return l.Price.Mul(l.Qty)
}

// OrderbookSnapshot is the best bid/ask with sizes.
type OrderbookSnapshot struct {
	Symbol    string
	Venue     Venue
	Bid       PriceLevel
	Ask       PriceLevel
	UpdatedAt time.Time
}

// Mid returns (bid+ask)/2, zero if either side is empty.
func (s OrderbookSnapshot) Mid() decimal.Decimal {
	if s.Bid.Price.IsZero() || s.Ask.Price.IsZero() {
		return decimal.Zero
	}
	return s.Bid.Price.Add(s.Ask.Price).Div(decimal.NewFromInt(2))
}

// OrderbookDepthSnapshot is an N-level depth view.
type OrderbookDepthSnapshot struct {
	Symbol    string
	Venue     Venue
	Bids      []PriceLevel
	Asks      []PriceLevel
	UpdatedAt time.Time
}

// Position is a venue-reported position. Venues reporting qty==0 are
// filtered out by the adapters and never reach callers.
type Position struct {
	Symbol           string
	Venue            Venue
	Side             Side
	Qty              decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal // zero when the venue does not report it
}

// SignedQty returns the position quantity signed by side.
func (p Position) SignedQty() decimal.Decimal {
	return p.Qty.Mul(p.Side.Sign())
}

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Symbol        string
	Venue         Venue
	Side          Side
	Qty           decimal.Decimal
	Type          OrderType
	Price         decimal.Decimal // zero for market
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// Order is the venue's view of a placed order.
//
// Invariants: FilledQty <= Qty; terminal statuses never regress;
// AvgFillPrice is zero iff FilledQty is zero.
type Order struct {
	OrderRequest
	OrderID      string
	Status       OrderStatus
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fee          decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// FeeSchedule is the maker/taker fee fractions for a venue, loaded once at
// startup (fees do not change at runtime).
type FeeSchedule struct {
	Venue    Venue
	MakerFee decimal.Decimal
	TakerFee decimal.Decimal
}

// FundingPayment is one realized funding payment reported by a venue.
// Positive means received, negative means paid.
type FundingPayment struct {
	Symbol    string
	Venue     Venue
	Amount    decimal.Decimal
	Timestamp time.Time
}

// Balance is the free collateral on a venue.
type Balance struct {
	Venue     Venue
	Available decimal.Decimal
	Total     decimal.Decimal
	UpdatedAt time.Time
}

// Opportunity is a ranked funding spread candidate produced by the
// opportunity engine and consumed by the execution engine.
type Opportunity struct {
	Symbol            string
	LongVenue         Venue
	ShortVenue        Venue
	NetHourlyRate     decimal.Decimal
	APY               decimal.Decimal
	Spread            decimal.Decimal // cross-venue price spread, fraction
	MidPrice          decimal.Decimal
	SuggestedQty      decimal.Decimal
	SuggestedNotional decimal.Decimal
	BreakevenHours    decimal.Decimal
	ExpectedValueUSD  decimal.Decimal
	ScannedAt         time.Time
}
