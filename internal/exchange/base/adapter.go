// Package base provides the plumbing shared by both venue adapters:
// market metadata cache, stream callback registry with a single dispatch
// goroutine, and WS readiness tracking.
package base

import (
	"sync"
	"sync/atomic"
	"time"

	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

// Adapter carries the state common to both venue adapters. Concrete
// adapters embed it and implement the wire protocol on top.
type Adapter struct {
	venue  core.Venue
	Logger core.ILogger

	marketsMu sync.RWMutex
	markets   map[string]core.MarketInfo

	cbMu        sync.RWMutex
	orderCbs    []func(core.Order)
	positionCbs []func(core.Position)
	fundingCbs  []func(core.FundingPayment)
	l1Cbs       []func(core.OrderbookSnapshot)

	// dispatch is consumed by exactly one goroutine so callback ordering
	// per channel matches the order events arrived from the venue.
	dispatch chan func()
	done     chan struct{}
	stopOnce sync.Once
	wsReady  atomic.Bool
}

func NewAdapter(venue core.Venue, logger core.ILogger) *Adapter {
	a := &Adapter{
		venue:    venue,
		Logger:   logger.WithField("exchange", string(venue)),
		markets:  make(map[string]core.MarketInfo),
		dispatch: make(chan func(), 1024),
		done:     make(chan struct{}),
	}
	go a.dispatchLoop()
	return a
}

func (a *Adapter) Venue() core.Venue { return a.venue }

func (a *Adapter) dispatchLoop() {
	for {
		select {
		case <-a.done:
			return
		case fn := <-a.dispatch:
			fn()
		}
	}
}

// StopDispatch shuts the callback dispatcher down. Safe to call twice.
func (a *Adapter) StopDispatch() {
	a.stopOnce.Do(func() { close(a.done) })
}

func (a *Adapter) submit(fn func()) {
	select {
	case a.dispatch <- fn:
	case <-a.done:
	}
}

// SetMarkets replaces the market metadata cache.
func (a *Adapter) SetMarkets(markets map[string]core.MarketInfo) {
	a.marketsMu.Lock()
	defer a.marketsMu.Unlock()
	a.markets = markets
}

func (a *Adapter) GetMarketInfo(symbol string) (core.MarketInfo, bool) {
	a.marketsMu.RLock()
	defer a.marketsMu.RUnlock()
	mi, ok := a.markets[symbol]
	return mi, ok
}

func (a *Adapter) Markets() map[string]core.MarketInfo {
	a.marketsMu.RLock()
	defer a.marketsMu.RUnlock()
	out := make(map[string]core.MarketInfo, len(a.markets))
	for k, v := range a.markets {
		out[k] = v
	}
	return out
}

func (a *Adapter) SubscribeOrders(cb func(core.Order)) error {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.orderCbs = append(a.orderCbs, cb)
	return nil
}

func (a *Adapter) SubscribePositions(cb func(core.Position)) error {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.positionCbs = append(a.positionCbs, cb)
	return nil
}

func (a *Adapter) SubscribeFunding(cb func(core.FundingPayment)) error {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.fundingCbs = append(a.fundingCbs, cb)
	return nil
}

func (a *Adapter) SubscribeOrderbookL1(_ []string, cb func(core.OrderbookSnapshot)) error {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.l1Cbs = append(a.l1Cbs, cb)
	return nil
}

func (a *Adapter) EmitOrder(o core.Order) {
	a.cbMu.RLock()
	cbs := append([]func(core.Order){}, a.orderCbs...)
	a.cbMu.RUnlock()
	a.submit(func() {
		for _, cb := range cbs {
			cb(o)
		}
	})
}

func (a *Adapter) EmitPosition(p core.Position) {
	a.cbMu.RLock()
	cbs := append([]func(core.Position){}, a.positionCbs...)
	a.cbMu.RUnlock()
	a.submit(func() {
		for _, cb := range cbs {
			cb(p)
		}
	})
}

func (a *Adapter) EmitFunding(f core.FundingPayment) {
	a.cbMu.RLock()
	cbs := append([]func(core.FundingPayment){}, a.fundingCbs...)
	a.cbMu.RUnlock()
	a.submit(func() {
		for _, cb := range cbs {
			cb(f)
		}
	})
}

func (a *Adapter) EmitL1(s core.OrderbookSnapshot) {
	a.cbMu.RLock()
	cbs := append([]func(core.OrderbookSnapshot){}, a.l1Cbs...)
	a.cbMu.RUnlock()
	a.submit(func() {
		for _, cb := range cbs {
			cb(s)
		}
	})
}

func (a *Adapter) WSReady() bool      { return a.wsReady.Load() }
func (a *Adapter) SetWSReady(up bool) { a.wsReady.Store(up) }

// ParseDecimal parses a venue decimal string, logging and returning zero
// on garbage input rather than failing the whole message.
func (a *Adapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		a.Logger.Warn("Failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp converts venue epoch milliseconds.
func (a *Adapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
