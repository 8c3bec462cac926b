// Package orderbook maintains a local per-symbol book fed from a venue's
// public depth stream, with gap detection and crossed-book recovery.
package orderbook

import (
	"context"
	"sort"
	"sync"
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const (
	// MaxLevels caps retained levels per side; worst-priced are evicted.
	MaxLevels = 200

	// initialSyncGrace tolerates nonce mismatches right after connect,
	// when the snapshot and the first increments can arrive out of order.
	initialSyncGrace = 10 * time.Second
)

// crossEpsilon tolerates float-sourced feeds where best_bid == best_ask
// transiently at the venue boundary.
var crossEpsilon = decimal.New(1, -12)

// Update is one side-level change from the stream. Size zero removes
// the level.
type Update struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	IsBid bool
}

// Book is a single (symbol, venue) orderbook. Not safe for concurrent
// use by multiple writers; the adapter's stream consumer owns it.
// Readers go through the snapshot accessors which take the lock.
type Book struct {
	mu sync.RWMutex

	symbol string
	venue  core.Venue
	logger core.ILogger

	bids map[string]core.PriceLevel // key = price.String()
	asks map[string]core.PriceLevel

	synced       bool
	lastNonce    int64
	lastOffset   int64
	connectedAt  time.Time
	graceLogged  bool
	updatedAt    time.Time
	resyncNeeded bool
}

// NewBook creates an empty, unsynced book.
func NewBook(symbol string, venue core.Venue, logger core.ILogger) *Book {
	return &Book{
		symbol: symbol,
		venue:  venue,
		logger: logger.WithFields(map[string]interface{}{
			"component": "orderbook",
			"symbol":    symbol,
			"venue":     string(venue),
		}),
		bids: make(map[string]core.PriceLevel),
		asks: make(map[string]core.PriceLevel),
	}
}

// MarkConnected resets the initial-sync grace window. Called by the
// adapter on every (re)connect, before the snapshot request.
func (b *Book) MarkConnected() {
	b.mu.Lock()
	b.connectedAt = time.Now()
	b.graceLogged = false
	b.mu.Unlock()
}

// ApplySnapshot replaces the book state and re-arms the chains.
func (b *Book) ApplySnapshot(bids, asks []core.PriceLevel, nonce, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]core.PriceLevel, len(bids))
	for _, lvl := range bids {
		if lvl.Qty.IsPositive() {
			b.bids[lvl.Price.String()] = lvl
		}
	}
	b.asks = make(map[string]core.PriceLevel, len(asks))
	for _, lvl := range asks {
		if lvl.Qty.IsPositive() {
			b.asks[lvl.Price.String()] = lvl
		}
	}
	b.lastNonce = nonce
	b.lastOffset = offset
	b.synced = true
	b.resyncNeeded = false
	b.updatedAt = time.Now()
	b.enforceCapLocked()
}

// ApplyIncremental validates the nonce and offset chains and applies the
// updates. It returns false when the message was rejected and the caller
// should request a fresh snapshot (check ResyncNeeded).
func (b *Book) ApplyIncremental(updates []Update, beginNonce, endNonce, offset int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		return false
	}

	if offset <= b.lastOffset {
		// Duplicate delivery after a venue-side replay.
		return true
	}
	if offset > b.lastOffset+1 {
		b.logger.Debug("Offset jump", "from", b.lastOffset, "to", offset)
	}

	if beginNonce != b.lastNonce {
		if time.Since(b.connectedAt) < initialSyncGrace {
			if !b.graceLogged {
				b.logger.Info("Accepting nonce reset during initial sync",
					"expected", b.lastNonce, "got", beginNonce)
				b.graceLogged = true
			}
		} else {
			b.logger.Warn("Nonce gap detected, requesting resync",
				"expected", b.lastNonce, "got", beginNonce)
			b.markNotSyncedLocked()
			return false
		}
	}

	for _, u := range updates {
		side := b.asks
		if u.IsBid {
			side = b.bids
		}
		key := u.Price.String()
		if u.Size.IsZero() || u.Size.IsNegative() {
			delete(side, key)
		} else {
			side[key] = core.PriceLevel{Price: u.Price, Qty: u.Size}
		}
	}

	b.lastNonce = endNonce
	b.lastOffset = offset
	b.updatedAt = time.Now()
	b.enforceCapLocked()

	if b.crossedLocked() {
		b.logger.Warn("Crossed book after update, requesting resync")
		b.markNotSyncedLocked()
		return false
	}
	return true
}

func (b *Book) markNotSyncedLocked() {
	b.synced = false
	b.resyncNeeded = true
	// Instruments are nil until telemetry.Setup runs (unit tests).
	if c := telemetry.GetGlobalMetrics().BookResyncsTotal; c != nil {
		c.Add(context.Background(), 1)
	}
}

func (b *Book) crossedLocked() bool {
	bid, bok := bestLocked(b.bids, true)
	ask, aok := bestLocked(b.asks, false)
	if !bok || !aok {
		return false
	}
	return bid.Price.Sub(ask.Price).GreaterThan(crossEpsilon)
}

// enforceCapLocked evicts worst-priced levels beyond MaxLevels.
func (b *Book) enforceCapLocked() {
	if len(b.bids) > MaxLevels {
		prices := sortedPrices(b.bids, true)
		for _, p := range prices[MaxLevels:] {
			delete(b.bids, p.String())
		}
	}
	if len(b.asks) > MaxLevels {
		prices := sortedPrices(b.asks, false)
		for _, p := range prices[MaxLevels:] {
			delete(b.asks, p.String())
		}
	}
}

// IsSynced reports whether the book can serve prices.
func (b *Book) IsSynced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// ResyncNeeded reports whether a fresh snapshot must be requested.
func (b *Book) ResyncNeeded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resyncNeeded
}

// UpdatedAt returns the last successful mutation time.
func (b *Book) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// L1 returns the raw top of book.
func (b *Book) L1() (core.OrderbookSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.synced {
		return core.OrderbookSnapshot{}, false
	}
	bid, bok := bestLocked(b.bids, true)
	ask, aok := bestLocked(b.asks, false)
	if !bok || !aok {
		return core.OrderbookSnapshot{}, false
	}
	return core.OrderbookSnapshot{
		Symbol:    b.symbol,
		Venue:     b.venue,
		Bid:       bid,
		Ask:       ask,
		UpdatedAt: b.updatedAt,
	}, true
}

// EffectiveL1 returns the first level per side whose notional meets
// minNotional, falling back to the raw best when every level is dust.
// This keeps execution from pricing off $1 front-runner orders.
func (b *Book) EffectiveL1(minNotional decimal.Decimal) (core.OrderbookSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.synced {
		return core.OrderbookSnapshot{}, false
	}

	bid, bok := firstAboveNotional(b.bids, true, minNotional)
	ask, aok := firstAboveNotional(b.asks, false, minNotional)
	if !bok {
		bid, bok = bestLocked(b.bids, true)
	}
	if !aok {
		ask, aok = bestLocked(b.asks, false)
	}
	if !bok || !aok {
		return core.OrderbookSnapshot{}, false
	}
	return core.OrderbookSnapshot{
		Symbol:    b.symbol,
		Venue:     b.venue,
		Bid:       bid,
		Ask:       ask,
		UpdatedAt: b.updatedAt,
	}, true
}

// Depth returns up to levels sorted levels per side.
func (b *Book) Depth(levels int) (core.OrderbookDepthSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.synced {
		return core.OrderbookDepthSnapshot{}, false
	}
	if levels <= 0 || levels > MaxLevels {
		levels = MaxLevels
	}

	snap := core.OrderbookDepthSnapshot{
		Symbol:    b.symbol,
		Venue:     b.venue,
		UpdatedAt: b.updatedAt,
	}
	for _, p := range limitPrices(sortedPrices(b.bids, true), levels) {
		snap.Bids = append(snap.Bids, b.bids[p.String()])
	}
	for _, p := range limitPrices(sortedPrices(b.asks, false), levels) {
		snap.Asks = append(snap.Asks, b.asks[p.String()])
	}
	return snap, true
}

func limitPrices(prices []decimal.Decimal, n int) []decimal.Decimal {
	if len(prices) > n {
		return prices[:n]
	}
	return prices
}

// sortedPrices returns prices best-first: descending for bids,
// ascending for asks.
func sortedPrices(side map[string]core.PriceLevel, isBid bool) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, len(side))
	for _, lvl := range side {
		prices = append(prices, lvl.Price)
	}
	sort.Slice(prices, func(i, j int) bool {
		if isBid {
			return prices[i].GreaterThan(prices[j])
		}
		return prices[i].LessThan(prices[j])
	})
	return prices
}

func bestLocked(side map[string]core.PriceLevel, isBid bool) (core.PriceLevel, bool) {
	var best core.PriceLevel
	found := false
	for _, lvl := range side {
		if !found {
			best = lvl
			found = true
			continue
		}
		if isBid && lvl.Price.GreaterThan(best.Price) {
			best = lvl
		} else if !isBid && lvl.Price.LessThan(best.Price) {
			best = lvl
		}
	}
	return best, found
}

func firstAboveNotional(side map[string]core.PriceLevel, isBid bool, minNotional decimal.Decimal) (core.PriceLevel, bool) {
	for _, p := range sortedPrices(side, isBid) {
		lvl := side[p.String()]
		if lvl.Notional().GreaterThanOrEqual(minNotional) {
			return lvl, true
		}
	}
	return core.PriceLevel{}, false
}
