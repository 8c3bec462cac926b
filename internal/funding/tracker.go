// Package funding reconciles realized funding per trade per venue and
// records hourly funding candles for the history analyzer.
package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/marketdata"
	"fundarb/pkg/apperrors"
	"fundarb/pkg/retry"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// transient classifies which funding-history failures are worth a
// retried fetch within the same reconcile pass.
func transient(err error) bool {
	return errors.Is(err, apperrors.ErrNetwork) || errors.Is(err, apperrors.ErrRateLimited)
}

// amountTolerance ignores sub-dust funding deltas so a reconcile pass
// does not spam zero-ish events.
var amountTolerance = decimal.NewFromFloat(1e-9)

var hoursPerYear = decimal.NewFromInt(24 * 365)

// Tracker periodically folds each venue's realized funding into the
// owning trade. FundingCollected always equals the sum of the trade's
// funding events; the two are updated together.
type Tracker struct {
	ports   map[core.Venue]core.ExchangePort
	store   core.TradeStorePort
	bus     core.EventBusPort
	md      *marketdata.Service
	symbols []string
	logger  core.ILogger
}

// NewTracker wires the funding tracker.
func NewTracker(ports []core.ExchangePort, store core.TradeStorePort, bus core.EventBusPort,
	md *marketdata.Service, symbols []string, logger core.ILogger) *Tracker {

	t := &Tracker{
		ports:   make(map[core.Venue]core.ExchangePort, len(ports)),
		store:   store,
		bus:     bus,
		md:      md,
		symbols: symbols,
		logger:  logger.WithField("component", "funding"),
	}
	for _, p := range ports {
		t.ports[p.Venue()] = p
	}
	return t
}

// Run reconciles on a fixed interval until the context ends.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ReconcileAll(ctx)
			t.RecordCandles(ctx)
		}
	}
}

// ReconcileAll updates funding on every trade that still holds exposure.
func (t *Tracker) ReconcileAll(ctx context.Context) {
	for _, trade := range t.store.ListOpenTrades() {
		switch trade.Status {
		case core.TradeStatusOpen, core.TradeStatusClosing:
		default:
			continue
		}
		if err := t.ReconcileTrade(ctx, trade); err != nil {
			t.logger.Warn("Funding reconcile failed", "trade_id", trade.ID,
				"symbol", trade.Symbol, "error", err)
		}
	}
}

// ReconcileTrade fetches realized funding per venue since the trade
// opened and records the delta against the already-booked events. A
// trade still carrying legacy aggregate "NET" events is migrated to
// per-venue snapshots first; the legacy sum is never used as a baseline.
func (t *Tracker) ReconcileTrade(ctx context.Context, trade *core.Trade) error {
	events, err := t.store.ListFundingEvents(ctx, trade.ID)
	if err != nil {
		return fmt.Errorf("list funding events: %w", err)
	}

	booked := make(map[core.Venue]decimal.Decimal, 2)
	hasLegacy := false
	for _, ev := range events {
		if ev.Venue == core.VenueNet {
			hasLegacy = true
			continue
		}
		booked[ev.Venue] = booked[ev.Venue].Add(ev.Amount)
	}

	since := trade.OpenedAt
	if since.IsZero() {
		since = trade.CreatedAt
	}
	realized := make(map[core.Venue]decimal.Decimal, 2)
	for venue, port := range t.ports {
		var amount decimal.Decimal
		err := retry.Do(ctx, retry.DefaultPolicy, transient, func() error {
			var ferr error
			amount, ferr = port.GetRealizedFunding(ctx, trade.Symbol, since)
			return ferr
		})
		if err != nil {
			return fmt.Errorf("realized funding on %s: %w", venue, err)
		}
		realized[venue] = amount
	}

	now := time.Now().UTC()
	if hasLegacy {
		return t.migrateLegacy(trade, realized, now)
	}

	changed := false
	total := trade.FundingCollected
	for venue, amount := range realized {
		delta := amount.Sub(booked[venue])
		if delta.Abs().LessThanOrEqual(amountTolerance) {
			continue
		}
		t.store.RecordFundingEvent(&core.FundingEvent{
			TradeID: trade.ID, Venue: venue, Amount: delta, At: now,
		})
		total = total.Add(delta)
		f, _ := delta.Float64()
		telemetry.GetGlobalMetrics().AddFundingCollected(f)
		changed = true
	}
	if !changed {
		return nil
	}

	trade.FundingCollected = total
	trade.LastFundingUpdate = now
	t.store.UpdateTrade(trade)
	t.bus.Publish(core.Event{
		Type: core.EventFundingReconciled, TradeID: trade.ID, Symbol: trade.Symbol,
		Timestamp: now,
	})
	t.logger.Debug("Funding reconciled", "trade_id", trade.ID,
		"symbol", trade.Symbol, "collected", total.String())
	return nil
}

// migrateLegacy replaces a trade's aggregate event history with one
// snapshot event per venue equal to the venue's realized funding right
// now. From here on deltas accrue against these per-venue sums.
func (t *Tracker) migrateLegacy(trade *core.Trade, realized map[core.Venue]decimal.Decimal, now time.Time) error {
	snapshot := make([]core.FundingEvent, 0, len(realized))
	total := decimal.Zero
	for venue, amount := range realized {
		snapshot = append(snapshot, core.FundingEvent{
			TradeID: trade.ID, Venue: venue, Amount: amount, At: now,
		})
		total = total.Add(amount)
	}
	t.store.ReplaceFundingEvents(trade.ID, snapshot)

	previous := trade.FundingCollected
	trade.FundingCollected = total
	trade.LastFundingUpdate = now
	trade.AppendEvent("funding_migrated", fmt.Sprintf("legacy NET events replaced, %s -> %s",
		previous.String(), total.String()))
	t.store.UpdateTrade(trade)
	t.bus.Publish(core.Event{
		Type: core.EventFundingReconciled, TradeID: trade.ID, Symbol: trade.Symbol,
		Reason: "legacy_net_migrated", Timestamp: now,
	})

	f, _ := total.Sub(previous).Float64()
	telemetry.GetGlobalMetrics().AddFundingCollected(f)
	t.logger.Info("Migrated legacy NET funding events", "trade_id", trade.ID,
		"symbol", trade.Symbol, "collected", total.String())
	return nil
}

// RecordCandles writes one hourly-normalized funding observation per
// (symbol, venue) from the current fresh rates. The store upserts on the
// truncated timestamp, so repeated calls within the hour are idempotent.
func (t *Tracker) RecordCandles(ctx context.Context) {
	now := time.Now().UTC().Truncate(time.Hour)
	for _, symbol := range t.symbols {
		for venue := range t.ports {
			rate, err := t.md.FreshFundingRate(ctx, symbol, venue)
			if err != nil {
				t.logger.Debug("Candle skipped, rate unavailable",
					"symbol", symbol, "venue", string(venue), "error", err)
				continue
			}
			t.store.RecordFundingCandle(&core.FundingCandle{
				Symbol:     symbol,
				Venue:      venue,
				HourlyRate: rate.HourlyRate,
				APY:        rate.HourlyRate.Mul(hoursPerYear),
				Timestamp:  now,
			})
		}
	}
}
