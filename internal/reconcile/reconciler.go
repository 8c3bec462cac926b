// Package reconcile cross-checks the durable trade record against what
// the venues actually report: orphan positions, zombie orders, and
// quantity drift between a trade leg and its exchange position.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

var qtyTolerance = decimal.NewFromFloat(1e-9)

// recentTradeWindow bounds how far back the zombie-order sweep looks.
const recentTradeWindow = 50

// Reconciler periodically audits venue state against the store. Small
// quantity divergence is corrected in place; anything structural is
// surfaced as an event for the supervisor and as an operator alert.
type Reconciler struct {
	ports  map[core.Venue]core.ExchangePort
	store  core.TradeStorePort
	bus    core.EventBusPort
	alerts core.AlertSink
	rcfg   config.RiskConfig
	logger core.ILogger
}

// NewReconciler wires the reconciler. alerts may be nil.
func NewReconciler(ports []core.ExchangePort, store core.TradeStorePort, bus core.EventBusPort,
	alerts core.AlertSink, rcfg config.RiskConfig, logger core.ILogger) *Reconciler {

	r := &Reconciler{
		ports:  make(map[core.Venue]core.ExchangePort, len(ports)),
		store:  store,
		bus:    bus,
		alerts: alerts,
		rcfg:   rcfg,
		logger: logger.WithField("component", "reconcile"),
	}
	for _, p := range ports {
		r.ports[p.Venue()] = p
	}
	return r
}

// Run audits on the configured interval until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	interval := time.Duration(r.rcfg.ReconcileIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("Reconcile pass failed", "error", err)
			}
		}
	}
}

// RunOnce executes one full audit pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	open := r.store.ListOpenTrades()
	active := make(map[string]*core.Trade, len(open))
	for _, t := range open {
		active[t.Symbol] = t
	}

	for venue, port := range r.ports {
		positions, err := port.ListPositions(ctx)
		if err != nil {
			return fmt.Errorf("list positions on %s: %w", venue, err)
		}
		for _, pos := range positions {
			if pos.Qty.LessThanOrEqual(qtyTolerance) {
				continue
			}
			if _, ok := active[pos.Symbol]; !ok {
				r.reportOrphan(ctx, venue, pos)
			}
		}
	}

	for _, trade := range open {
		if trade.Status != core.TradeStatusOpen {
			continue
		}
		r.auditTrade(ctx, trade)
	}

	return r.sweepZombieOrders(ctx)
}

// auditTrade compares each leg's recorded fill against the venue's
// position. Drift inside the auto-correct bound is adopted as truth;
// beyond it, or a missing leg, raises the broken-hedge event so the
// supervisor pauses entries.
func (r *Reconciler) auditTrade(ctx context.Context, trade *core.Trade) {
	corrected := false
	for _, leg := range trade.Legs() {
		if !leg.FilledQty.IsPositive() {
			continue
		}
		pos, err := r.ports[leg.Venue].GetPosition(ctx, trade.Symbol)
		if err != nil {
			r.logger.Warn("Position fetch failed during audit", "trade_id", trade.ID,
				"venue", string(leg.Venue), "error", err)
			return
		}
		if pos == nil || pos.Qty.LessThanOrEqual(qtyTolerance) {
			r.raiseBrokenHedge(ctx, trade, fmt.Sprintf("leg on %s missing from venue", leg.Venue))
			return
		}

		driftPct := pos.Qty.Sub(leg.FilledQty).Abs().Div(leg.FilledQty).Mul(decimal.NewFromInt(100))
		if driftPct.LessThanOrEqual(qtyTolerance) {
			continue
		}
		if driftPct.LessThanOrEqual(decimal.NewFromFloat(r.rcfg.ReconcileAutoCorrectPct)) {
			r.logger.Info("Auto-correcting leg quantity", "trade_id", trade.ID,
				"venue", string(leg.Venue), "recorded", leg.FilledQty.String(),
				"venue_qty", pos.Qty.String(), "drift_pct", driftPct.StringFixed(3))
			trade.AppendEvent("qty_reconciled", fmt.Sprintf("%s: %s -> %s",
				leg.Venue, leg.FilledQty.String(), pos.Qty.String()))
			leg.FilledQty = pos.Qty
			corrected = true
			continue
		}

		r.raiseBrokenHedge(ctx, trade, fmt.Sprintf("qty drift %s%% on %s exceeds %.2f%%",
			driftPct.StringFixed(2), leg.Venue, r.rcfg.ReconcileAutoCorrectPct))
		return
	}
	if corrected {
		r.store.UpdateTrade(trade)
	}
}

// sweepZombieOrders cancels orders still resting on a venue for trades
// that have already reached a terminal status.
func (r *Reconciler) sweepZombieOrders(ctx context.Context) error {
	trades, err := r.store.ListTrades(ctx, recentTradeWindow)
	if err != nil {
		return fmt.Errorf("list recent trades: %w", err)
	}
	for _, trade := range trades {
		if trade.Status.IsActive() {
			continue
		}
		for _, leg := range trade.Legs() {
			if leg.OrderID == "" {
				continue
			}
			port := r.ports[leg.Venue]
			o, err := port.GetOrder(ctx, trade.Symbol, leg.OrderID)
			if err != nil || o.Status.IsTerminal() {
				continue
			}
			r.logger.Warn("Cancelling zombie order", "trade_id", trade.ID,
				"symbol", trade.Symbol, "venue", string(leg.Venue), "order_id", leg.OrderID)
			if err := port.CancelOrder(ctx, trade.Symbol, leg.OrderID); err != nil {
				r.logger.Error("Zombie order cancel failed", "order_id", leg.OrderID, "error", err)
				continue
			}
			r.bus.Publish(core.Event{
				Type: core.EventZombieOrder, TradeID: trade.ID, Symbol: trade.Symbol,
				Reason: fmt.Sprintf("order %s open on %s for terminal trade", leg.OrderID, leg.Venue),
				Timestamp: time.Now().UTC(),
			})
		}
	}
	return nil
}

func (r *Reconciler) reportOrphan(ctx context.Context, venue core.Venue, pos core.Position) {
	reason := fmt.Sprintf("%s %s %s on %s has no active trade",
		pos.Side, pos.Qty.String(), pos.Symbol, venue)
	r.logger.Error("Orphan position detected", "symbol", pos.Symbol,
		"venue", string(venue), "qty", pos.Qty.String())
	r.bus.Publish(core.Event{
		Type: core.EventOrphanPosition, Symbol: pos.Symbol,
		Reason: reason, Timestamp: time.Now().UTC(),
	})
	if r.alerts != nil {
		r.alerts.Alert(ctx, "Orphan position", reason, "error", map[string]string{
			"symbol": pos.Symbol,
			"venue":  string(venue),
			"qty":    pos.Qty.String(),
		})
	}
}

func (r *Reconciler) raiseBrokenHedge(ctx context.Context, trade *core.Trade, reason string) {
	r.logger.Error("Reconciler found unbalanced trade", "trade_id", trade.ID,
		"symbol", trade.Symbol, "reason", reason)
	trade.AppendEvent("reconcile_divergence", reason)
	r.store.UpdateTrade(trade)
	r.bus.Publish(core.Event{
		Type: core.EventBrokenHedge, TradeID: trade.ID, Symbol: trade.Symbol,
		Reason: reason, Timestamp: time.Now().UTC(),
	})
	if r.alerts != nil {
		r.alerts.Alert(ctx, "Trade divergence", reason, "error", map[string]string{
			"trade_id": trade.ID,
			"symbol":   trade.Symbol,
		})
	}
}
