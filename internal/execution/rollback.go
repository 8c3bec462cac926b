package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/apperrors"
	"fundarb/pkg/telemetry"
)

// rollback flattens a stranded entry: whatever filled on either venue
// is closed reduce-only, then both venues are verified flat before the
// trade is marked failed. A rollback that cannot verify flat raises the
// failed event so the supervisor pauses trading.
func (e *Engine) rollback(ctx context.Context, trade *core.Trade, plan legPlan) {
	trade.ExecState = core.ExecStateRollbackQueued
	if trade.Status == core.TradeStatusOpening {
		trade.Transition(core.TradeStatusRollback)
	}
	e.store.UpdateTrade(trade)

	trade.ExecState = core.ExecStateRollbackInProgress
	e.store.UpdateTrade(trade)
	e.logger.Warn("Rolling back stranded entry", "trade_id", trade.ID, "symbol", trade.Symbol)

	ok := true
	for _, venue := range []core.Venue{plan.makerVenue, plan.hedgeVenue} {
		if err := e.flattenVenue(ctx, trade, venue); err != nil {
			ok = false
			e.logger.Error("Rollback close failed", "trade_id", trade.ID,
				"venue", string(venue), "error", err)
		}
	}
	if ok {
		ok = e.verifyFlat(ctx, trade, plan)
	}

	if !ok {
		trade.ExecState = core.ExecStateRollbackFailed
		trade.AppendEvent("rollback_failed", "could not verify both venues flat")
		trade.CloseReason = "rollback_failed"
		trade.Transition(core.TradeStatusFailed)
		e.store.UpdateTrade(trade)
		e.bus.Publish(core.Event{
			Type: core.EventRollbackFailed, TradeID: trade.ID, Symbol: trade.Symbol,
			Reason: "manual intervention required", Timestamp: time.Now().UTC(),
		})
		return
	}

	trade.ExecState = core.ExecStateRollbackDone
	trade.CloseReason = "rolled_back"
	trade.AppendEvent("rollback_done", "both venues flat")
	trade.Transition(core.TradeStatusFailed)
	e.store.UpdateTrade(trade)
	e.bus.Publish(core.Event{
		Type: core.EventRollbackDone, TradeID: trade.ID, Symbol: trade.Symbol,
		Timestamp: time.Now().UTC(),
	})
	telemetry.GetGlobalMetrics().IncRollbacks()
	e.logger.Info("Rollback complete", "trade_id", trade.ID, "symbol", trade.Symbol)
}

// flattenVenue cancels any resting order for the trade on the venue and
// reduce-only closes whatever position remains.
func (e *Engine) flattenVenue(ctx context.Context, trade *core.Trade, venue core.Venue) error {
	port := e.ports[venue]
	leg := trade.Leg(venue)

	if leg.OrderID != "" {
		if err := port.CancelOrder(ctx, trade.Symbol, leg.OrderID); err != nil &&
			!errors.Is(err, apperrors.ErrOrderNotFound) {
			e.logger.Warn("Cancel during rollback failed", "venue", string(venue), "error", err)
		}
	}

	pos, err := port.GetPosition(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("position fetch: %w", err)
	}
	if pos == nil || pos.Qty.LessThanOrEqual(qtyTolerance) {
		return nil
	}

	o, err := port.PlaceOrder(ctx, core.OrderRequest{
		Symbol:      trade.Symbol,
		Venue:       venue,
		Side:        pos.Side.Opposite(),
		Qty:         pos.Qty,
		Type:        core.OrderTypeMarket,
		TimeInForce: core.TIFIOC,
		ReduceOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("reduce-only close: %w", err)
	}
	if !o.AvgFillPrice.IsZero() {
		leg.ExitPrice = o.AvgFillPrice
		leg.Fees = leg.Fees.Add(o.Fee)
	}
	return nil
}

// verifyFlat polls both venues until neither reports a residual
// position, bounded by a short deadline.
func (e *Engine) verifyFlat(ctx context.Context, trade *core.Trade, plan legPlan) bool {
	deadline := time.Now().Add(10 * time.Second)
	for {
		flat := true
		for _, venue := range []core.Venue{plan.makerVenue, plan.hedgeVenue} {
			pos, err := e.ports[venue].GetPosition(ctx, trade.Symbol)
			if err != nil {
				flat = false
				break
			}
			if pos != nil && pos.Qty.GreaterThan(qtyTolerance) {
				flat = false
				break
			}
		}
		if flat {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}
