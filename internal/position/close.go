package position

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/core"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// closeAcc accumulates exit fills per leg with cumulative-delta
// accounting, so re-polling an order never double counts qty or fees.
type closeAcc struct {
	qty     decimal.Decimal
	cost    decimal.Decimal
	fees    decimal.Decimal
	seenQty map[string]decimal.Decimal
	seenFee map[string]decimal.Decimal
}

func newCloseAcc() *closeAcc {
	return &closeAcc{seenQty: make(map[string]decimal.Decimal), seenFee: make(map[string]decimal.Decimal)}
}

// apply folds in an order snapshot, counting only what is new since the
// last snapshot of the same order.
func (a *closeAcc) apply(o core.Order) {
	if dq := o.FilledQty.Sub(a.seenQty[o.OrderID]); dq.IsPositive() {
		price := o.AvgFillPrice
		if price.IsZero() {
			price = o.Price
		}
		a.qty = a.qty.Add(dq)
		a.cost = a.cost.Add(dq.Mul(price))
		a.seenQty[o.OrderID] = o.FilledQty
	}
	if df := o.Fee.Sub(a.seenFee[o.OrderID]); df.IsPositive() {
		a.fees = a.fees.Add(df)
		a.seenFee[o.OrderID] = o.Fee
	}
}

func (a *closeAcc) vwap() decimal.Decimal {
	if !a.qty.IsPositive() {
		return decimal.Zero
	}
	return a.cost.Div(a.qty)
}

// closeTrade unwinds both legs. The normal path tries a coordinated
// reduce-only maker close first and escalates residuals to IOC; a fast
// close goes straight to IOC. Returns true when the trade reached
// CLOSED; otherwise it stays CLOSING and the next tick retries.
func (m *Manager) closeTrade(ctx context.Context, trade *core.Trade, decision ExitDecision) bool {
	trade.CloseReason = decision.Rule
	trade.AppendEvent("exit_signal", decision.Reason)
	if err := trade.Transition(core.TradeStatusClosing); err != nil {
		m.logger.Error("Close transition failed", "trade_id", trade.ID, "error", err)
		return false
	}
	m.store.UpdateTrade(trade)

	accs := map[core.Venue]*closeAcc{}
	for _, leg := range trade.Legs() {
		accs[leg.Venue] = newCloseAcc()
	}

	if !decision.FastClose {
		m.makerClose(ctx, trade, accs)
	}
	for _, leg := range trade.Legs() {
		acc := accs[leg.Venue]
		residual := leg.FilledQty.Sub(acc.qty)
		if residual.GreaterThan(qtyTolerance) {
			m.iocClose(ctx, trade, leg, residual, acc)
		}
	}

	for _, leg := range trade.Legs() {
		acc := accs[leg.Venue]
		if acc.qty.IsPositive() {
			leg.ExitPrice = acc.vwap()
			leg.Fees = leg.Fees.Add(acc.fees)
		}
	}
	m.store.UpdateTrade(trade)
	return m.settleIfFlat(ctx, trade)
}

// makerClose places reduce-only post-only orders at the touch on both
// venues at once, then waits out the maker window applying fills. BUY
// closes rest at the bid, SELL closes at the ask. Residuals are left for
// the IOC escalation.
func (m *Manager) makerClose(ctx context.Context, trade *core.Trade, accs map[core.Venue]*closeAcc) {
	type working struct {
		leg   *core.TradeLeg
		order core.Order
	}
	var orders []*working

	for _, leg := range trade.Legs() {
		if !leg.FilledQty.IsPositive() {
			continue
		}
		side := leg.Side.Opposite()
		price, err := m.passiveClosePrice(ctx, trade.Symbol, leg.Venue, side)
		if err != nil {
			m.logger.Warn("Maker close skipped, no book", "trade_id", trade.ID,
				"venue", string(leg.Venue), "error", err)
			continue
		}
		o, err := m.ports[leg.Venue].PlaceOrder(ctx, core.OrderRequest{
			Symbol:      trade.Symbol,
			Venue:       leg.Venue,
			Side:        side,
			Qty:         leg.FilledQty,
			Type:        core.OrderTypeLimit,
			Price:       price,
			TimeInForce: core.TIFPostOnly,
			ReduceOnly:  true,
		})
		if err != nil {
			m.logger.Warn("Maker close order rejected", "trade_id", trade.ID,
				"venue", string(leg.Venue), "error", err)
			continue
		}
		accs[leg.Venue].apply(o)
		orders = append(orders, &working{leg: leg, order: o})
	}

	deadline := time.Now().Add(time.Duration(m.ecfg.MakerTimeoutSeconds) * time.Second)
	for {
		allDone := true
		for _, w := range orders {
			acc := accs[w.leg.Venue]
			if acc.qty.GreaterThanOrEqual(w.leg.FilledQty.Sub(qtyTolerance)) {
				continue
			}
			o, err := m.ports[w.leg.Venue].GetOrder(ctx, trade.Symbol, w.order.OrderID)
			if err == nil {
				acc.apply(o)
				w.order = o
			}
			if !w.order.Status.IsTerminal() &&
				acc.qty.LessThan(w.leg.FilledQty.Sub(qtyTolerance)) {
				allDone = false
			}
		}
		if allDone || time.Now().After(deadline) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		if ctx.Err() != nil {
			break
		}
	}

	// Cancel whatever is still resting, picking up raced fills.
	for _, w := range orders {
		if w.order.Status.IsTerminal() {
			continue
		}
		port := m.ports[w.leg.Venue]
		if err := port.CancelOrder(ctx, trade.Symbol, w.order.OrderID); err != nil {
			m.logger.Warn("Cancel of maker close failed", "trade_id", trade.ID,
				"venue", string(w.leg.Venue), "error", err)
		}
		if o, err := port.GetOrder(ctx, trade.Symbol, w.order.OrderID); err == nil {
			accs[w.leg.Venue].apply(o)
		}
	}
}

// iocClose crosses the book for the residual with a slippage-capped
// reduce-only IOC limit.
func (m *Manager) iocClose(ctx context.Context, trade *core.Trade, leg *core.TradeLeg,
	qty decimal.Decimal, acc *closeAcc) {

	side := leg.Side.Opposite()
	price, err := m.aggressiveClosePrice(ctx, trade.Symbol, leg.Venue, side)
	if err != nil {
		m.logger.Error("IOC close skipped, no book", "trade_id", trade.ID,
			"venue", string(leg.Venue), "error", err)
		return
	}
	o, err := m.ports[leg.Venue].PlaceOrder(ctx, core.OrderRequest{
		Symbol:      trade.Symbol,
		Venue:       leg.Venue,
		Side:        side,
		Qty:         qty,
		Type:        core.OrderTypeLimit,
		Price:       price,
		TimeInForce: core.TIFIOC,
		ReduceOnly:  true,
	})
	if err != nil {
		m.logger.Error("IOC close failed", "trade_id", trade.ID,
			"venue", string(leg.Venue), "error", err)
		return
	}
	acc.apply(o)

	deadline := time.Now().Add(time.Duration(m.ecfg.HedgeIOCFillTimeoutSeconds) * time.Second)
	for !o.Status.IsTerminal() && time.Now().Before(deadline) && ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		got, err := m.ports[leg.Venue].GetOrder(ctx, trade.Symbol, o.OrderID)
		if err != nil {
			continue
		}
		o = got
		acc.apply(o)
	}
}

// passiveClosePrice rests at the touch on the order's own side of the
// book: a closing BUY at the best bid, a closing SELL at the best ask.
func (m *Manager) passiveClosePrice(ctx context.Context, symbol string, venue core.Venue, side core.Side) (decimal.Decimal, error) {
	l1, err := m.md.FreshL1(ctx, symbol, venue)
	if err != nil {
		l1, err = m.ports[venue].GetOrderbookL1(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
	}
	if side == core.SideBuy {
		return l1.Bid.Price, nil
	}
	return l1.Ask.Price, nil
}

// aggressiveClosePrice crosses the spread with the configured slippage
// allowance on top of the opposite touch.
func (m *Manager) aggressiveClosePrice(ctx context.Context, symbol string, venue core.Venue, side core.Side) (decimal.Decimal, error) {
	l1, err := m.md.FreshL1(ctx, symbol, venue)
	if err != nil {
		l1, err = m.ports[venue].GetOrderbookL1(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
	}
	slip := decimal.NewFromFloat(m.ecfg.X10CloseSlippage)
	var price decimal.Decimal
	if side == core.SideBuy {
		price = l1.Ask.Price.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = l1.Bid.Price.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	if info, ok := m.ports[venue].GetMarketInfo(symbol); ok {
		price = core.RoundToTick(price, info.TickSize, side)
	}
	return price, nil
}

// completeClose retries a close that left residual exposure on a prior
// pass: flatten whatever each venue still reports, then settle.
func (m *Manager) completeClose(ctx context.Context, trade *core.Trade) bool {
	for _, leg := range trade.Legs() {
		pos, err := m.ports[leg.Venue].GetPosition(ctx, trade.Symbol)
		if err != nil {
			m.logger.Warn("Close retry position fetch failed", "trade_id", trade.ID,
				"venue", string(leg.Venue), "error", err)
			return false
		}
		if pos == nil || pos.Qty.LessThanOrEqual(qtyTolerance) {
			continue
		}
		acc := newCloseAcc()
		m.iocClose(ctx, trade, leg, pos.Qty, acc)
		if acc.qty.IsPositive() {
			if leg.ExitPrice.IsZero() {
				leg.ExitPrice = acc.vwap()
			}
			leg.Fees = leg.Fees.Add(acc.fees)
		}
	}
	m.store.UpdateTrade(trade)
	return m.settleIfFlat(ctx, trade)
}

// settleIfFlat verifies both venues are flat and finalizes the trade.
// Any residual leaves the trade CLOSING for the next tick.
func (m *Manager) settleIfFlat(ctx context.Context, trade *core.Trade) bool {
	deadline := time.Now().Add(5 * time.Second)
	for {
		flat := true
		for _, leg := range trade.Legs() {
			pos, err := m.ports[leg.Venue].GetPosition(ctx, trade.Symbol)
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
			m.finalizeClose(trade)
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			trade.AppendEvent("close_incomplete", "residual exposure remains, will retry")
			m.store.UpdateTrade(trade)
			m.logger.Warn("Close left residual exposure", "trade_id", trade.ID, "symbol", trade.Symbol)
			return false
		}
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// finalizeClose books the realized pnl and emits the lifecycle event.
func (m *Manager) finalizeClose(trade *core.Trade) {
	realized := trade.FundingCollected
	for _, leg := range trade.Legs() {
		if leg.ExitPrice.IsPositive() && leg.FilledQty.IsPositive() {
			realized = realized.Add(leg.ExitPrice.Sub(leg.EntryPrice).Mul(leg.FilledQty).Mul(leg.Side.Sign()))
		}
		realized = realized.Sub(leg.Fees)
	}
	trade.RealizedPnL = realized
	trade.UnrealizedPnL = decimal.Zero
	if err := trade.Transition(core.TradeStatusClosed); err != nil {
		m.logger.Error("Closed transition failed", "trade_id", trade.ID, "error", err)
		return
	}
	trade.AppendEvent("closed", fmt.Sprintf("reason=%s realized=%s",
		trade.CloseReason, realized.StringFixed(4)))
	m.store.UpdateTrade(trade)

	pnl, _ := realized.Float64()
	telemetry.GetGlobalMetrics().AddRealizedPnL(pnl)
	telemetry.GetGlobalMetrics().IncTradesClosed()
	telemetry.GetGlobalMetrics().SetUnrealizedPnL(trade.Symbol, 0)
	m.bus.Publish(core.Event{
		Type: core.EventTradeClosed, TradeID: trade.ID, Symbol: trade.Symbol,
		Reason: trade.CloseReason, Timestamp: time.Now().UTC(),
	})
	m.logger.Info("Trade closed", "trade_id", trade.ID, "symbol", trade.Symbol,
		"reason", trade.CloseReason, "realized_pnl", realized.StringFixed(4))
}
