package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/depth"
	"fundarb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// fillAcc accumulates fills across maker reprices so the leg carries a
// running VWAP instead of the last order's price.
type fillAcc struct {
	qty  decimal.Decimal
	cost decimal.Decimal
	fees decimal.Decimal
	// counted is per-order fill already folded in, so repeated order
	// snapshots only contribute their delta.
	counted map[string]decimal.Decimal
}

func newFillAcc() *fillAcc {
	return &fillAcc{counted: make(map[string]decimal.Decimal)}
}

func (f *fillAcc) add(qty, price, fee decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	f.qty = f.qty.Add(qty)
	f.cost = f.cost.Add(qty.Mul(price))
	f.fees = f.fees.Add(fee)
}

// addOrder folds in the not-yet-counted part of an order's fill.
func (f *fillAcc) addOrder(o core.Order, fallbackPrice decimal.Decimal) {
	if o.OrderID == "" {
		return
	}
	delta := o.FilledQty.Sub(f.counted[o.OrderID])
	if !delta.IsPositive() {
		return
	}
	price := o.AvgFillPrice
	if price.IsZero() {
		price = fallbackPrice
	}
	f.add(delta, price, o.Fee)
	f.counted[o.OrderID] = o.FilledQty
}

func (f *fillAcc) vwap() decimal.Decimal {
	if f.qty.IsZero() {
		return decimal.Zero
	}
	return f.cost.Div(f.qty)
}

// executeLeg1 works the maker leg: a post-only limit at the touch,
// repriced every few seconds with growing aggressiveness, escalated to
// an aggressive IOC when the maker window runs out. Fills are tracked
// cumulatively and reconciled against the venue position so ghost fills
// reported only through the position are not lost and over-reported
// fills are clamped.
func (e *Engine) executeLeg1(ctx context.Context, trade *core.Trade, plan legPlan,
	attempt *core.ExecutionAttempt) error {

	port := e.ports[plan.makerVenue]
	leg := trade.Leg(plan.makerVenue)
	info, ok := port.GetMarketInfo(trade.Symbol)
	if !ok {
		return fmt.Errorf("%w: no market info for %s on %s",
			apperrors.ErrLeg1Failed, trade.Symbol, plan.makerVenue)
	}

	baseline, err := e.positionBaseline(ctx, port, trade.Symbol)
	if err != nil {
		return fmt.Errorf("%w: baseline position: %v", apperrors.ErrLeg1Failed, err)
	}

	acc := newFillAcc()
	deadline := time.Now().Add(time.Duration(e.cfg.MakerTimeoutSeconds) * time.Second)
	repriceEvery := time.Duration(e.cfg.MakerRepriceSeconds) * time.Second
	if repriceEvery <= 0 {
		repriceEvery = 5 * time.Second
	}
	maxReprices := e.cfg.MakerTimeoutSeconds / max(e.cfg.MakerRepriceSeconds, 1)
	if maxReprices < 1 {
		maxReprices = 1
	}

	var (
		openOrder  core.Order
		haveOrder  bool
		lastPrice  decimal.Decimal
		cycle      int
	)

	defer func() {
		leg.FilledQty = acc.qty
		leg.EntryPrice = acc.vwap()
		leg.Fees = acc.fees
	}()

	integrity := e.hedgeIntegrityCheck(trade, plan, acc)

	for time.Now().Before(deadline) {
		remaining := core.RoundToStep(trade.TargetQty.Sub(acc.qty), info.StepSize)
		if trade.TargetQty.Sub(acc.qty).LessThanOrEqual(qtyTolerance) || remaining.IsZero() {
			// Done, or the residual is below one step. A still-resting
			// order would overfill past the target; take it down.
			if haveOrder {
				e.cancelAndSettle(ctx, port, trade.Symbol, openOrder, baseline, acc, lastPrice)
			}
			return nil
		}

		price, perr := e.makerPrice(ctx, trade.Symbol, plan, info, cycle, maxReprices)
		if perr != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrLeg1Failed, perr)
		}

		if haveOrder {
			openOrder, haveOrder = e.repriceOrder(ctx, port, trade, plan, openOrder, price, remaining, acc, baseline, lastPrice)
			if haveOrder {
				lastPrice = openOrder.Price
			} else {
				// Remaining may have changed after settling the old
				// order; recompute before placing the replacement.
				continue
			}
		}
		if !haveOrder {
			req := core.OrderRequest{
				Symbol:      trade.Symbol,
				Venue:       plan.makerVenue,
				Side:        plan.makerSide,
				Qty:         remaining,
				Type:        core.OrderTypeLimit,
				Price:       price,
				TimeInForce: core.TIFPostOnly,
			}
			o, perr := port.PlaceOrder(ctx, req)
			if perr != nil {
				if errors.Is(perr, apperrors.ErrOrderRejected) {
					// Post-only crossed the book; next cycle recomputes.
					cycle++
					continue
				}
				if errors.Is(perr, apperrors.ErrInsufficientBalance) {
					return perr
				}
				return fmt.Errorf("%w: place maker order: %v", apperrors.ErrLeg1Failed, perr)
			}
			openOrder, haveOrder = o, true
			leg.OrderID = o.OrderID
		}
		lastPrice = price

		waitTimeout := repriceEvery
		if until := time.Until(deadline); until < waitTimeout {
			waitTimeout = until
		}
		o, werr := waitForFill(ctx, port, e.wsNotifier(plan.makerVenue), trade.Symbol, openOrder.OrderID,
			waitOpts{timeout: waitTimeout, check: integrity})

		e.settleOrder(ctx, port, trade.Symbol, o, baseline, acc, lastPrice)

		switch {
		case werr == nil && o.Status == core.OrderStatusFilled:
			haveOrder = false
			e.logger.Debug("Maker leg filled", "trade_id", trade.ID,
				"filled", acc.qty.String(), "vwap", acc.vwap().String())
			continue
		case werr == nil:
			// Cancelled or rejected out from under us; replace next cycle.
			haveOrder = false
			cycle++
			continue
		case errors.Is(werr, errFillTimeout):
			cycle++
			continue
		case errors.Is(werr, apperrors.ErrHedgeEvaporated):
			e.cancelAndSettle(ctx, port, trade.Symbol, openOrder, baseline, acc, lastPrice)
			return werr
		default:
			if ctx.Err() != nil {
				e.cancelAndSettle(ctx, port, trade.Symbol, openOrder, baseline, acc, lastPrice)
				return werr
			}
			cycle++
			continue
		}
	}

	// Maker window exhausted; cancel what is open and escalate the
	// remainder to an aggressive IOC.
	if haveOrder {
		e.cancelAndSettle(ctx, port, trade.Symbol, openOrder, baseline, acc, lastPrice)
	}
	return e.escalateLeg1(ctx, trade, plan, info, acc, baseline)
}

// makerPrice computes the limit price for the reprice cycle. Cycle zero
// joins the touch; later cycles step linearly across the half-spread
// toward mid.
func (e *Engine) makerPrice(ctx context.Context, symbol string, plan legPlan, info core.MarketInfo,
	cycle, maxReprices int) (decimal.Decimal, error) {

	l1, err := e.md.FreshL1(ctx, symbol, plan.makerVenue)
	if err != nil {
		return decimal.Decimal{}, err
	}
	passive := l1.Bid.Price
	if plan.makerSide == core.SideSell {
		passive = l1.Ask.Price
	}
	if passive.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("empty book on %s", plan.makerVenue)
	}

	mid := l1.Mid()
	frac := decimal.NewFromInt(int64(cycle)).Div(decimal.NewFromInt(int64(max(maxReprices, 1))))
	if frac.GreaterThan(decimal.NewFromInt(1)) {
		frac = decimal.NewFromInt(1)
	}
	price := passive.Add(mid.Sub(passive).Mul(frac))
	return core.RoundToTick(price, info.TickSize, plan.makerSide), nil
}

// repriceOrder moves the open order to the new price. Venues without
// in-place modify get cancel-and-replace; the old order is settled
// against the position before the replacement goes out so fills that
// landed during the swap are assimilated, not double-placed. The bool
// reports whether an open order remains.
func (e *Engine) repriceOrder(ctx context.Context, port core.ExchangePort, trade *core.Trade,
	plan legPlan, open core.Order, price, remaining decimal.Decimal,
	acc *fillAcc, baseline, limitPrice decimal.Decimal) (core.Order, bool) {

	if price.Equal(open.Price) {
		return open, true
	}

	o, err := port.ModifyOrder(ctx, trade.Symbol, open.OrderID, price, remaining)
	if err == nil {
		return o, true
	}
	if !errors.Is(err, apperrors.ErrNotSupported) {
		// Modify raced a fill or cancel; settle whatever the order
		// became and let the loop decide what is left to place.
		final, gerr := port.GetOrder(ctx, trade.Symbol, open.OrderID)
		if gerr != nil {
			return open, true
		}
		if final.Status.IsTerminal() {
			e.settleOrder(ctx, port, trade.Symbol, final, baseline, acc, limitPrice)
			return core.Order{}, false
		}
		return final, true
	}

	if cerr := port.CancelOrder(ctx, trade.Symbol, open.OrderID); cerr != nil &&
		!errors.Is(cerr, apperrors.ErrOrderNotFound) {
		return open, true
	}
	// Replacement verification: the old order may have filled in the
	// gap between the decision and the cancel landing.
	final, gerr := port.GetOrder(ctx, trade.Symbol, open.OrderID)
	if gerr != nil {
		final = open
	}
	e.settleOrder(ctx, port, trade.Symbol, final, baseline, acc, limitPrice)
	return core.Order{}, false
}

// settleOrder folds the order's observed fill into the accumulator and
// reconciles the total against the venue position. The position is
// authoritative both ways: fills it does not show are clamped off, and
// fills the order never reported (ghosts) are assimilated at the limit
// price.
func (e *Engine) settleOrder(ctx context.Context, port core.ExchangePort, symbol string,
	o core.Order, baseline decimal.Decimal, acc *fillAcc, limitPrice decimal.Decimal) {

	acc.addOrder(o, limitPrice)

	pos, err := port.GetPosition(ctx, symbol)
	if err != nil {
		return
	}
	var signed decimal.Decimal
	if pos != nil {
		signed = pos.SignedQty()
	}
	observed := signed.Sub(baseline).Abs()

	switch {
	case observed.GreaterThan(acc.qty.Add(qtyTolerance)):
		// Ghost fill: the venue moved the position without a matching
		// order update. Assimilate at the working limit price.
		ghost := observed.Sub(acc.qty)
		price := limitPrice
		if price.IsZero() {
			price = o.AvgFillPrice
		}
		acc.add(ghost, price, decimal.Zero)
		e.logger.Warn("Assimilated ghost fill", "symbol", symbol,
			"qty", ghost.String(), "price", price.String())
	case observed.LessThan(acc.qty.Sub(qtyTolerance)):
		// Order stream over-reported; clamp to what the venue holds.
		if observed.IsPositive() {
			scale := observed.Div(acc.qty)
			acc.cost = acc.cost.Mul(scale)
		} else {
			acc.cost = decimal.Zero
		}
		e.logger.Warn("Clamped fill accounting to position",
			"symbol", symbol, "reported", acc.qty.String(), "position", observed.String())
		acc.qty = observed
	}
}

// cancelAndSettle cancels the order then settles its final state.
func (e *Engine) cancelAndSettle(ctx context.Context, port core.ExchangePort, symbol string,
	o core.Order, baseline decimal.Decimal, acc *fillAcc, limitPrice decimal.Decimal) {

	if err := port.CancelOrder(ctx, symbol, o.OrderID); err != nil &&
		!errors.Is(err, apperrors.ErrOrderNotFound) {
		e.logger.Warn("Cancel failed during leg1 teardown", "symbol", symbol, "error", err)
	}
	final, err := port.GetOrder(ctx, symbol, o.OrderID)
	if err != nil {
		final = o
	}
	e.settleOrder(ctx, port, symbol, final, baseline, acc, limitPrice)
}

// escalateLeg1 finishes the remainder with an aggressive slippage-capped
// limit IOC priced off the live depth.
func (e *Engine) escalateLeg1(ctx context.Context, trade *core.Trade, plan legPlan,
	info core.MarketInfo, acc *fillAcc, baseline decimal.Decimal) error {

	port := e.ports[plan.makerVenue]
	remaining := trade.TargetQty.Sub(acc.qty)
	if remaining.LessThanOrEqual(qtyTolerance) {
		return nil
	}
	remaining = core.RoundToStep(remaining, info.StepSize)
	if remaining.IsZero() {
		return nil
	}

	snap, err := port.GetOrderbookDepth(ctx, trade.Symbol, e.tcfg.DepthGateLevels)
	if err != nil {
		return fmt.Errorf("%w: escalation depth: %v", apperrors.ErrLeg1Failed, err)
	}
	levels := snap.Bids
	if plan.makerSide == core.SideBuy {
		levels = snap.Asks
	}
	base, filled := depth.VWAP(levels, remaining)
	if !filled.Equal(remaining) || base.IsZero() {
		return fmt.Errorf("%w: book too thin to escalate %s", apperrors.ErrLeg1Failed, remaining.String())
	}

	slip := decimal.NewFromFloat(e.cfg.Leg1EscalateToTakerSlippage)
	limit := base.Mul(decimal.NewFromInt(1).Add(slip))
	if plan.makerSide == core.SideSell {
		limit = base.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	limit = core.RoundToTick(limit, info.TickSize, plan.makerSide.Opposite())

	o, err := port.PlaceOrder(ctx, core.OrderRequest{
		Symbol:      trade.Symbol,
		Venue:       plan.makerVenue,
		Side:        plan.makerSide,
		Qty:         remaining,
		Type:        core.OrderTypeLimit,
		Price:       limit,
		TimeInForce: core.TIFIOC,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientBalance) {
			return err
		}
		return fmt.Errorf("%w: escalation order: %v", apperrors.ErrLeg1Failed, err)
	}
	trade.Leg(plan.makerVenue).OrderID = o.OrderID

	final, werr := waitForFill(ctx, port, e.wsNotifier(plan.makerVenue), trade.Symbol, o.OrderID,
		waitOpts{timeout: time.Duration(max(e.cfg.HedgeIOCFillTimeoutSeconds, 1)) * time.Second})
	if werr != nil && !errors.Is(werr, errFillTimeout) {
		final = o
	}
	e.settleOrder(ctx, port, trade.Symbol, final, baseline, acc, limit)

	if trade.TargetQty.Sub(acc.qty).GreaterThan(qtyTolerance) && acc.qty.IsZero() {
		return fmt.Errorf("%w: maker window and escalation both unfilled", apperrors.ErrLeg1Failed)
	}
	// A partial at this point is workable; leg2 hedges what we hold.
	return nil
}

// hedgeIntegrityCheck returns the wait-loop callback that aborts the
// maker leg when the hedge side's liquidity evaporates. The book must
// either hold the minimum fill ratio of the remaining quantity at the
// sampled levels or pass an impact-capped walk of the full remainder.
func (e *Engine) hedgeIntegrityCheck(trade *core.Trade, plan legPlan, acc *fillAcc) func(context.Context) error {
	var lastCheck time.Time
	return func(ctx context.Context) error {
		if time.Since(lastCheck) < time.Second {
			return nil
		}
		lastCheck = time.Now()

		remaining := trade.TargetQty.Sub(acc.qty)
		if remaining.LessThanOrEqual(qtyTolerance) {
			return nil
		}

		snap, err := e.ports[plan.hedgeVenue].GetOrderbookDepth(ctx, trade.Symbol, e.tcfg.DepthGateLevels)
		if err != nil {
			// Transient fetch failure is not evidence of evaporation.
			return nil
		}
		levels := snap.Bids
		if plan.hedgeSide == core.SideBuy {
			levels = snap.Asks
		}
		avail := decimal.Zero
		for _, lvl := range levels {
			avail = avail.Add(lvl.Qty)
		}
		need := remaining.Mul(decimal.NewFromFloat(e.cfg.HedgeMinFillRatio))
		if avail.GreaterThanOrEqual(need) {
			return nil
		}

		walkErr := depth.Check(depth.GateConfig{
			Mode:         depth.GateImpact,
			Levels:       e.tcfg.DepthGateLevels,
			MaxImpactPct: decimal.NewFromFloat(e.tcfg.DepthGateMaxImpactPct),
		}, snap, plan.hedgeSide, remaining)
		if walkErr == nil {
			return nil
		}
		return fmt.Errorf("%w: hedge depth %s below %s of remaining %s",
			apperrors.ErrHedgeEvaporated, avail.String(), need.String(), remaining.String())
	}
}

func (e *Engine) positionBaseline(ctx context.Context, port core.ExchangePort, symbol string) (decimal.Decimal, error) {
	pos, err := port.GetPosition(ctx, symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if pos == nil {
		return decimal.Zero, nil
	}
	return pos.SignedQty(), nil
}

func (e *Engine) wsNotifier(venue core.Venue) *orderNotifier {
	return e.notifiers[venue]
}
