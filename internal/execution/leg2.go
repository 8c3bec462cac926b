package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/depth"
	"fundarb/pkg/apperrors"
	"fundarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// executeLeg2 hedges the maker fill with a slippage-capped limit IOC on
// the other venue. One attempt plus one wider escalation; anything still
// unhedged past the minimum fill ratio is treated as evaporated
// liquidity and drives a rollback.
func (e *Engine) executeLeg2(ctx context.Context, trade *core.Trade, plan legPlan,
	attempt *core.ExecutionAttempt) error {

	port := e.ports[plan.hedgeVenue]
	makerLeg := trade.Leg(plan.makerVenue)
	hedgeLeg := trade.Leg(plan.hedgeVenue)

	info, ok := port.GetMarketInfo(trade.Symbol)
	if !ok {
		return fmt.Errorf("no market info for %s on %s", trade.Symbol, plan.hedgeVenue)
	}

	target := core.RoundToStep(makerLeg.FilledQty, info.StepSize)
	if target.IsZero() {
		return fmt.Errorf("%w: maker fill %s below hedge step size",
			apperrors.ErrHedgeEvaporated, makerLeg.FilledQty.String())
	}

	baseline, err := e.positionBaseline(ctx, port, trade.Symbol)
	if err != nil {
		return fmt.Errorf("hedge baseline position: %w", err)
	}

	acc := newFillAcc()
	defer func() {
		hedgeLeg.FilledQty = acc.qty
		hedgeLeg.EntryPrice = acc.vwap()
		hedgeLeg.Fees = acc.fees
	}()

	start := time.Now()
	slip := decimal.NewFromFloat(e.cfg.X10CloseSlippage)

	if err := e.hedgeShot(ctx, trade, plan, info, target, slip, acc, baseline, attempt, start, true); err != nil {
		return err
	}

	remaining := target.Sub(acc.qty)
	if remaining.GreaterThan(qtyTolerance) {
		// One escalation with a doubled cap before giving up.
		if err := e.hedgeShot(ctx, trade, plan, info, core.RoundToStep(remaining, info.StepSize),
			slip.Mul(decimal.NewFromInt(2)), acc, baseline, attempt, start, false); err != nil {
			return err
		}
	}

	minFill := target.Mul(decimal.NewFromFloat(e.cfg.HedgeMinFillRatio))
	if acc.qty.LessThan(minFill) {
		return fmt.Errorf("%w: hedged %s of %s", apperrors.ErrHedgeEvaporated,
			acc.qty.String(), target.String())
	}
	if short := target.Sub(acc.qty); short.GreaterThan(qtyTolerance) {
		// Above the ratio but not whole: trim the maker side down to the
		// hedged quantity so the book stays delta neutral.
		e.trimMakerToHedge(ctx, trade, plan, short)
	}
	return nil
}

// hedgeShot prices one IOC off the live depth and settles its fills.
func (e *Engine) hedgeShot(ctx context.Context, trade *core.Trade, plan legPlan,
	info core.MarketInfo, qty, slip decimal.Decimal, acc *fillAcc,
	baseline decimal.Decimal, attempt *core.ExecutionAttempt, start time.Time, first bool) error {

	if !qty.IsPositive() {
		return nil
	}
	port := e.ports[plan.hedgeVenue]

	snap, err := port.GetOrderbookDepth(ctx, trade.Symbol, e.tcfg.DepthGateLevels)
	if err != nil {
		return fmt.Errorf("%w: hedge depth fetch: %v", apperrors.ErrHedgeEvaporated, err)
	}
	levels := snap.Bids
	if plan.hedgeSide == core.SideBuy {
		levels = snap.Asks
	}
	base, filled := depth.VWAP(levels, qty)
	if base.IsZero() || filled.IsZero() {
		return fmt.Errorf("%w: empty hedge book", apperrors.ErrHedgeEvaporated)
	}

	limit := base.Mul(decimal.NewFromInt(1).Add(slip))
	if plan.hedgeSide == core.SideSell {
		limit = base.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	limit = core.RoundToTick(limit, info.TickSize, plan.hedgeSide.Opposite())

	submitAt := time.Now()
	o, err := port.PlaceOrder(ctx, core.OrderRequest{
		Symbol:      trade.Symbol,
		Venue:       plan.hedgeVenue,
		Side:        plan.hedgeSide,
		Qty:         qty,
		Type:        core.OrderTypeLimit,
		Price:       limit,
		TimeInForce: core.TIFIOC,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientBalance) {
			return err
		}
		return fmt.Errorf("%w: hedge order: %v", apperrors.ErrHedgeEvaporated, err)
	}
	if first {
		attempt.HedgeSubmitMs = submitAt.Sub(start).Milliseconds()
		attempt.HedgeAckMs = time.Since(start).Milliseconds()
		telemetry.GetGlobalMetrics().ObserveHedgeLatencyMs(float64(attempt.HedgeAckMs))
		trade.Leg(plan.hedgeVenue).OrderID = o.OrderID
	}

	final, werr := waitForFill(ctx, port, e.wsNotifier(plan.hedgeVenue), trade.Symbol, o.OrderID,
		waitOpts{timeout: time.Duration(max(e.cfg.HedgeIOCFillTimeoutSeconds, 1)) * time.Second})
	if werr != nil && !errors.Is(werr, errFillTimeout) {
		final = o
	}
	e.settleOrder(ctx, port, trade.Symbol, final, baseline, acc, limit)
	return nil
}

// trimMakerToHedge reduce-only closes the maker overhang left by a
// partial hedge so both legs carry the same quantity.
func (e *Engine) trimMakerToHedge(ctx context.Context, trade *core.Trade, plan legPlan, excess decimal.Decimal) {
	port := e.ports[plan.makerVenue]
	info, ok := port.GetMarketInfo(trade.Symbol)
	if ok {
		excess = core.RoundToStep(excess, info.StepSize)
	}
	if !excess.IsPositive() {
		return
	}

	_, err := port.PlaceOrder(ctx, core.OrderRequest{
		Symbol:      trade.Symbol,
		Venue:       plan.makerVenue,
		Side:        plan.makerSide.Opposite(),
		Qty:         excess,
		Type:        core.OrderTypeMarket,
		TimeInForce: core.TIFIOC,
		ReduceOnly:  true,
	})
	if err != nil {
		e.logger.Error("Failed to trim maker overhang", "trade_id", trade.ID,
			"qty", excess.String(), "error", err)
		return
	}

	makerLeg := trade.Leg(plan.makerVenue)
	makerLeg.FilledQty = makerLeg.FilledQty.Sub(excess)
	trade.AppendEvent("maker_trimmed", fmt.Sprintf("qty=%s partial hedge", excess.String()))
	e.logger.Warn("Trimmed maker leg to hedged quantity", "trade_id", trade.ID,
		"excess", excess.String())
}
