package execution

import (
	"context"
	"fmt"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/depth"
	"fundarb/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// preflight runs the admission checks in order. It returns the failing
// stage name with the error; all checks must pass before any order is
// placed and before the trade is persisted.
func (e *Engine) preflight(ctx context.Context, opp core.Opportunity, plan legPlan) (string, error) {
	// 1. Freshness on both venues.
	if !e.md.IsFresh(opp.Symbol) {
		return "preflight_freshness", fmt.Errorf("%w: stale market data for %s", apperrors.ErrNotSynced, opp.Symbol)
	}

	// 2. Depth gate on both venues in the intended side.
	sides := map[core.Venue]core.Side{
		opp.LongVenue:  core.SideBuy,
		opp.ShortVenue: core.SideSell,
	}
	for venue, side := range sides {
		if err := e.checkDepthGate(ctx, opp.Symbol, venue, side, opp.SuggestedQty, decimal.NewFromInt(1)); err != nil {
			return "preflight_depth", err
		}
	}

	// 3. Spread cap.
	spread, err := e.currentSpread(ctx, opp.Symbol)
	if err != nil {
		return "preflight_spread", err
	}
	if spread.GreaterThan(decimal.NewFromFloat(e.tcfg.MaxEntrySpread)) {
		return "preflight_spread", fmt.Errorf("entry spread %s above cap %f", spread.String(), e.tcfg.MaxEntrySpread)
	}

	// 4. Hedge-depth preflight with the strictness multiplier, sampled
	// multiple times to confirm the liquidity persists.
	if e.cfg.HedgeDepthPreflightEnabled {
		mult := decimal.NewFromFloat(e.cfg.HedgeDepthPreflightMultiplier)
		if mult.LessThanOrEqual(decimal.Zero) {
			mult = decimal.NewFromInt(1)
		}
		checks := e.cfg.HedgeDepthPreflightChecks
		if checks <= 0 {
			checks = 1
		}
		for i := 0; i < checks; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return "preflight_hedge_depth", ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
			}
			if err := e.checkDepthGate(ctx, opp.Symbol, plan.hedgeVenue, plan.hedgeSide,
				opp.SuggestedQty.Mul(mult), decimal.NewFromInt(1)); err != nil {
				return "preflight_hedge_depth", err
			}
		}
	}

	// 5. Sizing against both venues' minimums.
	for venue, port := range e.ports {
		info, ok := port.GetMarketInfo(opp.Symbol)
		if !ok {
			return "preflight_sizing", fmt.Errorf("no market info for %s on %s", opp.Symbol, venue)
		}
		if opp.SuggestedQty.LessThan(info.MinOrderSize) {
			return "preflight_sizing", fmt.Errorf("qty %s below min order size %s on %s",
				opp.SuggestedQty.String(), info.MinOrderSize.String(), venue)
		}
	}

	// 6. Balance on both venues against the margin the legs will take.
	for venue, port := range e.ports {
		bal, err := port.GetAvailableBalance(ctx)
		if err != nil {
			return "preflight_balance", err
		}
		if bal.Available.LessThan(opp.SuggestedNotional) {
			return "preflight_balance", fmt.Errorf("%w: %s available %s, need %s",
				apperrors.ErrInsufficientBalance, venue, bal.Available.String(), opp.SuggestedNotional.String())
		}
	}

	return "", nil
}

// checkDepthGate applies the configured gate with qty already scaled by
// any strictness multiplier.
func (e *Engine) checkDepthGate(ctx context.Context, symbol string, venue core.Venue,
	side core.Side, qty, _ decimal.Decimal) error {

	snap, err := e.ports[venue].GetOrderbookDepth(ctx, symbol, e.tcfg.DepthGateLevels)
	if err != nil {
		return err
	}
	return depth.Check(depth.GateConfig{
		Mode:             depth.ParseGateMode(e.tcfg.DepthGateMode),
		Levels:           e.tcfg.DepthGateLevels,
		MaxImpactPct:     decimal.NewFromFloat(e.tcfg.DepthGateMaxImpactPct),
		MaxL1Utilization: decimal.NewFromFloat(e.tcfg.MaxL1QtyUtilization),
	}, snap, side, qty)
}

func (e *Engine) currentSpread(ctx context.Context, symbol string) (decimal.Decimal, error) {
	lighterL1, err := e.md.FreshL1(ctx, symbol, core.VenueLighter)
	if err != nil {
		return decimal.Decimal{}, err
	}
	x10L1, err := e.md.FreshL1(ctx, symbol, core.VenueX10)
	if err != nil {
		return decimal.Decimal{}, err
	}
	lm, xm := lighterL1.Mid(), x10L1.Mid()
	if lm.IsZero() || xm.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("%w: empty book mid for %s", apperrors.ErrNotSynced, symbol)
	}
	mid := lm.Add(xm).Div(decimal.NewFromInt(2))
	return lm.Sub(xm).Abs().Div(mid), nil
}
