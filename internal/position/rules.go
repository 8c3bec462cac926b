// Package position runs the periodic evaluation of open trades: pnl
// refresh, layered exit rules with strict precedence, and close or
// rebalance orchestration.
package position

import (
	"fmt"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

var hoursPerYear = decimal.NewFromInt(24 * 365)

// ExitDecision is the outcome of one rule pass over an open trade.
type ExitDecision struct {
	ShouldExit bool
	Rule       string
	Reason     string
	// Rebalance means trim the delta instead of closing; the trade
	// stays open.
	Rebalance bool
	// FastClose skips the maker attempt and goes straight to IOC.
	FastClose bool
}

// evalContext carries everything the rules need, computed once per trade
// per tick.
type evalContext struct {
	trade *core.Trade
	now   time.Time

	// tradeNetHourly is the net funding rate signed for this trade's
	// direction: positive means the position is still being paid.
	tradeNetHourly decimal.Decimal
	currentAPY     decimal.Decimal
	spread         decimal.Decimal

	pricePnL    decimal.Decimal
	unrealized  decimal.Decimal
	estExitCost decimal.Decimal

	// Liquidation distance as a percent of mark; hasLiqData is false
	// when either venue does not report a liquidation price.
	liqDistancePct decimal.Decimal
	hasLiqData     bool

	zScore    float64
	hasZScore bool

	velocity        float64
	acceleration    float64
	hasVelocity     bool
	hasAcceleration bool

	atr    decimal.Decimal
	hasATR bool

	bestAltAPY decimal.Decimal
	hasBestAlt bool

	deltaPct decimal.Decimal
}

// evaluateExitRules walks the rule ladder in strict precedence; the
// first firing rule wins. Rules above the min-hold gate may close a
// position at any age; everything below waits out min_hold_seconds.
func evaluateExitRules(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	if d := ruleCatastrophicFlip(cfg, ec); d.ShouldExit {
		return d
	}
	if d := ruleLiquidationDistance(cfg, ec); d.ShouldExit {
		return d
	}
	if d := ruleEarlyTakeProfit(cfg, ec); d.ShouldExit {
		return d
	}
	if d := ruleEarlyEdgeExit(cfg, ec); d.ShouldExit {
		return d
	}

	if ec.trade.Age(ec.now) < time.Duration(cfg.MinHoldSeconds)*time.Second {
		return ExitDecision{}
	}

	if d := ruleMaxHold(cfg, ec); d.ShouldExit {
		return d
	}
	if d := ruleZScoreCrash(cfg, ec); d.ShouldExit {
		return d
	}
	if d := ruleUnholdable(cfg, ec); d.ShouldExit {
		return d
	}
	if d := ruleBasisConvergence(cfg, ec); d.ShouldExit {
		return d
	}
	if d := ruleFundingVelocity(cfg, ec); d.ShouldExit {
		return d
	}
	if d := ruleATRTrailing(cfg, ec); d.ShouldExit {
		return d
	}

	d, edgeGood := ruleExitEV(cfg, ec)
	if d.ShouldExit {
		return d
	}
	if !edgeGood {
		if d := ruleProfitTarget(cfg, ec); d.ShouldExit {
			return d
		}
		if d := ruleOpportunityCost(cfg, ec); d.ShouldExit {
			return d
		}
	}

	return ruleDeltaBound(cfg, ec)
}

// Catastrophic funding flip: the position is now paying hard.
func ruleCatastrophicFlip(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	threshold := decimal.NewFromFloat(cfg.EmergencyFundingThreshold)
	if ec.tradeNetHourly.LessThan(threshold.Neg()) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "catastrophic_funding_flip",
			Reason: fmt.Sprintf("net hourly %s below -%s",
				ec.tradeNetHourly.String(), threshold.String()),
			FastClose: true,
		}
	}
	return ExitDecision{}
}

// Liquidation distance: either leg too close to its liquidation price.
// Missing data never fires the rule.
func ruleLiquidationDistance(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	if !ec.hasLiqData {
		return ExitDecision{}
	}
	threshold := decimal.NewFromFloat(cfg.LiquidationDistancePct)
	if ec.liqDistancePct.LessThan(threshold) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "liquidation_distance",
			Reason: fmt.Sprintf("min liq distance %s%% below %s%%",
				ec.liqDistancePct.StringFixed(2), threshold.String()),
			FastClose: true,
		}
	}
	return ExitDecision{}
}

// Early take-profit: price pnl already covers the target plus a safety
// multiple of the exit cost, floored so razor-thin signals do not fire.
func ruleEarlyTakeProfit(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	cushion := decimal.Max(
		ec.estExitCost.Mul(decimal.NewFromFloat(cfg.EarlyTakeProfitSlipMult)),
		decimal.NewFromFloat(cfg.EarlyTakeProfitFloorUSD),
	)
	target := decimal.NewFromFloat(cfg.EarlyTakeProfitNetUSD).Add(cushion)
	if ec.pricePnL.GreaterThanOrEqual(target) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "early_take_profit",
			Reason: fmt.Sprintf("price pnl %s above target %s",
				ec.pricePnL.StringFixed(4), target.StringFixed(4)),
			FastClose: true,
		}
	}
	return ExitDecision{}
}

// Early edge exit: past a minimum age, the funding has flipped and the
// projected bleed over the flip horizon exceeds what it costs to leave.
func ruleEarlyEdgeExit(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	if ec.trade.Age(ec.now) < time.Duration(cfg.EarlyEdgeExitMinAgeSeconds)*time.Second {
		return ExitDecision{}
	}
	if !ec.tradeNetHourly.IsNegative() {
		return ExitDecision{}
	}
	horizon := decimal.NewFromFloat(cfg.FundingFlipHoursThreshold)
	projectedLoss := ec.tradeNetHourly.Neg().Mul(ec.trade.TargetNotional).Mul(horizon)
	if projectedLoss.GreaterThan(ec.estExitCost) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "early_edge_exit",
			Reason: fmt.Sprintf("projected loss %s over %sh exceeds exit cost %s",
				projectedLoss.StringFixed(4), horizon.String(), ec.estExitCost.StringFixed(4)),
		}
	}
	return ExitDecision{}
}

func ruleMaxHold(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	maxHold := time.Duration(cfg.MaxHoldHours * float64(time.Hour))
	if ec.trade.Age(ec.now) > maxHold {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "max_hold",
			Reason:     fmt.Sprintf("held %s, max %s", ec.trade.Age(ec.now).Round(time.Minute), maxHold),
		}
	}
	return ExitDecision{}
}

// Z-score crash: the current APY has collapsed relative to its own
// recent history.
func ruleZScoreCrash(_ config.TradingConfig, ec *evalContext) ExitDecision {
	if !ec.hasZScore {
		return ExitDecision{}
	}
	switch {
	case ec.zScore <= -3:
		return ExitDecision{
			ShouldExit: true,
			Rule:       "zscore_emergency",
			Reason:     fmt.Sprintf("apy z-score %.2f", ec.zScore),
			FastClose:  true,
		}
	case ec.zScore <= -2:
		return ExitDecision{
			ShouldExit: true,
			Rule:       "zscore_crash",
			Reason:     fmt.Sprintf("apy z-score %.2f", ec.zScore),
		}
	}
	return ExitDecision{}
}

// Unholdable: the yield can no longer pay for its own exit in a day.
func ruleUnholdable(_ config.TradingConfig, ec *evalContext) ExitDecision {
	hourlyIncome := ec.tradeNetHourly.Mul(ec.trade.TargetNotional)
	if hourlyIncome.LessThanOrEqual(decimal.Zero) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "unholdable",
			Reason:     "current net funding income is non-positive",
		}
	}
	hoursToCover := ec.estExitCost.Div(hourlyIncome)
	if hoursToCover.GreaterThan(decimal.NewFromInt(24)) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "unholdable",
			Reason:     fmt.Sprintf("%s hours to cover exit cost", hoursToCover.StringFixed(1)),
		}
	}
	return ExitDecision{}
}

// Basis convergence: the cross-venue price spread has collapsed and the
// trade is profitable enough to bank.
func ruleBasisConvergence(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	abs := decimal.NewFromFloat(cfg.BasisAbsThreshold)
	ratioFloor := ec.trade.EntrySpread.Abs().Mul(decimal.NewFromFloat(cfg.BasisMinRatio))
	converged := ec.spread.Abs().LessThanOrEqual(abs) ||
		(ratioFloor.IsPositive() && ec.spread.Abs().LessThanOrEqual(ratioFloor))
	if converged && ec.unrealized.GreaterThanOrEqual(decimal.NewFromFloat(cfg.BasisMinProfitUSD)) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "basis_convergence",
			Reason:     fmt.Sprintf("spread %s converged, pnl %s", ec.spread.String(), ec.unrealized.StringFixed(4)),
		}
	}
	return ExitDecision{}
}

// Funding velocity: the edge is decaying and still accelerating down.
func ruleFundingVelocity(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	if !cfg.FundingVelocityExitEnabled || !ec.hasVelocity || !ec.hasAcceleration {
		return ExitDecision{}
	}
	if ec.velocity <= cfg.VelocityThresholdHourly && ec.acceleration <= cfg.AccelerationThreshold {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "funding_velocity",
			Reason:     fmt.Sprintf("velocity %.8f/h accel %.8f/h2", ec.velocity, ec.acceleration),
		}
	}
	return ExitDecision{}
}

// ATR trailing stop: after activation, exit when pnl falls off the
// high-water mark by a multiple of the symbol's ATR (in USD terms).
func ruleATRTrailing(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	if !cfg.ATRTrailingEnabled || !ec.hasATR {
		return ExitDecision{}
	}
	if ec.trade.HighWaterMark.LessThan(decimal.NewFromFloat(cfg.ATRMinActivationUSD)) {
		return ExitDecision{}
	}
	atrUSD := ec.atr.Mul(ec.trade.TargetQty).Mul(decimal.NewFromFloat(cfg.ATRMultiplier))
	drop := ec.trade.HighWaterMark.Sub(ec.unrealized)
	if drop.GreaterThan(atrUSD) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "atr_trailing_stop",
			Reason: fmt.Sprintf("pnl %s dropped %s below hwm %s (atr stop %s)",
				ec.unrealized.StringFixed(4), drop.StringFixed(4),
				ec.trade.HighWaterMark.StringFixed(4), atrUSD.StringFixed(4)),
		}
	}
	return ExitDecision{}
}

// Exit-EV: projected funding over the horizon against the exit cost.
// A strongly positive projection flags the edge as good, which lets the
// trade ride past the profit-target and rotation rules.
func ruleExitEV(cfg config.TradingConfig, ec *evalContext) (ExitDecision, bool) {
	if !cfg.ExitEVEnabled {
		return ExitDecision{}, false
	}
	horizon := decimal.NewFromFloat(cfg.ExitEVHorizonHours)
	multiple := decimal.NewFromFloat(cfg.ExitEVExitCostMultiple)
	projected := ec.tradeNetHourly.Mul(ec.trade.TargetNotional).Mul(horizon)

	if projected.IsNegative() && projected.Neg().GreaterThan(ec.estExitCost.Mul(multiple)) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "exit_ev",
			Reason: fmt.Sprintf("projected %s over %sh against exit cost %s",
				projected.StringFixed(4), horizon.String(), ec.estExitCost.StringFixed(4)),
		}, false
	}
	edgeGood := projected.GreaterThanOrEqual(ec.estExitCost.Mul(multiple))
	return ExitDecision{}, edgeGood
}

func ruleProfitTarget(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	if ec.unrealized.GreaterThanOrEqual(decimal.NewFromFloat(cfg.MinProfitExitUSD)) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "profit_target",
			Reason:     fmt.Sprintf("unrealized %s above target", ec.unrealized.StringFixed(4)),
		}
	}
	return ExitDecision{}
}

func ruleOpportunityCost(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	if !ec.hasBestAlt {
		return ExitDecision{}
	}
	diff := ec.bestAltAPY.Sub(ec.currentAPY)
	if diff.GreaterThanOrEqual(decimal.NewFromFloat(cfg.OpportunityCostAPYDiff)) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "opportunity_cost",
			Reason: fmt.Sprintf("alternative apy %s beats current %s by %s",
				ec.bestAltAPY.StringFixed(4), ec.currentAPY.StringFixed(4), diff.StringFixed(4)),
		}
	}
	return ExitDecision{}
}

// Delta bound: the legs have drifted apart in notional terms. This is a
// rebalance, not a close.
func ruleDeltaBound(cfg config.TradingConfig, ec *evalContext) ExitDecision {
	if !cfg.DeltaBoundEnabled {
		return ExitDecision{}
	}
	if ec.deltaPct.GreaterThan(decimal.NewFromFloat(cfg.DeltaBoundMaxDeltaPct)) {
		return ExitDecision{
			ShouldExit: true,
			Rule:       "delta_bound",
			Reason:     fmt.Sprintf("delta %s%% above %.2f%%", ec.deltaPct.StringFixed(2), cfg.DeltaBoundMaxDeltaPct),
			Rebalance:  true,
		}
	}
	return ExitDecision{}
}
