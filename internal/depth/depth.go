// Package depth implements orderbook depth admission checks and VWAP
// walking shared by the opportunity scan, execution preflight, and
// taker pricing.
package depth

import (
	"fmt"
	"strings"

	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

// GateMode selects the admission check flavor.
type GateMode string

const (
	GateL1     GateMode = "L1"
	GateImpact GateMode = "IMPACT"
)

// ParseGateMode normalizes a config string.
func ParseGateMode(s string) GateMode {
	if strings.EqualFold(s, string(GateImpact)) {
		return GateImpact
	}
	return GateL1
}

// GateConfig tunes the depth gate.
type GateConfig struct {
	Mode GateMode
	// Levels walked in IMPACT mode.
	Levels int
	// MaxImpactPct is the allowed VWAP deviation from best, in percent.
	MaxImpactPct decimal.Decimal
	// MaxL1Utilization is the allowed share of L1 size in L1 mode.
	MaxL1Utilization decimal.Decimal
}

// Check verifies the book on the taking side can absorb qty within the
// configured bounds. side is the order side: BUY consumes asks, SELL
// consumes bids. A nil error means the gate passed.
func Check(cfg GateConfig, snap core.OrderbookDepthSnapshot, side core.Side, qty decimal.Decimal) error {
	levels := snap.Bids
	if side == core.SideBuy {
		levels = snap.Asks
	}
	if len(levels) == 0 {
		return fmt.Errorf("empty %s book for %s on %s", sideName(side), snap.Symbol, snap.Venue)
	}

	switch cfg.Mode {
	case GateImpact:
		return checkImpact(cfg, levels, side, qty, snap)
	default:
		return checkL1(cfg, levels[0], qty, snap)
	}
}

func checkL1(cfg GateConfig, best core.PriceLevel, qty decimal.Decimal, snap core.OrderbookDepthSnapshot) error {
	maxTakeable := best.Qty.Mul(cfg.MaxL1Utilization)
	if qty.GreaterThan(maxTakeable) {
		return fmt.Errorf("L1 depth gate failed for %s on %s: need %s, takeable %s (L1 size %s)",
			snap.Symbol, snap.Venue, qty.String(), maxTakeable.String(), best.Qty.String())
	}
	return nil
}

func checkImpact(cfg GateConfig, levels []core.PriceLevel, side core.Side, qty decimal.Decimal, snap core.OrderbookDepthSnapshot) error {
	n := cfg.Levels
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}

	vwap, filled := VWAP(levels[:n], qty)
	if filled.LessThan(qty) {
		return fmt.Errorf("insufficient depth for %s on %s: need %s, available %s within %d levels",
			snap.Symbol, snap.Venue, qty.String(), filled.String(), n)
	}

	best := levels[0].Price
	impact := vwap.Sub(best).Abs().Div(best).Mul(decimal.NewFromInt(100))
	if impact.GreaterThan(cfg.MaxImpactPct) {
		return fmt.Errorf("price impact gate failed for %s on %s: impact %s%% > %s%%",
			snap.Symbol, snap.Venue, impact.StringFixed(4), cfg.MaxImpactPct.String())
	}
	return nil
}

// VWAP walks levels best-first and returns the volume-weighted price for
// up to qty, plus the quantity actually covered.
func VWAP(levels []core.PriceLevel, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	remaining := qty
	cost := decimal.Zero
	filled := decimal.Zero

	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lvl.Qty)
		cost = cost.Add(take.Mul(lvl.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}

	if filled.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	return cost.Div(filled), filled
}

// SlippageEstimate returns the cost in quote units of crossing the book
// for qty versus the best price.
func SlippageEstimate(levels []core.PriceLevel, qty decimal.Decimal) decimal.Decimal {
	if len(levels) == 0 {
		return decimal.Zero
	}
	vwap, filled := VWAP(levels, qty)
	if filled.IsZero() {
		return decimal.Zero
	}
	return vwap.Sub(levels[0].Price).Abs().Mul(filled)
}

func sideName(s core.Side) string {
	if s == core.SideBuy {
		return "ask"
	}
	return "bid"
}
