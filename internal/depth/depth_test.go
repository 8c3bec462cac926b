package depth

import (
	"testing"

	"fundarb/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snap(asks, bids []core.PriceLevel) core.OrderbookDepthSnapshot {
	return core.OrderbookDepthSnapshot{Symbol: "ETH-USD", Venue: core.VenueX10, Asks: asks, Bids: bids}
}

func TestVWAPWalksLevels(t *testing.T) {
	levels := []core.PriceLevel{
		{Price: d("100"), Qty: d("1")},
		{Price: d("101"), Qty: d("1")},
	}
	vwap, filled := VWAP(levels, d("2"))
	assert.True(t, filled.Equal(d("2")))
	assert.True(t, vwap.Equal(d("100.5")), "got %s", vwap)
}

func TestVWAPPartialFill(t *testing.T) {
	levels := []core.PriceLevel{{Price: d("100"), Qty: d("0.5")}}
	vwap, filled := VWAP(levels, d("2"))
	assert.True(t, filled.Equal(d("0.5")))
	assert.True(t, vwap.Equal(d("100")))
}

func TestL1GatePassesWithinUtilization(t *testing.T) {
	cfg := GateConfig{Mode: GateL1, MaxL1Utilization: d("0.25")}
	s := snap([]core.PriceLevel{{Price: d("2000"), Qty: d("1")}}, nil)

	assert.NoError(t, Check(cfg, s, core.SideBuy, d("0.2")))
	assert.Error(t, Check(cfg, s, core.SideBuy, d("0.3")))
}

func TestImpactGateRejectsThinBook(t *testing.T) {
	cfg := GateConfig{Mode: GateImpact, Levels: 10, MaxImpactPct: d("0.15")}
	s := snap([]core.PriceLevel{{Price: d("2000"), Qty: d("0.05")}}, nil)

	err := Check(cfg, s, core.SideBuy, d("0.2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient depth")
}

func TestImpactGateRejectsWidePriceImpact(t *testing.T) {
	cfg := GateConfig{Mode: GateImpact, Levels: 10, MaxImpactPct: d("0.15")}
	s := snap([]core.PriceLevel{
		{Price: d("2000"), Qty: d("0.05")},
		{Price: d("2020"), Qty: d("1")}, // 1% away
	}, nil)

	err := Check(cfg, s, core.SideBuy, d("0.2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price impact")
}

func TestImpactGatePasses(t *testing.T) {
	cfg := GateConfig{Mode: GateImpact, Levels: 10, MaxImpactPct: d("0.15")}
	s := snap([]core.PriceLevel{
		{Price: d("2000"), Qty: d("0.1")},
		{Price: d("2000.5"), Qty: d("1")},
	}, nil)

	assert.NoError(t, Check(cfg, s, core.SideBuy, d("0.2")))
}

func TestSellSideUsesBids(t *testing.T) {
	cfg := GateConfig{Mode: GateL1, MaxL1Utilization: d("1")}
	s := snap(nil, []core.PriceLevel{{Price: d("1999"), Qty: d("0.5")}})

	assert.NoError(t, Check(cfg, s, core.SideSell, d("0.5")))
	assert.Error(t, Check(cfg, s, core.SideBuy, d("0.1")))
}

func TestSlippageEstimate(t *testing.T) {
	levels := []core.PriceLevel{
		{Price: d("100"), Qty: d("1")},
		{Price: d("102"), Qty: d("1")},
	}
	// VWAP for 2 = 101; slippage = 1 * 2 = 2.
	est := SlippageEstimate(levels, d("2"))
	assert.True(t, est.Equal(d("2")), "got %s", est)
}
