package core

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestParseDecimal(t *testing.T) {
	def := decimal.NewFromInt(-1)

	cases := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, "-1"},
		{"empty string", "", "-1"},
		{"whitespace", "   ", "-1"},
		{"nan", "NaN", "-1"},
		{"infinity", "Infinity", "-1"},
		{"neg infinity", "-Infinity", "-1"},
		{"garbage", "abc", "-1"},
		{"slice", []string{"1"}, "-1"},
		{"map", map[string]string{"a": "1"}, "-1"},
		{"valid string", "1.23", "1.23"},
		{"scientific", "1e-7", "0.0000001"},
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"float", 0.1, "0.1"},
		{"very small", "0.000000000000000001", "0.000000000000000001"},
		{"very large", "123456789012345678901234567890", "123456789012345678901234567890"},
		{"decimal passthrough", decimal.NewFromFloat(2.5), "2.5"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseDecimal(tc.in, def)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
				"got %s want %s", got, tc.want)
		})
	}
}

func TestCheckFundingRateBoundsNeverClamps(t *testing.T) {
	huge := decimal.NewFromFloat(0.5) // 50%/h, far outside sane bounds
	got := CheckFundingRateBounds(nil, "ETH", VenueLighter, huge)
	assert.True(t, got.Equal(huge), "out-of-range rate must be returned unchanged")
}

func TestRoundToTickSideCorrect(t *testing.T) {
	tick := decimal.RequireFromString("0.01")
	price := decimal.RequireFromString("1999.996")

	buy := RoundToTick(price, tick, SideBuy)
	sell := RoundToTick(price, tick, SideSell)

	assert.Equal(t, "1999.99", buy.String())
	assert.Equal(t, "2000", sell.String())
}

func TestRoundToStepTruncates(t *testing.T) {
	step := decimal.RequireFromString("0.001")
	qty := decimal.RequireFromString("0.19999")
	assert.Equal(t, "0.199", RoundToStep(qty, step).String())
}

func TestTradeTransitionDAG(t *testing.T) {
	tr := &Trade{ID: "t1", Status: TradeStatusPending}

	assert.NoError(t, tr.Transition(TradeStatusOpening))
	assert.NoError(t, tr.Transition(TradeStatusOpen))
	assert.False(t, tr.OpenedAt.IsZero())

	// OPEN may not jump straight to CLOSED.
	assert.Error(t, tr.Transition(TradeStatusClosed))

	assert.NoError(t, tr.Transition(TradeStatusClosing))
	assert.NoError(t, tr.Transition(TradeStatusClosed))

	// Terminal: nothing moves after CLOSED.
	assert.Error(t, tr.Transition(TradeStatusClosing))
	assert.Error(t, tr.Transition(TradeStatusFailed))
}

func TestRollbackEndsFailed(t *testing.T) {
	tr := &Trade{ID: "t2", Status: TradeStatusOpening}
	assert.NoError(t, tr.Transition(TradeStatusRollback))
	assert.Error(t, tr.Transition(TradeStatusOpen))
	assert.NoError(t, tr.Transition(TradeStatusFailed))
}
