package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestATRRequiresFullPeriod(t *testing.T) {
	atr := NewATR(3)
	atr.Observe(decimal.NewFromInt(100))
	atr.Observe(decimal.NewFromInt(102))

	_, ok := atr.Value()
	assert.False(t, ok)

	atr.Observe(decimal.NewFromInt(101))
	atr.Observe(decimal.NewFromInt(104))

	v, ok := atr.Value()
	require.True(t, ok)
	// Ranges: |102-100|=2, |101-102|=1, |104-101|=3 -> mean 2
	assert.True(t, v.Equal(decimal.NewFromInt(2)), "got %s", v)
}

func TestATRRollsWindow(t *testing.T) {
	atr := NewATR(2)
	for _, p := range []int64{100, 110, 110, 110} {
		atr.Observe(decimal.NewFromInt(p))
	}
	v, ok := atr.Value()
	require.True(t, ok)
	// Last two ranges are 0, 0; the initial 10 has rolled out.
	assert.True(t, v.IsZero(), "got %s", v)
}

func TestZScoreInsufficientSamples(t *testing.T) {
	z := NewZScoreHistory(100)
	for i := 0; i < 5; i++ {
		z.Observe(decimal.NewFromFloat(0.5))
	}
	_, ok := z.Score(decimal.NewFromFloat(0.1), 20)
	assert.False(t, ok)
}

func TestZScoreZeroVariance(t *testing.T) {
	z := NewZScoreHistory(100)
	for i := 0; i < 30; i++ {
		z.Observe(decimal.NewFromFloat(0.5))
	}
	_, ok := z.Score(decimal.NewFromFloat(0.1), 20)
	assert.False(t, ok)
}

func TestZScoreDetectsCrash(t *testing.T) {
	z := NewZScoreHistory(100)
	// Alternate around 0.50 with small noise.
	for i := 0; i < 30; i++ {
		v := 0.50
		if i%2 == 0 {
			v = 0.52
		} else {
			v = 0.48
		}
		z.Observe(decimal.NewFromFloat(v))
	}

	score, ok := z.Score(decimal.NewFromFloat(0.10), 20)
	require.True(t, ok)
	assert.Less(t, score, -3.0)

	score, ok = z.Score(decimal.NewFromFloat(0.50), 20)
	require.True(t, ok)
	assert.InDelta(t, 0, score, 0.5)
}

func TestVelocityNegativeSlope(t *testing.T) {
	v := NewFundingVelocity(6 * time.Hour)
	base := time.Now()
	// Net rate decaying 0.00001 per hour.
	for i := 0; i < 7; i++ {
		rate := decimal.NewFromFloat(0.0001 - 0.00001*float64(i))
		v.Observe(rate, base.Add(time.Duration(i)*time.Hour))
	}

	slope, ok := v.Velocity()
	require.True(t, ok)
	assert.InDelta(t, -0.00001, slope, 1e-9)
}

func TestVelocityNeedsThreePoints(t *testing.T) {
	v := NewFundingVelocity(6 * time.Hour)
	base := time.Now()
	v.Observe(decimal.NewFromFloat(0.0001), base)
	v.Observe(decimal.NewFromFloat(0.0002), base.Add(time.Hour))

	_, ok := v.Velocity()
	assert.False(t, ok)
}

func TestVelocityEvictsOldPoints(t *testing.T) {
	v := NewFundingVelocity(2 * time.Hour)
	base := time.Now()
	v.Observe(decimal.NewFromFloat(1), base)
	v.Observe(decimal.NewFromFloat(0.0001), base.Add(3*time.Hour))
	v.Observe(decimal.NewFromFloat(0.0001), base.Add(4*time.Hour))

	// The outlier at t=0 is outside the lookback; only 2 points remain.
	_, ok := v.Velocity()
	assert.False(t, ok)
}

func TestAccelerationDetectsWorsening(t *testing.T) {
	v := NewFundingVelocity(12 * time.Hour)
	base := time.Now()
	// Flat first half, steep decay second half.
	rates := []float64{0.0001, 0.0001, 0.0001, 0.0001, 0.00008, 0.00005, 0.00001, -0.00004}
	for i, r := range rates {
		v.Observe(decimal.NewFromFloat(r), base.Add(time.Duration(i)*time.Hour))
	}

	accel, ok := v.Acceleration()
	require.True(t, ok)
	assert.Negative(t, accel)
}
