package risk

import (
	"math"

	"fundarb/internal/core"

	"github.com/shopspring/decimal"
)

// FundingStats summarizes a symbol's recent funding history on one venue.
type FundingStats struct {
	Samples   int
	SMA       decimal.Decimal
	Stability decimal.Decimal // 1 at perfectly steady rates, 0 at pure noise
	SignFlips int
}

// AnalyzeFunding computes mean, stability, and sign-flip count over a
// candle series. Stability is 1 minus the coefficient of variation,
// clamped to [0, 1]; a near-zero mean with any spread scores 0.
func AnalyzeFunding(candles []core.FundingCandle) FundingStats {
	stats := FundingStats{Samples: len(candles)}
	if len(candles) == 0 {
		return stats
	}

	var sum float64
	rates := make([]float64, len(candles))
	for i, c := range candles {
		rates[i], _ = c.HourlyRate.Float64()
		sum += rates[i]
	}
	mean := sum / float64(len(rates))
	stats.SMA = decimal.NewFromFloat(mean)

	for i := 1; i < len(rates); i++ {
		if rates[i] != 0 && rates[i-1] != 0 && math.Signbit(rates[i]) != math.Signbit(rates[i-1]) {
			stats.SignFlips++
		}
	}

	if len(rates) < 2 {
		stats.Stability = decimal.NewFromInt(1)
		return stats
	}
	var variance float64
	for _, r := range rates {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(rates) - 1)
	std := math.Sqrt(variance)

	absMean := math.Abs(mean)
	switch {
	case std == 0:
		stats.Stability = decimal.NewFromInt(1)
	case absMean == 0:
		stats.Stability = decimal.Zero
	default:
		cv := std / absMean
		if cv > 1 {
			cv = 1
		}
		stats.Stability = decimal.NewFromFloat(1 - cv)
	}
	return stats
}
