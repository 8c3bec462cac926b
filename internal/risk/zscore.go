package risk

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"
)

// ZScoreHistory tracks a rolling window of APY observations and scores
// the latest value against the window's mean and standard deviation.
type ZScoreHistory struct {
	mu         sync.Mutex
	maxSamples int
	samples    []float64
}

// NewZScoreHistory creates a history bounded to maxSamples.
func NewZScoreHistory(maxSamples int) *ZScoreHistory {
	if maxSamples <= 0 {
		maxSamples = 288 // 24h of 5-minute samples
	}
	return &ZScoreHistory{maxSamples: maxSamples}
}

// Observe appends an APY sample.
func (z *ZScoreHistory) Observe(apy decimal.Decimal) {
	z.mu.Lock()
	defer z.mu.Unlock()
	f, _ := apy.Float64()
	z.samples = append(z.samples, f)
	if len(z.samples) > z.maxSamples {
		z.samples = z.samples[1:]
	}
}

// Len returns the number of stored samples.
func (z *ZScoreHistory) Len() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.samples)
}

// Score returns (current - mean) / std for the given value against the
// history. The second return is false when there are fewer than
// minSamples observations or the variance is zero.
func (z *ZScoreHistory) Score(current decimal.Decimal, minSamples int) (float64, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	n := len(z.samples)
	if n < minSamples || n < 2 {
		return 0, false
	}

	var sum float64
	for _, s := range z.samples {
		sum += s
	}
	mean := sum / float64(n)

	var variance float64
	for _, s := range z.samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(n - 1)
	if variance <= 0 {
		return 0, false
	}

	cur, _ := current.Float64()
	return (cur - mean) / math.Sqrt(variance), true
}
