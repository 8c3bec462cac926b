// Package risk holds the statistical inputs to the exit rules: ATR on
// price moves, APY z-score history, and funding velocity estimation.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// ATR computes a rolling average true range over absolute price changes.
// Perp mid prices have no OHLC gaps here, so true range reduces to the
// absolute move between consecutive observations.
type ATR struct {
	mu     sync.Mutex
	period int
	ranges []decimal.Decimal
	last   decimal.Decimal
	seen   int
}

// NewATR creates an ATR over the given period.
func NewATR(period int) *ATR {
	if period <= 0 {
		period = 14
	}
	return &ATR{period: period}
}

// Observe feeds a new price observation.
func (a *ATR) Observe(price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seen > 0 {
		tr := price.Sub(a.last).Abs()
		a.ranges = append(a.ranges, tr)
		if len(a.ranges) > a.period {
			a.ranges = a.ranges[1:]
		}
	}
	a.last = price
	a.seen++
}

// Value returns the current ATR and whether enough data exists.
func (a *ATR) Value() (decimal.Decimal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.ranges) < a.period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, r := range a.ranges {
		sum = sum.Add(r)
	}
	return sum.Div(decimal.NewFromInt(int64(len(a.ranges)))), true
}
