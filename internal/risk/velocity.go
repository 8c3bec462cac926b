package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type ratePoint struct {
	rate decimal.Decimal
	at   time.Time
}

// FundingVelocity estimates the first and second time derivatives of the
// net hourly funding rate over a lookback window, via least-squares
// slope on the stored points.
type FundingVelocity struct {
	mu       sync.Mutex
	lookback time.Duration
	points   []ratePoint
}

// NewFundingVelocity creates a velocity tracker with the given lookback.
func NewFundingVelocity(lookback time.Duration) *FundingVelocity {
	if lookback <= 0 {
		lookback = 6 * time.Hour
	}
	return &FundingVelocity{lookback: lookback}
}

// Observe appends a net hourly rate observation.
func (v *FundingVelocity) Observe(rate decimal.Decimal, at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.points = append(v.points, ratePoint{rate: rate, at: at})
	cutoff := at.Add(-v.lookback)
	i := 0
	for i < len(v.points) && v.points[i].at.Before(cutoff) {
		i++
	}
	v.points = v.points[i:]
}

// Velocity returns the rate change per hour over the window. The second
// return is false when fewer than 3 points exist.
func (v *FundingVelocity) Velocity() (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slope(v.points)
}

// Acceleration returns the change in velocity per hour, computed as the
// difference between the slopes of the second and first window halves.
func (v *FundingVelocity) Acceleration() (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := len(v.points)
	if n < 6 {
		return 0, false
	}
	first, ok1 := slope(v.points[:n/2])
	second, ok2 := slope(v.points[n/2:])
	if !ok1 || !ok2 {
		return 0, false
	}

	t0 := midTime(v.points[:n/2])
	t1 := midTime(v.points[n/2:])
	dtHours := t1.Sub(t0).Hours()
	if dtHours <= 0 {
		return 0, false
	}
	return (second - first) / dtHours, true
}

// slope is the least-squares slope of rate against time-in-hours.
func slope(points []ratePoint) (float64, bool) {
	n := len(points)
	if n < 3 {
		return 0, false
	}

	base := points[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.at.Sub(base).Hours()
		y, _ := p.rate.Float64()
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	return (fn*sumXY - sumX*sumY) / denom, true
}

func midTime(points []ratePoint) time.Time {
	return points[len(points)/2].at
}
