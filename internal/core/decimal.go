package core

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimal defensively converts an arbitrary value to a decimal.
// nil, empty strings, NaN/Infinity, unparseable strings and container types
// all yield def. Valid decimals, ints and floats pass through; floats are
// converted via their string form to avoid binary noise.
func ParseDecimal(v interface{}, def decimal.Decimal) decimal.Decimal {
	switch x := v.(type) {
	case nil:
		return def
	case decimal.Decimal:
		return x
	case *decimal.Decimal:
		if x == nil {
			return def
		}
		return *x
	case int:
		return decimal.NewFromInt(int64(x))
	case int32:
		return decimal.NewFromInt(int64(x))
	case int64:
		return decimal.NewFromInt(x)
	case float32:
		return parseDecimalString(strconv.FormatFloat(float64(x), 'f', -1, 32), def)
	case float64:
		return parseDecimalString(strconv.FormatFloat(x, 'f', -1, 64), def)
	case string:
		return parseDecimalString(x, def)
	default:
		// Slices, maps and anything else are malformed input.
		return def
	}
}

func parseDecimalString(s string, def decimal.Decimal) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	switch strings.ToLower(s) {
	case "nan", "inf", "infinity", "-inf", "-infinity", "+inf", "+infinity", "null", "none":
		return def
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return def
	}
	return d
}

// maxSaneHourlyRate is the sanity bound for hourly funding rates (1%/h).
var maxSaneHourlyRate = decimal.NewFromFloat(0.01)

// CheckFundingRateBounds logs a warning when an hourly rate is outside the
// sane band but always returns the original value, never a clamped one.
func CheckFundingRateBounds(logger ILogger, symbol string, venue Venue, rate decimal.Decimal) decimal.Decimal {
	if rate.Abs().GreaterThan(maxSaneHourlyRate) && logger != nil {
		logger.Warn("Funding rate outside sane bounds",
			"symbol", symbol, "venue", string(venue), "hourly_rate", rate.String())
	}
	return rate
}

// RoundToTick rounds a price onto the tick grid in the side-correct
// direction: BUY rounds down, SELL rounds up, so the rounded price is never
// more aggressive than requested.
func RoundToTick(price, tick decimal.Decimal, side Side) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	steps := price.Div(tick)
	if side == SideBuy {
		return steps.Floor().Mul(tick)
	}
	return steps.Ceil().Mul(tick)
}

// RoundToStep truncates a quantity onto the step grid (always down, so the
// order never exceeds the intended size).
func RoundToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}
