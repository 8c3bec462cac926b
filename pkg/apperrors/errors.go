// Package apperrors defines the standardized error taxonomy shared by the
// venue adapters and the trading core. Adapters translate venue-native
// error codes into these sentinels; callers match with errors.Is.
package apperrors

import "errors"

var (
	// ErrConfiguration marks invalid credentials or violated startup
	// validation. Fatal at startup, never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrNetwork is a transient network or HTTP failure. Retried with
	// backoff; counts toward circuit breakers.
	ErrNetwork = errors.New("network error")

	// ErrRateLimited maps 429/503 and equivalents. Honor Retry-After and
	// apply additional backoff.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrOrderRejected is a permanent venue rejection (tick/step violation,
	// post-only crossed). Never retried with the same request.
	ErrOrderRejected = errors.New("order rejected")

	// ErrInsufficientBalance aborts the current attempt and trade without
	// pausing the whole bot.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrNotSupported marks optional port operations an adapter lacks
	// (e.g. in-place order modification).
	ErrNotSupported = errors.New("operation not supported")

	// ErrHedgeEvaporated signals that the hedge venue can no longer absorb
	// the remaining leg-1 size within bounds; leg-1 is cancelled and any
	// partial rolled back.
	ErrHedgeEvaporated = errors.New("hedge liquidity evaporated")

	// ErrLeg1Failed wraps terminal leg-1 failures after retries.
	ErrLeg1Failed = errors.New("leg one execution failed")

	// ErrNotSynced marks a local orderbook that lost its update chain and
	// is awaiting a fresh snapshot.
	ErrNotSynced = errors.New("orderbook not synced")

	// ErrTradingPaused is returned when the supervisor inhibits new opens.
	ErrTradingPaused = errors.New("trading paused")
)

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}
