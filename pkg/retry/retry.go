// Package retry implements bounded retries with jittered exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default for exchange REST calls.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error should be retried.
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy. Backoff doubles per
// attempt up to MaxBackoff, with ±15% jitter to avoid thundering herds.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if isTransient != nil && !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Jitter(backoff)):
			backoff = minDuration(backoff*2, policy.MaxBackoff)
		}
	}

	return err
}

// Jitter spreads a delay by ±15%.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	span := int64(float64(d) * 0.30)
	if span == 0 {
		return d
	}
	return d - time.Duration(span/2) + time.Duration(rand.Int63n(span))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
