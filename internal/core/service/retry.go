package service

import (
	"context"
	"time"
)

// RetryPolicy governs retry/backoff behavior.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy performs a single attempt with no backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 1, Multiplier: 1}

// Retry executes fn up to policy.Attempts times, backing off between
// attempts. It returns the last error, or nil on an eventual success.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	backoff := policy.InitialBackoff
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == policy.Attempts {
			return err
		}
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			next := time.Duration(float64(backoff) * policy.Multiplier)
			if policy.MaxBackoff > 0 && next > policy.MaxBackoff {
				next = policy.MaxBackoff
			}
			backoff = next
		}
	}
	return nil
}
