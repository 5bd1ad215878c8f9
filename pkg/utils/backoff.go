package utils

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Jitter returns d scaled by a random factor in [1-fraction, 1+fraction].
// fraction is clamped to [0, 1].
func Jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 {
		return d
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	delta := (rand.Float64()*2 - 1) * fraction
	return time.Duration(float64(d) * (1 + delta))
}

// ExponentialBackoff returns base * 2^attempt capped at max.
func ExponentialBackoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	scaled := float64(base) * math.Pow(2, float64(attempt))
	if scaled > float64(max) {
		return max
	}
	return time.Duration(scaled)
}

// SleepWithContext sleeps for d or until ctx is cancelled.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryContext runs fn up to attempts times with jittered exponential
// backoff between tries. Returns the last error if all attempts fail.
func RetryContext(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < attempts-1 {
			delay := Jitter(ExponentialBackoff(base, i, 30*time.Second), 0.2)
			if err := SleepWithContext(ctx, delay); err != nil {
				return err
			}
		}
	}
	return lastErr
}
