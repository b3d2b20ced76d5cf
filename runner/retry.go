package runner

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy performs all retries immediately without waiting.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ConstantStrategy waits the same delay between every attempt.
type ConstantStrategy struct {
	Delay time.Duration
}

func (c ConstantStrategy) SleepDuration(_ int, _ error) time.Duration {
	return c.Delay
}

// ExponentialBackoffStrategy implements a backoff strategy.
// Usage example:
//
//	Policy{
//	    MaxAttempts: 4,
//	    Strategy: ExponentialBackoffStrategy{
//	        Base:   100 * time.Millisecond,
//	        Factor: 2,
//	        Max:    5 * time.Second,
//	    },
//	}
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

// newBackoff adapts a RetryStrategy to go-retry, bounded to maxRetries.
func newBackoff(strategy RetryStrategy, maxRetries int) retry.Backoff {
	if strategy == nil {
		strategy = NoDelayStrategy{}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempt := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		d := strategy.SleepDuration(attempt, nil)
		attempt++
		return d, false
	})
	return retry.WithMaxRetries(uint64(maxRetries), next)
}
