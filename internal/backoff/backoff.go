// Package backoff provides retry delay strategies for failed jobs and for
// transient store errors. All strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"math"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max). A zero Max means uncapped.
//
// No jitter is applied: successive delays are strictly increasing until
// the cap is reached, which operators rely on when reading not_before.
// Once Initial * 2^(attempt-1) exceeds Max every later attempt waits
// exactly Max. With DefaultJobStrategy that is attempt 12 and later, so
// jobs allowed more than 11 attempts see equal delays at the tail.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	d := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// DefaultJobStrategy returns the delay schedule for failed jobs: one minute
// after the first failure, doubling up to a day.
func DefaultJobStrategy() Strategy {
	return Exponential{Initial: time.Minute, Max: 24 * time.Hour}
}
