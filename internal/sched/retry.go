package sched

import "time"

// RetryPolicy bounds retries with exponential backoff. It is passed into the
// scheduler and the transport rather than re-implemented inside handlers.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetry matches the store retry defaults.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, Base: time.Second, Cap: time.Minute}

// Backoff returns the delay before the given attempt (1-based). Attempts at
// or beyond MaxAttempts get no delay because they will not run.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether the given attempt count has used up the budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
