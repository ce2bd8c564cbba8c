package bus

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how failed journal writes are retried with
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 5 attempts, 50ms initial delay, 2x multiplier, 5s max delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// NextDelay returns the backoff delay for the given attempt number
// (1-indexed). The delay is InitialDelay * Multiplier^(attempt-1), capped
// at MaxDelay, plus up to half the delay of jitter.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	d := time.Duration(delay)
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (p RetryPolicy) normalized() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if out.InitialDelay <= 0 {
		out.InitialDelay = DefaultRetryPolicy().InitialDelay
	}
	if out.Multiplier <= 1 {
		out.Multiplier = DefaultRetryPolicy().Multiplier
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	return out
}
