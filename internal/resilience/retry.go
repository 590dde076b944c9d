package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy allows MaxRetries retries after the first attempt.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	BackoffFactor  float64
	JitterFraction float64
	// Rand returns a value in [0, 1); defaults to math/rand/v2.
	Rand func() float64
}

// Delay is the wait before retry number attempt (0-based):
// BaseDelay*BackoffFactor^attempt plus uniform jitter up to JitterFraction of that.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	jitter := base * p.JitterFraction * r()
	return time.Duration(base + jitter)
}

// ShouldRetry reports whether a unit that has failed `failures` times may be
// attempted again.
func (p RetryPolicy) ShouldRetry(failures int, err error) bool {
	return IsTransient(err) && failures <= p.MaxRetries
}

// Retry runs fn until it succeeds, fails definitively, exhausts the policy or
// ctx ends. onRetry, when set, sees each failed attempt before the wait. A
// transient error that outlives the budget is returned as definitive.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return Definitive(err)
		}
		wait := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
