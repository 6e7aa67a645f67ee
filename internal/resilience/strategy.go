package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StrategyKind selects how long to wait before a retry.
type StrategyKind string

const (
	Immediate          StrategyKind = "immediate"
	FixedDelay         StrategyKind = "fixed_delay"
	ExponentialBackoff StrategyKind = "exponential_backoff"
	RateLimitBackoff   StrategyKind = "rate_limit_backoff"
)

// RetryStrategy describes the wait before one retry attempt.
type RetryStrategy struct {
	Kind    StrategyKind
	Delay   time.Duration // FixedDelay and RateLimitBackoff
	Base    time.Duration // ExponentialBackoff
	Max     time.Duration // ExponentialBackoff
	Attempt int           // Zero-based attempt the delay is computed for
}

func (s RetryStrategy) String() string {
	switch s.Kind {
	case FixedDelay, RateLimitBackoff:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Delay)
	case ExponentialBackoff:
		return fmt.Sprintf("%s(base=%s, max=%s, attempt=%d)", s.Kind, s.Base, s.Max, s.Attempt)
	default:
		return string(s.Kind)
	}
}

// Duration returns how long to wait before retrying.
func (s RetryStrategy) Duration() time.Duration {
	switch s.Kind {
	case FixedDelay, RateLimitBackoff:
		return s.Delay
	case ExponentialBackoff:
		return exponentialDelay(s.Base, s.Max, s.Attempt)
	default:
		return 0
	}
}

// Wait blocks for the strategy's duration or until ctx is done.
func (s RetryStrategy) Wait(ctx context.Context) error {
	d := s.Duration()
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

// exponentialDelay returns base doubled attempt times, capped at max.
// Jitter is disabled so delays are reproducible.
func exponentialDelay(base, max time.Duration, attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0, // Never stop
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
