package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/strataga/ghostpirates/internal/persistence"
	"github.com/strataga/ghostpirates/internal/resilience"
)

// StoreRetryConfig configures exponential backoff for supervisor store reads.
type StoreRetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 50ms)
	MaxInterval         time.Duration // Maximum retry interval (default 1s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 5s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultStoreRetryConfig returns the default store retry configuration.
func DefaultStoreRetryConfig() StoreRetryConfig {
	return StoreRetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         time.Second,
		MaxElapsedTime:      5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// readWithRetry runs fn through the database breaker, retrying transient
// errors with exponential backoff.
func readWithRetry(ctx context.Context, cb *resilience.CircuitBreaker, cfg StoreRetryConfig, fn func(ctx context.Context) error) error {
	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		err := cb.Execute(ctx, fn)
		if err == nil {
			return nil
		}

		// Circuit is open - don't retry
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return backoff.Permanent(err)
		}
		// Missing records won't appear by retrying
		if errors.Is(err, persistence.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// readStore runs a supervisor read against the store.
func (o *Orchestrator) readStore(ctx context.Context, fn func(ctx context.Context) error) error {
	return readWithRetry(ctx, o.breakers.Get(resilience.BreakerDatabase), o.cfg.StoreRetry, fn)
}

// guardResources runs fn behind the resources breaker. Only failures that
// belong to that breaker count against it; every other error passes through.
func guardResources(ctx context.Context, cb *resilience.CircuitBreaker, fn func(ctx context.Context) error) error {
	var fnErr error
	err := cb.Execute(ctx, func(ctx context.Context) error {
		fnErr = fn(ctx)
		var f *resilience.Failure
		if errors.As(fnErr, &f) && f.Type.Breaker() == cb.Name() {
			return fnErr
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}
