package blockchain

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
)

// RetryPolicy bounds the per-tier retry loop of a single request
type RetryPolicy struct {
	MaxAttempts    int           // e.g. 3
	BaseDelay      time.Duration // e.g. 1s, doubled per attempt
	MaxDelay       time.Duration // e.g. 8s
	JitterFraction float64       // e.g. 0.2 for ±20%

	// OnRetry is optional hook for logging/metrics
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Retry runs fn until it succeeds, returns a non-transient error, runs out of attempts or
// the context ends. Only errors wrapping entity.ErrTransientFetch are retried.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 8 * p.BaseDelay
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(lastErr, err)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.Is(err, entity.ErrTransientFetch) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := Backoff(p, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}

	return lastErr
}

// Backoff returns the wait after the given failed attempt: base doubled per attempt, capped,
// then spread by ±JitterFraction
func Backoff(p RetryPolicy, attempt int) time.Duration {
	wait := p.BaseDelay << (attempt - 1)
	if wait > p.MaxDelay || wait <= 0 {
		wait = p.MaxDelay
	}
	if p.JitterFraction > 0 {
		spread := 1 + p.JitterFraction*(2*rand.Float64()-1)
		wait = time.Duration(float64(wait) * spread)
	}
	return wait
}
