package source

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior for vendor operations.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the backoff regardless of attempt count.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64

	// JitterFactor randomizes each delay by +/- this fraction, so that
	// parallel schedules do not hammer the vendor in lockstep.
	JitterFactor float64
}

// DefaultPolicy returns a sensible default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// delay computes the backoff before the given 1-based attempt.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.JitterFactor > 0 {
		d += d * p.JitterFactor * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Acquirer hands out scoped vendor connections. *Connector is the production
// implementation; tests substitute fakes.
type Acquirer interface {
	Acquire(ctx context.Context) (*Conn, error)
}

// WithRetry runs op until it succeeds, returns a non-retryable error, or
// MaxAttempts is exhausted.
//
// Each attempt receives a freshly acquired connection which is always
// released before the next attempt, so a half-dead connection can never
// leak across retries. Only transient failures (see IsRetryable) are
// retried; authentication and data errors surface immediately.
//
// After the last attempt the final error is wrapped in ErrSourceUnavailable
// so callers can distinguish "vendor is down" from their own bugs.
func WithRetry(ctx context.Context, connector Acquirer, policy Policy, logger *log.Logger, opName string, op func(ctx context.Context, conn *Conn) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := runAttempt(ctx, connector, op)
		if err == nil {
			if attempt > 1 && logger != nil {
				logger.Printf("%s succeeded on attempt %d/%d", opName, attempt, policy.MaxAttempts)
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		d := policy.delay(attempt)
		if logger != nil {
			logger.Printf("WARNING: %s failed (attempt %d/%d), retrying in %s: %v",
				opName, attempt, policy.MaxAttempts, d.Round(time.Millisecond), err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w: %w",
		opName, policy.MaxAttempts, ErrSourceUnavailable, lastErr)
}

// runAttempt acquires, runs, and releases a single connection.
func runAttempt(ctx context.Context, connector Acquirer, op func(ctx context.Context, conn *Conn) error) error {
	conn, err := connector.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return op(ctx, conn)
}
