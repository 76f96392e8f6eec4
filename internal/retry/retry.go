package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy is a bounded exponential-backoff retry policy. The first
// retry waits BaseDelay; each subsequent retry multiplies the wait by
// Multiplier.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultPolicy matches the uploader's configured bounds.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2}
}

// Do runs op until it succeeds, the attempt budget is exhausted, or
// ctx is canceled. The returned error wraps the last failure.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := p.BaseDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * mult)
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
