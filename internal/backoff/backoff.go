// Package backoff provides an explicit retry policy threaded through every
// retrying call: bounded attempts, exponential delay with a cap, and
// optional jitter.
package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes one retry schedule. The zero value is not usable; use
// Default or construct explicitly.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction of the computed delay randomized away, in
	// [0,1]. Zero disables jitter.
	Jitter float64
}

// Default returns the policy used by most subsystems: 3 attempts, 100ms
// base, 5s cap, 20% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// Validate rejects unusable policies.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("backoff max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("backoff base delay must be positive, got %v", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("backoff max delay %v is below base delay %v", p.MaxDelay, p.BaseDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("backoff jitter must be in [0,1], got %v", p.Jitter)
	}
	return nil
}

// Delay returns the wait before retry number attempt (0-based). The delay
// doubles per attempt and is capped at MaxDelay before jitter is applied.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}

// Retry calls fn up to MaxAttempts times, sleeping Delay(attempt) between
// failures while retryable(err) holds. A non-retryable error is returned
// immediately. Context cancellation aborts the wait.
func (p Policy) Retry(ctx context.Context, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, err)
}
