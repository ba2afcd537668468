// Package retry provides bounded retry policies and a combinator that applies
// them to an arbitrary operation.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Policy decides whether and when a failed attempt is retried.
// Attempts are numbered from zero.
type Policy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// FixedPolicy retries up to MaxRetries times with a constant delay.
type FixedPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// NewFixed builds a FixedPolicy. Negative inputs are clamped to zero.
func NewFixed(maxRetries int, delay time.Duration) FixedPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if delay < 0 {
		delay = 0
	}
	return FixedPolicy{MaxRetries: maxRetries, Delay: delay}
}

// ShouldRetry implements Policy.
func (p FixedPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || isContextErr(err) {
		return false
	}
	return attempt < p.MaxRetries
}

// Backoff implements Policy.
func (p FixedPolicy) Backoff(int) time.Duration {
	return p.Delay
}

// ExponentialPolicy implements Policy with jittered backoff.
type ExponentialPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponential builds a policy with jittered exponential delays.
func NewExponential(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialPolicy {
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ExponentialPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// ShouldRetry implements Policy.
func (p *ExponentialPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || isContextErr(err) {
		return false
	}
	return attempt < p.maxRetries
}

// Backoff returns half the capped exponential delay plus up to the same again
// in random jitter.
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Do runs op until it succeeds, the policy gives up, or ctx ends. The last
// error is returned wrapped with the number of attempts made.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("attempt %d: %w", attempt+1, errors.Join(err, ctxErr))
		}
		if policy == nil || !policy.ShouldRetry(err, attempt) {
			return fmt.Errorf("after %d attempt(s): %w", attempt+1, err)
		}
		if err := sleep(ctx, policy.Backoff(attempt)); err != nil {
			return fmt.Errorf("retry backoff: %w", err)
		}
	}
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled)
}
