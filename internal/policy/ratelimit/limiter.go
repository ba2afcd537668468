// Package ratelimit implements the single shared gate that spaces outbound page
// requests across all crawl workers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter grants at most one request per MinDelay, process-wide. Waiters are
// not served in FIFO order.
//
// Grants are serialized: x/time/rate schedules the next slot, then the
// limiter sleeps off whatever remains of MinDelay since the previous grant
// was released, so a late wake-up never shortens the following gap.
type Limiter struct {
	limiter  *rate.Limiter
	minDelay time.Duration

	// gate holds one token; owning it means owning last.
	gate chan struct{}
	last time.Time

	// onGrant observes grant times in tests.
	onGrant func(time.Time)
}

// Config holds rate limiter configuration.
type Config struct {
	// MinDelay is the minimum spacing between two grants. Zero disables limiting.
	MinDelay time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.MinDelay > 0 {
		limit = rate.Every(cfg.MinDelay)
	}
	gate := make(chan struct{}, 1)
	gate <- struct{}{}
	// Burst 1 means the bucket never stores more than one grant, so idle
	// periods cannot be spent as a burst later.
	return &Limiter{
		limiter:  rate.NewLimiter(limit, 1),
		minDelay: cfg.MinDelay,
		gate:     gate,
	}
}

// Acquire blocks until the next grant is due or ctx ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.minDelay <= 0 {
		return nil
	}
	select {
	case <-l.gate:
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
	defer func() { l.gate <- struct{}{} }()

	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if !l.last.IsZero() {
		for remaining := l.minDelay - time.Since(l.last); remaining > 0; remaining = l.minDelay - time.Since(l.last) {
			if err := sleep(ctx, remaining); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}
	}
	l.last = time.Now()
	if l.onGrant != nil {
		l.onGrant(l.last)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MinDelay reports the configured spacing.
func (l *Limiter) MinDelay() time.Duration {
	if l == nil {
		return 0
	}
	return l.minDelay
}
