// Package retry runs store operations with bounded exponential backoff and
// jitter. A Policy decides which failures are worth another attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/AD-Archer/the-anime-stock-market-sub002/internal/model"
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts bounds the number of calls to fn, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt; each further
	// attempt doubles it up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// AttemptTimeout bounds a single call to fn. Zero means no per-attempt
	// deadline beyond the caller's context.
	AttemptTimeout time.Duration

	// Retryable reports whether err warrants another attempt. Nil means
	// model.Retryable.
	Retryable func(error) bool

	// OnRetry, if set, is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Conflicts is the policy for user-facing operations: only write conflicts
// are retried, business rejections and store outages surface immediately.
func Conflicts() Policy {
	return Policy{
		MaxAttempts:    8,
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       200 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
		Retryable:      IsConflict,
	}
}

// Batch is the policy for scheduled jobs: conflicts, transient store
// errors and rate limiting are all retried.
func Batch() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseDelay:      75 * time.Millisecond,
		MaxDelay:       1200 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
		Retryable:      model.Retryable,
	}
}

// IsConflict reports whether err is a write conflict.
func IsConflict(err error) bool {
	return errors.Is(err, model.ErrConflict)
}

// Do calls fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. The last error is returned; when the
// attempts ran out it is wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = model.Retryable
	}

	for attempt := 1; ; attempt++ {
		err := p.call(ctx, fn)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (p Policy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, model.ErrTransientStore) {
		// A per-attempt deadline is a store-side stall, not a caller cancel.
		err = fmt.Errorf("%w: %v", model.ErrTransientStore, err)
	}
	return err
}

// Backoff returns the delay after the given failed attempt (1-based):
// half of the capped exponential step plus a random share of the other half.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + rand.N(half+1)
}

// Sleep waits for d or until ctx is done, returning ctx's error in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
