// Package retry bounds transient-failure retries inside a single
// strategy tick. Backoff doubles per attempt plus up to 50% jitter; anything
// the classifier rejects (auth failures, business rejections) returns
// immediately so a hopeless call never burns tick time.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes one retry schedule.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy fits venue REST calls: three attempts well inside the
// 10s request timeout.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error is worth another attempt.
type IsTransientFunc func(error) bool

// backoffFor returns the jittered wait before attempt n (0-based): the
// doubled base plus up to 50% jitter, capped at MaxBackoff.
func (p Policy) backoffFor(attempt int) time.Duration {
	base := p.InitialBackoff << attempt
	if base > p.MaxBackoff || base <= 0 {
		base = p.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	wait := base + jitter
	if wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	return wait
}

// Do runs fn until it succeeds, returns a non-transient error, exhausts
// the attempt budget, or the context is canceled.
func (p Policy) Do(ctx context.Context, isTransient IsTransientFunc, fn func() error) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy needs at least one attempt, got %d", p.MaxAttempts)
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isTransient != nil && !isTransient(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(p.backoffFor(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// Do applies the policy; kept as a package function so call sites read
// retry.Do(ctx, retry.DefaultPolicy, ...).
func Do(ctx context.Context, p Policy, isTransient IsTransientFunc, fn func() error) error {
	return p.Do(ctx, isTransient, fn)
}
