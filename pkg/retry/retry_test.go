package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func transientOnly(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), transientOnly, func() error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_NonTransientFailsFast(t *testing.T) {
	permanent := errors.New("auth rejected")
	attempts := 0
	err := Do(context.Background(), fastPolicy(), transientOnly, func() error {
		attempts++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), transientOnly, func() error {
		attempts++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts)
}

func TestDo_CanceledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, Policy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour},
		transientOnly, func() error {
			attempts++
			cancel()
			return errTransient
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDo_ZeroAttemptsIsAnError(t *testing.T) {
	err := Do(context.Background(), Policy{}, transientOnly, func() error { return nil })
	assert.Error(t, err)
}

func TestBackoffFor_DoublesAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	for attempt := 0; attempt < 8; attempt++ {
		w := p.backoffFor(attempt)
		assert.GreaterOrEqual(t, w, 100*time.Millisecond, "attempt %d", attempt)
		assert.LessOrEqual(t, w, time.Second, "attempt %d", attempt)
	}
	// Deep attempts pin to the cap regardless of jitter.
	assert.Equal(t, time.Second, p.backoffFor(30))
}
