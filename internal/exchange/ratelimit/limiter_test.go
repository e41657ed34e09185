package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})              {}
func (nopLogger) Info(string, ...interface{})               {}
func (nopLogger) Warn(string, ...interface{})               {}
func (nopLogger) Error(string, ...interface{})              {}
func (nopLogger) Fatal(string, ...interface{})              {}
func (l nopLogger) WithField(string, interface{}) core.ILogger  { return l }
func (l nopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

func TestAcquire_WithinBurst(t *testing.T) {
	l := New("binance", nopLogger{})
	l.EnsureBudget(BudgetMarketData, 10, 10)

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(context.Background(), BudgetMarketData, 1))
	}
	// Burst capacity admits the first 10 without blocking.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquire_BlocksPastBudget(t *testing.T) {
	l := New("binance", nopLogger{})
	l.EnsureBudget(BudgetOrder, 10, 1)

	require.NoError(t, l.Acquire(context.Background(), BudgetOrder, 1))
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), BudgetOrder, 1))
	// Second token must wait roughly 1/rps.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquire_UnknownBudgetGetsDefault(t *testing.T) {
	l := New("binance", nopLogger{})
	require.NoError(t, l.Acquire(context.Background(), "never-registered", 1))
}

func TestHandleRateLimit_ExponentialAndCapped(t *testing.T) {
	l := New("binance", nopLogger{})

	w1 := l.HandleRateLimit(BudgetMarketData, 0)
	assert.GreaterOrEqual(t, w1, 2*time.Second) // 2^1 + jitter
	assert.Less(t, w1, 4*time.Second)
	assert.Equal(t, 1, l.Stage())

	// Push the stage high enough that the cap engages.
	for i := 0; i < 8; i++ {
		l.HandleRateLimit(BudgetMarketData, 0)
	}
	w := l.HandleRateLimit(BudgetMarketData, 0)
	assert.Equal(t, 60*time.Second, w)
}

func TestHandleRateLimit_RetryAfterWins(t *testing.T) {
	l := New("binance", nopLogger{})
	w := l.HandleRateLimit(BudgetMarketData, 7*time.Second)
	assert.Equal(t, 7*time.Second, w)
}

func TestOnSuccess_DecaysStage(t *testing.T) {
	l := New("binance", nopLogger{})
	l.HandleRateLimit(BudgetMarketData, time.Second)
	l.HandleRateLimit(BudgetMarketData, time.Second)
	require.Equal(t, 2, l.Stage())

	l.OnSuccess(BudgetMarketData)
	assert.Equal(t, 1, l.Stage())
	l.OnSuccess(BudgetMarketData)
	l.OnSuccess(BudgetMarketData)
	assert.Equal(t, 0, l.Stage())
}

func TestAcquire_WaitsOutBackoffDeadline(t *testing.T) {
	l := New("binance", nopLogger{})
	l.EnsureBudget(BudgetMarketData, 100, 100)

	var slept time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		// Simulate the wait by moving the clock.
		base := l.now()
		l.now = func() time.Time { return base.Add(d + time.Millisecond) }
		return nil
	}

	l.HandleRateLimit(BudgetMarketData, 5*time.Second)
	require.NoError(t, l.Acquire(context.Background(), BudgetMarketData, 1))
	assert.GreaterOrEqual(t, slept, 4*time.Second)
}

func TestAcquire_CancelDuringBackoff(t *testing.T) {
	l := New("binance", nopLogger{})
	l.EnsureBudget(BudgetMarketData, 100, 100)
	l.HandleRateLimit(BudgetMarketData, 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, BudgetMarketData, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryAfterFromResponse(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	assert.Equal(t, time.Duration(0), RetryAfterFromResponse(resp))

	resp.Header.Set("Retry-After", "12")
	assert.Equal(t, 12*time.Second, RetryAfterFromResponse(resp))

	resp.Header.Set("Retry-After", "not-a-number")
	assert.Equal(t, time.Duration(0), RetryAfterFromResponse(resp))
}

func TestUpdateFromHeaders_NoPanic(t *testing.T) {
	l := New("binance", nopLogger{})
	h := http.Header{}
	l.UpdateFromHeaders(h)
	h.Set("x-mbx-used-weight-1m", "1100")
	l.UpdateFromHeaders(h)
	h.Set("x-mbx-used-weight-1m", "garbage")
	l.UpdateFromHeaders(h)
}
