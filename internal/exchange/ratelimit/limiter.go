// Package ratelimit implements the adaptive multi-budget rate limiter in
// front of every venue REST call. Each named budget (market_data,
// account, order) is a token bucket; 418/429 responses arm a shared
// exponential-backoff deadline that all budgets respect until it passes.
// The limiter is process-wide per venue: all clients of one venue must
// share the same instance.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/pkg/telemetry"
)

// Default budget names.
const (
	BudgetMarketData = "market_data"
	BudgetAccount    = "account"
	BudgetOrder      = "order"
)

const (
	maxBackoff = 60 * time.Second
	// usedWeightWindow is Binance's 1-minute request-weight ceiling, used
	// to interpret x-mbx-used-weight-1m.
	usedWeightWindow = 1200.0
	warnUsageRatio   = 0.8
)

type budget struct {
	limiter *rate.Limiter
	rps     float64
	burst   int
}

// Limiter is one venue's adaptive rate limiter.
type Limiter struct {
	exchange string
	logger   core.ILogger

	mu           sync.Mutex
	budgets      map[string]*budget
	backoffUntil time.Time
	stage        int

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter for one venue.
func New(exchange string, logger core.ILogger) *Limiter {
	return &Limiter{
		exchange: exchange,
		logger:   logger.WithField("component", "rate_limiter").WithField("exchange", exchange),
		budgets:  make(map[string]*budget),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnsureBudget registers a named budget if not present.
func (l *Limiter) EnsureBudget(name string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.budgets[name]; ok {
		return
	}
	l.budgets[name] = &budget{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
		burst:   burst,
	}
}

func (l *Limiter) getBudget(name string) *budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.budgets[name]; ok {
		return b
	}
	// Unregistered budget: conservative default.
	b := &budget{limiter: rate.NewLimiter(rate.Limit(5), 5), rps: 5, burst: 5}
	l.budgets[name] = b
	return b
}

// Acquire blocks until the budget admits a request of the given weight
// and any active backoff deadline has passed.
func (l *Limiter) Acquire(ctx context.Context, budgetName string, weight int) error {
	if weight < 1 {
		weight = 1
	}
	for {
		l.mu.Lock()
		wait := l.backoffUntil.Sub(l.now())
		l.mu.Unlock()
		if wait <= 0 {
			break
		}
		l.logger.Warn("rate limit backoff active, waiting",
			"budget", budgetName, "wait", wait.String())
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return l.getBudget(budgetName).limiter.WaitN(ctx, weight)
}

// HandleRateLimit reacts to a venue 418/429. retryAfter <= 0 means the
// response carried no Retry-After header and the exponential schedule
// applies: min(2^stage + U(0.1,1.0), 60s).
func (l *Limiter) HandleRateLimit(budgetName string, retryAfter time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stage++
	wait := retryAfter
	if wait <= 0 {
		secs := math.Pow(2, float64(l.stage)) + 0.1 + rand.Float64()*0.9
		wait = time.Duration(secs * float64(time.Second))
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}
	l.backoffUntil = l.now().Add(wait)

	telemetry.GetGlobalMetrics().RateLimiterBackoff.
		WithLabelValues(l.exchange, budgetName).Set(float64(l.stage))
	l.logger.Error("venue rate limit hit, backing off",
		"budget", budgetName, "stage", l.stage, "wait", wait.String())
	return wait
}

// OnSuccess decays the backoff stage after a successful request.
func (l *Limiter) OnSuccess(budgetName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stage > 0 {
		l.stage--
	}
	telemetry.GetGlobalMetrics().RateLimiterBackoff.
		WithLabelValues(l.exchange, budgetName).Set(float64(l.stage))
}

// Stage returns the current backoff stage.
func (l *Limiter) Stage() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stage
}

// UpdateFromHeaders folds venue-reported usage headers into the local
// view and warns when usage crosses 80% of the window budget.
func (l *Limiter) UpdateFromHeaders(h http.Header) {
	raw := h.Get("x-mbx-used-weight-1m")
	if raw == "" {
		raw = h.Get("X-MBX-USED-WEIGHT-1M")
	}
	if raw == "" {
		return
	}
	used, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	ratio := float64(used) / usedWeightWindow
	telemetry.GetGlobalMetrics().RateLimiterUsage.
		WithLabelValues(l.exchange, BudgetMarketData).Set(ratio)
	if ratio > warnUsageRatio {
		l.logger.Warn("high venue API weight usage", "used_weight_1m", used, "ratio", ratio)
	}
}

// RetryAfterFromResponse parses a Retry-After header in seconds; 0 means
// absent or unparseable.
func RetryAfterFromResponse(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
