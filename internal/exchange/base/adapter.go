// Package base provides common functionality for exchange adapters
package base

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tommyca/opensqt-trading-engine/internal/config"
	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/ratelimit"
	apperrors "github.com/tommyca/opensqt-trading-engine/pkg/errors"
)

// SignRequestFunc is a function type for exchange-specific request
// signing. body is the exact byte slice that will be sent; Bybit signs
// over it verbatim, so implementations must not re-serialize.
type SignRequestFunc func(req *http.Request, body []byte) error

// ParseErrorFunc maps a venue 4xx body onto the shared error taxonomy.
type ParseErrorFunc func(statusCode int, body []byte) error

// Adapter provides common functionality for all exchange adapters
type Adapter struct {
	Name       string
	Config     *config.ExchangeConfig
	Logger     core.ILogger
	Limiter    *ratelimit.Limiter
	HTTPClient *http.Client

	// Exchange-specific hooks set by concrete implementations.
	SignRequestFunc SignRequestFunc
	ParseError      ParseErrorFunc
}

// NewAdapter creates a new base adapter with common configuration
func NewAdapter(name string, cfg *config.ExchangeConfig, logger core.ILogger, limiter *ratelimit.Limiter) *Adapter {
	return &Adapter{
		Name:    name,
		Config:  cfg,
		Logger:  logger.WithField("exchange", name),
		Limiter: limiter,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DisableKeepAlives:   false,
			},
		},
	}
}

// ExecuteRequest runs one venue HTTP call through the rate limiter,
// signs it when requested, and maps the response onto the error
// taxonomy. Successful calls feed the limiter's backoff decay; 418/429
// responses arm its backoff deadline.
func (b *Adapter) ExecuteRequest(ctx context.Context, method, url string, body []byte, signed bool, budget string) ([]byte, error) {
	if err := b.Limiter.Acquire(ctx, budget, 1); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if signed && b.SignRequestFunc != nil {
		if err := b.SignRequestFunc(req, body); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTemporary, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", apperrors.ErrTemporary, err)
	}

	b.Limiter.UpdateFromHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		wait := b.Limiter.HandleRateLimit(budget, ratelimit.RetryAfterFromResponse(resp))
		return nil, fmt.Errorf("%w: status=%d backoff=%s", apperrors.ErrRateLimitExceeded, resp.StatusCode, wait)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status=%d body=%s", apperrors.ErrAuthenticationFailed, resp.StatusCode, truncate(respBody, 200))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status=%d body=%s", apperrors.ErrTemporary, resp.StatusCode, truncate(respBody, 200))
	case resp.StatusCode >= 400:
		if b.ParseError != nil {
			return nil, b.ParseError(resp.StatusCode, respBody)
		}
		return nil, fmt.Errorf("%w: status=%d body=%s", apperrors.ErrExchangeBusiness, resp.StatusCode, truncate(respBody, 200))
	}

	b.Limiter.OnSuccess(budget)
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
