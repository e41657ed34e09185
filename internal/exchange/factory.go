// Package exchange builds concrete venue clients behind the shared
// core.IExchange capability interface.
package exchange

import (
	"fmt"

	"github.com/tommyca/opensqt-trading-engine/internal/config"
	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/binance"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/bybit"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/paper"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/ratelimit"
)

// New returns the venue client named by cfg.Exchange. The limiter must
// be the process-wide instance for that venue; every client built here
// shares it.
func New(cfg *config.Config, logger core.ILogger, limiter *ratelimit.Limiter) (core.IExchange, error) {
	switch cfg.Exchange {
	case config.ExchangeBinance:
		return binance.New(&cfg.ExchangeConfig, logger, limiter), nil
	case config.ExchangeBybit:
		return bybit.New(&cfg.ExchangeConfig, logger, limiter), nil
	case config.ExchangePaper:
		return paper.New(logger), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", cfg.Exchange)
}
