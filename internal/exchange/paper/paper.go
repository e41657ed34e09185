// Package paper provides an in-process paper-trading adapter. Market
// orders fill instantly at the last known price; klines are a
// deterministic synthetic walk so the full pipeline can run without any
// venue connectivity.
package paper

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
	apperrors "github.com/tommyca/opensqt-trading-engine/pkg/errors"
)

// Exchange implements core.IExchange without venue connectivity.
type Exchange struct {
	logger core.ILogger

	mu         sync.Mutex
	lastPrice  map[string]decimal.Decimal
	entryPrice map[string]decimal.Decimal
	position   map[string]decimal.Decimal
	orders     map[string]*core.OrderResult // by client order id
	seq        int64
}

// New creates an empty paper exchange.
func New(logger core.ILogger) *Exchange {
	return &Exchange{
		logger:     logger.WithField("exchange", "paper"),
		lastPrice:  make(map[string]decimal.Decimal),
		entryPrice: make(map[string]decimal.Decimal),
		position:   make(map[string]decimal.Decimal),
		orders:     make(map[string]*core.OrderResult),
	}
}

func (e *Exchange) Name() string { return "paper" }

// UpdateLastPrice lets callers pin the mark price used for fills.
func (e *Exchange) UpdateLastPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPrice[symbol] = price
}

// syntheticClose derives a deterministic price for (symbol, openTime): a
// base price wiggled by a hash so reruns see identical bars.
func syntheticClose(symbol string, openTimeMS int64) decimal.Decimal {
	h := sha256.Sum256([]byte(symbol + ":" + strconv.FormatInt(openTimeMS, 10)))
	wiggle := int64(binary.BigEndian.Uint16(h[:2])) - 32768 // [-32768, 32767]
	base := int64(30_000_0000)                              // 30000.0000 in 1e-4 units
	return decimal.New(base+wiggle, -4)
}

// FetchKlines synthesizes closed bars from startMS up to the current
// interval boundary, limit-capped.
func (e *Exchange) FetchKlines(_ context.Context, symbol string, intervalMinutes int, startMS int64, limit int) ([]core.Bar, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	intervalMS := int64(intervalMinutes) * 60_000
	nowBoundary := time.Now().UnixMilli() / intervalMS * intervalMS

	start := startMS
	if start <= 0 {
		start = nowBoundary - int64(limit)*intervalMS
	}
	start = start / intervalMS * intervalMS

	var out []core.Bar
	for ot := start; ot < nowBoundary && len(out) < limit; ot += intervalMS {
		c := syntheticClose(symbol, ot)
		prev := syntheticClose(symbol, ot-intervalMS)
		high := decimal.Max(c, prev)
		low := decimal.Min(c, prev)
		out = append(out, core.Bar{
			Symbol:      symbol,
			OpenTimeMS:  ot,
			CloseTimeMS: ot + intervalMS - 1,
			Open:        prev,
			High:        high,
			Low:         low,
			Close:       c,
			Volume:      decimal.NewFromInt(100),
		})
	}
	if len(out) > 0 {
		e.UpdateLastPrice(symbol, out[len(out)-1].Close)
	}
	return out, nil
}

// PlaceMarketOrder fills immediately at the last price. Re-submitting a
// known client order id returns the original fill (venue idempotency).
func (e *Exchange) PlaceMarketOrder(_ context.Context, req core.PlaceOrderRequest) (*core.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		if existing, ok := e.orders[req.ClientOrderID]; ok {
			return existing, nil
		}
	}

	price, ok := e.lastPrice[req.Symbol]
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("%w: no last price for %s", apperrors.ErrExchangeBusiness, req.Symbol)
	}

	e.seq++
	res := &core.OrderResult{
		ExchangeOrderID: fmt.Sprintf("paper-%d", e.seq),
		ClientOrderID:   req.ClientOrderID,
		Status:          core.OrderStatusFilled,
		RawStatus:       "FILLED",
		FilledQty:       req.Quantity,
		AvgPrice:        &price,
	}

	pos := e.position[req.Symbol]
	switch req.Side {
	case core.SideBuy:
		e.entryPrice[req.Symbol] = price
		e.position[req.Symbol] = pos.Add(req.Quantity)
		zero := decimal.Zero
		res.PnlUSDT = nil
		res.FeeUSDT = &zero
	case core.SideSell:
		if req.ReduceOnly && pos.IsZero() {
			return nil, fmt.Errorf("%w: reduce-only with no position", apperrors.ErrExchangeBusiness)
		}
		entry := e.entryPrice[req.Symbol]
		pnl := price.Sub(entry).Mul(req.Quantity)
		res.PnlUSDT = &pnl
		zero := decimal.Zero
		res.FeeUSDT = &zero
		e.position[req.Symbol] = pos.Sub(req.Quantity)
	default:
		return nil, fmt.Errorf("%w: invalid side %s", apperrors.ErrInvalidOrderParameter, req.Side)
	}

	raw, _ := json.Marshal(map[string]string{
		"orderId": res.ExchangeOrderID,
		"status":  "FILLED",
		"price":   price.String(),
	})
	res.Raw = raw

	if req.ClientOrderID != "" {
		e.orders[req.ClientOrderID] = res
	}
	return res, nil
}

func (e *Exchange) GetOrderStatus(_ context.Context, _ string, clientOrderID, _ string) (*core.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if res, ok := e.orders[clientOrderID]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
}

func (e *Exchange) SupportsLeverageControl() bool { return false }

func (e *Exchange) SetLeverageAndMarginMode(context.Context, string, int) error {
	return nil
}

func (e *Exchange) SupportsStopOrders() bool { return false }

func (e *Exchange) PlaceStopMarketOrder(context.Context, core.PlaceOrderRequest) (*core.OrderResult, error) {
	return nil, fmt.Errorf("%w: paper exchange has no stop orders", apperrors.ErrInvalidOrderParameter)
}

func (e *Exchange) SupportsCancel() bool { return false }

func (e *Exchange) CancelOrder(context.Context, string, string) error {
	return fmt.Errorf("%w: paper exchange has no cancel", apperrors.ErrInvalidOrderParameter)
}
