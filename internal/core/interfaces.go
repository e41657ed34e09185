// Package core holds the small set of interfaces shared across every
// component of the trading engine: logging, the exchange capability
// surface, and health reporting. Concrete implementations live in
// internal/exchange, pkg/logging and internal/infrastructure/health.
package core

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging contract every component depends on.
// pkg/logging.ZapLogger is the only production implementation.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor is implemented by internal/infrastructure/health.HealthManager.
type IHealthMonitor interface {
	GetStatus() map[string]string
	IsHealthy() bool
}

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes market entries from protective stop orders.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus is the lifecycle state machine described by the order_events
// table: CREATED -> SUBMITTED -> FILLED|CANCELED|ERROR, with RECONCILED as
// the observation event appended by the reconciliation pass.
type OrderStatus string

const (
	OrderStatusCreated    OrderStatus = "CREATED"
	OrderStatusSubmitted  OrderStatus = "SUBMITTED"
	OrderStatusFilled     OrderStatus = "FILLED"
	OrderStatusCanceled   OrderStatus = "CANCELED"
	OrderStatusError      OrderStatus = "ERROR"
	OrderStatusReconciled OrderStatus = "RECONCILED"
)

// IsTerminal reports whether the status ends the order lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusError:
		return true
	}
	return false
}

// Bar is a single OHLCV kline.
type Bar struct {
	Symbol      string
	OpenTimeMS  int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	CloseTimeMS int64
}

// PlaceOrderRequest is the venue-agnostic request passed to IExchange.
type PlaceOrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	StopPrice     decimal.Decimal // only used for OrderTypeStopMarket
	ClientOrderID string
	ReduceOnly    bool
}

// OrderResult is the venue-agnostic outcome of an order operation.
// FeeUSDT and PnlUSDT are nil when the venue could not settle them (e.g.
// non-USDT commission assets); PnlUSDT is only populated for closing
// SELL fills.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          OrderStatus
	RawStatus       string
	FilledQty       decimal.Decimal
	AvgPrice        *decimal.Decimal
	FeeUSDT         *decimal.Decimal
	PnlUSDT         *decimal.Decimal
	Raw             json.RawMessage
}

// IExchange is the single capability interface every venue adapter and
// the paper-trading adapter implement. Optional capabilities (leverage /
// margin mode, stop orders, cancel) are surfaced through the Supports*
// predicates so the strategy engine can degrade gracefully.
type IExchange interface {
	Name() string

	// FetchKlines pulls up to limit bars starting at startMS (<=0 means
	// an unbounded initial fetch from the venue's earliest data).
	FetchKlines(ctx context.Context, symbol string, intervalMinutes int, startMS int64, limit int) ([]Bar, error)

	// PlaceMarketOrder submits a market order, polls it to a terminal
	// status (bounded at ~10s) and, for closing SELLs, fetches the
	// venue's settlement record to populate net realized PnL.
	PlaceMarketOrder(ctx context.Context, req PlaceOrderRequest) (*OrderResult, error)

	GetOrderStatus(ctx context.Context, symbol, clientOrderID, exchangeOrderID string) (*OrderResult, error)

	SupportsLeverageControl() bool
	// SetLeverageAndMarginMode sets isolated margin plus buy/sell
	// leverage for the symbol. Adapters cache the prepared state per
	// symbol and invalidate it when the leverage changes.
	SetLeverageAndMarginMode(ctx context.Context, symbol string, leverage int) error

	SupportsStopOrders() bool
	PlaceStopMarketOrder(ctx context.Context, req PlaceOrderRequest) (*OrderResult, error)

	SupportsCancel() bool
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}
