// Package bybit provides Bybit V5 linear perpetual exchange connectivity
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tommyca/opensqt-trading-engine/internal/config"
	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/base"
	"github.com/tommyca/opensqt-trading-engine/internal/exchange/ratelimit"
	apperrors "github.com/tommyca/opensqt-trading-engine/pkg/errors"
	"github.com/tommyca/opensqt-trading-engine/pkg/retry"
)

const defaultBaseURL = "https://api.bybit.com"

const (
	orderPollTimeout = 10 * time.Second
	// closedPnlLookback bounds the closed-pnl match window.
	closedPnlLookback = 15 * time.Minute
)

// Exchange implements core.IExchange for Bybit V5 linear perpetuals.
type Exchange struct {
	*base.Adapter

	mu       sync.Mutex
	prepared map[string]int
}

// New creates a Bybit V5 client sharing the venue's limiter.
func New(cfg *config.ExchangeConfig, logger core.ILogger, limiter *ratelimit.Limiter) *Exchange {
	limiter.EnsureBudget(ratelimit.BudgetMarketData, 10, 10)
	limiter.EnsureBudget(ratelimit.BudgetAccount, 5, 5)
	limiter.EnsureBudget(ratelimit.BudgetOrder, 5, 5)

	e := &Exchange{
		Adapter:  base.NewAdapter("bybit", cfg, logger, limiter),
		prepared: make(map[string]int),
	}
	e.SignRequestFunc = e.SignRequest
	return e
}

func (e *Exchange) Name() string { return "bybit" }

func (e *Exchange) baseURL() string {
	if e.Config.BaseURL != "" {
		return e.Config.BaseURL
	}
	return defaultBaseURL
}

func (e *Exchange) category() string {
	if e.Config.Category != "" {
		return e.Config.Category
	}
	return "linear"
}

// SignRequest implements the V5 scheme:
// HMAC_SHA256(timestamp + api_key + recv_window + payload) where payload
// is the exact query string for GET or the exact body bytes for POST.
// The body slice given here is the same slice sent on the wire, so the
// signature always matches what the venue receives.
func (e *Exchange) SignRequest(req *http.Request, body []byte) error {
	if e.Config.APIKey == "" || e.Config.SecretKey == "" {
		return apperrors.ErrAuthenticationFailed
	}
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	recvWindow := strconv.Itoa(e.Config.RecvWindow)

	payload := req.URL.RawQuery
	if req.Method == http.MethodPost {
		payload = string(body)
	}

	mac := hmac.New(sha256.New, []byte(string(e.Config.SecretKey)))
	mac.Write([]byte(timestamp + string(e.Config.APIKey) + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", string(e.Config.APIKey))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// envelope is the common V5 response wrapper. Bybit reports business
// failures as retCode != 0 inside an HTTP 200.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (e *Exchange) callAndCheck(ctx context.Context, method, path string, query url.Values, body []byte, signed bool, budget string) (*envelope, []byte, error) {
	u := e.baseURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	raw, err := e.ExecuteRequest(ctx, method, u, body, signed, budget)
	if err != nil {
		return nil, nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("failed to decode bybit response: %w", err)
	}
	if env.RetCode != 0 {
		return &env, raw, e.mapRetCode(env.RetCode, env.RetMsg)
	}
	return &env, raw, nil
}

func (e *Exchange) mapRetCode(code int, msg string) error {
	switch code {
	case 10003, 10004, 33004:
		return fmt.Errorf("%w: bybit %d: %s", apperrors.ErrAuthenticationFailed, code, msg)
	case 10006, 10018:
		return fmt.Errorf("%w: bybit %d: %s", apperrors.ErrRateLimitExceeded, code, msg)
	case 10002:
		return fmt.Errorf("%w: bybit %d: %s", apperrors.ErrTimestampOutOfBounds, code, msg)
	case 110007:
		return fmt.Errorf("%w: bybit %d: %s", apperrors.ErrInsufficientFunds, code, msg)
	case 110072:
		return fmt.Errorf("%w: bybit %d: %s", apperrors.ErrDuplicateOrder, code, msg)
	case 110001:
		return fmt.Errorf("%w: bybit %d: %s", apperrors.ErrOrderNotFound, code, msg)
	case 110043, 110026:
		// "leverage not modified" / "margin mode already set": benign.
		return nil
	case 10016:
		return fmt.Errorf("%w: bybit %d: %s", apperrors.ErrTemporary, code, msg)
	}
	return fmt.Errorf("%w: bybit %d: %s", apperrors.ErrExchangeBusiness, code, msg)
}

func intervalName(minutes int) (string, error) {
	switch minutes {
	case 1, 3, 5, 15, 30, 60, 120, 240, 360, 720:
		return strconv.Itoa(minutes), nil
	case 1440:
		return "D", nil
	}
	return "", fmt.Errorf("unsupported interval_minutes=%d", minutes)
}

// FetchKlines pulls up to limit bars from startMS. Bybit returns rows
// newest-first; they are reversed to ascending here.
func (e *Exchange) FetchKlines(ctx context.Context, symbol string, intervalMinutes int, startMS int64, limit int) ([]core.Bar, error) {
	interval, err := intervalName(intervalMinutes)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	q := url.Values{}
	q.Set("category", e.category())
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if startMS > 0 {
		q.Set("start", strconv.FormatInt(startMS, 10))
	}

	env, _, err := e.callAndCheck(ctx, http.MethodGet, "/v5/market/kline", q, nil, false, ratelimit.BudgetMarketData)
	if err != nil {
		return nil, err
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode kline list: %w", err)
	}

	intervalMS := int64(intervalMinutes) * 60_000
	out := make([]core.Bar, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		openTime, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad kline start time %q: %w", row[0], err)
		}
		b := core.Bar{
			Symbol:      symbol,
			OpenTimeMS:  openTime,
			CloseTimeMS: openTime + intervalMS - 1,
		}
		if b.Open, err = decimal.NewFromString(row[1]); err != nil {
			return nil, err
		}
		if b.High, err = decimal.NewFromString(row[2]); err != nil {
			return nil, err
		}
		if b.Low, err = decimal.NewFromString(row[3]); err != nil {
			return nil, err
		}
		if b.Close, err = decimal.NewFromString(row[4]); err != nil {
			return nil, err
		}
		if b.Volume, err = decimal.NewFromString(row[5]); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (e *Exchange) SupportsLeverageControl() bool { return true }

// SetLeverageAndMarginMode switches the symbol to isolated margin with
// equal buy/sell leverage, invalidating the prepared cache first.
func (e *Exchange) SetLeverageAndMarginMode(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	delete(e.prepared, symbol)
	e.mu.Unlock()
	return e.ensurePrepared(ctx, symbol, leverage)
}

func (e *Exchange) ensurePrepared(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	if lv, ok := e.prepared[symbol]; ok && lv == leverage {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	payload, err := json.Marshal(map[string]interface{}{
		"category":     e.category(),
		"symbol":       symbol,
		"tradeMode":    1,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return err
	}

	_, _, err = e.callAndCheck(ctx, http.MethodPost, "/v5/position/switch-isolated", nil, payload, true, ratelimit.BudgetAccount)
	if err != nil && !errors.Is(err, apperrors.ErrExchangeBusiness) {
		return err
	}

	e.mu.Lock()
	e.prepared[symbol] = leverage
	e.mu.Unlock()
	return nil
}

// PlaceMarketOrder submits a market order and polls it to a terminal
// state. Closing SELLs set reduceOnly and pull net pnl from closed-pnl.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.OrderResult, error) {
	var result *core.OrderResult
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
		var err error
		result, err = e.placeOrderInternal(ctx, req)
		if err != nil {
			if errors.Is(err, apperrors.ErrDuplicateOrder) && req.ClientOrderID != "" {
				existing, fetchErr := e.GetOrderStatus(ctx, req.Symbol, req.ClientOrderID, "")
				if fetchErr == nil {
					result = existing
					return nil
				}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result = e.awaitTerminal(ctx, req.Symbol, req.ClientOrderID, result)

	if req.Side == core.SideSell && result.Status == core.OrderStatusFilled {
		fee, pnl := e.fetchClosedPnl(ctx, req.Symbol, result.ExchangeOrderID)
		result.FeeUSDT = fee
		result.PnlUSDT = pnl
	}
	return result, nil
}

func (e *Exchange) placeOrderInternal(ctx context.Context, req core.PlaceOrderRequest) (*core.OrderResult, error) {
	body := map[string]interface{}{
		"category":    e.category(),
		"symbol":      req.Symbol,
		"orderType":   "Market",
		"qty":         req.Quantity.String(),
		"timeInForce": "GTC",
		"orderLinkId": req.ClientOrderID,
	}
	switch req.Side {
	case core.SideBuy:
		body["side"] = "Buy"
	case core.SideSell:
		body["side"] = "Sell"
	default:
		return nil, fmt.Errorf("%w: invalid side %s", apperrors.ErrInvalidOrderParameter, req.Side)
	}
	if req.Type == core.OrderTypeStopMarket {
		body["orderType"] = "Market"
		body["triggerPrice"] = req.StopPrice.String()
		body["triggerDirection"] = 2 // falling price triggers the stop
		body["closeOnTrigger"] = true
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if e.Config.PositionIdx != 0 {
		body["positionIdx"] = e.Config.PositionIdx
	}

	// Marshal exactly once; the same bytes are signed and sent.
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	env, raw, err := e.callAndCheck(ctx, http.MethodPost, "/v5/order/create", nil, payload, true, ratelimit.BudgetOrder)
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	return &core.OrderResult{
		ExchangeOrderID: result.OrderID,
		ClientOrderID:   result.OrderLinkID,
		Status:          core.OrderStatusSubmitted,
		RawStatus:       "New",
		Raw:             json.RawMessage(raw),
	}, nil
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "Filled":
		return core.OrderStatusFilled
	case "Cancelled", "Canceled", "PartiallyFilledCanceled":
		return core.OrderStatusCanceled
	case "Rejected", "Deactivated":
		return core.OrderStatusError
	default:
		// New / PartiallyFilled / Untriggered / Created
		return core.OrderStatusSubmitted
	}
}

func (e *Exchange) awaitTerminal(ctx context.Context, symbol, clientOrderID string, last *core.OrderResult) *core.OrderResult {
	if last.Status.IsTerminal() {
		return last
	}
	deadline := time.Now().Add(orderPollTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return last
		case <-time.After(300 * time.Millisecond):
		}
		st, err := e.GetOrderStatus(ctx, symbol, clientOrderID, last.ExchangeOrderID)
		if err != nil {
			continue
		}
		last = st
		if last.Status.IsTerminal() {
			return last
		}
	}
	return last
}

// GetOrderStatus reads /v5/order/realtime, falling back to order history
// for orders the venue has already archived.
func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID, exchangeOrderID string) (*core.OrderResult, error) {
	res, err := e.queryOrder(ctx, "/v5/order/realtime", symbol, clientOrderID, exchangeOrderID)
	if err == nil && res != nil {
		return res, nil
	}
	res, err2 := e.queryOrder(ctx, "/v5/order/history", symbol, clientOrderID, exchangeOrderID)
	if err2 == nil && res != nil {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, clientOrderID)
}

func (e *Exchange) queryOrder(ctx context.Context, path, symbol, clientOrderID, exchangeOrderID string) (*core.OrderResult, error) {
	q := url.Values{}
	q.Set("category", e.category())
	q.Set("symbol", symbol)
	if exchangeOrderID != "" {
		q.Set("orderId", exchangeOrderID)
	} else {
		q.Set("orderLinkId", clientOrderID)
	}

	env, raw, err := e.callAndCheck(ctx, http.MethodGet, path, q, nil, true, ratelimit.BudgetAccount)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode order query: %w", err)
	}
	if len(result.List) == 0 {
		return nil, nil
	}

	row := result.List[0]
	res := &core.OrderResult{
		ExchangeOrderID: row.OrderID,
		ClientOrderID:   row.OrderLinkID,
		Status:          mapOrderStatus(row.OrderStatus),
		RawStatus:       row.OrderStatus,
		Raw:             json.RawMessage(raw),
	}
	if row.CumExecQty != "" {
		if d, err := decimal.NewFromString(row.CumExecQty); err == nil {
			res.FilledQty = d
		}
	}
	if row.AvgPrice != "" && row.AvgPrice != "0" {
		if d, err := decimal.NewFromString(row.AvgPrice); err == nil {
			res.AvgPrice = &d
		}
	}
	return res, nil
}

// fetchClosedPnl matches /v5/position/closed-pnl by orderId within the
// last 15 minutes. closedPnl is already net; fee = |openFee| + |closeFee|.
func (e *Exchange) fetchClosedPnl(ctx context.Context, symbol, orderID string) (fee, pnl *decimal.Decimal) {
	deadline := time.Now().Add(orderPollTimeout)
	for time.Now().Before(deadline) {
		q := url.Values{}
		q.Set("category", e.category())
		q.Set("symbol", symbol)
		q.Set("startTime", strconv.FormatInt(time.Now().Add(-closedPnlLookback).UnixMilli(), 10))

		env, _, err := e.callAndCheck(ctx, http.MethodGet, "/v5/position/closed-pnl", q, nil, true, ratelimit.BudgetAccount)
		if err == nil {
			var result struct {
				List []struct {
					OrderID   string `json:"orderId"`
					ClosedPnl string `json:"closedPnl"`
					OpenFee   string `json:"openFee"`
					CloseFee  string `json:"closeFee"`
				} `json:"list"`
			}
			if jsonErr := json.Unmarshal(env.Result, &result); jsonErr == nil {
				for _, row := range result.List {
					if row.OrderID != orderID {
						continue
					}
					if d, err := decimal.NewFromString(row.ClosedPnl); err == nil {
						pnl = &d
					}
					feeSum := decimal.Zero
					if d, err := decimal.NewFromString(row.OpenFee); err == nil {
						feeSum = feeSum.Add(d.Abs())
					}
					if d, err := decimal.NewFromString(row.CloseFee); err == nil {
						feeSum = feeSum.Add(d.Abs())
					}
					fee = &feeSum
					return fee, pnl
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, nil
}

func (e *Exchange) SupportsStopOrders() bool { return true }

// PlaceStopMarketOrder places a closeOnTrigger conditional market order.
func (e *Exchange) PlaceStopMarketOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.OrderResult, error) {
	req.Type = core.OrderTypeStopMarket
	req.ReduceOnly = true
	return e.placeOrderInternal(ctx, req)
}

func (e *Exchange) SupportsCancel() bool { return true }

func (e *Exchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"category":    e.category(),
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	})
	if err != nil {
		return err
	}
	_, _, err = e.callAndCheck(ctx, http.MethodPost, "/v5/order/cancel", nil, payload, true, ratelimit.BudgetOrder)
	return err
}
