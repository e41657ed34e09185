// Package binance provides Binance USDT-M Futures exchange connectivity
package binance

import (
	"bytes"
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

const defaultFuturesURL = "https://fapi.binance.com"

// orderPollTimeout bounds the post-placement poll to a terminal status.
const orderPollTimeout = 10 * time.Second

var intervalNames = map[int]string{
	1: "1m", 3: "3m", 5: "5m", 15: "15m", 30: "30m",
	60: "1h", 120: "2h", 240: "4h", 360: "6h", 480: "8h",
	720: "12h", 1440: "1d",
}

// Exchange implements core.IExchange for Binance USDT-M Futures.
type Exchange struct {
	*base.Adapter

	mu       sync.Mutex
	prepared map[string]int // symbol -> leverage already configured
}

// New creates a Binance futures client sharing the venue's limiter.
func New(cfg *config.ExchangeConfig, logger core.ILogger, limiter *ratelimit.Limiter) *Exchange {
	limiter.EnsureBudget(ratelimit.BudgetMarketData, 10, 10)
	limiter.EnsureBudget(ratelimit.BudgetAccount, 5, 5)
	limiter.EnsureBudget(ratelimit.BudgetOrder, 5, 5)

	e := &Exchange{
		Adapter:  base.NewAdapter("binance", cfg, logger, limiter),
		prepared: make(map[string]int),
	}
	e.SignRequestFunc = e.SignRequest
	e.ParseError = e.parseError
	return e
}

func (e *Exchange) Name() string { return "binance" }

func (e *Exchange) baseURL() string {
	if e.Config.BaseURL != "" {
		return e.Config.BaseURL
	}
	return defaultFuturesURL
}

// SignRequest adds the API key header and an HMAC-SHA256 signature over
// the canonical query string, including timestamp and recvWindow.
func (e *Exchange) SignRequest(req *http.Request, _ []byte) error {
	if e.Config.APIKey == "" || e.Config.SecretKey == "" {
		return apperrors.ErrAuthenticationFailed
	}
	req.Header.Set("X-MBX-APIKEY", string(e.Config.APIKey))

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	if q.Get("recvWindow") == "" {
		q.Set("recvWindow", strconv.Itoa(e.Config.RecvWindow))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(string(e.Config.SecretKey)))
	mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.URL.RawQuery = queryString + "&signature=" + signature
	return nil
}

func (e *Exchange) parseError(statusCode int, body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("%w: binance error (unmarshal failed): %s", apperrors.ErrExchangeBusiness, string(body))
	}

	switch errResp.Code {
	case -2015:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, errResp.Msg)
	case -2010:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Msg)
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, errResp.Msg)
	case -1021:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, errResp.Msg)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, errResp.Msg)
	case -2012:
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, errResp.Msg)
	case -4015:
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateOrder, errResp.Msg)
	}
	return fmt.Errorf("%w: binance error %d (status %d): %s", apperrors.ErrExchangeBusiness, errResp.Code, statusCode, errResp.Msg)
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW", "PARTIALLY_FILLED":
		return core.OrderStatusSubmitted
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "CANCELLED":
		return core.OrderStatusCanceled
	case "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderStatusError
	default:
		return core.OrderStatusSubmitted
	}
}

// FetchKlines pulls up to limit klines starting at startMS.
func (e *Exchange) FetchKlines(ctx context.Context, symbol string, intervalMinutes int, startMS int64, limit int) ([]core.Bar, error) {
	interval, ok := intervalNames[intervalMinutes]
	if !ok {
		return nil, fmt.Errorf("unsupported interval_minutes=%d", intervalMinutes)
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	if startMS > 0 {
		q.Set("startTime", strconv.FormatInt(startMS, 10))
	}

	body, err := e.ExecuteRequest(ctx, http.MethodGet,
		e.baseURL()+"/fapi/v1/klines?"+q.Encode(), nil, false, ratelimit.BudgetMarketData)
	if err != nil {
		return nil, err
	}

	// Kline rows mix numbers and strings; decode with UseNumber so price
	// fields keep their exact representation.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rows [][]interface{}
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode klines: %w", err)
	}
	return klinesFromRows(symbol, rows)
}

func klinesFromRows(symbol string, rows [][]interface{}) ([]core.Bar, error) {
	out := make([]core.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		b := core.Bar{Symbol: symbol}
		var err error
		if b.OpenTimeMS, err = asInt64(row[0]); err != nil {
			return nil, err
		}
		if b.Open, err = asDecimal(row[1]); err != nil {
			return nil, err
		}
		if b.High, err = asDecimal(row[2]); err != nil {
			return nil, err
		}
		if b.Low, err = asDecimal(row[3]); err != nil {
			return nil, err
		}
		if b.Close, err = asDecimal(row[4]); err != nil {
			return nil, err
		}
		if b.Volume, err = asDecimal(row[5]); err != nil {
			return nil, err
		}
		if b.CloseTimeMS, err = asInt64(row[6]); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func asInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Int64()
	case float64:
		return int64(t), nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	}
	return 0, fmt.Errorf("unexpected kline field type %T", v)
}

func asDecimal(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case json.Number:
		return decimal.NewFromString(t.String())
	case float64:
		return decimal.NewFromFloat(t), nil
	case string:
		return decimal.NewFromString(t)
	}
	return decimal.Zero, fmt.Errorf("unexpected kline field type %T", v)
}

func (e *Exchange) SupportsLeverageControl() bool { return true }

// SetLeverageAndMarginMode forces isolated margin and the given leverage
// for the symbol, invalidating the prepared cache first so an explicit
// change always reaches the venue.
func (e *Exchange) SetLeverageAndMarginMode(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	delete(e.prepared, symbol)
	e.mu.Unlock()
	return e.ensurePrepared(ctx, symbol, leverage)
}

// ensurePrepared sets isolated margin + leverage once per symbol. Benign
// "already set" business errors are ignored.
func (e *Exchange) ensurePrepared(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	if lv, ok := e.prepared[symbol]; ok && lv == leverage {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("marginType", "ISOLATED")
	if _, err := e.ExecuteRequest(ctx, http.MethodPost,
		e.baseURL()+"/fapi/v1/marginType?"+q.Encode(), nil, true, ratelimit.BudgetAccount); err != nil {
		// "No need to change margin type" comes back as a business error.
		if !errors.Is(err, apperrors.ErrExchangeBusiness) {
			return err
		}
	}

	q = url.Values{}
	q.Set("symbol", symbol)
	q.Set("leverage", strconv.Itoa(leverage))
	if _, err := e.ExecuteRequest(ctx, http.MethodPost,
		e.baseURL()+"/fapi/v1/leverage?"+q.Encode(), nil, true, ratelimit.BudgetAccount); err != nil {
		if !errors.Is(err, apperrors.ErrExchangeBusiness) {
			return err
		}
	}

	e.mu.Lock()
	e.prepared[symbol] = leverage
	e.mu.Unlock()
	return nil
}

// PlaceMarketOrder submits a market order with the idempotent client id,
// retrying transient failures. A duplicate-client-id rejection means a
// previous attempt reached the venue; the existing order is fetched and
// treated as success.
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

	result, err = e.awaitTerminal(ctx, req.Symbol, req.ClientOrderID, result)
	if err != nil {
		return result, nil // best effort: the submitted result stands
	}

	if req.Side == core.SideSell && result.Status == core.OrderStatusFilled {
		fee, pnl := e.fetchTradePnlAndFee(ctx, req.Symbol, result.ExchangeOrderID)
		result.FeeUSDT = fee
		result.PnlUSDT = pnl
	}
	return result, nil
}

func (e *Exchange) placeOrderInternal(ctx context.Context, req core.PlaceOrderRequest) (*core.OrderResult, error) {
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("side", string(req.Side))
	switch req.Type {
	case core.OrderTypeMarket, "":
		q.Set("type", "MARKET")
	case core.OrderTypeStopMarket:
		q.Set("type", "STOP_MARKET")
		q.Set("stopPrice", req.StopPrice.String())
	default:
		return nil, fmt.Errorf("%w: invalid order type %s", apperrors.ErrInvalidOrderParameter, req.Type)
	}
	q.Set("quantity", req.Quantity.String())
	q.Set("newOrderRespType", "RESULT")
	if req.ClientOrderID != "" {
		q.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		q.Set("reduceOnly", "true")
	}

	body, err := e.ExecuteRequest(ctx, http.MethodPost,
		e.baseURL()+"/fapi/v1/order?"+q.Encode(), nil, true, ratelimit.BudgetOrder)
	if err != nil {
		return nil, err
	}
	return e.parseOrder(body)
}

func (e *Exchange) parseOrder(body []byte) (*core.OrderResult, error) {
	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		AvgPrice      string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}

	res := &core.OrderResult{
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID:   raw.ClientOrderID,
		Status:          mapOrderStatus(raw.Status),
		RawStatus:       raw.Status,
		Raw:             json.RawMessage(body),
	}
	if raw.ExecutedQty != "" {
		if d, err := decimal.NewFromString(raw.ExecutedQty); err == nil {
			res.FilledQty = d
		}
	}
	if raw.AvgPrice != "" && raw.AvgPrice != "0" {
		if d, err := decimal.NewFromString(raw.AvgPrice); err == nil {
			res.AvgPrice = &d
		}
	}
	return res, nil
}

// awaitTerminal polls the order until FILLED/CANCELED/REJECTED or the
// poll window lapses.
func (e *Exchange) awaitTerminal(ctx context.Context, symbol, clientOrderID string, last *core.OrderResult) (*core.OrderResult, error) {
	if last.Status.IsTerminal() {
		return last, nil
	}
	deadline := time.Now().Add(orderPollTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		st, err := e.GetOrderStatus(ctx, symbol, clientOrderID, last.ExchangeOrderID)
		if err != nil {
			continue
		}
		if st.AvgPrice == nil {
			st.AvgPrice = last.AvgPrice
		}
		last = st
		if last.Status.IsTerminal() {
			return last, nil
		}
	}
	return last, nil
}

// GetOrderStatus queries one order by client id or exchange id.
func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, clientOrderID, exchangeOrderID string) (*core.OrderResult, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if exchangeOrderID != "" {
		q.Set("orderId", exchangeOrderID)
	} else {
		q.Set("origClientOrderId", clientOrderID)
	}

	body, err := e.ExecuteRequest(ctx, http.MethodGet,
		e.baseURL()+"/fapi/v1/order?"+q.Encode(), nil, true, ratelimit.BudgetAccount)
	if err != nil {
		return nil, err
	}
	return e.parseOrder(body)
}

// fetchTradePnlAndFee reads the settlement record for a closing SELL:
// net pnl = sum(realizedPnl) - sum(commission), valid only when every
// commissionAsset is USDT. Polls briefly because fills can lag.
func (e *Exchange) fetchTradePnlAndFee(ctx context.Context, symbol, orderID string) (fee, pnl *decimal.Decimal) {
	deadline := time.Now().Add(orderPollTimeout)
	for time.Now().Before(deadline) {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("orderId", orderID)

		body, err := e.ExecuteRequest(ctx, http.MethodGet,
			e.baseURL()+"/fapi/v1/userTrades?"+q.Encode(), nil, true, ratelimit.BudgetAccount)
		if err != nil {
			if !apperrors.IsTransient(err) {
				return nil, nil
			}
		} else {
			var trades []struct {
				RealizedPnl     string `json:"realizedPnl"`
				Commission      string `json:"commission"`
				CommissionAsset string `json:"commissionAsset"`
			}
			if jsonErr := json.Unmarshal(body, &trades); jsonErr == nil && len(trades) > 0 {
				realized := decimal.Zero
				feeSum := decimal.Zero
				feeAssetOK := true
				for _, t := range trades {
					if d, err := decimal.NewFromString(t.RealizedPnl); err == nil {
						realized = realized.Add(d)
					}
					if d, err := decimal.NewFromString(t.Commission); err == nil {
						feeSum = feeSum.Add(d)
					}
					if t.CommissionAsset != "" && t.CommissionAsset != "USDT" {
						feeAssetOK = false
					}
				}
				if !feeAssetOK {
					return nil, nil
				}
				net := realized.Sub(feeSum)
				return &feeSum, &net
			}
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(200 * time.Millisecond):
		}
	}
	return nil, nil
}

func (e *Exchange) SupportsStopOrders() bool { return true }

// PlaceStopMarketOrder places a reduce-only STOP_MARKET protective order.
func (e *Exchange) PlaceStopMarketOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.OrderResult, error) {
	req.Type = core.OrderTypeStopMarket
	req.ReduceOnly = true
	return e.placeOrderInternal(ctx, req)
}

func (e *Exchange) SupportsCancel() bool { return true }

func (e *Exchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("origClientOrderId", clientOrderID)
	_, err := e.ExecuteRequest(ctx, http.MethodDelete,
		e.baseURL()+"/fapi/v1/order?"+q.Encode(), nil, true, ratelimit.BudgetOrder)
	return err
}
