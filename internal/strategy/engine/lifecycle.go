package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/idgen"
	"github.com/tommyca/opensqt-trading-engine/internal/store"
)

// appendEvent writes one order lifecycle event; failures are logged but
// never abort the caller (the unique constraint makes replays no-ops).
func (e *Engine) appendEvent(ctx context.Context, log core.ILogger, ev store.OrderEvent) {
	ev.Service = Service
	ev.Exchange = e.cfg.Exchange
	if err := e.store.AppendOrderEvent(ctx, ev); err != nil {
		log.Error("failed to append order event",
			"symbol", ev.Symbol, "client_order_id", ev.ClientOrderID,
			"event_type", ev.EventType, "error", err)
	}
}

// openCandidate runs the entry lifecycle for one selected candidate:
// CREATED event, leverage preparation, market BUY, terminal event,
// position snapshot and trade log. Returns true when a position was
// opened.
func (e *Engine) openCandidate(ctx context.Context, log core.ILogger, traceID string, c candidate) bool {
	// Re-check flatness right before acting: a retry of the same bar or a
	// concurrent fill must not double-open.
	if pos, err := e.store.LatestPosition(ctx, c.symbol); err != nil {
		log.Error("failed to re-check position", "symbol", c.symbol, "error", err)
		return false
	} else if pos != nil && pos.BaseQty.IsPositive() {
		return false
	}

	qty, leverage := e.sizeOrder(c.robotScore, c.lastClose)
	if !qty.IsPositive() {
		log.Warn("candidate rejected: computed qty <= 0", "symbol", c.symbol)
		return false
	}

	stopDistPct := e.cfg.HardStopLossPct
	cid := idgen.ClientOrderID("buy", e.strategyTag, c.symbol, c.openTimeMS)

	payload := map[string]interface{}{
		"robot_score": c.robotScore,
		"ai_prob":     c.aiProb,
		"combined":    c.combined,
		"qty":         qty.String(),
		"last_price":  c.lastClose.String(),
		"leverage":    leverage,
		"stop_dist_pct": stopDistPct,
		"ema_fast":    c.emaFast,
		"ema_slow":    c.emaSlow,
		"features":    c.features,
	}
	e.appendEvent(ctx, log, store.OrderEvent{
		TraceID: traceID, Symbol: c.symbol, ClientOrderID: cid,
		EventType: core.OrderStatusCreated, Side: core.SideBuy, Qty: qty,
		Status: "CREATED", ReasonCode: ReasonStrategySignal, Reason: "Setup B BUY",
		Payload: payload,
	})

	if e.ex.SupportsLeverageControl() {
		if err := e.ex.SetLeverageAndMarginMode(ctx, c.symbol, leverage); err != nil {
			log.Error("failed to set isolated margin/leverage", "symbol", c.symbol, "error", err)
			e.appendEvent(ctx, log, store.OrderEvent{
				TraceID: traceID, Symbol: c.symbol, ClientOrderID: cid,
				EventType: core.OrderStatusError, Side: core.SideBuy, Qty: qty,
				Status: "ERROR", ReasonCode: ReasonStrategySignal,
				Reason: "leverage setup failed: " + err.Error(),
			})
			return false
		}
	}

	res, err := e.ex.PlaceMarketOrder(ctx, core.PlaceOrderRequest{
		Symbol: c.symbol, Side: core.SideBuy, Type: core.OrderTypeMarket,
		Quantity: qty, ClientOrderID: cid,
	})
	if err != nil {
		log.Error("entry order failed", "symbol", c.symbol, "error", err)
		e.appendEvent(ctx, log, store.OrderEvent{
			TraceID: traceID, Symbol: c.symbol, ClientOrderID: cid,
			EventType: core.OrderStatusError, Side: core.SideBuy, Qty: qty,
			Status: "ERROR", ReasonCode: ReasonStrategySignal, Reason: err.Error(),
		})
		e.metrics.OrdersErrorTotal.WithLabelValues(e.cfg.Exchange, c.symbol, ReasonStrategySignal).Inc()
		e.alert(ctx, ReasonStrategySignal, "entry order failed", map[string]string{
			"symbol": c.symbol, "trace_id": traceID, "error": err.Error(),
		})
		return false
	}

	e.metrics.OrdersPlacedTotal.WithLabelValues(e.cfg.Exchange, c.symbol, "BUY").Inc()

	terminal := core.OrderStatusSubmitted
	if res.Status == core.OrderStatusFilled {
		terminal = core.OrderStatusFilled
	}
	e.appendEvent(ctx, log, store.OrderEvent{
		TraceID: traceID, Symbol: c.symbol, ClientOrderID: cid,
		ExchangeOrderID: res.ExchangeOrderID,
		EventType:       terminal, Side: core.SideBuy, Qty: qty,
		Price: res.AvgPrice, Status: string(res.Status),
		ReasonCode: ReasonStrategySignal, Reason: "order placed",
		Payload:    map[string]interface{}{"raw": string(res.Raw)},
	})

	if terminal != core.OrderStatusFilled {
		// Reconciliation settles it later.
		return false
	}

	entry := c.lastClose
	if res.AvgPrice != nil {
		entry = *res.AvgPrice
	}
	stopPrice := entry.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(stopDistPct)))

	aiProb := c.aiProb
	tradeID, err := e.store.InsertTradeLog(ctx, store.TradeLog{
		TraceID: traceID, Symbol: c.symbol, Side: core.SideBuy, Qty: qty,
		Leverage: leverage, StopDistPct: stopDistPct, StopPrice: &stopPrice,
		ClientOrderID: cid, ExchangeOrderID: res.ExchangeOrderID,
		RobotScore: c.robotScore, AIProb: &aiProb,
		OpenReasonCode: ReasonStrategySignal, OpenReason: "Setup B BUY",
		EntryTimeMS: e.now().UnixMilli(), EntryPrice: &entry,
		FeaturesJSON: featuresOrEmpty(c.features),
	})
	if err != nil {
		log.Error("failed to insert trade log", "symbol", c.symbol, "error", err)
	}

	if err := e.store.SavePositionSnapshot(ctx, c.symbol, qty, &entry, map[string]interface{}{
		"stop_price":    stopPrice.String(),
		"stop_dist_pct": fmt.Sprintf("%v", stopDistPct),
		"trade_id":      tradeID,
		"leverage":      leverage,
		"robot_score":   c.robotScore,
		"trace_id":      traceID,
	}); err != nil {
		log.Error("failed to save position snapshot", "symbol", c.symbol, "error", err)
	}

	e.metrics.OrdersFilledTotal.WithLabelValues(e.cfg.Exchange, c.symbol, "BUY").Inc()
	qf, _ := qty.Float64()
	e.metrics.PositionSize.WithLabelValues(e.cfg.Exchange, c.symbol).Set(qf)

	e.alert(ctx, ReasonStrategySignal, "position opened", map[string]string{
		"symbol": c.symbol, "qty": qty.String(), "entry": entry.String(),
		"leverage": fmt.Sprintf("%d", leverage), "stop": stopPrice.String(),
		"trace_id": traceID,
	})
	log.Info("position opened",
		"symbol", c.symbol, "qty", qty.String(), "entry", entry.String(),
		"leverage", leverage, "stop_price", stopPrice.String())
	return true
}

func featuresOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// closePosition runs the exit lifecycle: CREATED event, reduce-only
// market SELL, terminal event, flat snapshot and trade close with label.
// action distinguishes the idempotency key per exit kind (sell/sl/exit).
func (e *Engine) closePosition(ctx context.Context, log core.ILogger, traceID, symbol string, pos *store.Position, jb *store.JoinedBar, action, reasonCode, reason string) error {
	qty := pos.BaseQty
	cid := idgen.ClientOrderID(action, e.strategyTag, symbol, jb.OpenTimeMS)

	e.appendEvent(ctx, log, store.OrderEvent{
		TraceID: traceID, Symbol: symbol, ClientOrderID: cid,
		EventType: core.OrderStatusCreated, Side: core.SideSell, Qty: qty,
		Status: "CREATED", ReasonCode: reasonCode, Reason: reason,
		Payload: map[string]interface{}{"last_price": jb.Close.String()},
	})

	res, err := e.ex.PlaceMarketOrder(ctx, core.PlaceOrderRequest{
		Symbol: symbol, Side: core.SideSell, Type: core.OrderTypeMarket,
		Quantity: qty, ClientOrderID: cid, ReduceOnly: true,
	})
	if err != nil {
		e.appendEvent(ctx, log, store.OrderEvent{
			TraceID: traceID, Symbol: symbol, ClientOrderID: cid,
			EventType: core.OrderStatusError, Side: core.SideSell, Qty: qty,
			Status: "ERROR", ReasonCode: reasonCode, Reason: err.Error(),
		})
		e.metrics.OrdersErrorTotal.WithLabelValues(e.cfg.Exchange, symbol, reasonCode).Inc()
		e.alert(ctx, reasonCode, "close order failed", map[string]string{
			"symbol": symbol, "trace_id": traceID, "error": err.Error(),
		})
		return err
	}

	e.metrics.OrdersPlacedTotal.WithLabelValues(e.cfg.Exchange, symbol, "SELL").Inc()

	exit := jb.Close
	if res.AvgPrice != nil {
		exit = *res.AvgPrice
	}
	var pnl decimal.Decimal
	if res.PnlUSDT != nil {
		pnl = *res.PnlUSDT
	} else if pos.AvgEntryPrice != nil {
		pnl = exit.Sub(*pos.AvgEntryPrice).Mul(qty)
	}

	// Close-reason policy: a profitable strategy exit is relabeled.
	finalReason := reasonCode
	if reasonCode == ReasonStrategyExit && e.cfg.TakeProfitReasonOnPositivePnl && pnl.IsPositive() {
		finalReason = ReasonTakeProfit
	}

	terminal := core.OrderStatusSubmitted
	if res.Status == core.OrderStatusFilled {
		terminal = core.OrderStatusFilled
	}
	e.appendEvent(ctx, log, store.OrderEvent{
		TraceID: traceID, Symbol: symbol, ClientOrderID: cid,
		ExchangeOrderID: res.ExchangeOrderID,
		EventType:       terminal, Side: core.SideSell, Qty: qty,
		Price: res.AvgPrice, Status: string(res.Status),
		ReasonCode: finalReason, Reason: reason,
		Payload: map[string]interface{}{
			"pnl_usdt": pnl.String(),
			"raw":      string(res.Raw),
		},
	})

	if terminal != core.OrderStatusFilled {
		return nil
	}

	if err := e.store.SavePositionSnapshot(ctx, symbol, decimal.Zero, nil, map[string]interface{}{
		"trace_id": traceID, "note": action,
	}); err != nil {
		log.Error("failed to save flat snapshot", "symbol", symbol, "error", err)
	}

	if trade, err := e.store.OpenTrade(ctx, symbol); err != nil {
		log.Error("failed to load open trade", "symbol", symbol, "error", err)
	} else if trade != nil {
		if err := e.store.CloseTradeLog(ctx, trade.ID, store.TradeClose{
			CloseReasonCode: finalReason, CloseReason: reason,
			ExitTimeMS: e.now().UnixMilli(), ExitPrice: &exit, Pnl: &pnl,
		}); err != nil {
			log.Error("failed to close trade log", "symbol", symbol, "error", err)
		}
	}

	e.metrics.OrdersFilledTotal.WithLabelValues(e.cfg.Exchange, symbol, "SELL").Inc()
	e.metrics.PositionSize.WithLabelValues(e.cfg.Exchange, symbol).Set(0)

	e.alert(ctx, finalReason, "position closed", map[string]string{
		"symbol": symbol, "qty": qty.String(), "exit": exit.String(),
		"pnl_usdt": pnl.String(), "trace_id": traceID,
	})
	log.Info("position closed",
		"symbol", symbol, "qty", qty.String(), "exit", exit.String(),
		"pnl_usdt", pnl.String(), "reason_code", finalReason)
	return nil
}

// runEmergencyExit flattens every open position this tick, bypassing
// the concurrency cap and the signal rule, then clears the flag with an
// audit row. Per-symbol failures do not stop the sweep or the clear.
func (e *Engine) runEmergencyExit(ctx context.Context, log core.ILogger, traceID string, tickEpoch int64) {
	symbols, err := e.store.OpenPositionSymbols(ctx)
	if err != nil {
		log.Error("emergency exit: failed to list open positions", "error", err)
		return
	}
	log.Warn("emergency exit requested", "open_symbols", len(symbols))

	for _, symbol := range symbols {
		symbol := symbol
		e.withSymbolLock(ctx, log, symbol+":exit", tickEpoch, func() *candidate {
			pos, err := e.store.LatestPosition(ctx, symbol)
			if err != nil || pos == nil || !pos.BaseQty.IsPositive() {
				return nil
			}
			jb, err := e.store.LatestJoinedBar(ctx, symbol, e.cfg.IntervalMinutes)
			if err != nil || jb == nil {
				log.Error("emergency exit: no market data", "symbol", symbol)
				return nil
			}
			if pu, ok := e.ex.(priceUpdater); ok {
				pu.UpdateLastPrice(symbol, jb.Close)
			}
			if err := e.closePosition(ctx, log, traceID, symbol, pos, jb, "exit",
				ReasonEmergencyExit, "emergency exit requested"); err != nil {
				log.Error("emergency exit failed for symbol", "symbol", symbol, "error", err)
			}
			return nil
		})
	}

	// Cleared at end of tick regardless of per-symbol outcomes; admin can
	// re-arm it if anything is left open.
	if err := e.store.SetConfigValue(ctx, Service, store.KeyEmergencyExit, "false",
		traceID, ReasonEmergencyExit, "cleared after emergency exit tick"); err != nil {
		log.Error("failed to clear EMERGENCY_EXIT", "error", err)
		return
	}
	e.metrics.EmergencyExitState.Set(0)
}

func (e *Engine) alert(ctx context.Context, reasonCode, message string, fields map[string]string) {
	if e.alerts == nil {
		return
	}
	e.alerts.AlertReasonCode(ctx, reasonCode, message, fields)
}
