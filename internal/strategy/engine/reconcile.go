package engine

import (
	"context"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
	"github.com/tommyca/opensqt-trading-engine/internal/store"
)

// reconcile settles orders whose latest event is still CREATED or
// SUBMITTED after the reconciliation age: the venue is asked for the
// authoritative status, a terminal event is appended when one was
// reached, and a RECONCILED observation event records what the venue
// said either way. Work is capped per tick.
func (e *Engine) reconcile(ctx context.Context, log core.ILogger, traceID string) {
	stuck, err := e.store.StuckOrders(ctx, reconcileMinAge, reconcileMaxPerTick)
	if err != nil {
		log.Error("reconciliation scan failed", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	log.Info("reconciling stuck orders", "count", len(stuck))

	for _, so := range stuck {
		if so.Exchange != e.cfg.Exchange {
			continue
		}
		res, err := e.ex.GetOrderStatus(ctx, so.Symbol, so.ClientOrderID, so.ExchangeOrderID)
		if err != nil {
			log.Warn("reconcile: venue query failed",
				"symbol", so.Symbol, "client_order_id", so.ClientOrderID, "error", err)
			continue
		}

		if res.Status.IsTerminal() {
			e.appendEvent(ctx, log, store.OrderEvent{
				TraceID: traceID, Symbol: so.Symbol, ClientOrderID: so.ClientOrderID,
				ExchangeOrderID: res.ExchangeOrderID,
				EventType:       res.Status, Side: so.Side, Qty: so.Qty,
				Price: res.AvgPrice, Status: string(res.Status),
				ReasonCode: ReasonReconcile, Reason: "terminal status observed during reconciliation",
				Payload: map[string]interface{}{"venue_status": res.RawStatus},
			})
			e.metrics.ReconciledTotal.WithLabelValues(e.cfg.Exchange, so.Symbol).Inc()
		}

		// Always record the observation, terminal or not.
		e.appendEvent(ctx, log, store.OrderEvent{
			TraceID: traceID, Symbol: so.Symbol, ClientOrderID: so.ClientOrderID,
			ExchangeOrderID: res.ExchangeOrderID,
			EventType:       core.OrderStatusReconciled, Side: so.Side, Qty: so.Qty,
			Status: string(res.Status), ReasonCode: ReasonReconcile,
			Reason:  "reconciliation observation",
			Payload: map[string]interface{}{"venue_status": res.RawStatus},
		})
	}
}
