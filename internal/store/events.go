package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

// OrderEvent is one append-only audit row in order_events.
type OrderEvent struct {
	TraceID         string
	Service         string
	Exchange        string
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	EventType       core.OrderStatus
	Side            core.Side
	Qty             decimal.Decimal
	Price           *decimal.Decimal
	Status          string
	ReasonCode      string
	Reason          string
	Payload         map[string]interface{}
}

// StuckOrder is a (exchange, symbol, client_order_id) key whose latest
// event is still non-terminal and older than the reconciliation age.
type StuckOrder struct {
	TraceID         string
	Exchange        string
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	EventType       core.OrderStatus
	Side            core.Side
	Qty             decimal.Decimal
}

// AppendOrderEvent inserts one lifecycle event. A duplicate on
// (exchange, symbol, client_order_id, event_type) means another retry of
// the same transition already recorded it; that is swallowed as success.
func (s *Store) AppendOrderEvent(ctx context.Context, ev OrderEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal order event payload: %w", err)
	}

	var price interface{}
	if ev.Price != nil {
		price = ev.Price.String()
	}
	var exchangeOrderID interface{}
	if ev.ExchangeOrderID != "" {
		exchangeOrderID = ev.ExchangeOrderID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_events
		  (trace_id, service, exchange, symbol, client_order_id, exchange_order_id,
		   event_type, side, qty, price, status, reason_code, reason, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TraceID, ev.Service, ev.Exchange, ev.Symbol, ev.ClientOrderID, exchangeOrderID,
		string(ev.EventType), string(ev.Side), ev.Qty.String(), price,
		ev.Status, ev.ReasonCode, ev.Reason, string(payloadJSON))
	if isUniqueViolation(err, "order_events") {
		return nil
	}
	return err
}

// CountEvents returns the number of rows for one (exchange, symbol,
// client_order_id, event_type) tuple. Invariant: always 0 or 1.
func (s *Store) CountEvents(ctx context.Context, exchange, symbol, clientOrderID string, eventType core.OrderStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM order_events
		WHERE exchange = ? AND symbol = ? AND client_order_id = ? AND event_type = ?`,
		exchange, symbol, clientOrderID, string(eventType)).Scan(&n)
	return n, err
}

// StuckOrders returns keys whose most recent event is CREATED or
// SUBMITTED and older than minAge, capped at limit. These feed the
// reconciliation pass.
func (s *Store) StuckOrders(ctx context.Context, minAge time.Duration, limit int) ([]StuckOrder, error) {
	cutoff := fmt.Sprintf("-%d seconds", int(minAge.Seconds()))
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.trace_id, e.exchange, e.symbol, e.client_order_id,
		       COALESCE(e.exchange_order_id, ''), e.event_type, e.side, e.qty
		FROM order_events e
		JOIN (
			SELECT exchange, symbol, client_order_id, MAX(id) AS max_id
			FROM order_events
			GROUP BY exchange, symbol, client_order_id
		) latest ON latest.max_id = e.id
		WHERE e.event_type IN ('CREATED', 'SUBMITTED')
		  AND e.created_at < datetime('now', ?)
		ORDER BY e.id ASC
		LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StuckOrder
	for rows.Next() {
		var (
			so        StuckOrder
			eventType string
			side      string
			qty       string
		)
		if err := rows.Scan(&so.TraceID, &so.Exchange, &so.Symbol, &so.ClientOrderID,
			&so.ExchangeOrderID, &eventType, &side, &qty); err != nil {
			return nil, err
		}
		so.EventType = core.OrderStatus(eventType)
		so.Side = core.Side(side)
		if so.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		out = append(out, so)
	}
	return out, rows.Err()
}
