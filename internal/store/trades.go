package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

// TradeLog is one opened trade: inserted on entry fill, updated on close.
type TradeLog struct {
	ID              int64
	TraceID         string
	Symbol          string
	Side            core.Side
	Qty             decimal.Decimal
	Leverage        int
	StopDistPct     float64
	StopPrice       *decimal.Decimal
	ClientOrderID   string
	ExchangeOrderID string
	RobotScore      float64
	AIProb          *float64
	OpenReasonCode  string
	OpenReason      string
	EntryTimeMS     int64
	EntryPrice      *decimal.Decimal
	FeaturesJSON    string
}

// TradeClose carries the fields written when a trade is closed.
type TradeClose struct {
	CloseReasonCode string
	CloseReason     string
	ExitTimeMS      int64
	ExitPrice       *decimal.Decimal
	Pnl             *decimal.Decimal
}

// ClosedTrade is what the online trainer consumes: the stored feature
// vector and the realized binary label.
type ClosedTrade struct {
	ID           int64
	Symbol       string
	FeaturesJSON string
	Label        int
}

// InsertTradeLog records a newly opened trade with status OPEN.
func (s *Store) InsertTradeLog(ctx context.Context, t TradeLog) (int64, error) {
	var stopPrice, entryPrice, aiProb interface{}
	if t.StopPrice != nil {
		stopPrice = t.StopPrice.String()
	}
	if t.EntryPrice != nil {
		entryPrice = t.EntryPrice.String()
	}
	if t.AIProb != nil {
		aiProb = *t.AIProb
	}
	features := t.FeaturesJSON
	if features == "" {
		features = "{}"
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_logs
		  (trace_id, symbol, side, qty, leverage, stop_dist_pct, stop_price,
		   client_order_id, exchange_order_id, robot_score, ai_prob,
		   open_reason_code, open_reason, entry_time_ms, entry_price, features_json, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'OPEN')`,
		t.TraceID, t.Symbol, string(t.Side), t.Qty.String(), t.Leverage, t.StopDistPct, stopPrice,
		t.ClientOrderID, t.ExchangeOrderID, t.RobotScore, aiProb,
		t.OpenReasonCode, t.OpenReason, t.EntryTimeMS, entryPrice, features)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade log: %w", err)
	}
	return res.LastInsertId()
}

// OpenTrade returns the newest OPEN trade for symbol, or nil.
func (s *Store) OpenTrade(ctx context.Context, symbol string) (*TradeLog, error) {
	var (
		t          TradeLog
		side       string
		qty        string
		stopPrice  sql.NullString
		entryPrice sql.NullString
		entryTime  sql.NullInt64
		aiProb     sql.NullFloat64
		exOrderID  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, side, qty, leverage, stop_dist_pct, stop_price,
		       client_order_id, exchange_order_id, robot_score, ai_prob,
		       entry_time_ms, entry_price, features_json
		FROM trade_logs
		WHERE symbol = ? AND status = 'OPEN'
		ORDER BY id DESC LIMIT 1`,
		symbol).Scan(&t.ID, &t.TraceID, &side, &qty, &t.Leverage, &t.StopDistPct, &stopPrice,
		&t.ClientOrderID, &exOrderID, &t.RobotScore, &aiProb,
		&entryTime, &entryPrice, &t.FeaturesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Symbol = symbol
	t.Side = core.Side(side)
	if t.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, err
	}
	if stopPrice.Valid {
		d, err := decimal.NewFromString(stopPrice.String)
		if err != nil {
			return nil, err
		}
		t.StopPrice = &d
	}
	if entryPrice.Valid {
		d, err := decimal.NewFromString(entryPrice.String)
		if err != nil {
			return nil, err
		}
		t.EntryPrice = &d
	}
	if entryTime.Valid {
		t.EntryTimeMS = entryTime.Int64
	}
	if aiProb.Valid {
		v := aiProb.Float64
		t.AIProb = &v
	}
	if exOrderID.Valid {
		t.ExchangeOrderID = exOrderID.String
	}
	return &t, nil
}

// CloseTradeLog marks trade id CLOSED, recording exit price, pnl and the
// binary label (1 iff pnl > 0; NULL when pnl is unknown).
func (s *Store) CloseTradeLog(ctx context.Context, id int64, c TradeClose) error {
	var exitPrice, pnl, label interface{}
	if c.ExitPrice != nil {
		exitPrice = c.ExitPrice.String()
	}
	if c.Pnl != nil {
		pnl = c.Pnl.String()
		if c.Pnl.IsPositive() {
			label = 1
		} else {
			label = 0
		}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE trade_logs
		SET status = 'CLOSED', close_reason_code = ?, close_reason = ?,
		    exit_time_ms = ?, exit_price = ?, pnl = ?, label = ?
		WHERE id = ?`,
		c.CloseReasonCode, c.CloseReason, c.ExitTimeMS, exitPrice, pnl, label, id)
	return err
}

// ClosedTradesAfter returns closed, labeled trades with id > afterID in
// close order, for the online trainer.
func (s *Store) ClosedTradesAfter(ctx context.Context, afterID int64, limit int) ([]ClosedTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, features_json, label
		FROM trade_logs
		WHERE status = 'CLOSED' AND label IS NOT NULL AND id > ?
		ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClosedTrade
	for rows.Next() {
		var t ClosedTrade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.FeaturesJSON, &t.Label); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FeaturesVector decodes the stored feature json into the model's input
// order. Missing values become 0, a missing rsi becomes 50.
func (t *ClosedTrade) FeaturesVector(order []string) []float64 {
	var m map[string]interface{}
	_ = json.Unmarshal([]byte(t.FeaturesJSON), &m)
	out := make([]float64, len(order))
	for i, key := range order {
		if m != nil {
			if raw, ok := m[key]; ok && raw != nil {
				if f, ok := raw.(float64); ok {
					out[i] = f
					continue
				}
			}
		}
		if key == "rsi" {
			out[i] = 50
		}
	}
	return out
}
