package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Position is the latest position_snapshots row for a symbol. The table
// itself is append-only; "current" is the max id per symbol.
type Position struct {
	ID            int64
	Symbol        string
	BaseQty       decimal.Decimal
	AvgEntryPrice *decimal.Decimal
	Meta          map[string]interface{}
}

// StopPrice reads meta.stop_price, falling back to recomputing it from
// avg_entry_price and meta.stop_dist_pct.
func (p *Position) StopPrice() (decimal.Decimal, bool) {
	if p.Meta != nil {
		if raw, ok := p.Meta["stop_price"]; ok {
			if d, err := decimal.NewFromString(fmt.Sprintf("%v", raw)); err == nil {
				return d, true
			}
		}
		if p.AvgEntryPrice != nil {
			if raw, ok := p.Meta["stop_dist_pct"]; ok {
				if pct, err := decimal.NewFromString(fmt.Sprintf("%v", raw)); err == nil {
					return p.AvgEntryPrice.Mul(decimal.NewFromInt(1).Sub(pct)), true
				}
			}
		}
	}
	return decimal.Zero, false
}

// SavePositionSnapshot appends a new snapshot row. avgEntry may be nil
// for a flat position.
func (s *Store) SavePositionSnapshot(ctx context.Context, symbol string, baseQty decimal.Decimal, avgEntry *decimal.Decimal, meta map[string]interface{}) error {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot meta: %w", err)
	}
	var entry interface{}
	if avgEntry != nil {
		entry = avgEntry.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO position_snapshots (symbol, base_qty, avg_entry_price, meta_json)
		VALUES (?, ?, ?, ?)`,
		symbol, baseQty.String(), entry, string(metaJSON))
	return err
}

// LatestPosition returns the newest snapshot for symbol, or nil when the
// symbol has never had one.
func (s *Store) LatestPosition(ctx context.Context, symbol string) (*Position, error) {
	var (
		p        Position
		qty      string
		avgEntry sql.NullString
		metaJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, base_qty, avg_entry_price, meta_json
		FROM position_snapshots
		WHERE symbol = ?
		ORDER BY id DESC LIMIT 1`,
		symbol).Scan(&p.ID, &qty, &avgEntry, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Symbol = symbol
	if p.BaseQty, err = decimal.NewFromString(qty); err != nil {
		return nil, err
	}
	if avgEntry.Valid {
		d, err := decimal.NewFromString(avgEntry.String)
		if err != nil {
			return nil, err
		}
		p.AvgEntryPrice = &d
	}
	if err := json.Unmarshal([]byte(metaJSON), &p.Meta); err != nil {
		// A corrupt meta blob must not hide the position itself.
		p.Meta = map[string]interface{}{}
	}
	return &p, nil
}

// OpenPositionCount counts symbols whose latest snapshot has base_qty > 0.
func (s *Store) OpenPositionCount(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.base_qty
		FROM position_snapshots p
		JOIN (
			SELECT symbol, MAX(id) AS max_id FROM position_snapshots GROUP BY symbol
		) latest ON latest.max_id = p.id`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var qty string
		if err := rows.Scan(&qty); err != nil {
			return 0, err
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return 0, err
		}
		if d.IsPositive() {
			n++
		}
	}
	return n, rows.Err()
}

// OpenPositionSymbols lists symbols whose latest snapshot is long.
func (s *Store) OpenPositionSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.symbol, p.base_qty
		FROM position_snapshots p
		JOIN (
			SELECT symbol, MAX(id) AS max_id FROM position_snapshots GROUP BY symbol
		) latest ON latest.max_id = p.id
		ORDER BY p.symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym, qty string
		if err := rows.Scan(&sym, &qty); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, err
		}
		if d.IsPositive() {
			out = append(out, sym)
		}
	}
	return out, rows.Err()
}
