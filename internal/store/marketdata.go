package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tommyca/opensqt-trading-engine/internal/core"
)

// CacheRow is one derived-indicator row keyed like market_data.
type CacheRow struct {
	Symbol          string
	IntervalMinutes int
	OpenTimeMS      int64
	EmaFast         float64
	EmaSlow         float64
	RSI             *float64
	FeaturesJSON    string
}

// JoinedBar is the latest market_data row joined with its cache row, the
// input to signal evaluation.
type JoinedBar struct {
	OpenTimeMS   int64
	Close        decimal.Decimal
	EmaFast      *float64
	EmaSlow      *float64
	RSI          *float64
	FeaturesJSON string
}

// InsertBars appends klines with INSERT OR IGNORE on the composite key
// and returns how many rows were actually new.
func (s *Store) InsertBars(ctx context.Context, intervalMinutes int, bars []core.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO market_data
		  (symbol, interval_minutes, open_time_ms, close_time_ms,
		   open_price, high_price, low_price, close_price, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx,
			b.Symbol, intervalMinutes, b.OpenTimeMS, b.CloseTimeMS,
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String())
		if err != nil {
			return 0, fmt.Errorf("failed to insert bar %s@%d: %w", b.Symbol, b.OpenTimeMS, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

// LatestOpenTime returns the newest open_time_ms for (symbol, interval),
// or ok=false when no bars exist yet.
func (s *Store) LatestOpenTime(ctx context.Context, symbol string, intervalMinutes int) (int64, bool, error) {
	var ot int64
	err := s.db.QueryRowContext(ctx, `
		SELECT open_time_ms FROM market_data
		WHERE symbol = ? AND interval_minutes = ?
		ORDER BY open_time_ms DESC LIMIT 1`,
		symbol, intervalMinutes).Scan(&ot)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ot, true, nil
}

// RecentOpenTimes returns up to limit open times, ascending, from the
// newest window of bars. Used by the gap-fill scan.
func (s *Store) RecentOpenTimes(ctx context.Context, symbol string, intervalMinutes, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time_ms FROM (
			SELECT open_time_ms FROM market_data
			WHERE symbol = ? AND interval_minutes = ?
			ORDER BY open_time_ms DESC LIMIT ?
		) ORDER BY open_time_ms ASC`,
		symbol, intervalMinutes, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ot int64
		if err := rows.Scan(&ot); err != nil {
			return nil, err
		}
		out = append(out, ot)
	}
	return out, rows.Err()
}

// BarsRange returns bars in [fromMS, toMS], ascending.
func (s *Store) BarsRange(ctx context.Context, symbol string, intervalMinutes int, fromMS, toMS int64) ([]core.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time_ms, close_time_ms, open_price, high_price, low_price, close_price, volume
		FROM market_data
		WHERE symbol = ? AND interval_minutes = ? AND open_time_ms >= ? AND open_time_ms <= ?
		ORDER BY open_time_ms ASC`,
		symbol, intervalMinutes, fromMS, toMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Bar
	for rows.Next() {
		var b core.Bar
		var o, h, l, c, v string
		if err := rows.Scan(&b.OpenTimeMS, &b.CloseTimeMS, &o, &h, &l, &c, &v); err != nil {
			return nil, err
		}
		b.Symbol = symbol
		if b.Open, err = decimal.NewFromString(o); err != nil {
			return nil, fmt.Errorf("bad open_price at %d: %w", b.OpenTimeMS, err)
		}
		if b.High, err = decimal.NewFromString(h); err != nil {
			return nil, err
		}
		if b.Low, err = decimal.NewFromString(l); err != nil {
			return nil, err
		}
		if b.Close, err = decimal.NewFromString(c); err != nil {
			return nil, err
		}
		if b.Volume, err = decimal.NewFromString(v); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertCacheRows writes derived indicator rows, replacing values on the
// composite key.
func (s *Store) UpsertCacheRows(ctx context.Context, rows []CacheRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_data_cache
		  (symbol, interval_minutes, open_time_ms, ema_fast, ema_slow, rsi, features_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, interval_minutes, open_time_ms) DO UPDATE SET
		  ema_fast = excluded.ema_fast,
		  ema_slow = excluded.ema_slow,
		  rsi = excluded.rsi,
		  features_json = excluded.features_json`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		var rsi interface{}
		if r.RSI != nil {
			rsi = *r.RSI
		}
		if _, err := stmt.ExecContext(ctx,
			r.Symbol, r.IntervalMinutes, r.OpenTimeMS, r.EmaFast, r.EmaSlow, rsi, r.FeaturesJSON); err != nil {
			return fmt.Errorf("failed to upsert cache %s@%d: %w", r.Symbol, r.OpenTimeMS, err)
		}
	}
	return tx.Commit()
}

// LatestCacheOpenTime returns the newest cached open_time_ms, used for
// the data_sync_lag_ms heartbeat field.
func (s *Store) LatestCacheOpenTime(ctx context.Context, symbol string, intervalMinutes int) (int64, bool, error) {
	var ot int64
	err := s.db.QueryRowContext(ctx, `
		SELECT open_time_ms FROM market_data_cache
		WHERE symbol = ? AND interval_minutes = ?
		ORDER BY open_time_ms DESC LIMIT 1`,
		symbol, intervalMinutes).Scan(&ot)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ot, true, nil
}

// LatestJoinedBar reads the newest bar left-joined with its feature row.
func (s *Store) LatestJoinedBar(ctx context.Context, symbol string, intervalMinutes int) (*JoinedBar, error) {
	var (
		jb       JoinedBar
		closeStr string
		emaFast  sql.NullFloat64
		emaSlow  sql.NullFloat64
		rsi      sql.NullFloat64
		features sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT m.open_time_ms, m.close_price, c.ema_fast, c.ema_slow, c.rsi, c.features_json
		FROM market_data m
		LEFT JOIN market_data_cache c
		  ON c.symbol = m.symbol AND c.interval_minutes = m.interval_minutes AND c.open_time_ms = m.open_time_ms
		WHERE m.symbol = ? AND m.interval_minutes = ?
		ORDER BY m.open_time_ms DESC LIMIT 1`,
		symbol, intervalMinutes).Scan(&jb.OpenTimeMS, &closeStr, &emaFast, &emaSlow, &rsi, &features)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if jb.Close, err = decimal.NewFromString(closeStr); err != nil {
		return nil, err
	}
	if emaFast.Valid {
		v := emaFast.Float64
		jb.EmaFast = &v
	}
	if emaSlow.Valid {
		v := emaSlow.Float64
		jb.EmaSlow = &v
	}
	if rsi.Valid {
		v := rsi.Float64
		jb.RSI = &v
	}
	if features.Valid {
		jb.FeaturesJSON = features.String
	}
	return &jb, nil
}
