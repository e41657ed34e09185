package store

import (
	"context"
	"fmt"
)

// archiveSpec pairs a hot table with its history counterpart. The column
// list is explicit because history tables carry an extra archived_at
// column with DEFAULT CURRENT_TIMESTAMP.
type archiveSpec struct {
	src     string
	dst     string
	columns string
}

var archiveSpecs = []archiveSpec{
	{"market_data", "market_data_history",
		"symbol,interval_minutes,open_time_ms,close_time_ms,open_price,high_price,low_price,close_price,volume,created_at"},
	{"market_data_cache", "market_data_cache_history",
		"symbol,interval_minutes,open_time_ms,ema_fast,ema_slow,rsi,features_json,created_at"},
	{"order_events", "order_events_history",
		"id,created_at,trace_id,service,exchange,symbol,client_order_id,exchange_order_id,event_type,side,qty,price,status,reason_code,reason,payload_json"},
	{"trade_logs", "trade_logs_history",
		"id,created_at,trace_id,symbol,side,qty,leverage,stop_dist_pct,stop_price,client_order_id,exchange_order_id,robot_score,ai_prob,open_reason_code,open_reason,close_reason_code,close_reason,entry_time_ms,exit_time_ms,entry_price,exit_price,pnl,features_json,label,status"},
	{"position_snapshots", "position_snapshots_history",
		"id,created_at,symbol,base_qty,avg_entry_price,meta_json"},
}

// ArchiveOldRows moves rows older than cutoffDays from every hot table to
// its history counterpart, deletes the hot rows, and records one
// archive_audit row. Each table moves inside its own transaction so a
// mid-run failure leaves whole tables either moved or untouched; rerunning
// moves nothing extra because the cutoff predicate is the same.
func (s *Store) ArchiveOldRows(ctx context.Context, cutoffDays int, traceID, message string) (int64, error) {
	cutoff := fmt.Sprintf("-%d days", cutoffDays)
	var movedTotal int64

	for _, spec := range archiveSpecs {
		moved, err := s.archiveTable(ctx, spec, cutoff)
		if err != nil {
			return movedTotal, fmt.Errorf("archive %s: %w", spec.src, err)
		}
		movedTotal += moved
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_audit (trace_id, table_name, cutoff_days, moved_rows, message)
		VALUES (?, 'ALL', ?, ?, ?)`,
		traceID, cutoffDays, movedTotal, message); err != nil {
		return movedTotal, err
	}
	return movedTotal, nil
}

func (s *Store) archiveTable(ctx context.Context, spec archiveSpec, cutoff string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (%s) SELECT %s FROM %s WHERE created_at < datetime('now', ?)`,
		spec.dst, spec.columns, spec.columns, spec.src), cutoff)
	if err != nil {
		return 0, err
	}
	moved, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE created_at < datetime('now', ?)`, spec.src), cutoff); err != nil {
		return 0, err
	}
	return moved, tx.Commit()
}
