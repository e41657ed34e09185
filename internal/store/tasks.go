package store

import (
	"context"
	"fmt"
)

const maxTaskErrorLen = 2000

// EnqueueTasks creates PENDING precompute tasks for the given open times.
// Duplicate (symbol, interval, open_time_ms) tuples are ignored; returns
// the number of rows actually enqueued.
func (s *Store) EnqueueTasks(ctx context.Context, symbol string, intervalMinutes int, openTimes []int64, traceID string) (int, error) {
	if len(openTimes) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO precompute_tasks
		  (symbol, interval_minutes, open_time_ms, status, try_count, trace_id)
		VALUES (?, ?, ?, 'PENDING', 0, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	enqueued := 0
	for _, ot := range openTimes {
		res, err := stmt.ExecContext(ctx, symbol, intervalMinutes, ot, traceID)
		if err != nil {
			return 0, fmt.Errorf("failed to enqueue task %s@%d: %w", symbol, ot, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			enqueued++
		}
	}
	return enqueued, tx.Commit()
}

// PendingTasks returns up to limit PENDING open times in ascending order.
func (s *Store) PendingTasks(ctx context.Context, symbol string, intervalMinutes, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time_ms FROM precompute_tasks
		WHERE symbol = ? AND interval_minutes = ? AND status = 'PENDING'
		ORDER BY open_time_ms ASC LIMIT ?`,
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

// CountPendingTasks returns the PENDING queue depth for one symbol.
func (s *Store) CountPendingTasks(ctx context.Context, symbol string, intervalMinutes int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM precompute_tasks
		WHERE symbol = ? AND interval_minutes = ? AND status = 'PENDING'`,
		symbol, intervalMinutes).Scan(&n)
	return n, err
}

// MarkTasksDoneUpTo flips PENDING tasks at or below upToOpenTimeMS to
// DONE after their cache rows were written.
func (s *Store) MarkTasksDoneUpTo(ctx context.Context, symbol string, intervalMinutes int, upToOpenTimeMS int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE precompute_tasks
		SET status = 'DONE'
		WHERE symbol = ? AND interval_minutes = ? AND status = 'PENDING' AND open_time_ms <= ?`,
		symbol, intervalMinutes, upToOpenTimeMS)
	return err
}

// MarkTasksError records a failed compute attempt against the specific
// tasks, truncating the error text and bumping try_count.
func (s *Store) MarkTasksError(ctx context.Context, symbol string, intervalMinutes int, openTimes []int64, traceID, errText string) error {
	if len(openTimes) == 0 {
		return nil
	}
	if len(errText) > maxTaskErrorLen {
		errText = errText[:maxTaskErrorLen]
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE precompute_tasks
		SET status = 'ERROR', try_count = try_count + 1, last_error = ?, trace_id = ?
		WHERE symbol = ? AND interval_minutes = ? AND open_time_ms = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ot := range openTimes {
		if _, err := stmt.ExecContext(ctx, errText, traceID, symbol, intervalMinutes, ot); err != nil {
			return err
		}
	}
	return tx.Commit()
}
