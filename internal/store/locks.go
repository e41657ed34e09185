package store

import (
	"context"
	"fmt"
	"time"
)

// TickLockKey builds the per-(exchange, symbol, tick) lock key.
func TickLockKey(exchange, symbol string, tickEpoch int64) string {
	return fmt.Sprintf("lock:tick:%s:%s:%d", exchange, symbol, tickEpoch)
}

// AcquireTickLock attempts to take a TTL'd lock. Expired rows are swept
// first, then a single INSERT OR IGNORE decides ownership; losing the
// race returns false without error so the caller silently skips the
// symbol for this tick.
func (s *Store) AcquireTickLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := nowMS()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tick_locks WHERE expires_at_ms < ?`, now); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tick_locks (lock_key, owner, expires_at_ms)
		VALUES (?, ?, ?)`,
		key, owner, now+ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseTickLock drops the lock if still held by owner. Letting the TTL
// lapse instead is also safe; all guarded writes are idempotent.
func (s *Store) ReleaseTickLock(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tick_locks WHERE lock_key = ? AND owner = ?`, key, owner)
	return err
}
