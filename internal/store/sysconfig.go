package store

import (
	"context"
	"database/sql"
	"strings"
)

// Well-known system_config keys.
const (
	KeyHaltTrading       = "HALT_TRADING"
	KeyEmergencyExit     = "EMERGENCY_EXIT"
	KeyArchiveLastHKDate = "ARCHIVE_LAST_HK_DATE"
)

// ConfigAuditRow is one append-only config_audit row.
type ConfigAuditRow struct {
	ID         int64
	Actor      string
	Action     string
	CfgKey     string
	OldValue   *string
	NewValue   string
	TraceID    string
	ReasonCode string
	Reason     string
}

// GetConfigValue reads one system_config value.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// GetFlag reads a boolean-ish config value ("true"/"false").
func (s *Store) GetFlag(ctx context.Context, key string, def bool) (bool, error) {
	v, ok, err := s.GetConfigValue(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return strings.EqualFold(strings.TrimSpace(v), "true"), nil
}

// SetConfigValue upserts a system_config row and inserts the paired
// config_audit row in the same transaction. Every config write in the
// system goes through here; there is no unaudited path.
func (s *Store) SetConfigValue(ctx context.Context, actor, key, value, traceID, reasonCode, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var oldValue interface{}
	var old string
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM system_config WHERE key = ?`, key).Scan(&old)
	switch err {
	case nil:
		oldValue = old
	case sql.ErrNoRows:
		oldValue = nil
	default:
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO system_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config_audit (actor, action, cfg_key, old_value, new_value, trace_id, reason_code, reason)
		VALUES (?, 'SET', ?, ?, ?, ?, ?, ?)`,
		actor, key, oldValue, value, traceID, reasonCode, reason); err != nil {
		return err
	}

	return tx.Commit()
}

// ConfigAuditForKey lists audit rows for one key, newest first.
func (s *Store) ConfigAuditForKey(ctx context.Context, key string, limit int) ([]ConfigAuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, cfg_key, old_value, new_value, trace_id, reason_code, reason
		FROM config_audit
		WHERE cfg_key = ?
		ORDER BY id DESC LIMIT ?`,
		key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConfigAuditRow
	for rows.Next() {
		var (
			r   ConfigAuditRow
			old sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Actor, &r.Action, &r.CfgKey, &old,
			&r.NewValue, &r.TraceID, &r.ReasonCode, &r.Reason); err != nil {
			return nil, err
		}
		if old.Valid {
			v := old.String
			r.OldValue = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListConfig returns all system_config rows.
func (s *Store) ListConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM system_config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
