package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertHeartbeat records a service instance's liveness and last-cycle
// outcome in service_status.
func (s *Store) UpsertHeartbeat(ctx context.Context, serviceName, instanceID string, status map[string]interface{}) error {
	if status == nil {
		status = map[string]interface{}{}
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat status: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_status (service_name, instance_id, last_heartbeat, status_json)
		VALUES (?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT (service_name, instance_id) DO UPDATE SET
		  last_heartbeat = CURRENT_TIMESTAMP,
		  status_json = excluded.status_json`,
		serviceName, instanceID, string(statusJSON))
	return err
}

// HeartbeatAge returns how long ago the named service last beat, across
// all its instances.
func (s *Store) HeartbeatAge(ctx context.Context, serviceName string) (time.Duration, bool, error) {
	var last string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_heartbeat FROM service_status
		WHERE service_name = ?
		ORDER BY last_heartbeat DESC LIMIT 1`,
		serviceName).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	// go-sqlite3 returns DATETIME columns as RFC3339 text; the raw
	// CURRENT_TIMESTAMP layout is accepted as well.
	t, err := time.Parse(time.RFC3339Nano, last)
	if err != nil {
		t, err = time.Parse("2006-01-02 15:04:05", last)
	}
	if err != nil {
		return 0, false, err
	}
	return time.Since(t.UTC()), true, nil
}
