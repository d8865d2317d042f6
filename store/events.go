package store

import (
	"context"
	"time"
)

// InsertEvent appends an event row.
func (s *Store) InsertEvent(ctx context.Context, e *Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO events (timestamp, event_type, source, message, data)
			VALUES (:timestamp, :event_type, :source, :message, :data)`, e)
		if err != nil {
			return err
		}
		e.ID, err = res.LastInsertId()
		return err
	})
}

// Emit is the short form used by the control loops.
func (s *Store) Emit(ctx context.Context, eventType, source, message string, data JSONMap) {
	if err := s.InsertEvent(ctx, &Event{
		EventType: eventType,
		Source:    source,
		Message:   message,
		Data:      data,
	}); err != nil {
		s.log.Error("failed to record event",
			"source", source,
			"message", message,
			"error", err)
	}
}

// ListEvents returns the newest events.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT * FROM events ORDER BY timestamp DESC LIMIT ?`, limit)
	return events, err
}

// PurgeEvents deletes events older than before.
func (s *Store) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ClearEvents empties the event table.
func (s *Store) ClearEvents(ctx context.Context) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM events`)
		return err
	})
}

// InsertAudit appends an audit row.
func (s *Store) InsertAudit(ctx context.Context, a *AuditLog) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO audit_logs (timestamp, actor, action, resource_type,
				resource_id, resource_name, changes, status, error_message)
			VALUES (:timestamp, :actor, :action, :resource_type,
				:resource_id, :resource_name, :changes, :status, :error_message)`, a)
		if err != nil {
			return err
		}
		a.ID, err = res.LastInsertId()
		return err
	})
}

// ListAudit returns the newest audit rows.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditLog, error) {
	var logs []AuditLog
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM audit_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	return logs, err
}

// UpsertDailyStat writes one row of the long-term analytics table.
func (s *Store) UpsertDailyStat(ctx context.Context, d *DailyStat) error {
	return s.withRetry(func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO daily_stats (miner_id, day, avg_hashrate, hashrate_unit,
				avg_power_watts, energy_cost, samples)
			VALUES (:miner_id, :day, :avg_hashrate, :hashrate_unit,
				:avg_power_watts, :energy_cost, :samples)
			ON CONFLICT (miner_id, day) DO UPDATE SET
				avg_hashrate = excluded.avg_hashrate,
				hashrate_unit = excluded.hashrate_unit,
				avg_power_watts = excluded.avg_power_watts,
				energy_cost = excluded.energy_cost,
				samples = excluded.samples`, d)
		return err
	})
}
