package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertTelemetry appends one telemetry row.
func (s *Store) InsertTelemetry(ctx context.Context, t *Telemetry) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO telemetry (miner_id, timestamp, hashrate, hashrate_unit,
				temperature, power_watts, shares_accepted, shares_rejected, pool_in_use, data)
			VALUES (:miner_id, :timestamp, :hashrate, :hashrate_unit,
				:temperature, :power_watts, :shares_accepted, :shares_rejected, :pool_in_use, :data)`, t)
		if err != nil {
			return err
		}
		t.ID, err = res.LastInsertId()
		return err
	})
}

// LatestTelemetry returns the most recent telemetry row for a miner, or
// ErrNotFound if the miner has never reported. Served by the composite
// (miner_id, timestamp) index.
func (s *Store) LatestTelemetry(ctx context.Context, minerID int64) (*Telemetry, error) {
	var t Telemetry
	err := s.db.GetContext(ctx, &t, `
		SELECT * FROM telemetry WHERE miner_id = ?
		ORDER BY timestamp DESC LIMIT 1`, minerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TelemetrySince returns a miner's telemetry newer than since, ascending.
func (s *Store) TelemetrySince(ctx context.Context, minerID int64, since time.Time) ([]Telemetry, error) {
	var rows []Telemetry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM telemetry WHERE miner_id = ? AND timestamp >= ?
		ORDER BY timestamp`, minerID, since)
	return rows, err
}

// RecentTelemetry returns the newest rows across all miners, for the cloud
// push sink.
func (s *Store) RecentTelemetry(ctx context.Context, since time.Time, limit int) ([]Telemetry, error) {
	var rows []Telemetry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM telemetry WHERE timestamp >= ?
		ORDER BY timestamp DESC LIMIT ?`, since, limit)
	return rows, err
}

// PoolShareTotals sums accepted and rejected shares from telemetry since
// the given time whose pool_in_use references hostPort.
func (s *Store) PoolShareTotals(ctx context.Context, hostPort string, since time.Time) (accepted, rejected int64, err error) {
	row := struct {
		Accepted int64 `db:"accepted"`
		Rejected int64 `db:"rejected"`
	}{}
	err = s.db.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(shares_accepted), 0) AS accepted,
		       COALESCE(SUM(shares_rejected), 0) AS rejected
		FROM telemetry
		WHERE timestamp >= ? AND pool_in_use LIKE '%' || ? || '%'`, since, hostPort)
	return row.Accepted, row.Rejected, err
}

// PurgeTelemetry deletes rows older than before and reports how many went.
func (s *Store) PurgeTelemetry(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry WHERE timestamp < ?`, before)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
