package store

import (
	"context"
	"time"
)

// InsertPoolHealth appends one health check result.
func (s *Store) InsertPoolHealth(ctx context.Context, h *PoolHealth) error {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO pool_health (pool_id, timestamp, is_reachable, response_time_ms,
				reject_rate, shares_accepted, shares_rejected, health_score,
				luck_percentage, error_message)
			VALUES (:pool_id, :timestamp, :is_reachable, :response_time_ms,
				:reject_rate, :shares_accepted, :shares_rejected, :health_score,
				:luck_percentage, :error_message)`, h)
		if err != nil {
			return err
		}
		h.ID, err = res.LastInsertId()
		return err
	})
}

// RecentPoolHealth returns the newest n checks for a pool, newest first.
// The failover rules and the load-balance scorer both read this window.
func (s *Store) RecentPoolHealth(ctx context.Context, poolID int64, n int) ([]PoolHealth, error) {
	var rows []PoolHealth
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM pool_health WHERE pool_id = ?
		ORDER BY timestamp DESC LIMIT ?`, poolID, n)
	return rows, err
}

// PoolFailureCount counts unreachable checks for a pool since the given time.
func (s *Store) PoolFailureCount(ctx context.Context, poolID int64, since time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM pool_health
		WHERE pool_id = ? AND timestamp >= ? AND is_reachable = 0`, poolID, since)
	return n, err
}

// PurgePoolHealth deletes checks older than before.
func (s *Store) PurgePoolHealth(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM pool_health WHERE timestamp < ?`, before)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// InsertHealthScore appends an hourly miner health snapshot.
func (s *Store) InsertHealthScore(ctx context.Context, h *HealthScore) error {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO health_scores (miner_id, timestamp, overall_score,
				uptime_score, thermal_score, share_score, hashrate_score)
			VALUES (:miner_id, :timestamp, :overall_score,
				:uptime_score, :thermal_score, :share_score, :hashrate_score)`, h)
		if err != nil {
			return err
		}
		h.ID, err = res.LastInsertId()
		return err
	})
}

// RecentHealthScores returns a miner's newest score rows.
func (s *Store) RecentHealthScores(ctx context.Context, minerID int64, n int) ([]HealthScore, error) {
	var rows []HealthScore
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM health_scores WHERE miner_id = ?
		ORDER BY timestamp DESC LIMIT ?`, minerID, n)
	return rows, err
}
