package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) CreatePoolStrategy(ctx context.Context, ps *PoolStrategy) error {
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO pool_strategies (name, strategy_type, enabled, pool_ids,
				miner_ids, config, current_pool_index, last_switch)
			VALUES (:name, :strategy_type, :enabled, :pool_ids,
				:miner_ids, :config, :current_pool_index, :last_switch)`, ps)
		if err != nil {
			return err
		}
		ps.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) GetPoolStrategy(ctx context.Context, id int64) (*PoolStrategy, error) {
	var ps PoolStrategy
	err := s.db.GetContext(ctx, &ps, `SELECT * FROM pool_strategies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

// ListActivePoolStrategies returns enabled strategies in id order. Running
// in id order makes the last-writer-wins overlap policy deterministic
// within a tick.
func (s *Store) ListActivePoolStrategies(ctx context.Context) ([]PoolStrategy, error) {
	var list []PoolStrategy
	err := s.db.SelectContext(ctx, &list,
		`SELECT * FROM pool_strategies WHERE enabled = 1 ORDER BY id`)
	return list, err
}

// UpdatePoolStrategyState persists the per-tick mutable fields. Called only
// after at least one miner switch succeeded, so a fully failed tick leaves
// the state untouched for retry.
func (s *Store) UpdatePoolStrategyState(ctx context.Context, id int64, index int, lastSwitch time.Time, cfg JSONMap) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pool_strategies SET current_pool_index = ?, last_switch = ?, config = ?
			WHERE id = ?`, index, lastSwitch, cfg, id)
		return err
	})
}

func (s *Store) UpdatePoolStrategy(ctx context.Context, ps *PoolStrategy) error {
	return s.withRetry(func() error {
		_, err := s.db.NamedExecContext(ctx, `
			UPDATE pool_strategies SET name = :name, strategy_type = :strategy_type,
				enabled = :enabled, pool_ids = :pool_ids, miner_ids = :miner_ids,
				config = :config, current_pool_index = :current_pool_index,
				last_switch = :last_switch
			WHERE id = :id`, ps)
		return err
	})
}

func (s *Store) DeletePoolStrategy(ctx context.Context, id int64) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM pool_strategies WHERE id = ?`, id)
		return err
	})
}

// InsertStrategyLog appends a pool-strategy tick outcome.
func (s *Store) InsertStrategyLog(ctx context.Context, l *StrategyLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO strategy_logs (strategy_id, timestamp, action, details)
			VALUES (:strategy_id, :timestamp, :action, :details)`, l)
		if err != nil {
			return err
		}
		l.ID, err = res.LastInsertId()
		return err
	})
}

// RecentStrategyLogs returns the newest log rows for a strategy.
func (s *Store) RecentStrategyLogs(ctx context.Context, strategyID int64, limit int) ([]StrategyLog, error) {
	var logs []StrategyLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM strategy_logs WHERE strategy_id = ?
		ORDER BY timestamp DESC LIMIT ?`, strategyID, limit)
	return logs, err
}
