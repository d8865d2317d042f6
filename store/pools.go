package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

func (s *Store) CreatePool(ctx context.Context, p *Pool) error {
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO pools (name, host, port, user, password, enabled, priority,
				network_difficulty, difficulty_updated, best_share)
			VALUES (:name, :host, :port, :user, :password, :enabled, :priority,
				:network_difficulty, :difficulty_updated, :best_share)`, p)
		if err != nil {
			return err
		}
		p.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) GetPool(ctx context.Context, id int64) (*Pool, error) {
	var p Pool
	err := s.db.GetContext(ctx, &p, `SELECT * FROM pools WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPools(ctx context.Context) ([]Pool, error) {
	var pools []Pool
	err := s.db.SelectContext(ctx, &pools, `SELECT * FROM pools ORDER BY id`)
	return pools, err
}

func (s *Store) ListEnabledPools(ctx context.Context) ([]Pool, error) {
	var pools []Pool
	err := s.db.SelectContext(ctx, &pools, `SELECT * FROM pools WHERE enabled = 1 ORDER BY id`)
	return pools, err
}

func (s *Store) UpdatePool(ctx context.Context, p *Pool) error {
	return s.withRetry(func() error {
		_, err := s.db.NamedExecContext(ctx, `
			UPDATE pools SET name = :name, host = :host, port = :port, user = :user,
				password = :password, enabled = :enabled, priority = :priority,
				network_difficulty = :network_difficulty, difficulty_updated = :difficulty_updated,
				best_share = :best_share
			WHERE id = :id`, p)
		return err
	})
}

func (s *Store) DeletePool(ctx context.Context, id int64) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM pools WHERE id = ?`, id)
		return err
	})
}

// FindPoolByHostPort matches a pool by host and port, case-insensitive on
// host. Used by the slot sync to link device slots back to pool rows.
func (s *Store) FindPoolByHostPort(ctx context.Context, host string, port int) (*Pool, error) {
	var p Pool
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM pools WHERE lower(host) = lower(?) AND port = ?`, host, port)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindSoloPoolForCoin returns the enabled pool configured for a coin's solo
// mining, matched by the coin symbol leading the pool name ("BTC solo",
// "BCH solopool", ...). ErrNotFound when no pool qualifies; the Agile
// strategy treats that as an invariant violation.
func (s *Store) FindSoloPoolForCoin(ctx context.Context, coin string) (*Pool, error) {
	var p Pool
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM pools
		WHERE enabled = 1 AND lower(name) LIKE lower(?) || '%'
		ORDER BY priority DESC, id LIMIT 1`, coin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPoolNetworkDifficulty stores a freshly fetched network difficulty and
// stamps it so consumers can detect staleness.
func (s *Store) SetPoolNetworkDifficulty(ctx context.Context, id int64, difficulty float64) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE pools SET network_difficulty = ?, difficulty_updated = ? WHERE id = ?`,
			difficulty, time.Now().UTC(), id)
		return err
	})
}

// SetPoolBestShare records the best share seen for a pool.
func (s *Store) SetPoolBestShare(ctx context.Context, id int64, share float64) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE pools SET best_share = ? WHERE id = ?`, share, id)
		return err
	})
}

// ReplaceMinerPoolSlots rewrites a fixed-slot miner's mirrored slot table
// in place. PoolID is resolved against existing pool rows by host:port.
func (s *Store) ReplaceMinerPoolSlots(ctx context.Context, minerID int64, slots []MinerPoolSlot) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM miner_pool_slots WHERE miner_id = ?`, minerID); err != nil {
			return err
		}
		for i := range slots {
			slot := &slots[i]
			slot.MinerID = minerID
			slot.LastSeen = now

			var poolID int64
			err := tx.GetContext(ctx, &poolID,
				`SELECT id FROM pools WHERE lower(host) = lower(?) AND port = ?`,
				strings.TrimSpace(slot.PoolURL), slot.PoolPort)
			switch {
			case err == nil:
				slot.PoolID = &poolID
			case errors.Is(err, sql.ErrNoRows):
				slot.PoolID = nil
			default:
				return err
			}

			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO miner_pool_slots (miner_id, slot_number, pool_id, pool_url,
					pool_port, pool_user, is_active, last_seen)
				VALUES (:miner_id, :slot_number, :pool_id, :pool_url,
					:pool_port, :pool_user, :is_active, :last_seen)`, slot); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMinerPoolSlots returns a miner's mirrored slots ordered by slot number.
func (s *Store) GetMinerPoolSlots(ctx context.Context, minerID int64) ([]MinerPoolSlot, error) {
	var slots []MinerPoolSlot
	err := s.db.SelectContext(ctx, &slots,
		`SELECT * FROM miner_pool_slots WHERE miner_id = ? ORDER BY slot_number`, minerID)
	return slots, err
}
