package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateMiner inserts a new miner and returns it with the assigned id.
func (s *Store) CreateMiner(ctx context.Context, m *Miner) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO miners (name, family, host, port, current_mode, firmware_version,
				manual_power_watts, enabled, config, last_mode_change, created_at)
			VALUES (:name, :family, :host, :port, :current_mode, :firmware_version,
				:manual_power_watts, :enabled, :config, :last_mode_change, :created_at)`, m)
		if err != nil {
			return err
		}
		m.ID, err = res.LastInsertId()
		return err
	})
}

// GetMiner returns the miner with the given id, or ErrNotFound.
func (s *Store) GetMiner(ctx context.Context, id int64) (*Miner, error) {
	var m Miner
	err := s.db.GetContext(ctx, &m, `SELECT * FROM miners WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMiners returns every miner ordered by id.
func (s *Store) ListMiners(ctx context.Context) ([]Miner, error) {
	var miners []Miner
	err := s.db.SelectContext(ctx, &miners, `SELECT * FROM miners ORDER BY id`)
	return miners, err
}

// FindMinerByHost matches a miner by host. Used to attribute passive UDP
// frames to their miner row.
func (s *Store) FindMinerByHost(ctx context.Context, host string) (*Miner, error) {
	var m Miner
	err := s.db.GetContext(ctx, &m, `SELECT * FROM miners WHERE host = ? LIMIT 1`, host)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListEnabledMiners returns every enabled miner ordered by id.
func (s *Store) ListEnabledMiners(ctx context.Context) ([]Miner, error) {
	var miners []Miner
	err := s.db.SelectContext(ctx, &miners, `SELECT * FROM miners WHERE enabled = 1 ORDER BY id`)
	return miners, err
}

// ListEnabledMinersByFamily returns enabled miners of one family.
func (s *Store) ListEnabledMinersByFamily(ctx context.Context, family string) ([]Miner, error) {
	var miners []Miner
	err := s.db.SelectContext(ctx, &miners,
		`SELECT * FROM miners WHERE enabled = 1 AND family = ? ORDER BY id`, family)
	return miners, err
}

// UpdateMiner rewrites every mutable column of a miner.
func (s *Store) UpdateMiner(ctx context.Context, m *Miner) error {
	return s.withRetry(func() error {
		_, err := s.db.NamedExecContext(ctx, `
			UPDATE miners SET name = :name, family = :family, host = :host, port = :port,
				current_mode = :current_mode, firmware_version = :firmware_version,
				manual_power_watts = :manual_power_watts, enabled = :enabled,
				config = :config, last_mode_change = :last_mode_change
			WHERE id = :id`, m)
		return err
	})
}

// DeleteMiner removes a miner. Slot rows cascade.
func (s *Store) DeleteMiner(ctx context.Context, id int64) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM miners WHERE id = ?`, id)
		return err
	})
}

// SetMinerMode records an observed or applied mode change.
func (s *Store) SetMinerMode(ctx context.Context, id int64, mode string) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE miners SET current_mode = ?, last_mode_change = ? WHERE id = ?`,
			mode, time.Now().UTC(), id)
		return err
	})
}

// SetMinerFirmware updates the stored firmware string.
func (s *Store) SetMinerFirmware(ctx context.Context, id int64, firmware string) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE miners SET firmware_version = ? WHERE id = ?`, firmware, id)
		return err
	})
}

// EnrolledMinerIDs returns the ids of miners enrolled in the Agile Solo
// strategy.
func (s *Store) EnrolledMinerIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		`SELECT miner_id FROM miner_strategies WHERE strategy_enabled = 1 ORDER BY miner_id`)
	return ids, err
}

// IsMinerEnrolled reports whether a miner is enrolled in the Agile Solo
// strategy. The telemetry auto-detect path consults this before writing
// current_mode so the observer never fights the strategy controller.
func (s *Store) IsMinerEnrolled(ctx context.Context, minerID int64) (bool, error) {
	var enabled bool
	err := s.db.GetContext(ctx, &enabled,
		`SELECT strategy_enabled FROM miner_strategies WHERE miner_id = ?`, minerID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return enabled, err
}

// SetMinerEnrollment enrolls or unenrolls a miner in the Agile Solo strategy.
func (s *Store) SetMinerEnrollment(ctx context.Context, minerID int64, enabled bool) error {
	return s.withRetry(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO miner_strategies (miner_id, strategy_enabled) VALUES (?, ?)
			ON CONFLICT (miner_id) DO UPDATE SET strategy_enabled = excluded.strategy_enabled`,
			minerID, enabled)
		return err
	})
}
