package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// maxSharesPerMiner bounds the high_diff_shares table per miner.
const maxSharesPerMiner = 30

// BestShareDifficulty returns the highest recorded share difficulty for a
// miner, or 0 when none exists. The tracker compares candidates against it.
func (s *Store) BestShareDifficulty(ctx context.Context, minerID int64) (float64, error) {
	var best float64
	err := s.db.GetContext(ctx, &best, `
		SELECT COALESCE(MAX(difficulty), 0) FROM high_diff_shares WHERE miner_id = ?`, minerID)
	return best, err
}

// InsertHighDiffShare appends a share snapshot and trims the miner's rows
// back down to the retention cap in the same transaction, keeping the
// highest difficulties.
func (s *Store) InsertHighDiffShare(ctx context.Context, h *HighDiffShare) error {
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO high_diff_shares (miner_id, miner_name, coin, pool_name,
				difficulty, network_difficulty, hashrate, mode, was_block_solve, timestamp)
			VALUES (:miner_id, :miner_name, :coin, :pool_name,
				:difficulty, :network_difficulty, :hashrate, :mode, :was_block_solve, :timestamp)`, h)
		if err != nil {
			return err
		}
		if h.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM high_diff_shares
			WHERE miner_id = ? AND id NOT IN (
				SELECT id FROM high_diff_shares WHERE miner_id = ?
				ORDER BY difficulty DESC LIMIT ?)`,
			h.MinerID, h.MinerID, maxSharesPerMiner)
		return err
	})
}

// ListHighDiffShares returns a miner's shares, best first.
func (s *Store) ListHighDiffShares(ctx context.Context, minerID int64) ([]HighDiffShare, error) {
	var shares []HighDiffShare
	err := s.db.SelectContext(ctx, &shares, `
		SELECT * FROM high_diff_shares WHERE miner_id = ?
		ORDER BY difficulty DESC`, minerID)
	return shares, err
}

// PurgeHighDiffShares deletes shares older than before across all miners.
func (s *Store) PurgeHighDiffShares(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.withRetry(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM high_diff_shares WHERE timestamp < ?`, before)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// InsertBlockFound records a block solve. Rows are permanent.
func (s *Store) InsertBlockFound(ctx context.Context, b *BlockFound) error {
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}
	return s.withRetry(func() error {
		res, err := s.db.NamedExecContext(ctx, `
			INSERT INTO blocks_found (miner_id, miner_name, coin, pool_name,
				difficulty, network_difficulty, timestamp)
			VALUES (:miner_id, :miner_name, :coin, :pool_name,
				:difficulty, :network_difficulty, :timestamp)`, b)
		if err != nil {
			return err
		}
		b.ID, err = res.LastInsertId()
		return err
	})
}

// ListBlocksFound returns all recorded block solves, newest first.
func (s *Store) ListBlocksFound(ctx context.Context) ([]BlockFound, error) {
	var blocks []BlockFound
	err := s.db.SelectContext(ctx, &blocks,
		`SELECT * FROM blocks_found ORDER BY timestamp DESC`)
	return blocks, err
}

// LatestBlockFound returns the newest block solve, or ErrNotFound.
func (s *Store) LatestBlockFound(ctx context.Context) (*BlockFound, error) {
	var b BlockFound
	err := s.db.GetContext(ctx, &b,
		`SELECT * FROM blocks_found ORDER BY timestamp DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
